package main

import (
	"os"

	"github.com/malbeclabs/querypilot/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
