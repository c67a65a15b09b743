package datasource

import (
	"fmt"
	"sort"
	"strings"
)

// Driver names the engine behind a data source. It doubles as the SQL
// dialect hint given to the generator.
type Driver string

const (
	DriverClickHouse Driver = "clickhouse"
	DriverPostgres   Driver = "postgres"
	DriverDuckDB     Driver = "duckdb"
)

func (d Driver) Valid() bool {
	switch d {
	case DriverClickHouse, DriverPostgres, DriverDuckDB:
		return true
	}
	return false
}

type Column struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Table is identified by its ID, which is the name a query uses to reference
// it: "name" for the default schema, "schema.name" otherwise.
type Table struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Columns     []Column `json:"columns" yaml:"columns"`
}

func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Schema is the table/column metadata of one data source.
type Schema struct {
	DataSourceID string  `json:"dataSourceId"`
	Driver       Driver  `json:"driver"`
	Tables       []Table `json:"tables"`
}

func (s Schema) Table(id string) (Table, bool) {
	for _, t := range s.Tables {
		if strings.EqualFold(t.ID, id) {
			return t, true
		}
	}
	return Table{}, false
}

// Subset returns the tables with the given ids, in the order given. Unknown
// ids are skipped.
func (s Schema) Subset(ids []string) []Table {
	tables := make([]Table, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.Table(id); ok {
			tables = append(tables, t)
		}
	}
	return tables
}

// Summary renders the schema for a model prompt.
func (s Schema) Summary() string {
	return SummarizeTables(s.Driver, s.Tables)
}

func SummarizeTables(driver Driver, tables []Table) string {
	var sb strings.Builder
	if driver != "" {
		fmt.Fprintf(&sb, "Dialect: %s\n\n", driver)
	}
	for _, t := range tables {
		fmt.Fprintf(&sb, "## %s\n", t.ID)
		if t.Description != "" {
			fmt.Fprintf(&sb, "%s\n", t.Description)
		}
		for _, c := range t.Columns {
			if c.Description != "" {
				fmt.Fprintf(&sb, "- %s (%s): %s\n", c.Name, c.Type, c.Description)
			} else {
				fmt.Fprintf(&sb, "- %s (%s)\n", c.Name, c.Type)
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// columnRow is one row of an information_schema style listing.
type columnRow struct {
	schema      string
	table       string
	column      string
	dataType    string
	description string
}

// buildTables groups listing rows into tables. Tables in defaultSchema are
// identified by bare name.
func buildTables(rows []columnRow, defaultSchema string) []Table {
	byID := make(map[string]*Table)
	var order []string
	for _, r := range rows {
		id := r.table
		if r.schema != "" && r.schema != defaultSchema {
			id = r.schema + "." + r.table
		}
		t, ok := byID[id]
		if !ok {
			t = &Table{ID: id}
			byID[id] = t
			order = append(order, id)
		}
		t.Columns = append(t.Columns, Column{Name: r.column, Type: r.dataType, Description: r.description})
	}
	sort.Strings(order)
	tables := make([]Table, 0, len(order))
	for _, id := range order {
		tables = append(tables, *byID[id])
	}
	return tables
}
