// Package history persists the turns of conversations so sessions survive
// eviction from memory and process restarts.
package history

import (
	"context"
	"errors"

	"github.com/malbeclabs/querypilot/pkg/conversation"
)

var ErrInvalidSessionID = errors.New("session id is required")

// Store appends and loads turns. Append replaces a turn that was stored
// before under the same id, keeping its position.
type Store interface {
	Append(ctx context.Context, sessionID string, turn conversation.Turn) error
	Load(ctx context.Context, sessionID string) ([]conversation.Turn, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}
