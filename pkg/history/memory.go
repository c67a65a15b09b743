package history

import (
	"context"
	"sync"

	"github.com/malbeclabs/querypilot/pkg/conversation"
)

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]conversation.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]conversation.Turn)}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, turn conversation.Turn) error {
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	turn.Tables = append([]string(nil), turn.Tables...)
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.sessions[sessionID]
	for i := range turns {
		if turns[i].ID == turn.ID {
			turns[i] = turn
			return nil
		}
	}
	s.sessions[sessionID] = append(turns, turn)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) ([]conversation.Turn, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.sessions[sessionID]
	out := make([]conversation.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
