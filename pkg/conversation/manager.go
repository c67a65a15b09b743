package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/querypilot/pkg/metrics"
)

const (
	defaultSessionTTL = 30 * time.Minute
	// how long Delete waits for a cancelled turn to finish
	turnDrainTimeout = 5 * time.Second
)

// HistoryLoader restores the turns of a session that is no longer in memory.
type HistoryLoader interface {
	Load(ctx context.Context, sessionID string) ([]Turn, error)
}

type ManagerConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	History HistoryLoader

	// SessionTTL is how long an idle session stays in memory.
	SessionTTL time.Duration
}

func (c *ManagerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.SessionTTL < 0 {
		return errors.New("session ttl must be positive")
	}
	return nil
}

// Manager owns the live sessions. Idle sessions expire after SessionTTL;
// expiry cancels any turn still running on them.
type Manager struct {
	log *slog.Logger
	cfg ManagerConfig

	cache *ttlcache.Cache[string, *SessionContext]

	// serializes creation so two requests for a new id share one session
	createMu sync.Mutex
	stopOnce sync.Once
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *SessionContext](cfg.SessionTTL),
	)
	m := &Manager{
		log:   cfg.Logger,
		cfg:   cfg,
		cache: cache,
	}
	cache.OnInsertion(func(_ context.Context, _ *ttlcache.Item[string, *SessionContext]) {
		metrics.ActiveSessions.Inc()
	})
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *SessionContext]) {
		metrics.ActiveSessions.Dec()
		if item.Value().Cancel() {
			m.log.Info("conversation: cancelled turn of evicted session", "session", item.Key(), "reason", reason)
		}
	})
	go cache.Start()
	return m, nil
}

// Get returns the session with the given id, restoring it from history or
// creating it when it is not in memory. An empty id creates a new session.
func (m *Manager) Get(ctx context.Context, id string) (*SessionContext, error) {
	if id != "" {
		if item := m.cache.Get(id); item != nil {
			return item.Value(), nil
		}
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()
	if id != "" {
		if item := m.cache.Get(id); item != nil {
			return item.Value(), nil
		}
	}

	sc := NewSessionContext(id, m.cfg.Clock)
	if id != "" && m.cfg.History != nil {
		turns, err := m.cfg.History.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load history for session %s: %w", id, err)
		}
		if len(turns) > 0 {
			sc.Restore(turns)
			m.log.Debug("conversation: session restored", "session", id, "turns", len(turns))
		}
	}
	m.cache.Set(sc.ID(), sc, ttlcache.DefaultTTL)
	m.log.Debug("conversation: session created", "session", sc.ID())
	return sc, nil
}

// Lookup returns a session only when it is in memory.
func (m *Manager) Lookup(id string) (*SessionContext, bool) {
	item := m.cache.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Delete forgets a session. A running turn is cancelled and allowed to
// finish before the session is reset, so it still ends as cancelled. If the
// turn does not finish in time the session is dropped without a reset.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	item, ok := m.cache.GetAndDelete(id)
	if !ok {
		return false
	}
	sc := item.Value()
	sc.Cancel()

	ctx, cancel := context.WithTimeout(ctx, turnDrainTimeout)
	defer cancel()
	release, err := sc.Acquire(ctx)
	if err != nil {
		m.log.Warn("conversation: deleted session while its turn was still running", "session", id, "error", err)
		return true
	}
	defer release()
	sc.Reset()
	return true
}

func (m *Manager) Len() int {
	return m.cache.Len()
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.cache.Stop()
		for _, item := range m.cache.Items() {
			item.Value().Cancel()
		}
	})
}
