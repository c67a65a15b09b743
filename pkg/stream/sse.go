package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const DefaultHeartbeatInterval = 15 * time.Second

var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEWriter frames events as server-sent events. Writes are serialized so a
// heartbeat never interleaves with an event.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) WriteEvent(ev Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return s.write(string(ev.Type), data)
}

func (s *SSEWriter) Heartbeat() error {
	return s.write("heartbeat", []byte("{}"))
}

func (s *SSEWriter) write(eventType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return fmt.Errorf("failed to write sse event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// KeepAlive sends heartbeats until ctx is done or the returned stop function
// is called, to keep the connection open through proxies.
func (s *SSEWriter) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Heartbeat(); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
