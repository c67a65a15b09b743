package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/malbeclabs/querypilot/pkg/stream"
)

const (
	sessionHeader   = "X-Session-ID"
	maxRequestBytes = 1 << 20
)

// chatStream runs one turn and streams its events as server-sent events.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	var req stream.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == stream.RequestTypeCancel {
		s.cancel(w, req.SessionID)
		return
	}

	sc, err := s.cfg.Sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		s.log.Error("server: failed to get session", "session", req.SessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	w.Header().Set(sessionHeader, sc.ID())
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stop := sse.KeepAlive(r.Context(), s.cfg.HeartbeatInterval)
	defer stop()

	gone := false
	for ev := range s.cfg.Turns.HandleTurn(r.Context(), sc, req) {
		if gone {
			continue
		}
		if err := sse.WriteEvent(ev); err != nil {
			s.log.Debug("server: sse client gone", "session", sc.ID(), "error", err)
			gone = true
		}
	}
}

// websocket serves a connection that carries requests in and events out.
// Turns run one at a time per connection; a cancel frame cancels the turn in
// flight.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := stream.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("server: websocket upgrade failed", "error", err)
		return
	}
	ws := stream.NewWSConn(conn)
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ws.Ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	var turnDone chan struct{}
	for {
		req, err := ws.ReadRequest()
		if err != nil {
			if errors.Is(err, stream.ErrInvalidRequest) {
				s.writeWSError(ws, "", err.Error())
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("server: websocket read failed", "error", err)
			}
			return
		}

		if req.Type == stream.RequestTypeCancel {
			if sc, ok := s.cfg.Sessions.Lookup(req.SessionID); ok {
				sc.Cancel()
			}
			continue
		}

		if turnDone != nil {
			select {
			case <-turnDone:
			default:
				s.writeWSError(ws, req.SessionID, "a turn is already running on this connection")
				continue
			}
		}

		sc, err := s.cfg.Sessions.Get(ctx, req.SessionID)
		if err != nil {
			s.log.Error("server: failed to get session", "session", req.SessionID, "error", err)
			s.writeWSError(ws, req.SessionID, "failed to load session")
			continue
		}

		done := make(chan struct{})
		turnDone = done
		events := s.cfg.Turns.HandleTurn(ctx, sc, req)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done)
			gone := false
			for ev := range events {
				if gone {
					continue
				}
				if err := ws.WriteEvent(ev); err != nil {
					s.log.Debug("server: websocket write failed", "session", sc.ID(), "error", err)
					gone = true
					cancel()
				}
			}
		}()
	}
}

func (s *Server) writeWSError(ws *stream.WSConn, sessionID, msg string) {
	ev := stream.Event{
		Type:      stream.EventError,
		SessionID: sessionID,
		Content:   msg,
		Metadata:  map[string]any{stream.MetaErrorKind: "InvalidRequest"},
	}
	if err := ws.WriteEvent(ev); err != nil {
		s.log.Debug("server: websocket write failed", "error", err)
	}
}
