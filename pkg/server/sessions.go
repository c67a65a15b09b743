package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/stream"
)

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if sc, ok := s.cfg.Sessions.Lookup(id); ok {
		s.writeJSON(w, http.StatusOK, sc.Snapshot())
		return
	}
	if s.cfg.History != nil {
		turns, err := s.cfg.History.Load(r.Context(), id)
		if err != nil {
			s.log.Error("server: failed to load history", "session", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if len(turns) > 0 {
			s.writeJSON(w, http.StatusOK, conversation.Session{ID: id, Turns: turns})
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "session not found")
}

// deleteSession cancels any running turn, resets the session and drops its
// stored history.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found := s.cfg.Sessions.Delete(r.Context(), id)
	if s.cfg.History != nil {
		if err := s.cfg.History.Delete(r.Context(), id); err != nil {
			s.log.Error("server: failed to delete history", "session", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to delete session history")
			return
		}
	}
	if s.cfg.Hub != nil {
		s.cfg.Hub.CloseSession(id)
	}
	s.log.Info("server: session deleted", "session", id, "inMemory", found)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	s.cancel(w, chi.URLParam(r, "id"))
}

func (s *Server) cancel(w http.ResponseWriter, id string) {
	sc, ok := s.cfg.Sessions.Lookup(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": sc.Cancel()})
}

// sessionEvents streams the events of every later turn of a session to an
// observer that did not start them.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		s.writeError(w, http.StatusNotFound, "session events are not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := s.cfg.Sessions.Lookup(id); !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sub := s.cfg.Hub.Subscribe(id)
	defer s.cfg.Hub.Unsubscribe(id, sub)
	stop := sse.KeepAlive(r.Context(), s.cfg.HeartbeatInterval)
	defer stop()
	if err := sse.Heartbeat(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			return
		case ev := <-sub.Events:
			if err := sse.WriteEvent(ev); err != nil {
				s.log.Debug("server: sse observer gone", "session", id, "error", err)
				return
			}
		}
	}
}
