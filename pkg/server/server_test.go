package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/history"
	"github.com/malbeclabs/querypilot/pkg/server"
	"github.com/malbeclabs/querypilot/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTurns struct {
	HandleTurnFunc func(ctx context.Context, sc *conversation.SessionContext, req stream.Request) <-chan stream.Event
}

func (m *mockTurns) HandleTurn(ctx context.Context, sc *conversation.SessionContext, req stream.Request) <-chan stream.Event {
	return m.HandleTurnFunc(ctx, sc, req)
}

// answering emits a short successful turn and records it on the session.
func answering() *mockTurns {
	return &mockTurns{HandleTurnFunc: func(_ context.Context, sc *conversation.SessionContext, req stream.Request) <-chan stream.Event {
		out := make(chan stream.Event, 3)
		_, _ = sc.Append(conversation.Turn{Role: conversation.RoleUser, Content: req.Content})
		for _, typ := range []stream.EventType{stream.EventThinking, stream.EventMessage, stream.EventComplete} {
			out <- stream.Event{Type: typ, SessionID: sc.ID(), Seq: sc.NextSeq(), Content: string(typ)}
		}
		close(out)
		return out
	}}
}

// blocking emits nothing until the turn is cancelled.
func blocking(started chan<- struct{}) *mockTurns {
	return &mockTurns{HandleTurnFunc: func(ctx context.Context, sc *conversation.SessionContext, _ stream.Request) <-chan stream.Event {
		out := make(chan stream.Event, 1)
		ctx, cancel := context.WithCancel(ctx)
		sc.SetCancel(cancel)
		go func() {
			defer close(out)
			close(started)
			<-ctx.Done()
			out <- stream.Event{Type: stream.EventComplete, SessionID: sc.ID(), Seq: sc.NextSeq(), Metadata: map[string]any{stream.MetaCancelled: true}}
		}()
		return out
	}}
}

type fixture struct {
	sessions *conversation.Manager
	history  *history.MemoryStore
	hub      *stream.Hub
	http     *httptest.Server
}

func newFixture(t *testing.T, turns server.TurnHandler, mutate func(*server.Config)) *fixture {
	t.Helper()
	sessions, err := conversation.NewManager(conversation.ManagerConfig{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	f := &fixture{sessions: sessions, history: history.NewMemoryStore(), hub: stream.NewHub(logger, 8)}
	cfg := server.Config{
		Logger:   logger,
		Listener: listener,
		Turns:    turns,
		Sessions: sessions,
		History:  f.history,
		Hub:      f.hub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := server.New(cfg)
	require.NoError(t, err)
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// readSSE parses "event:"/"data:" frames, skipping heartbeats.
func readSSE(t *testing.T, resp *http.Response) []stream.Event {
	t.Helper()
	var events []stream.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "{}" {
			continue
		}
		var ev stream.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	return events
}

func TestServer_ChatStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t, answering(), nil)
	resp := f.do(t, http.MethodPost, "/api/chat/stream", `{"content":"total sales"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	id := resp.Header.Get("X-Session-ID")
	require.NotEmpty(t, id)

	events := readSSE(t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, stream.EventThinking, events[0].Type)
	assert.Equal(t, stream.EventComplete, events[2].Type)
	for i, ev := range events {
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	// the same session continues
	resp = f.do(t, http.MethodPost, "/api/chat/stream", `{"content":"and by region","sessionId":"`+id+`"}`)
	assert.Equal(t, id, resp.Header.Get("X-Session-ID"))
	events = readSSE(t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(4), events[0].Seq)
}

func TestServer_ChatStream_BadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, answering(), nil)
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "not json", body: `{`, want: "invalid request body"},
		{name: "empty content", body: `{"content":""}`, want: "content is required"},
		{name: "bad mode", body: `{"content":"x","mode":"essay"}`, want: "essay"},
		{name: "bad type", body: `{"type":"subscribe","content":"x"}`, want: "unsupported request type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/chat/stream", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body["error"], tt.want)
		})
	}
}

func TestServer_Sessions(t *testing.T) {
	t.Parallel()

	t.Run("live session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, answering(), nil)
		resp := f.do(t, http.MethodPost, "/api/chat/stream", `{"content":"total sales"}`)
		id := resp.Header.Get("X-Session-ID")
		readSSE(t, resp)

		resp = f.do(t, http.MethodGet, "/api/sessions/"+id, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var session conversation.Session
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
		assert.Equal(t, id, session.ID)
		require.Len(t, session.Turns, 1)
		assert.Equal(t, "total sales", session.Turns[0].Content)
	})

	t.Run("from history", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, answering(), nil)
		require.NoError(t, f.history.Append(t.Context(), "archived", conversation.Turn{ID: "t1", Role: conversation.RoleUser, Content: "old question"}))

		resp := f.do(t, http.MethodGet, "/api/sessions/archived", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var session conversation.Session
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
		require.Len(t, session.Turns, 1)
		assert.Equal(t, "old question", session.Turns[0].Content)
	})

	t.Run("unknown", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, answering(), nil)
		resp := f.do(t, http.MethodGet, "/api/sessions/nope", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, answering(), nil)
		sc, err := f.sessions.Get(t.Context(), "s1")
		require.NoError(t, err)
		require.NoError(t, f.history.Append(t.Context(), sc.ID(), conversation.Turn{ID: "t1", Role: conversation.RoleUser, Content: "q"}))

		resp := f.do(t, http.MethodDelete, "/api/sessions/s1", "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		_, ok := f.sessions.Lookup("s1")
		assert.False(t, ok)
		turns, err := f.history.Load(t.Context(), "s1")
		require.NoError(t, err)
		assert.Empty(t, turns)

		resp = f.do(t, http.MethodGet, "/api/sessions/s1", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_Cancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	f := newFixture(t, blocking(started), nil)
	sc, err := f.sessions.Get(t.Context(), "s1")
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/sessions/unknown/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	type result struct {
		events []stream.Event
	}
	done := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/api/chat/stream", strings.NewReader(`{"content":"slow","sessionId":"s1"}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		done <- result{events: readSSE(t, resp)}
	}()
	<-started

	resp = f.do(t, http.MethodPost, "/api/sessions/s1/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["cancelled"])

	select {
	case res := <-done:
		require.Len(t, res.events, 1)
		assert.True(t, res.events[0].Bool(stream.MetaCancelled))
	case <-time.After(5 * time.Second):
		t.Fatal("turn was not cancelled")
	}
	assert.False(t, sc.Cancel())
}

func TestServer_WebSocket(t *testing.T) {
	t.Parallel()

	f := newFixture(t, answering(), nil)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	read := func() stream.Event {
		var ev stream.Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"content": ""}))
	ev := read()
	assert.Equal(t, stream.EventError, ev.Type)
	assert.Contains(t, ev.Content, "content is required")

	require.NoError(t, conn.WriteJSON(stream.Request{Content: "total sales", SessionID: "ws-1"}))
	var got []stream.EventType
	for {
		ev := read()
		assert.Equal(t, "ws-1", ev.SessionID)
		got = append(got, ev.Type)
		if ev.Type == stream.EventComplete {
			break
		}
	}
	assert.Equal(t, []stream.EventType{stream.EventThinking, stream.EventMessage, stream.EventComplete}, got)
}

func TestServer_SessionEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, answering(), nil)
	_, err := f.sessions.Get(t.Context(), "s1")
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/sessions/s1/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return f.hub.SubscriberCount("s1") == 1 }, 5*time.Second, 10*time.Millisecond)

	f.hub.Publish(t.Context(), stream.Event{Type: stream.EventMessage, SessionID: "s1", Seq: 7, Content: "hello"})
	f.hub.CloseSession("s1")

	events := readSSE(t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Content)
	assert.Equal(t, uint64(7), events[0].Seq)
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	ready := errors.New("warehouse: connection refused")
	f := newFixture(t, answering(), func(cfg *server.Config) {
		cfg.Ready = func(context.Context) error { return ready }
	})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", "").StatusCode)

	g := newFixture(t, answering(), nil)
	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/readyz", "").StatusCode)
}

func TestServer_CORSAndMCPMount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, answering(), func(cfg *server.Config) {
		cfg.CORSOrigins = []string{"http://localhost:5173"}
		cfg.MCP = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, f.http.URL+"/api/chat/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/mcp", "{}").StatusCode)
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	sessions, err := conversation.NewManager(conversation.ManagerConfig{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(sessions.Close)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := server.New(server.Config{Logger: logger, Listener: listener, Turns: answering(), Sessions: sessions})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = server.New(server.Config{Logger: logger})
	require.ErrorContains(t, err, "listener is required")
}
