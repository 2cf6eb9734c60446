package dmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const testToken = "tok-alice"

type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	ackSends     atomic.Bool
	dropFirst    atomic.Bool
	handshakeErr atomic.Int32
	dials        atomic.Int32
	sessions     atomic.Int32

	push chan v1.Envelope

	mu        sync.Mutex
	wsSends   []v1.MessageSendPayload
	restSends []restSendRequest
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{t: t, push: make(chan v1.Envelope, 8)}
	f.ackSends.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	mux.HandleFunc("POST /api/messages", f.handleSend)
	mux.HandleFunc("GET /api/messages/unread/count", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"code": "unauthorized", "message": "missing token"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": 3})
	})
	mux.HandleFunc("GET /api/messages/{userId}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation_id": "c1",
			"messages": []v1.Message{
				{ID: "m1", ConversationID: "c1", Seq: 1, SenderID: r.PathValue("userId"), Content: r.URL.Query().Get("limit")},
			},
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	f.dials.Add(1)
	if code := f.handshakeErr.Load(); code != 0 {
		http.Error(w, "unavailable", int(code))
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	hello, err := f.read(ctx, conn)
	if err != nil || hello.Type != v1.TypeHello {
		return
	}
	n := f.sessions.Add(1)
	f.write(ctx, conn, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: fmt.Sprintf("s%d", n), UserID: "alice"})

	if n == 1 && f.dropFirst.Load() {
		_ = conn.Close(websocket.StatusGoingAway, "drop")
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-f.push:
				b, _ := json.Marshal(env)
				_ = conn.Write(ctx, websocket.MessageText, b)
			}
		}
	}()

	for {
		env, err := f.read(ctx, conn)
		if err != nil {
			return
		}
		if env.Type != v1.TypeMessageSend {
			continue
		}
		var p v1.MessageSendPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		f.mu.Lock()
		f.wsSends = append(f.wsSends, p)
		f.mu.Unlock()

		switch {
		case p.Content == "reject":
			f.write(ctx, conn, v1.TypeError, v1.ErrorPayload{Code: "invalid_message", Message: "nope", ClientMsgID: p.ClientMsgID})
		case f.ackSends.Load():
			f.write(ctx, conn, v1.TypeMessageAck, v1.MessageAckPayload{
				ClientMsgID:    p.ClientMsgID,
				ConversationID: "c1",
				MessageID:      "m-ws",
				Seq:            1,
			})
		}
	}
}

func (f *fakeServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req restSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"code": "bad_request", "message": err.Error()}})
		return
	}
	f.mu.Lock()
	f.restSends = append(f.restSends, req)
	seenOnWS := len(f.wsSends) > 0
	f.mu.Unlock()

	if req.Recipient == "nobody" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "not_found", "message": "recipient not found"}})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":    v1.Message{ID: "m-http", ConversationID: "c1", Seq: 2, ClientMsgID: req.ClientMsgID},
		"duplicated": seenOnWS,
	})
}

func (f *fakeServer) read(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	err = json.Unmarshal(data, &env)
	return env, err
}

func (f *fakeServer) write(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	env, err := v1.New(typ, "srv", time.Now().UTC(), payload)
	if err != nil {
		f.t.Errorf("encode %s: %v", typ, err)
		return
	}
	b, _ := json.Marshal(env)
	_ = conn.Write(ctx, websocket.MessageText, b)
}

func (f *fakeServer) snapshot() ([]v1.MessageSendPayload, []restSendRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]v1.MessageSendPayload(nil), f.wsSends...), append([]restSendRequest(nil), f.restSends...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) record(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) get() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func fastBackoff(maxAttempts int) Backoff {
	return Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2, MaxAttempts: maxAttempts}
}

func newTestClient(t *testing.T, f *fakeServer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{BaseURL: f.srv.URL, Token: testToken, Backoff: fastBackoff(5)}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// startRun runs the client until the test ends and returns its exit error channel.
func startRun(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("Run did not stop")
		}
	})
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]Config{
		"bad scheme":    {BaseURL: "ws://x", Token: "t"},
		"missing host":  {BaseURL: "http://", Token: "t"},
		"missing token": {BaseURL: "http://x", Token: " "},
	}
	for name, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	c, err := New(Config{BaseURL: "https://chat.example/base/", Token: "t"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := c.wsURL(), "wss://chat.example/base/ws"; got != want {
		t.Fatalf("wsURL=%q want=%q", got, want)
	}
	if got, want := c.apiURL("/api/messages/bob?limit=5"), "https://chat.example/base/api/messages/bob?limit=5"; got != want {
		t.Fatalf("apiURL=%q want=%q", got, want)
	}
	if c.cfg.Backoff != DefaultBackoff() || c.cfg.AckTimeout != 2*time.Second {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}
}

func TestClient_SendOverWebsocket(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	states := &stateLog{}
	c := newTestClient(t, f, func(cfg *Config) { cfg.OnStateChange = states.record })
	startRun(t, c)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	if c.SessionID() != "s1" || c.UserID() != "alice" {
		t.Fatalf("session=%q user=%q", c.SessionID(), c.UserID())
	}

	res, err := c.Send(t.Context(), SendRequest{Recipient: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Via != "ws" || res.MessageID != "m-ws" || res.ConversationID != "c1" || res.Seq != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := uuid.Parse(res.ClientMsgID); err != nil {
		t.Fatalf("client_msg_id %q is not a uuid: %v", res.ClientMsgID, err)
	}

	ws, rest := f.snapshot()
	if len(ws) != 1 || len(rest) != 0 {
		t.Fatalf("ws=%d rest=%d sends", len(ws), len(rest))
	}
	if ws[0].ClientMsgID != res.ClientMsgID || ws[0].Recipient != "bob" {
		t.Fatalf("unexpected ws payload: %+v", ws[0])
	}

	got := states.get()
	if len(got) < 2 || got[0] != StateConnecting || got[1] != StateConnected {
		t.Fatalf("states=%v", got)
	}
}

func TestClient_FallsBackToHTTPWhenAckIsLate(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	f.ackSends.Store(false)
	c := newTestClient(t, f, func(cfg *Config) { cfg.AckTimeout = 50 * time.Millisecond })
	startRun(t, c)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	res, err := c.Send(t.Context(), SendRequest{Recipient: "bob", Content: "hi", ClientMsgID: "cm-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Via != "http" || res.MessageID != "m-http" || res.ClientMsgID != "cm-1" || !res.Duplicated {
		t.Fatalf("unexpected result: %+v", res)
	}

	ws, rest := f.snapshot()
	if len(ws) != 1 || len(rest) != 1 {
		t.Fatalf("ws=%d rest=%d sends", len(ws), len(rest))
	}
	if ws[0].ClientMsgID != "cm-1" || rest[0].ClientMsgID != "cm-1" {
		t.Fatalf("client_msg_id not reused: ws=%q rest=%q", ws[0].ClientMsgID, rest[0].ClientMsgID)
	}
}

func TestClient_SendWithoutSessionUsesHTTP(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	c := newTestClient(t, f, nil)

	res, err := c.Send(t.Context(), SendRequest{Recipient: "bob", Content: "offline"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Via != "http" || res.Seq != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	_, rest := f.snapshot()
	if len(rest) != 1 || rest[0].ClientMsgID != res.ClientMsgID || rest[0].ClientMsgID == "" {
		t.Fatalf("rest sends=%+v result=%+v", rest, res)
	}
}

func TestClient_ServerRejectionsAreNotRetried(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	c := newTestClient(t, f, nil)

	_, err := c.Send(t.Context(), SendRequest{Recipient: "nobody", Content: "x"})
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found *Error, got %v", err)
	}

	startRun(t, c)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	_, err = c.Send(t.Context(), SendRequest{Recipient: "bob", Content: "reject"})
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_message" || apiErr.Status != 0 {
		t.Fatalf("expected invalid_message *Error, got %v", err)
	}

	ws, rest := f.snapshot()
	if len(ws) != 1 || len(rest) != 1 {
		t.Fatalf("rejected ws send must not fall back: ws=%d rest=%d", len(ws), len(rest))
	}
}

func TestClient_DispatchesEventsToHandler(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	got := make(chan v1.Envelope, 1)
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Handler = HandlerFunc(func(_ context.Context, env v1.Envelope) { got <- env })
	})
	startRun(t, c)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	env, err := v1.New(v1.TypeMessageCreated, "e1", time.Now().UTC(), v1.MessageCreatedPayload{
		Message: v1.Message{ID: "m9", ConversationID: "c1", Seq: 9, Content: "yo"},
	})
	if err != nil {
		t.Fatalf("New envelope: %v", err)
	}
	f.push <- env

	select {
	case e := <-got:
		var p v1.MessageCreatedPayload
		if e.Type != v1.TypeMessageCreated {
			t.Fatalf("type=%q", e.Type)
		}
		if err := e.Decode(&p); err != nil || p.Message.ID != "m9" {
			t.Fatalf("payload=%+v err=%v", p, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler not called")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	f.dropFirst.Store(true)
	states := &stateLog{}
	c := newTestClient(t, f, func(cfg *Config) { cfg.OnStateChange = states.record })
	startRun(t, c)

	waitFor(t, "second session", func() bool { return f.sessions.Load() >= 2 && c.State() == StateConnected })

	want := []State{StateConnecting, StateConnected, StateBackoff, StateConnecting, StateConnected}
	got := states.get()
	if len(got) < len(want) {
		t.Fatalf("states=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states=%v want prefix %v", got, want)
		}
	}
	if c.SessionID() != "s2" {
		t.Fatalf("session=%q want s2", c.SessionID())
	}
}

func TestClient_GivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	f.handshakeErr.Store(http.StatusServiceUnavailable)
	states := &stateLog{}
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Backoff = fastBackoff(3)
		cfg.OnStateChange = states.record
	})

	err := c.Run(t.Context())
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
	if n := f.dials.Load(); n != 3 {
		t.Fatalf("dials=%d want=3", n)
	}
	if c.State() != StateGivenUp {
		t.Fatalf("state=%q", c.State())
	}
	want := []State{StateConnecting, StateBackoff, StateConnecting, StateBackoff, StateConnecting, StateGivenUp}
	got := states.get()
	if len(got) != len(want) {
		t.Fatalf("states=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states=%v want=%v", got, want)
		}
	}
}

func TestClient_UnauthorizedStopsImmediately(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	c, err := New(Config{BaseURL: f.srv.URL, Token: "wrong", Backoff: fastBackoff(5)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Run(t.Context()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := f.dials.Load(); n != 1 {
		t.Fatalf("dials=%d want=1", n)
	}
	if c.State() != StateGivenUp {
		t.Fatalf("state=%q", c.State())
	}
}

func TestClient_RESTQueries(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	c := newTestClient(t, f, nil)

	n, err := c.UnreadCount(t.Context())
	if err != nil || n != 3 {
		t.Fatalf("UnreadCount=%d err=%v", n, err)
	}

	msgs, err := c.History(t.Context(), "bob", 1, 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SenderID != "bob" || msgs[0].Content != "5" {
		t.Fatalf("unexpected history: %+v", msgs)
	}

	bad, _ := New(Config{BaseURL: f.srv.URL, Token: "wrong"})
	_, err = bad.UnreadCount(t.Context())
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 *Error, got %v", err)
	}
}
