package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"parley/cmd/identity/ids"
	"parley/cmd/internal/auth"
	"parley/cmd/internal/messaging"
	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the websocket entrypoint for live direct messaging.
//
// It authenticates the upgrade, binds the connection in the Registry, enforces
// origin policy, subprotocol selection, rate limits and heartbeats, and routes
// validated envelopes to the messaging Service.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	hub      *Hub
	svc      *messaging.Service
	verifier auth.Verifier
	now      func() time.Time

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept, which requires host patterns for cross-origin requests.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

// NewWSGateway constructs a gateway configured from PARLEY_WS_* variables.
func NewWSGateway(log *slog.Logger, registry *Registry, hub *Hub, svc *messaging.Service, verifier auth.Verifier) (*WSGateway, error) {
	if svc == nil {
		return nil, errors.New("realtime: nil messaging service")
	}
	if verifier == nil {
		return nil, errors.New("realtime: nil token verifier")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log, nil)
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{
		log:      log,
		registry: registry,
		hub:      hub,
		svc:      svc,
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
		closing:  make(chan struct{}),
	}

	// Skips websocket.Accept's origin verification. Dev only.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// Registry returns the session registry connections are bound in.
func (g *WSGateway) Registry() *Registry { return g.registry }

// Shutdown closes every live session with StatusGoingAway and makes new
// upgrades fail with 503. It is safe to call more than once.
func (g *WSGateway) Shutdown() {
	g.closeOnce.Do(func() { close(g.closing) })
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades the request, then runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.closing:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(g.now())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session")
		return
	}
	client := NewClient(claims.UserID, sessionID, g.sendQueueSize)
	if err := g.registry.Bind(claims.UserID, client); err != nil {
		g.log.Error("ws.bind.fail", "session_id", sessionID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "bind")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Client.Send stays open; the client is removed
	// from the registry and its room before it is closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(sessionID)
			g.registry.Unbind(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	go func() {
		select {
		case <-g.closing:
			shutdown(websocket.StatusGoingAway, "server shutdown")
		case <-ctx.Done():
		}
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := g.now()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", fmt.Sprintf("too many events, retry in %s", rl.RetryAfter(now).Round(time.Second)), "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error(), "")
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeConversationJoin:
			if err := g.onJoin(ctx, client, env); err != nil {
				g.reportErr(ctx, client, "join_failed", "", err)
			}

		case v1.TypeConversationLeave:
			g.hub.Leave(client.SessionID)

		case v1.TypeMessageSend:
			g.onMessageSend(ctx, client, env)

		case v1.TypeMessagesRead:
			if err := g.onMessagesRead(ctx, client, env); err != nil {
				g.reportErr(ctx, client, "read_failed", "", err)
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) authenticate(r *http.Request) (auth.AccessClaims, error) {
	token := auth.BearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return auth.AccessClaims{}, auth.ErrMissingToken
	}
	return g.verifier.Verify(token, g.now())
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ack, err := g.envelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID, UserID: client.UserID})
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello.ack")
	}
	g.log.Info("ws.hello", "session_id", client.SessionID, "user_id", client.UserID, "client", p.Client)
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ConversationJoinPayload
	if err := env.Decode(&p); err != nil {
		return invalidFrame("ws.join", "invalid payload: "+err.Error())
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return invalidFrame("ws.join", "missing conversation_id")
	}

	conv, err := g.svc.Conversation(ctx, convID, client.UserID)
	if err != nil {
		return err
	}
	g.hub.View(conv.ID, client)

	echo, err := g.envelope(v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: conv.ID})
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, echo) {
		g.hub.Leave(client.SessionID)
		return errors.New("backpressure: join echo")
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		g.reportErr(ctx, client, "send_failed", "", invalidFrame("ws.send", "invalid payload: "+err.Error()))
		return
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		g.reportErr(ctx, client, "send_failed", "", messaging.OpError{Op: "ws.send", Kind: messaging.ErrInvalidMessage, Msg: "missing client_msg_id"})
		return
	}

	res, err := g.svc.Send(ctx, messaging.SendInput{
		SenderID:    client.UserID,
		RecipientID: p.Recipient,
		Content:     p.Content,
		Attachments: messaging.AttachmentsFromWire(p.Attachments),
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		g.reportErr(ctx, client, "send_failed", p.ClientMsgID, err)
		return
	}

	ack, err := g.envelope(v1.TypeMessageAck, v1.MessageAckPayload{
		ClientMsgID:    p.ClientMsgID,
		ConversationID: res.Message.ConversationID,
		MessageID:      res.Message.ID,
		Seq:            res.Message.Seq,
		Duplicated:     res.Duplicated,
	})
	if err != nil {
		g.log.Error("ws.ack.fail", "session_id", client.SessionID, "err", err)
		return
	}
	if !g.enqueue(ctx, client, ack) {
		// The message is stored; a client retry over either path dedupes.
		g.log.Info("ws.ack.dropped", "session_id", client.SessionID, "client_msg_id", p.ClientMsgID)
	}
}

func (g *WSGateway) onMessagesRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessagesReadPayload
	if err := env.Decode(&p); err != nil {
		return invalidFrame("ws.read", "invalid payload: "+err.Error())
	}
	_, err := g.svc.MarkRead(ctx, client.UserID, p.Other)
	return err
}

// ---- send helpers ----

func (g *WSGateway) envelope(typ string, payload any) (v1.Envelope, error) {
	now := g.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.New(typ, id, now, payload)
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg, clientMsgID string) {
	env, err := g.envelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, ClientMsgID: clientMsgID})
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.Offer(env)
}

// reportErr sends err to the client. Messaging errors keep their wire code;
// anything else is logged and reported under fallback without its text.
func (g *WSGateway) reportErr(ctx context.Context, client *Client, fallback, clientMsgID string, err error) {
	code := messaging.Code(err)
	if code == "server_error" {
		g.log.Error("ws.handler.fail", "session_id", client.SessionID, "code", fallback, "err", err)
		code = fallback
	}
	g.trySendError(ctx, client, code, messaging.PublicMessage(err), clientMsgID)
}

func invalidFrame(op, msg string) error {
	return messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: msg}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated
// hosts of the allowlist for websocket.AcceptOptions.OriginPatterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
