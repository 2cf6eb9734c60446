// Package dmclient is a Go client for the parley direct-messaging service.
//
// A Client keeps one websocket session alive with bounded exponential
// backoff and sends messages over it, falling back to the REST API with the
// same client_msg_id when the socket is down or the ack is late. The server
// de-duplicates on (sender, client_msg_id), so a send is never doubled.
package dmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// State is the connection state of a Client.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
	StateGivenUp    State = "given_up"
)

var (
	// ErrGaveUp is returned by Run once the backoff budget is spent.
	ErrGaveUp = errors.New("dmclient: gave up reconnecting")
	// ErrUnauthorized is returned when the server rejects the bearer token.
	ErrUnauthorized = errors.New("dmclient: unauthorized")
)

const (
	defaultAckTimeout   = 2 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxReadBytes        = 1 << 20
)

// Handler receives server events other than acks for this client's sends.
type Handler interface {
	HandleEvent(ctx context.Context, env v1.Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env v1.Envelope)

func (f HandlerFunc) HandleEvent(ctx context.Context, env v1.Envelope) { f(ctx, env) }

// Config configures a Client.
type Config struct {
	// BaseURL is the http(s) root of the server, e.g. http://127.0.0.1:8080.
	BaseURL string
	// Token is the bearer token used for both the websocket and REST.
	Token string
	// Origin is sent on the websocket handshake when set.
	Origin string
	// ClientName is reported in hello.
	ClientName string

	Backoff    Backoff
	AckTimeout time.Duration

	HTTPClient    *http.Client
	Handler       Handler
	OnStateChange func(State)
	Logger        *slog.Logger
}

// SendRequest is one outgoing direct message.
type SendRequest struct {
	Recipient   string
	Content     string
	Attachments []v1.Attachment
	// ClientMsgID is generated when empty.
	ClientMsgID string
}

// SendResult describes the stored message.
type SendResult struct {
	ClientMsgID    string
	ConversationID string
	MessageID      string
	Seq            int64
	Duplicated     bool
	// Via is "ws" or "http".
	Via string
}

// Error is a rejection reported by the server on either transport.
type Error struct {
	Status  int // HTTP status, 0 for websocket errors
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("dmclient: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("dmclient: %s: %s", e.Code, e.Message)
}

type sendOutcome struct {
	ack v1.MessageAckPayload
	err error
}

// Client is safe for concurrent use. Run drives the connection; Send may be
// called from any goroutine whether or not Run is active.
type Client struct {
	cfg     Config
	log     *slog.Logger
	http    *http.Client
	baseURL *url.URL

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	userID    string
	state     State
	waiters   map[string]chan sendOutcome
}

// New validates cfg and returns an idle Client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("dmclient: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("dmclient: base url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("dmclient: base url missing host")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("dmclient: token is required")
	}
	u.Path = strings.TrimRight(u.Path, "/")

	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "dmclient"
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		http:    cfg.HTTPClient,
		baseURL: u,
		waiters: make(map[string]chan sendOutcome),
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	return c, nil
}

// State returns the current connection state. An idle Client reports "".
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server session id of the live connection, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the user the server bound the last session to.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.log.Debug("dmclient.state", "state", string(s))
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(s)
		}
	}
}

// Run connects and keeps reconnecting until ctx is done, the server rejects
// the token, or the backoff budget is spent.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		c.setState(StateConnecting)
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			c.setState(StateGivenUp)
			return err
		}

		if connected {
			failures = 0
		}
		failures++
		if c.cfg.Backoff.exhausted(failures) {
			c.setState(StateGivenUp)
			c.log.Warn("dmclient.gave_up", "attempts", failures, "err", err)
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
		}

		delay := c.cfg.Backoff.Delay(failures)
		c.setState(StateBackoff)
		c.log.Info("dmclient.reconnect.wait", "attempt", failures, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the handshake
// completed before the session ended.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	ack, err := c.handshake(ctx, conn)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = ack.SessionID
	c.userID = ack.UserID
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info("dmclient.connected", "session_id", ack.SessionID, "user_id", ack.UserID)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.sessionID = ""
		c.mu.Unlock()
	}()

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return true, err
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.Token)
	if c.cfg.Origin != "" {
		h.Set("Origin", c.cfg.Origin)
	}

	conn, resp, err := websocket.Dial(dctx, c.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn, nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (v1.HelloAckPayload, error) {
	hctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	if err := writeEnvelope(hctx, conn, v1.TypeHello, v1.HelloPayload{Client: c.cfg.ClientName}); err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("hello: %w", err)
	}

	for {
		env, err := readEnvelope(hctx, conn)
		if err != nil {
			return v1.HelloAckPayload{}, fmt.Errorf("hello.ack: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := env.Decode(&ack); err != nil {
				return v1.HelloAckPayload{}, fmt.Errorf("hello.ack: %w", err)
			}
			return ack, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			return v1.HelloAckPayload{}, &Error{Code: p.Code, Message: p.Message}
		default:
			// Events may race the ack; deliver them.
			c.dispatch(ctx, env)
		}
	}
}

// dispatch routes acks and send errors to waiting Send calls and everything
// else to the Handler.
func (c *Client) dispatch(ctx context.Context, env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageAck:
		var ack v1.MessageAckPayload
		if err := env.Decode(&ack); err == nil && c.resolve(ack.ClientMsgID, sendOutcome{ack: ack}) {
			return
		}
	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err == nil && p.ClientMsgID != "" &&
			c.resolve(p.ClientMsgID, sendOutcome{err: &Error{Code: p.Code, Message: p.Message}}) {
			return
		}
	}

	if c.cfg.Handler != nil {
		c.cfg.Handler.HandleEvent(ctx, env)
	}
}

func (c *Client) resolve(clientMsgID string, out sendOutcome) bool {
	c.mu.Lock()
	ch, ok := c.waiters[clientMsgID]
	if ok {
		delete(c.waiters, clientMsgID)
	}
	c.mu.Unlock()
	if ok {
		ch <- out
	}
	return ok
}

// Send stores one message. It prefers the live websocket and falls back to
// POST /api/messages with the same client_msg_id when there is no session or
// no ack within AckTimeout. Server rejections are returned as *Error without
// a retry.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.ClientMsgID) == "" {
		req.ClientMsgID = uuid.NewString()
	}

	res, err := c.sendWS(ctx, req)
	if err == nil {
		return res, nil
	}
	var serverErr *Error
	if errors.As(err, &serverErr) || ctx.Err() != nil {
		return SendResult{}, err
	}

	c.log.Info("dmclient.send.fallback", "client_msg_id", req.ClientMsgID, "reason", err)
	return c.sendHTTP(ctx, req)
}

var errNoSession = errors.New("no live session")

func (c *Client) sendWS(ctx context.Context, req SendRequest) (SendResult, error) {
	ch := make(chan sendOutcome, 1)

	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.waiters[req.ClientMsgID] = ch
	}
	c.mu.Unlock()
	if conn == nil {
		return SendResult{}, errNoSession
	}
	defer func() {
		c.mu.Lock()
		if c.waiters[req.ClientMsgID] == ch {
			delete(c.waiters, req.ClientMsgID)
		}
		c.mu.Unlock()
	}()

	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	err := writeEnvelope(wctx, conn, v1.TypeMessageSend, v1.MessageSendPayload{
		Recipient:   req.Recipient,
		ClientMsgID: req.ClientMsgID,
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	cancel()
	if err != nil {
		return SendResult{}, fmt.Errorf("write: %w", err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return SendResult{}, out.err
		}
		return SendResult{
			ClientMsgID:    out.ack.ClientMsgID,
			ConversationID: out.ack.ConversationID,
			MessageID:      out.ack.MessageID,
			Seq:            out.ack.Seq,
			Duplicated:     out.ack.Duplicated,
			Via:            "ws",
		}, nil
	case <-timer.C:
		return SendResult{}, errors.New("ack timeout")
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
}

func (c *Client) wsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

func (c *Client) apiURL(path string) string {
	u := *c.baseURL
	p, q, _ := strings.Cut(path, "?")
	u.Path += p
	u.RawQuery = q
	return u.String()
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	env, err := v1.New(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad json: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	return env, nil
}
