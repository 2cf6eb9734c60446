// Package main provides a CI-friendly smoke test for parley direct messaging.
//
// It validates:
//   - handshake + subprotocol selection, hello/ack for two users
//   - send -> ack over the websocket
//   - message.created and notification.badge delivered to the recipient
//   - idempotent resend by client_msg_id
//   - REST history and unread count
//
// Tokens come from -token-a/-token-b or PARLEY_SMOKE_TOKEN_A/B, e.g.
//
//	PARLEY_SMOKE_TOKEN_A=$(parley token alice) PARLEY_SMOKE_TOKEN_B=$(parley token bob) go run ./tools/scripts
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"parley/pkg/dmclient"
	v1 "parley/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

type smokeClient struct {
	name   string
	client *dmclient.Client
	inbox  chan v1.Envelope
	runErr chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", os.Getenv("PARLEY_SMOKE_TOKEN_A"), "Bearer token for the sender")
		tokenB  = flag.String("token-b", os.Getenv("PARLEY_SMOKE_TOKEN_B"), "Bearer token for the recipient")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("both -token-a and -token-b are required (see `parley token`)")
	}

	root, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := mustConnect(root, "A", *baseURL, *origin, *tokenA, *timeout)
	b := mustConnect(root, "B", *baseURL, *origin, *tokenB, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s (%s) B=%s (%s) origin=%q\n",
			a.client.UserID(), a.client.SessionID(), b.client.UserID(), b.client.SessionID(), *origin)
	}
	if a.client.UserID() == b.client.UserID() {
		fatalf("tokens must belong to different users, both are %q", a.client.UserID())
	}

	unreadBefore := mustUnread(root, b, *timeout)

	clientMsgID := uuid.NewString()
	first := mustSend(root, a, b.client.UserID(), clientMsgID, *text, *timeout)
	if first.Via != "ws" {
		fatalf("send went over %s, expected ws ack", first.Via)
	}
	if first.Duplicated {
		fatalf("first send reported duplicated")
	}

	mustAssertCreated(root, b, first, a.client.UserID(), *text, *timeout)
	mustAssertBadge(root, b, first.ConversationID, a.client.UserID(), *timeout)

	if got := mustUnread(root, b, *timeout); got != unreadBefore+1 {
		fatalf("unread count: got=%d want=%d", got, unreadBefore+1)
	}

	second := mustSend(root, a, b.client.UserID(), clientMsgID, *text, *timeout)
	if !second.Duplicated || second.MessageID != first.MessageID || second.Seq != first.Seq {
		fatalf("dedupe: first=%+v second=%+v", first, second)
	}
	mustAssertNoType(b, v1.TypeMessageCreated, 1200*time.Millisecond)

	mustHistoryContainsOnce(root, b, a.client.UserID(), first, *timeout)

	if got := mustUnread(root, b, *timeout); got != unreadBefore {
		fatalf("history fetch should mark read: unread=%d want=%d", got, unreadBefore)
	}

	cancel()
	for _, c := range []*smokeClient{a, b} {
		if err := <-c.runErr; err != nil && !errors.Is(err, context.Canceled) {
			fatalf("client %s stopped with: %v", c.name, err)
		}
	}

	fmt.Printf("OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n",
		a.client.UserID(), b.client.UserID(), first.ConversationID, first.Seq, first.MessageID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(ctx context.Context, name, baseURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	c := &smokeClient{
		name:   name,
		inbox:  make(chan v1.Envelope, 512),
		runErr: make(chan error, 1),
	}

	connected := make(chan struct{}, 1)
	client, err := dmclient.New(dmclient.Config{
		BaseURL:    baseURL,
		Token:      token,
		Origin:     origin,
		ClientName: "ws-smoke-" + strings.ToLower(name),
		Backoff:    dmclient.Backoff{Initial: 200 * time.Millisecond, Max: time.Second, Multiplier: 2, MaxAttempts: 3},
		Handler: dmclient.HandlerFunc(func(_ context.Context, env v1.Envelope) {
			select {
			case c.inbox <- env:
			default:
				fatalf("inbox overflow (%s): consumer too slow", name)
			}
		}),
		OnStateChange: func(s dmclient.State) {
			if s == dmclient.StateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		fatalf("client %s: %v", name, err)
	}
	c.client = client

	go func() { c.runErr <- client.Run(ctx) }()

	select {
	case <-connected:
	case err := <-c.runErr:
		fatalf("connect %s: %v", name, err)
	case <-time.After(stepTimeout):
		fatalf("connect %s: timed out", name)
	}
	if strings.TrimSpace(client.SessionID()) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	return c
}

func mustSend(parent context.Context, c *smokeClient, to, clientMsgID, text string, stepTimeout time.Duration) dmclient.SendResult {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	res, err := c.client.Send(ctx, dmclient.SendRequest{Recipient: to, Content: text, ClientMsgID: clientMsgID})
	if err != nil {
		fatalf("send (%s): %v", c.name, err)
	}
	if res.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, res.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(res.MessageID) == "" || strings.TrimSpace(res.ConversationID) == "" {
		fatalf("ack missing ids (%s): %+v", c.name, res)
	}
	if res.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, res.Seq)
	}
	return res
}

func mustAssertCreated(parent context.Context, c *smokeClient, sent dmclient.SendResult, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageCreated, stepTimeout)

	var p v1.MessageCreatedPayload
	if err := env.Decode(&p); err != nil {
		fatalf("decode message.created (%s): %v", c.name, err)
	}
	m := p.Message
	if m.ID != sent.MessageID || m.ConversationID != sent.ConversationID || m.Seq != sent.Seq {
		fatalf("message.created mismatch (%s): got=%+v want id=%s conv=%s seq=%d", c.name, m, sent.MessageID, sent.ConversationID, sent.Seq)
	}
	if m.SenderID != senderID {
		fatalf("message.created sender mismatch (%s): got=%q want=%q", c.name, m.SenderID, senderID)
	}
	if m.Content != text {
		fatalf("message.created content mismatch (%s): got=%q want=%q", c.name, m.Content, text)
	}
	if m.Read {
		fatalf("message.created should be unread (%s)", c.name)
	}
}

func mustAssertBadge(parent context.Context, c *smokeClient, convID, senderID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNotificationBadge, stepTimeout)

	var p v1.NotificationBadgePayload
	if err := env.Decode(&p); err != nil {
		fatalf("decode notification.badge (%s): %v", c.name, err)
	}
	if p.ConversationID != convID || p.Sender.ID != senderID {
		fatalf("badge mismatch (%s): %+v", c.name, p)
	}
	if p.TotalUnread <= 0 {
		fatalf("badge unread total should be positive (%s): %d", c.name, p.TotalUnread)
	}
}

func mustUnread(parent context.Context, c *smokeClient, stepTimeout time.Duration) int {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	n, err := c.client.UnreadCount(ctx)
	if err != nil {
		fatalf("unread count (%s): %v", c.name, err)
	}
	return n
}

func mustHistoryContainsOnce(parent context.Context, c *smokeClient, other string, sent dmclient.SendResult, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	msgs, err := c.client.History(ctx, other, 1, 100)
	if err != nil {
		fatalf("history (%s): %v", c.name, err)
	}

	found := 0
	for _, m := range msgs {
		if m.ID == sent.MessageID {
			found++
		}
		if m.ClientMsgID == sent.ClientMsgID && m.ID != sent.MessageID {
			fatalf("history has a second message for client_msg_id %s (%s)", sent.ClientMsgID, c.name)
		}
	}
	if found != 1 {
		fatalf("history (%s): message %s found %d times", c.name, sent.MessageID, found)
	}
}

func mustAssertNoType(c *smokeClient, forbiddenType string, wait time.Duration) {
	deadline := time.After(wait)
	for {
		select {
		case env := <-c.inbox:
			if env.Type == forbiddenType {
				fatalf("unexpected %s on %s after duplicate send", forbiddenType, c.name)
			}
		case <-deadline:
			return
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case env := <-c.inbox:
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = env.Decode(&p)
				fatalf("server error while waiting for %s (%s): %s: %s", wantType, c.name, p.Code, p.Message)
			}
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", wantType, c.name)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
