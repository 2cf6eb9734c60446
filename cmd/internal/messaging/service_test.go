package messaging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parley/cmd/identity"
	v1 "parley/shared/contracts/realtime/v1"
)

type pushRecord struct {
	userID         string
	conversationID string
	userIDs        []string
	env            v1.Envelope
}

type recordingPusher struct {
	mu      sync.Mutex
	records []pushRecord
}

func (p *recordingPusher) PushToUser(_ context.Context, userID string, env v1.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, pushRecord{userID: userID, env: env})
	return 1
}

func (p *recordingPusher) PushToConversation(_ context.Context, conversationID string, userIDs []string, env v1.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, pushRecord{conversationID: conversationID, userIDs: append([]string(nil), userIDs...), env: env})
	return len(userIDs)
}

func (p *recordingPusher) ofType(typ string) []pushRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pushRecord
	for _, r := range p.records {
		if r.env.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

type notifyRecord struct {
	recipientID string
	badge       BadgeSummary
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []notifyRecord
}

func (n *recordingNotifier) Notify(_ context.Context, recipientID string, badge BadgeSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, notifyRecord{recipientID: recipientID, badge: badge})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

type serviceFixture struct {
	svc      *Service
	store    *InMemoryStore
	pusher   *recordingPusher
	notifier *recordingNotifier
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()

	ctx := context.Background()
	users := identity.NewInMemoryDirectory()
	for _, u := range []identity.CreateUserInput{
		{ID: "alice", Handle: "alice", DisplayName: "Alice"},
		{ID: "bob", Handle: "bob", DisplayName: "Bob", AvatarURI: "https://cdn.example/bob.png"},
		{ID: "carol", Handle: "carol", DisplayName: "Carol"},
	} {
		if _, err := users.CreateUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}

	f := serviceFixture{
		store:    NewInMemoryStore(),
		pusher:   &recordingPusher{},
		notifier: &recordingNotifier{},
	}
	svc, err := NewService(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		f.store,
		users,
		WithPusher(f.pusher),
		WithNotifier(f.notifier),
		WithPushTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f serviceFixture) drain(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.svc.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestService_FirstMessageCreatesConversationAndPushes(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "bob", Content: "  hi  "})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f.drain(t)

	if res.Duplicated {
		t.Fatalf("first send reported duplicate")
	}
	if res.Message.Content != "hi" || res.Message.Seq != 1 {
		t.Fatalf("message: content=%q seq=%d", res.Message.Content, res.Message.Seq)
	}
	if res.Conversation.UnreadFor("bob") != 1 || res.Conversation.UnreadFor("alice") != 0 {
		t.Fatalf("unread: %v", res.Conversation.UnreadCounts)
	}
	if res.Conversation.LastMessageID != res.Message.ID {
		t.Fatalf("last message: got %q want %q", res.Conversation.LastMessageID, res.Message.ID)
	}

	created := f.pusher.ofType(v1.TypeMessageCreated)
	if len(created) != 1 {
		t.Fatalf("message.created pushes: got %d want 1", len(created))
	}
	if created[0].conversationID != res.Conversation.ID || len(created[0].userIDs) != 1 || created[0].userIDs[0] != "bob" {
		t.Fatalf("message.created target: %+v", created[0])
	}
	var payload v1.MessageCreatedPayload
	if err := created[0].env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Message.ID != res.Message.ID || payload.Message.Sender == nil || payload.Message.Sender.DisplayName != "Alice" {
		t.Fatalf("payload: %+v", payload.Message)
	}
	if payload.Message.Recipient == nil || payload.Message.Recipient.AvatarURI != "https://cdn.example/bob.png" {
		t.Fatalf("recipient summary: %+v", payload.Message.Recipient)
	}

	changed := f.pusher.ofType(v1.TypeConversationChanged)
	if len(changed) != 2 {
		t.Fatalf("conversation.changed pushes: got %d want 2", len(changed))
	}
	for _, r := range changed {
		var p v1.ConversationChangedPayload
		if err := r.env.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		wantUnread := 0
		if r.userID == "bob" {
			wantUnread = 1
		}
		if p.UnreadCount != wantUnread || p.OtherUserID == r.userID || p.LastMessageID != res.Message.ID {
			t.Fatalf("changed for %s: %+v", r.userID, p)
		}
	}

	if f.notifier.count() != 1 {
		t.Fatalf("notifications: got %d want 1", f.notifier.count())
	}
	n := f.notifier.records[0]
	if n.recipientID != "bob" || n.badge.MessageID != res.Message.ID || n.badge.Sender.Handle != "alice" {
		t.Fatalf("notification: %+v", n)
	}
}

func TestService_ImageOnlyAndEmptyMessages(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, SendInput{
		SenderID:    "alice",
		RecipientID: "bob",
		Attachments: []Attachment{{URI: "s3://media/x.png", Kind: "IMAGE"}},
	})
	if err != nil {
		t.Fatalf("image-only send: %v", err)
	}
	if res.Message.Content != "" || len(res.Message.Attachments) != 1 || res.Message.Attachments[0].Kind != AttachmentImage {
		t.Fatalf("image-only message: %+v", res.Message)
	}

	_, err = f.svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "carol", Content: "   "})
	if !IsInvalidMessage(err) {
		t.Fatalf("empty send: got %v want invalid message", err)
	}
	if _, err := f.store.FindConversation(ctx, "alice", "carol"); !IsNotFound(err) {
		t.Fatalf("rejected send created a conversation: %v", err)
	}
	f.drain(t)
	if n := len(f.pusher.ofType(v1.TypeMessageCreated)); n != 1 {
		t.Fatalf("message.created pushes: got %d want 1", n)
	}
}

func TestService_SendValidation(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	tooMany := make([]Attachment, MaxAttachments+1)
	for i := range tooMany {
		tooMany[i] = Attachment{URI: "s3://m/" + string(rune('a'+i)), Kind: AttachmentVideo}
	}

	cases := []struct {
		name  string
		in    SendInput
		check func(error) bool
	}{
		{"missing recipient", SendInput{SenderID: "alice", Content: "x"}, IsInvalidMessage},
		{"self", SendInput{SenderID: "alice", RecipientID: "alice", Content: "x"}, IsInvalidMessage},
		{"missing sender", SendInput{RecipientID: "bob", Content: "x"}, IsInvalidInput},
		{"unknown recipient", SendInput{SenderID: "alice", RecipientID: "zed", Content: "x"}, IsUnknownUser},
		{"too long", SendInput{SenderID: "alice", RecipientID: "bob", Content: strings.Repeat("é", MaxContentChars+1)}, IsInvalidMessage},
		{"bad kind", SendInput{SenderID: "alice", RecipientID: "bob", Attachments: []Attachment{{URI: "s3://a", Kind: "audio"}}}, IsInvalidMessage},
		{"empty uri", SendInput{SenderID: "alice", RecipientID: "bob", Attachments: []Attachment{{Kind: AttachmentImage}}}, IsInvalidMessage},
		{"too many attachments", SendInput{SenderID: "alice", RecipientID: "bob", Attachments: tooMany}, IsInvalidMessage},
		{"long token", SendInput{SenderID: "alice", RecipientID: "bob", Content: "x", ClientMsgID: strings.Repeat("t", 200)}, IsInvalidMessage},
	}
	for _, tc := range cases {
		if _, err := f.svc.Send(ctx, tc.in); !tc.check(err) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}

	if _, err := f.svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "bob", Content: strings.Repeat("é", MaxContentChars)}); err != nil {
		t.Fatalf("max length content rejected: %v", err)
	}
}

func TestService_RetryWithSameTokenIsDeduplicated(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	in := SendInput{SenderID: "alice", RecipientID: "bob", Content: "once", ClientMsgID: "c-1"}
	first, err := f.svc.Send(ctx, in)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := f.svc.Send(ctx, in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	f.drain(t)

	if !second.Duplicated || second.Message.ID != first.Message.ID {
		t.Fatalf("retry: dup=%v id=%s want %s", second.Duplicated, second.Message.ID, first.Message.ID)
	}
	if total, _ := f.svc.UnreadTotal(ctx, "bob"); total != 1 {
		t.Fatalf("unread after retry: got %d want 1", total)
	}
	if n := len(f.pusher.ofType(v1.TypeMessageCreated)); n != 1 {
		t.Fatalf("message.created pushes: got %d want 1", n)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("notifications: got %d want 1", f.notifier.count())
	}

	if _, err := f.svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "carol", Content: "x", ClientMsgID: "c-1"}); !IsConflict(err) {
		t.Fatalf("token reuse for another recipient: got %v want conflict", err)
	}
}

func TestService_ConcurrentRetriesStoreOnce(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "bob", Content: "race", ClientMsgID: "same"})
			if err != nil {
				t.Errorf("send: %v", err)
				return
			}
			ids <- res.Message.ID
		}()
	}
	wg.Wait()
	close(ids)
	f.drain(t)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("distinct messages: got %d want 1", len(seen))
	}
	if total, _ := f.svc.UnreadTotal(ctx, "bob"); total != 1 {
		t.Fatalf("unread: got %d want 1", total)
	}
}

func TestService_SimultaneousOpenConversation(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[string]bool{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 0 {
				a, b = b, a
			}
			c, _, err := f.svc.OpenConversation(ctx, a, b)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			mu.Lock()
			got[c.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(got) != 1 {
		t.Fatalf("distinct conversations: got %d want 1", len(got))
	}
	if _, _, err := f.svc.OpenConversation(ctx, "alice", "zed"); !IsUnknownUser(err) {
		t.Fatalf("open with unknown user: got %v want unknown user", err)
	}
	if _, _, err := f.svc.OpenConversation(ctx, "alice", "alice"); !IsInvalidInput(err) {
		t.Fatalf("open with self: got %v want invalid input", err)
	}
}

func TestService_MessagesMarksReadAndNotifiesReader(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		if _, err := f.svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "bob", Content: text}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	f.drain(t)
	before := len(f.pusher.ofType(v1.TypeConversationChanged))

	page, err := f.svc.Messages(ctx, "bob", "alice", 1, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	f.drain(t)

	if len(page.Messages) != 2 || page.Messages[0].Content != "one" || page.PageSize != DefaultMessagePageSize {
		t.Fatalf("page: %+v", page)
	}
	for _, m := range page.Messages {
		if !m.Read {
			t.Fatalf("message %d not marked read", m.Seq)
		}
	}
	if total, _ := f.svc.UnreadTotal(ctx, "bob"); total != 0 {
		t.Fatalf("bob unread: got %d want 0", total)
	}

	changed := f.pusher.ofType(v1.TypeConversationChanged)
	if len(changed) != before+1 || changed[len(changed)-1].userID != "bob" {
		t.Fatalf("expected one conversation.changed to bob, got %d new", len(changed)-before)
	}

	// Nothing left to flip: no further push.
	if _, err := f.svc.MarkRead(ctx, "bob", "alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	f.drain(t)
	if n := len(f.pusher.ofType(v1.TypeConversationChanged)); n != before+1 {
		t.Fatalf("idempotent mark read pushed again: %d", n-before)
	}
}

func TestService_DeleteConversation(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "bob", Content: "bye"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f.drain(t)
	before := len(f.pusher.ofType(v1.TypeConversationChanged))

	if err := f.svc.DeleteConversation(ctx, res.Conversation.ID, "carol"); !IsForbidden(err) {
		t.Fatalf("delete by outsider: got %v want forbidden", err)
	}
	if err := f.svc.DeleteConversation(ctx, res.Conversation.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.drain(t)

	if err := f.svc.DeleteConversation(ctx, res.Conversation.ID, "alice"); !IsNotFound(err) {
		t.Fatalf("second delete: got %v want not found", err)
	}
	if total, _ := f.svc.UnreadTotal(ctx, "bob"); total != 0 {
		t.Fatalf("bob unread after delete: got %d want 0", total)
	}

	changed := f.pusher.ofType(v1.TypeConversationChanged)[before:]
	if len(changed) != 2 {
		t.Fatalf("delete pushes: got %d want 2", len(changed))
	}
	for _, r := range changed {
		var p v1.ConversationChangedPayload
		if err := r.env.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !p.Deleted || p.ConversationID != res.Conversation.ID {
			t.Fatalf("delete payload for %s: %+v", r.userID, p)
		}
	}
}

func TestService_ConversationsAndAccess(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "bob", Content: "a"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.svc.Send(ctx, SendInput{SenderID: "carol", RecipientID: "alice", Content: "b"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.drain(t)

	list, err := f.svc.Conversations(ctx, "alice", 0, 0)
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if list.Total != 2 || list.PageSize != DefaultConversationPageSize {
		t.Fatalf("list: total=%d size=%d", list.Total, list.PageSize)
	}

	if _, err := f.svc.Conversation(ctx, first.Conversation.ID, "carol"); !IsForbidden(err) {
		t.Fatalf("outsider access: got %v want forbidden", err)
	}
	if c, err := f.svc.Conversation(ctx, first.Conversation.ID, "bob"); err != nil || c.ID != first.Conversation.ID {
		t.Fatalf("participant access: %v", err)
	}

	sums := f.svc.Summaries(ctx, "alice", "zed", "alice")
	if len(sums) != 2 || sums["alice"].DisplayName != "Alice" || sums["zed"].ID != "zed" {
		t.Fatalf("summaries: %+v", sums)
	}
}

func TestPushNotifier_PushesBadgeWithTotal(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	for _, from := range []string{"alice", "carol"} {
		if _, err := store.AppendMessage(ctx, AppendMessageInput{SenderID: from, RecipientID: "bob", Content: "x", Now: at(1)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	pusher := &recordingPusher{}
	n, err := NewPushNotifier(pusher, store)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Notify(ctx, "bob", BadgeSummary{ConversationID: "c1", MessageID: "m1", Sender: identity.Summary{ID: "carol", Handle: "carol"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	badges := pusher.ofType(v1.TypeNotificationBadge)
	if len(badges) != 1 || badges[0].userID != "bob" {
		t.Fatalf("badge pushes: %+v", badges)
	}
	var p v1.NotificationBadgePayload
	if err := badges[0].env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.TotalUnread != 2 || p.Sender.Handle != "carol" || p.MessageID != "m1" {
		t.Fatalf("badge payload: %+v", p)
	}
	if err := badges[0].env.Validate(); err != nil {
		t.Fatalf("envelope invalid: %v", err)
	}

	if _, err := NewPushNotifier(nil, store); err == nil {
		t.Fatalf("expected nil pusher error")
	}
}

func TestNewService_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewService(nil, nil, identity.NewInMemoryDirectory()); err == nil {
		t.Fatalf("expected nil store error")
	}
	if _, err := NewService(nil, NewInMemoryStore(), nil); err == nil {
		t.Fatalf("expected nil directory error")
	}
}

type failingNotifier struct {
	calls atomic.Int32
}

func (n *failingNotifier) Notify(context.Context, string, BadgeSummary) error {
	n.calls.Add(1)
	return errors.New("queue unavailable")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestService_DeliveryFailuresDoNotFailSend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	users := identity.NewInMemoryDirectory()
	for _, id := range []string{"alice", "bob"} {
		if _, err := users.CreateUser(ctx, identity.CreateUserInput{ID: id, Handle: id, DisplayName: id}); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}

	logs := &lockedBuffer{}
	notifier := &failingNotifier{}
	store := NewInMemoryStore()
	svc, err := NewService(
		slog.New(slog.NewTextHandler(logs, nil)),
		store,
		users,
		WithPusher(NopPusher{}),
		WithNotifier(notifier),
		WithPushTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	res, err := svc.Send(ctx, SendInput{SenderID: "alice", RecipientID: "bob", Content: "anyone there?", ClientMsgID: "c-offline-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Duplicated || res.Message.ID == "" || res.Message.Seq != 1 {
		t.Fatalf("send result: %+v", res)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := svc.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if got := notifier.calls.Load(); got != 1 {
		t.Fatalf("notify calls: got %d want 1", got)
	}
	if !strings.Contains(logs.String(), "delivery.notify.fail") {
		t.Fatalf("expected notify failure to be logged, got:\n%s", logs.String())
	}

	total, err := svc.UnreadTotal(ctx, "bob")
	if err != nil {
		t.Fatalf("unread total: %v", err)
	}
	if total != 1 {
		t.Fatalf("unread total: got %d want 1", total)
	}

	page, err := store.FetchPage(ctx, FetchPageInput{UserA: "bob", UserB: "alice"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != res.Message.ID {
		t.Fatalf("stored messages: %+v", page.Messages)
	}
}
