package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/metrics"
	v1 "parley/shared/contracts/realtime/v1"
)

const defaultPushTimeout = 5 * time.Second

// Service is the delivery coordinator: it validates, persists and then pushes.
// Every operation takes the acting user explicitly.
type Service struct {
	log      *slog.Logger
	store    Store
	users    identity.Directory
	pusher   Pusher
	notifier Notifier
	metrics  *metrics.Metrics

	pushTimeout time.Duration
	now         func() time.Time

	inflight sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithPusher sets the live push target (default: NopPusher).
func WithPusher(p Pusher) Option {
	return func(s *Service) {
		if p != nil {
			s.pusher = p
		}
	}
}

// WithNotifier sets the badge notifier (default: NopNotifier).
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPushTimeout bounds each asynchronous delivery (default 5s).
func WithPushTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pushTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the coordinator.
func NewService(log *slog.Logger, store Store, users identity.Directory, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("messaging: nil store")
	}
	if users == nil {
		return nil, errors.New("messaging: nil user directory")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:         log,
		store:       store,
		users:       users,
		pusher:      NopPusher{},
		notifier:    NopNotifier{},
		pushTimeout: defaultPushTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SendInput is a send request on behalf of SenderID.
type SendInput struct {
	SenderID    string
	RecipientID string
	Content     string
	Attachments []Attachment
	ClientMsgID string
}

// SendResult is returned once the message is durable.
type SendResult struct {
	Message      Message
	Conversation Conversation
	Duplicated   bool
}

// Send validates, persists and schedules live delivery. It returns as soon as
// the message is stored; push failures are logged, never returned.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	const op = "messaging.Send"
	start := time.Now()

	senderID := strings.TrimSpace(in.SenderID)
	recipientID := strings.TrimSpace(in.RecipientID)
	clientMsgID := strings.TrimSpace(in.ClientMsgID)

	if senderID == "" {
		return SendResult{}, opErr(op, ErrInvalidInput, "sender is required")
	}
	if recipientID == "" {
		s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
		return SendResult{}, opErr(op, ErrInvalidMessage, "recipient is required")
	}
	if recipientID == senderID {
		s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
		return SendResult{}, opErr(op, ErrInvalidMessage, "cannot message yourself")
	}
	if _, err := PairKey(senderID, recipientID); err != nil {
		s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
		return SendResult{}, opErr(op, ErrInvalidMessage, "malformed participant id")
	}

	content := NormalizeContent(in.Content)
	attachments, err := ValidateAttachments(op, in.Attachments)
	if err != nil {
		s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
		return SendResult{}, err
	}
	if err := validateBody(op, content, attachments); err != nil {
		s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
		return SendResult{}, err
	}
	if err := validateClientMsgID(op, clientMsgID); err != nil {
		s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
		return SendResult{}, err
	}

	// Retries through the fallback path usually hit here without touching the pair.
	if clientMsgID != "" {
		res, ok, err := s.lookupDuplicate(ctx, op, senderID, recipientID, clientMsgID)
		if err != nil {
			return SendResult{}, err
		}
		if ok {
			return res, nil
		}
	}

	exists, err := s.users.UserExists(ctx, recipientID)
	if err != nil {
		s.metrics.ObserveSend(metrics.OutcomeError, 0)
		return SendResult{}, fmt.Errorf("%s: lookup recipient: %w", op, err)
	}
	if !exists {
		s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
		return SendResult{}, opErr(op, ErrUnknownUser, "recipient does not exist")
	}

	appended, err := s.store.AppendMessage(ctx, AppendMessageInput{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Attachments: attachments,
		ClientMsgID: clientMsgID,
		Now:         s.now(),
	})
	if err != nil {
		if IsInvalidMessage(err) || IsInvalidInput(err) || IsConflict(err) {
			s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
			return SendResult{}, err
		}
		s.metrics.ObserveSend(metrics.OutcomeError, 0)
		return SendResult{}, fmt.Errorf("%s: %w", op, err)
	}

	out := SendResult{Message: appended.Message, Conversation: appended.Conversation, Duplicated: appended.Duplicated}
	if appended.Duplicated {
		s.metrics.ObserveSend(metrics.OutcomeDuplicate, 0)
		s.log.Info("message.send.duplicate",
			"sender_id", senderID,
			"conversation_id", out.Conversation.ID,
			"message_id", out.Message.ID,
		)
		return out, nil
	}

	s.metrics.ObserveSend(metrics.OutcomeOK, time.Since(start))
	s.log.Info("message.send.ok",
		"sender_id", senderID,
		"recipient_id", recipientID,
		"conversation_id", out.Conversation.ID,
		"message_id", out.Message.ID,
		"seq", out.Message.Seq,
		"conversation_created", appended.Created,
	)

	s.dispatch(ctx, func(ctx context.Context) { s.deliverMessage(ctx, out) })
	return out, nil
}

func (s *Service) lookupDuplicate(ctx context.Context, op, senderID, recipientID, clientMsgID string) (SendResult, bool, error) {
	m, err := s.store.FindByClientMsgID(ctx, senderID, clientMsgID)
	if IsNotFound(err) {
		return SendResult{}, false, nil
	}
	if err != nil {
		s.metrics.ObserveSend(metrics.OutcomeError, 0)
		return SendResult{}, false, fmt.Errorf("%s: lookup client_msg_id: %w", op, err)
	}
	if m.RecipientID != recipientID {
		s.metrics.ObserveSend(metrics.OutcomeRejected, 0)
		return SendResult{}, false, opErr(op, ErrConflict, "client_msg_id already used for another recipient")
	}
	c, err := s.store.GetConversation(ctx, m.ConversationID)
	if err != nil {
		s.metrics.ObserveSend(metrics.OutcomeError, 0)
		return SendResult{}, false, fmt.Errorf("%s: load conversation: %w", op, err)
	}

	s.metrics.ObserveSend(metrics.OutcomeDuplicate, 0)
	s.log.Info("message.send.duplicate",
		"sender_id", senderID,
		"conversation_id", c.ID,
		"message_id", m.ID,
	)
	return SendResult{Message: m, Conversation: c, Duplicated: true}, true, nil
}

// dispatch runs fn after the caller has returned, on a context detached from
// the request but bounded by the push timeout.
func (s *Service) dispatch(parent context.Context, fn func(ctx context.Context)) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.pushTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Drain waits for in-flight deliveries or ctx expiry.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) deliverMessage(ctx context.Context, res SendResult) {
	m := res.Message
	c := res.Conversation

	sender := s.summaryOrID(ctx, m.SenderID)
	recipient := s.summaryOrID(ctx, m.RecipientID)

	created, err := newEnvelope(v1.TypeMessageCreated, s.now(), v1.MessageCreatedPayload{
		Message: WireMessage(m, &sender, &recipient),
	})
	if err != nil {
		s.log.Error("delivery.push.fail", "event", v1.TypeMessageCreated, "message_id", m.ID, "err", err)
		return
	}
	n := s.pusher.PushToConversation(ctx, c.ID, []string{m.RecipientID}, created)
	s.metrics.ObservePush(v1.TypeMessageCreated, n)

	for _, userID := range c.Participants {
		s.pushConversationChanged(ctx, c, userID, false)
	}

	if err := s.notifier.Notify(ctx, m.RecipientID, BadgeSummary{
		ConversationID: c.ID,
		MessageID:      m.ID,
		Sender:         sender,
	}); err != nil {
		s.metrics.ObserveNotify(metrics.OutcomeError)
		s.log.Warn("delivery.notify.fail", "recipient_id", m.RecipientID, "message_id", m.ID, "err", err)
		return
	}
	s.metrics.ObserveNotify(metrics.OutcomeOK)
}

func (s *Service) pushConversationChanged(ctx context.Context, c Conversation, userID string, deleted bool) {
	env, err := newEnvelope(v1.TypeConversationChanged, s.now(), conversationChanged(c, userID, deleted))
	if err != nil {
		s.log.Error("delivery.push.fail", "event", v1.TypeConversationChanged, "conversation_id", c.ID, "err", err)
		return
	}
	n := s.pusher.PushToUser(ctx, userID, env)
	s.metrics.ObservePush(v1.TypeConversationChanged, n)
	if err := ctx.Err(); err != nil {
		s.log.Warn("delivery.push.fail", "event", v1.TypeConversationChanged, "user_id", userID, "err", err)
	}
}

func (s *Service) summaryOrID(ctx context.Context, userID string) identity.Summary {
	sum, err := s.users.UserSummary(ctx, userID)
	if err != nil {
		if !identity.IsNotFound(err) {
			s.log.Warn("identity.summary.fail", "user_id", userID, "err", err)
		}
		return identity.Summary{ID: userID}
	}
	return sum
}

// Summaries resolves display fields for ids. Lookup failures degrade to the id.
func (s *Service) Summaries(ctx context.Context, userIDs ...string) map[string]identity.Summary {
	out := make(map[string]identity.Summary, len(userIDs))
	for _, id := range userIDs {
		if _, ok := out[id]; ok || id == "" {
			continue
		}
		out[id] = s.summaryOrID(ctx, id)
	}
	return out
}

// OpenConversation returns the conversation between userID and otherID,
// creating it when absent.
func (s *Service) OpenConversation(ctx context.Context, userID, otherID string) (Conversation, bool, error) {
	const op = "messaging.OpenConversation"

	userID = strings.TrimSpace(userID)
	otherID = strings.TrimSpace(otherID)
	if _, err := PairKey(userID, otherID); err != nil {
		return Conversation{}, false, err
	}

	exists, err := s.users.UserExists(ctx, otherID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("%s: lookup participant: %w", op, err)
	}
	if !exists {
		return Conversation{}, false, opErr(op, ErrUnknownUser, "participant does not exist")
	}

	c, created, err := s.store.GetOrCreateConversation(ctx, userID, otherID, s.now())
	if err != nil {
		return Conversation{}, false, err
	}
	if created {
		s.log.Info("conversation.created", "conversation_id", c.ID, "by", userID)
	}
	return c, created, nil
}

// Messages returns one page of history between reader and otherID and marks
// the reader's side of the conversation read.
func (s *Service) Messages(ctx context.Context, readerID, otherID string, page, pageSize int) (MessagePage, error) {
	readerID = strings.TrimSpace(readerID)
	otherID = strings.TrimSpace(otherID)

	if _, err := s.MarkRead(ctx, readerID, otherID); err != nil {
		return MessagePage{}, err
	}
	return s.store.FetchPage(ctx, FetchPageInput{
		UserA:    readerID,
		UserB:    otherID,
		Page:     page,
		PageSize: pageSize,
	})
}

// MarkRead flips messages from otherID to readerID and resets the reader's
// counter. The reader's sessions receive conversation.changed when the
// conversation exists.
func (s *Service) MarkRead(ctx context.Context, readerID, otherID string) (MarkReadResult, error) {
	readerID = strings.TrimSpace(readerID)
	otherID = strings.TrimSpace(otherID)

	res, err := s.store.MarkRead(ctx, readerID, otherID)
	if err != nil {
		return MarkReadResult{}, err
	}
	if res.ConversationID == "" || res.Marked == 0 {
		return res, nil
	}

	c, err := s.store.GetConversation(ctx, res.ConversationID)
	if err != nil {
		// The read already committed; only the notification is lost.
		s.log.Warn("delivery.push.fail", "event", v1.TypeConversationChanged, "conversation_id", res.ConversationID, "err", err)
		return res, nil
	}
	s.dispatch(ctx, func(ctx context.Context) { s.pushConversationChanged(ctx, c, readerID, false) })
	return res, nil
}

// Conversations lists userID's conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context, userID string, page, pageSize int) (ConversationList, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ConversationList{}, opErr("messaging.Conversations", ErrInvalidInput, "user is required")
	}
	return s.store.ListConversations(ctx, ListConversationsInput{UserID: userID, Page: page, PageSize: pageSize})
}

// UnreadTotal returns the badge value for userID.
func (s *Service) UnreadTotal(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, opErr("messaging.UnreadTotal", ErrInvalidInput, "user is required")
	}
	return s.store.TotalUnread(ctx, userID)
}

// Conversation returns a conversation the requester participates in.
func (s *Service) Conversation(ctx context.Context, conversationID, requesterID string) (Conversation, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !c.Has(strings.TrimSpace(requesterID)) {
		return Conversation{}, opErr("messaging.Conversation", ErrForbidden, "not a participant")
	}
	return c, nil
}

// DeleteConversation removes the conversation and all its messages, then
// tells both participants.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	conversationID = strings.TrimSpace(conversationID)
	requesterID = strings.TrimSpace(requesterID)
	if conversationID == "" {
		return opErr("messaging.DeleteConversation", ErrInvalidInput, "conversation id is required")
	}

	c, err := s.store.DeleteConversation(ctx, conversationID, requesterID)
	if err != nil {
		return err
	}
	s.log.Info("conversation.deleted", "conversation_id", c.ID, "by", requesterID)

	s.dispatch(ctx, func(ctx context.Context) {
		for _, userID := range c.Participants {
			s.pushConversationChanged(ctx, c, userID, true)
		}
	})
	return nil
}
