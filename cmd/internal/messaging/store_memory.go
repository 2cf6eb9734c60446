package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"parley/cmd/identity/ids"
)

// InMemoryStore is a dev/test Store used when no database is configured.
// A single mutex serializes every mutation, which gives the same guarantees
// the SQL backends get from constraints and transactions.
type InMemoryStore struct {
	mu sync.Mutex

	convs  map[string]*memConv        // conversation id -> state
	byPair map[string]string          // pair key -> conversation id
	byUser map[string]map[string]bool // user id -> conversation ids
	tokens map[string]memMessageRef   // sender + "\x00" + client_msg_id -> message
}

type memConv struct {
	conv    Conversation
	nextSeq int64
	msgs    []Message // ordered by seq
}

type memMessageRef struct {
	convID string
	seq    int64
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]*memConv),
		byPair: make(map[string]string),
		byUser: make(map[string]map[string]bool),
		tokens: make(map[string]memMessageRef),
	}
}

var _ Store = (*InMemoryStore)(nil)

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func tokenKey(senderID, clientMsgID string) string {
	return senderID + "\x00" + clientMsgID
}

// GetOrCreateConversation implements ConversationStore.
func (s *InMemoryStore) GetOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if _, err := PairKey(a, b); err != nil {
		return Conversation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, created, err := s.getOrCreateLocked(a, b, nowOr(now))
	if err != nil {
		return Conversation{}, false, err
	}
	return c.conv.clone(), created, nil
}

func (s *InMemoryStore) getOrCreateLocked(a, b string, now time.Time) (*memConv, bool, error) {
	lo, hi := CanonicalPair(a, b)
	key := lo + ":" + hi
	if id, ok := s.byPair[key]; ok {
		return s.convs[id], false, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return nil, false, err
	}
	c := &memConv{conv: newConversation(id, lo, hi, now), nextSeq: 1}
	s.convs[id] = c
	s.byPair[key] = id
	for _, u := range []string{lo, hi} {
		if s.byUser[u] == nil {
			s.byUser[u] = make(map[string]bool)
		}
		s.byUser[u][id] = true
	}
	return c, true, nil
}

// GetConversation implements ConversationStore.
func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[strings.TrimSpace(id)]
	if !ok {
		return Conversation{}, opErr("messaging.GetConversation", ErrNotFound, "conversation")
	}
	return c.conv.clone(), nil
}

// FindConversation implements ConversationStore.
func (s *InMemoryStore) FindConversation(ctx context.Context, a, b string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	key, err := PairKey(a, b)
	if err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[key]
	if !ok {
		return Conversation{}, opErr("messaging.FindConversation", ErrNotFound, "conversation")
	}
	return s.convs[id].conv.clone(), nil
}

// ListConversations implements ConversationStore.
func (s *InMemoryStore) ListConversations(ctx context.Context, in ListConversationsInput) (ConversationList, error) {
	if err := ctx.Err(); err != nil {
		return ConversationList{}, err
	}
	page, size := normalizePage(in.Page, in.PageSize, DefaultConversationPageSize, MaxConversationPageSize)

	s.mu.Lock()
	all := make([]Conversation, 0, len(s.byUser[in.UserID]))
	for id := range s.byUser[in.UserID] {
		c := s.convs[id]
		out := c.conv.clone()
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1].clone()
			out.LastMessage = &last
		}
		all = append(all, out)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := ConversationList{Page: page, PageSize: size, Total: len(all), Conversations: []Conversation{}}
	start := (page - 1) * size
	if start >= len(all) {
		return out, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	out.Conversations = all[start:end]
	return out, nil
}

// DeleteConversation implements ConversationStore.
func (s *InMemoryStore) DeleteConversation(ctx context.Context, id, requester string) (Conversation, error) {
	const op = "messaging.DeleteConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[strings.TrimSpace(id)]
	if !ok {
		return Conversation{}, opErr(op, ErrNotFound, "conversation")
	}
	if !c.conv.Has(requester) {
		return Conversation{}, opErr(op, ErrForbidden, "not a participant")
	}

	for _, m := range c.msgs {
		if m.ClientMsgID != "" {
			delete(s.tokens, tokenKey(m.SenderID, m.ClientMsgID))
		}
	}
	delete(s.convs, c.conv.ID)
	delete(s.byPair, c.conv.PairKey)
	for _, u := range c.conv.Participants {
		delete(s.byUser[u], c.conv.ID)
		if len(s.byUser[u]) == 0 {
			delete(s.byUser, u)
		}
	}
	return c.conv.clone(), nil
}

// AppendMessage implements MessageStore.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.AppendMessage"

	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	if _, err := PairKey(in.SenderID, in.RecipientID); err != nil {
		return AppendMessageResult{}, err
	}
	if err := validateBody(op, in.Content, in.Attachments); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ClientMsgID != "" {
		if ref, ok := s.tokens[tokenKey(in.SenderID, in.ClientMsgID)]; ok {
			c := s.convs[ref.convID]
			m := c.msgs[ref.seq-1]
			if m.RecipientID != in.RecipientID {
				return AppendMessageResult{}, opErr(op, ErrConflict, "client_msg_id already used for another recipient")
			}
			return AppendMessageResult{Message: m.clone(), Conversation: c.conv.clone(), Duplicated: true}, nil
		}
	}

	c, created, err := s.getOrCreateLocked(in.SenderID, in.RecipientID, now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	m := Message{
		ID:             msgID,
		ConversationID: c.conv.ID,
		Seq:            c.nextSeq,
		SenderID:       in.SenderID,
		RecipientID:    in.RecipientID,
		Content:        in.Content,
		Attachments:    append([]Attachment{}, in.Attachments...),
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
	}
	c.nextSeq++
	c.msgs = append(c.msgs, m)
	c.conv.LastMessageID = m.ID
	c.conv.UpdatedAt = now
	c.conv.UnreadCounts[in.RecipientID]++

	if in.ClientMsgID != "" {
		s.tokens[tokenKey(in.SenderID, in.ClientMsgID)] = memMessageRef{convID: c.conv.ID, seq: m.Seq}
	}

	return AppendMessageResult{Message: m.clone(), Conversation: c.conv.clone(), Created: created}, nil
}

// FindByClientMsgID implements MessageStore.
func (s *InMemoryStore) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.tokens[tokenKey(senderID, clientMsgID)]
	if !ok {
		return Message{}, opErr("messaging.FindByClientMsgID", ErrNotFound, "message")
	}
	return s.convs[ref.convID].msgs[ref.seq-1].clone(), nil
}

// FetchPage implements MessageStore.
func (s *InMemoryStore) FetchPage(ctx context.Context, in FetchPageInput) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	key, err := PairKey(in.UserA, in.UserB)
	if err != nil {
		return MessagePage{}, err
	}
	page, size := normalizePage(in.Page, in.PageSize, DefaultMessagePageSize, MaxMessagePageSize)
	out := MessagePage{Page: page, PageSize: size, Messages: []Message{}}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[key]
	if !ok {
		return out, nil
	}
	c := s.convs[id]
	out.ConversationID = id
	out.Total = len(c.msgs)

	// Newest first: page 1 ends at the last message.
	end := len(c.msgs) - (page-1)*size
	if end <= 0 {
		return out, nil
	}
	start := end - size
	if start < 0 {
		start = 0
	}
	for _, m := range c.msgs[start:end] {
		out.Messages = append(out.Messages, m.clone())
	}
	return out, nil
}

// MarkRead implements MessageStore.
func (s *InMemoryStore) MarkRead(ctx context.Context, reader, other string) (MarkReadResult, error) {
	if err := ctx.Err(); err != nil {
		return MarkReadResult{}, err
	}
	key, err := PairKey(reader, other)
	if err != nil {
		return MarkReadResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[key]
	if !ok {
		return MarkReadResult{}, nil
	}
	c := s.convs[id]
	marked := 0
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.RecipientID == reader && !m.Read {
			m.Read = true
			marked++
		}
	}
	c.conv.UnreadCounts[reader] = 0
	return MarkReadResult{ConversationID: id, Marked: marked}, nil
}

// ResetUnread implements UnreadStore.
func (s *InMemoryStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return opErr("messaging.ResetUnread", ErrNotFound, "conversation")
	}
	if !c.conv.Has(userID) {
		return opErr("messaging.ResetUnread", ErrForbidden, "not a participant")
	}
	c.conv.UnreadCounts[userID] = 0
	return nil
}

// UnreadFor implements UnreadStore.
func (s *InMemoryStore) UnreadFor(ctx context.Context, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, opErr("messaging.UnreadFor", ErrNotFound, "conversation")
	}
	return c.conv.UnreadFor(userID), nil
}

// TotalUnread implements UnreadStore.
func (s *InMemoryStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for id := range s.byUser[userID] {
		total += s.convs[id].conv.UnreadFor(userID)
	}
	return total, nil
}
