package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"parley/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Pair uniqueness is a UNIQUE constraint on conversations.pair_key.
//   - Writes touching a pair take pg_advisory_xact_lock on the pair key, which
//     serializes seq allocation, dedupe checks and counter updates across processes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

var _ Store = (*PostgresStore)(nil)

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// PostgresSchemaSQL returns the DDL for the messaging tables in schema.
func PostgresSchemaSQL(schema string) string {
	conversations := pgIdent(schema, "conversations")
	members := pgIdent(schema, "conversation_members")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  user_lo TEXT NOT NULL,
  user_hi TEXT NOT NULL,
  pair_key TEXT NOT NULL,
  last_message_id TEXT NULL,
  next_seq BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT uq_conversations_pair_key UNIQUE (pair_key),
  CONSTRAINT chk_conversations_pair_order CHECK (user_lo < user_hi)
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  unread_count INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (conversation_id, user_id),
  CONSTRAINT chk_members_unread_nonneg CHECK (unread_count >= 0)
);
CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON %s (user_id);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq BIGINT NOT NULL,
  sender_id TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  client_msg_id TEXT NULL,
  content TEXT NOT NULL DEFAULT '',
  attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
  read BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq),
  CONSTRAINT uq_messages_sender_client_msg UNIQUE (sender_id, client_msg_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON %s (conversation_id, recipient_id) WHERE NOT read;
`,
		pgx.Identifier{schema}.Sanitize(),
		conversations,
		members, conversations,
		members,
		messages, conversations,
		messages,
	)
}

// ApplySchema creates the messaging tables if they do not exist.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("messaging: apply schema: %w", err)
	}
	return nil
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

func lockPair(ctx context.Context, tx pgx.Tx, pairKey string) error {
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, pairKey); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) conversationSelect() string {
	conversations := pgIdent(s.schema, "conversations")
	members := pgIdent(s.schema, "conversation_members")
	return `SELECT c.id, c.user_lo, c.user_hi, c.pair_key, COALESCE(c.last_message_id, ''),
	               c.created_at, c.updated_at,
	               COALESCE(mlo.unread_count, 0), COALESCE(mhi.unread_count, 0)
	          FROM ` + conversations + ` c
	     LEFT JOIN ` + members + ` mlo ON mlo.conversation_id = c.id AND mlo.user_id = c.user_lo
	     LEFT JOIN ` + members + ` mhi ON mhi.conversation_id = c.id AND mhi.user_id = c.user_hi`
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c        Conversation
		lo, hi   string
		unreadLo int
		unreadHi int
	)
	if err := row.Scan(&c.ID, &lo, &hi, &c.PairKey, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt, &unreadLo, &unreadHi); err != nil {
		return Conversation{}, err
	}
	c.Participants = [2]string{lo, hi}
	c.UnreadCounts = map[string]int{lo: unreadLo, hi: unreadHi}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) conversationByPair(ctx context.Context, q pgQuerier, pairKey string) (Conversation, error) {
	return scanConversation(q.QueryRow(ctx, s.conversationSelect()+` WHERE c.pair_key = $1`, pairKey))
}

func (s *PostgresStore) conversationByID(ctx context.Context, q pgQuerier, id string) (Conversation, error) {
	return scanConversation(q.QueryRow(ctx, s.conversationSelect()+` WHERE c.id = $1`, id))
}

// getOrCreateTx expects the caller to hold the pair lock.
func (s *PostgresStore) getOrCreateTx(ctx context.Context, tx pgx.Tx, lo, hi string, now time.Time) (Conversation, bool, error) {
	key := lo + ":" + hi

	existing, err := s.conversationByPair(ctx, tx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (id, user_lo, user_hi, pair_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (pair_key) DO NOTHING`,
		id, lo, hi, key, now,
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race that the advisory lock did not cover (e.g. a writer without the lock).
		c, err := s.conversationByPair(ctx, tx, key)
		return c, false, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversation_members")+` (conversation_id, user_id, unread_count)
		 VALUES ($1, $2, 0), ($1, $3, 0)`,
		id, lo, hi,
	); err != nil {
		return Conversation{}, false, fmt.Errorf("insert members: %w", err)
	}

	return newConversation(id, lo, hi, now), true, nil
}

// GetOrCreateConversation implements ConversationStore.
func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	key, err := PairKey(a, b)
	if err != nil {
		return Conversation{}, false, err
	}
	lo, hi := CanonicalPair(a, b)

	tx, err := s.begin(ctx)
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockPair(ctx, tx, key); err != nil {
		return Conversation{}, false, err
	}
	c, created, err := s.getOrCreateTx(ctx, tx, lo, hi, nowOr(now))
	if err != nil {
		return Conversation{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, err
	}
	return c, created, nil
}

// GetConversation implements ConversationStore.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := s.conversationByID(ctx, s.pool, strings.TrimSpace(id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("messaging.GetConversation", ErrNotFound, "conversation")
	}
	return c, err
}

// FindConversation implements ConversationStore.
func (s *PostgresStore) FindConversation(ctx context.Context, a, b string) (Conversation, error) {
	key, err := PairKey(a, b)
	if err != nil {
		return Conversation{}, err
	}
	c, err := s.conversationByPair(ctx, s.pool, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("messaging.FindConversation", ErrNotFound, "conversation")
	}
	return c, err
}

// ListConversations implements ConversationStore.
func (s *PostgresStore) ListConversations(ctx context.Context, in ListConversationsInput) (ConversationList, error) {
	page, size := normalizePage(in.Page, in.PageSize, DefaultConversationPageSize, MaxConversationPageSize)
	out := ConversationList{Page: page, PageSize: size, Conversations: []Conversation{}}

	conversations := pgIdent(s.schema, "conversations")
	members := pgIdent(s.schema, "conversation_members")
	messages := pgIdent(s.schema, "messages")

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+members+` WHERE user_id = $1`, in.UserID,
	).Scan(&out.Total); err != nil {
		return ConversationList{}, err
	}
	if out.Total == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.user_lo, c.user_hi, c.pair_key, COALESCE(c.last_message_id, ''),
		        c.created_at, c.updated_at,
		        COALESCE(mlo.unread_count, 0), COALESCE(mhi.unread_count, 0),
		        m.id, m.seq, m.sender_id, m.recipient_id, m.client_msg_id, m.content,
		        m.attachments, m.read, m.created_at
		   FROM `+members+` me
		   JOIN `+conversations+` c ON c.id = me.conversation_id
		   LEFT JOIN `+members+` mlo ON mlo.conversation_id = c.id AND mlo.user_id = c.user_lo
		   LEFT JOIN `+members+` mhi ON mhi.conversation_id = c.id AND mhi.user_id = c.user_hi
		   LEFT JOIN `+messages+` m ON m.id = c.last_message_id
		  WHERE me.user_id = $1
		  ORDER BY c.updated_at DESC, c.id DESC
		  LIMIT $2 OFFSET $3`,
		in.UserID, size, (page-1)*size,
	)
	if err != nil {
		return ConversationList{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c                  Conversation
			lo, hi             string
			unreadLo, unreadHi int

			mID, mSender, mRecipient, mClient, mContent *string
			mSeq                                        *int64
			mAttachments                                []byte
			mRead                                       *bool
			mCreated                                    *time.Time
		)
		if err := rows.Scan(
			&c.ID, &lo, &hi, &c.PairKey, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt, &unreadLo, &unreadHi,
			&mID, &mSeq, &mSender, &mRecipient, &mClient, &mContent, &mAttachments, &mRead, &mCreated,
		); err != nil {
			return ConversationList{}, err
		}
		c.Participants = [2]string{lo, hi}
		c.UnreadCounts = map[string]int{lo: unreadLo, hi: unreadHi}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()

		if mID != nil {
			m := Message{
				ID:             *mID,
				ConversationID: c.ID,
				Seq:            derefInt64(mSeq),
				SenderID:       derefString(mSender),
				RecipientID:    derefString(mRecipient),
				ClientMsgID:    derefString(mClient),
				Content:        derefString(mContent),
				Read:           mRead != nil && *mRead,
			}
			if mCreated != nil {
				m.CreatedAt = mCreated.UTC()
			}
			if m.Attachments, err = decodeAttachments(mAttachments); err != nil {
				return ConversationList{}, err
			}
			c.LastMessage = &m
		}
		out.Conversations = append(out.Conversations, c)
	}
	if err := rows.Err(); err != nil {
		return ConversationList{}, err
	}
	return out, nil
}

// DeleteConversation implements ConversationStore.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id, requester string) (Conversation, error) {
	const op = "messaging.DeleteConversation"

	tx, err := s.begin(ctx)
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := s.conversationByID(ctx, tx, strings.TrimSpace(id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr(op, ErrNotFound, "conversation")
	}
	if err != nil {
		return Conversation{}, err
	}
	if !c.Has(requester) {
		return Conversation{}, opErr(op, ErrForbidden, "not a participant")
	}
	if err := lockPair(ctx, tx, c.PairKey); err != nil {
		return Conversation{}, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "messages")+` WHERE conversation_id = $1`, c.ID); err != nil {
		return Conversation{}, fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "conversation_members")+` WHERE conversation_id = $1`, c.ID); err != nil {
		return Conversation{}, fmt.Errorf("delete members: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`, c.ID); err != nil {
		return Conversation{}, fmt.Errorf("delete conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

const pgMessageCols = `id, conversation_id, seq, sender_id, recipient_id, COALESCE(client_msg_id, ''), content, attachments, read, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m   Message
		raw []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.RecipientID, &m.ClientMsgID, &m.Content, &raw, &m.Read, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	atts, err := decodeAttachments(raw)
	if err != nil {
		return Message{}, err
	}
	m.Attachments = atts
	return m, nil
}

// AppendMessage implements MessageStore.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.AppendMessage"

	key, err := PairKey(in.SenderID, in.RecipientID)
	if err != nil {
		return AppendMessageResult{}, err
	}
	if err := validateBody(op, in.Content, in.Attachments); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)
	lo, hi := CanonicalPair(in.SenderID, in.RecipientID)

	attachments, err := encodeAttachments(in.Attachments)
	if err != nil {
		return AppendMessageResult{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all writes per pair to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	if err := lockPair(ctx, tx, key); err != nil {
		return AppendMessageResult{}, err
	}

	messages := pgIdent(s.schema, "messages")

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+pgMessageCols+` FROM `+messages+` WHERE sender_id = $1 AND client_msg_id = $2`,
			in.SenderID, in.ClientMsgID,
		))
		if err == nil {
			if existing.RecipientID != in.RecipientID {
				return AppendMessageResult{}, opErr(op, ErrConflict, "client_msg_id already used for another recipient")
			}
			c, err := s.conversationByID(ctx, tx, existing.ConversationID)
			if err != nil {
				return AppendMessageResult{}, err
			}
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Message: existing, Conversation: c, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	c, created, err := s.getOrCreateTx(ctx, tx, lo, hi, now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+`
		    SET next_seq = next_seq + 1
		  WHERE id = $1
		RETURNING (next_seq - 1)`,
		c.ID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, sender_id, recipient_id, client_msg_id, content, attachments, created_at
		   ) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`,
		msgID, c.ID, seq, in.SenderID, in.RecipientID, in.ClientMsgID, in.Content, attachments, now,
	); err != nil {
		if isUniqueViolation(err) {
			return AppendMessageResult{}, opErr(op, ErrConflict, "client_msg_id already used")
		}
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+` SET last_message_id = $2, updated_at = $3 WHERE id = $1`,
		c.ID, msgID, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("update conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversation_members")+`
		    SET unread_count = unread_count + 1
		  WHERE conversation_id = $1 AND user_id = $2`,
		c.ID, in.RecipientID,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("increment unread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}

	m := Message{
		ID:             msgID,
		ConversationID: c.ID,
		Seq:            seq,
		SenderID:       in.SenderID,
		RecipientID:    in.RecipientID,
		Content:        in.Content,
		Attachments:    append([]Attachment{}, in.Attachments...),
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
	}
	c.LastMessageID = msgID
	c.UpdatedAt = now
	c.UnreadCounts[in.RecipientID]++

	return AppendMessageResult{Message: m, Conversation: c, Created: created}, nil
}

// FindByClientMsgID implements MessageStore.
func (s *PostgresStore) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+pgMessageCols+` FROM `+pgIdent(s.schema, "messages")+` WHERE sender_id = $1 AND client_msg_id = $2`,
		senderID, clientMsgID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("messaging.FindByClientMsgID", ErrNotFound, "message")
	}
	return m, err
}

// FetchPage implements MessageStore.
func (s *PostgresStore) FetchPage(ctx context.Context, in FetchPageInput) (MessagePage, error) {
	key, err := PairKey(in.UserA, in.UserB)
	if err != nil {
		return MessagePage{}, err
	}
	page, size := normalizePage(in.Page, in.PageSize, DefaultMessagePageSize, MaxMessagePageSize)
	out := MessagePage{Page: page, PageSize: size, Messages: []Message{}}

	c, err := s.conversationByPair(ctx, s.pool, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return MessagePage{}, err
	}
	out.ConversationID = c.ID

	messages := pgIdent(s.schema, "messages")
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+messages+` WHERE conversation_id = $1`, c.ID,
	).Scan(&out.Total); err != nil {
		return MessagePage{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageCols+`
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY seq DESC
		  LIMIT $2 OFFSET $3`,
		c.ID, size, (page-1)*size,
	)
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, err
		}
		out.Messages = append(out.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	reverseMessages(out.Messages)
	return out, nil
}

// MarkRead implements MessageStore.
func (s *PostgresStore) MarkRead(ctx context.Context, reader, other string) (MarkReadResult, error) {
	key, err := PairKey(reader, other)
	if err != nil {
		return MarkReadResult{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return MarkReadResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockPair(ctx, tx, key); err != nil {
		return MarkReadResult{}, err
	}

	var convID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM `+pgIdent(s.schema, "conversations")+` WHERE pair_key = $1`, key,
	).Scan(&convID)
	if errors.Is(err, pgx.ErrNoRows) {
		return MarkReadResult{}, nil
	}
	if err != nil {
		return MarkReadResult{}, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET read = true
		  WHERE conversation_id = $1 AND recipient_id = $2 AND NOT read`,
		convID, reader,
	)
	if err != nil {
		return MarkReadResult{}, fmt.Errorf("mark read: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversation_members")+`
		    SET unread_count = 0
		  WHERE conversation_id = $1 AND user_id = $2`,
		convID, reader,
	); err != nil {
		return MarkReadResult{}, fmt.Errorf("reset unread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return MarkReadResult{}, err
	}
	return MarkReadResult{ConversationID: convID, Marked: int(tag.RowsAffected())}, nil
}

// ResetUnread implements UnreadStore.
func (s *PostgresStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	const op = "messaging.ResetUnread"

	c, err := s.conversationByID(ctx, s.pool, conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return opErr(op, ErrNotFound, "conversation")
	}
	if err != nil {
		return err
	}
	if !c.Has(userID) {
		return opErr(op, ErrForbidden, "not a participant")
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversation_members")+`
		    SET unread_count = 0
		  WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	return err
}

// UnreadFor implements UnreadStore.
func (s *PostgresStore) UnreadFor(ctx context.Context, conversationID, userID string) (int, error) {
	c, err := s.conversationByID(ctx, s.pool, conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, opErr("messaging.UnreadFor", ErrNotFound, "conversation")
	}
	if err != nil {
		return 0, err
	}
	return c.UnreadFor(userID), nil
}

// TotalUnread implements UnreadStore.
func (s *PostgresStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(unread_count), 0) FROM `+pgIdent(s.schema, "conversation_members")+` WHERE user_id = $1`,
		userID,
	).Scan(&total); err != nil {
		return 0, err
	}
	return int(total), nil
}

func encodeAttachments(in []Attachment) ([]byte, error) {
	if in == nil {
		in = []Attachment{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return b, nil
}

func decodeAttachments(raw []byte) ([]Attachment, error) {
	out := []Attachment{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return out, nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
