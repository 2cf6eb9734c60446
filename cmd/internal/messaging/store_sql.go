package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"parley/cmd/identity/ids"

	_ "modernc.org/sqlite"
)

// SQLStore is a Store over database/sql, used with the embedded SQLite backend.
// Timestamps are stored as INTEGER unix nanoseconds.
//
// The *sql.DB is owned by the caller. OpenSQLite limits the pool to one
// connection, so transactions serialize the same way the Postgres advisory
// lock serializes writers per pair.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at path in WAL mode.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("messaging: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLStore wraps db. Call Migrate before first use on a fresh database.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("messaging: nil db")
	}
	return &SQLStore{db: db}, nil
}

var _ Store = (*SQLStore)(nil)

// Close is a no-op because the db is owned by the caller.
func (s *SQLStore) Close() error { return nil }

// Migrate creates the messaging tables if needed.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			user_lo         TEXT NOT NULL,
			user_hi         TEXT NOT NULL,
			pair_key        TEXT NOT NULL UNIQUE,
			last_message_id TEXT NULL,
			next_seq        INTEGER NOT NULL DEFAULT 1,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			CHECK (user_lo < user_hi)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON conversation_members (user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			recipient_id    TEXT NOT NULL,
			client_msg_id   TEXT NULL,
			content         TEXT NOT NULL DEFAULT '',
			attachments     TEXT NOT NULL DEFAULT '[]',
			read            INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			UNIQUE (conversation_id, seq),
			UNIQUE (sender_id, client_msg_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("messaging: migrate: %w", err)
		}
	}
	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqlConversationSelect = `SELECT c.id, c.user_lo, c.user_hi, c.pair_key, COALESCE(c.last_message_id, ''),
	       c.created_at, c.updated_at,
	       COALESCE(mlo.unread_count, 0), COALESCE(mhi.unread_count, 0)
	  FROM conversations c
	  LEFT JOIN conversation_members mlo ON mlo.conversation_id = c.id AND mlo.user_id = c.user_lo
	  LEFT JOIN conversation_members mhi ON mhi.conversation_id = c.id AND mhi.user_id = c.user_hi`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLConversation(row rowScanner) (Conversation, error) {
	var (
		c                  Conversation
		lo, hi             string
		created, updated   int64
		unreadLo, unreadHi int
	)
	if err := row.Scan(&c.ID, &lo, &hi, &c.PairKey, &c.LastMessageID, &created, &updated, &unreadLo, &unreadHi); err != nil {
		return Conversation{}, err
	}
	c.Participants = [2]string{lo, hi}
	c.UnreadCounts = map[string]int{lo: unreadLo, hi: unreadHi}
	c.CreatedAt = fromUnixNano(created)
	c.UpdatedAt = fromUnixNano(updated)
	return c, nil
}

func (s *SQLStore) conversationByPair(ctx context.Context, q sqlQuerier, key string) (Conversation, error) {
	return scanSQLConversation(q.QueryRowContext(ctx, sqlConversationSelect+` WHERE c.pair_key = ?`, key))
}

func (s *SQLStore) conversationByID(ctx context.Context, q sqlQuerier, id string) (Conversation, error) {
	return scanSQLConversation(q.QueryRowContext(ctx, sqlConversationSelect+` WHERE c.id = ?`, id))
}

func (s *SQLStore) getOrCreateTx(ctx context.Context, tx *sql.Tx, lo, hi string, now time.Time) (Conversation, bool, error) {
	key := lo + ":" + hi

	existing, err := s.conversationByPair(ctx, tx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}
	ts := now.UnixNano()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_lo, user_hi, pair_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (pair_key) DO NOTHING`,
		id, lo, hi, key, ts, ts,
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c, err := s.conversationByPair(ctx, tx, key)
		return c, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id, unread_count) VALUES (?, ?, 0), (?, ?, 0)`,
		id, lo, id, hi,
	); err != nil {
		return Conversation{}, false, fmt.Errorf("insert members: %w", err)
	}

	return newConversation(id, lo, hi, now), true, nil
}

// GetOrCreateConversation implements ConversationStore.
func (s *SQLStore) GetOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	if _, err := PairKey(a, b); err != nil {
		return Conversation{}, false, err
	}
	lo, hi := CanonicalPair(a, b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	c, created, err := s.getOrCreateTx(ctx, tx, lo, hi, nowOr(now))
	if err != nil {
		return Conversation{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, false, err
	}
	return c, created, nil
}

// GetConversation implements ConversationStore.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := s.conversationByID(ctx, s.db, strings.TrimSpace(id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, opErr("messaging.GetConversation", ErrNotFound, "conversation")
	}
	return c, err
}

// FindConversation implements ConversationStore.
func (s *SQLStore) FindConversation(ctx context.Context, a, b string) (Conversation, error) {
	key, err := PairKey(a, b)
	if err != nil {
		return Conversation{}, err
	}
	c, err := s.conversationByPair(ctx, s.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, opErr("messaging.FindConversation", ErrNotFound, "conversation")
	}
	return c, err
}

// ListConversations implements ConversationStore.
func (s *SQLStore) ListConversations(ctx context.Context, in ListConversationsInput) (ConversationList, error) {
	page, size := normalizePage(in.Page, in.PageSize, DefaultConversationPageSize, MaxConversationPageSize)
	out := ConversationList{Page: page, PageSize: size, Conversations: []Conversation{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_members WHERE user_id = ?`, in.UserID,
	).Scan(&out.Total); err != nil {
		return ConversationList{}, err
	}
	if out.Total == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user_lo, c.user_hi, c.pair_key, COALESCE(c.last_message_id, ''),
		        c.created_at, c.updated_at,
		        COALESCE(mlo.unread_count, 0), COALESCE(mhi.unread_count, 0)
		   FROM conversation_members me
		   JOIN conversations c ON c.id = me.conversation_id
		   LEFT JOIN conversation_members mlo ON mlo.conversation_id = c.id AND mlo.user_id = c.user_lo
		   LEFT JOIN conversation_members mhi ON mhi.conversation_id = c.id AND mhi.user_id = c.user_hi
		  WHERE me.user_id = ?
		  ORDER BY c.updated_at DESC, c.id DESC
		  LIMIT ? OFFSET ?`,
		in.UserID, size, (page-1)*size,
	)
	if err != nil {
		return ConversationList{}, err
	}
	for rows.Next() {
		c, err := scanSQLConversation(rows)
		if err != nil {
			_ = rows.Close()
			return ConversationList{}, err
		}
		out.Conversations = append(out.Conversations, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return ConversationList{}, err
	}
	_ = rows.Close()

	// The single-connection pool means the last-message lookups must run after
	// the list cursor is closed.
	for i := range out.Conversations {
		c := &out.Conversations[i]
		if c.LastMessageID == "" {
			continue
		}
		m, err := scanSQLMessage(s.db.QueryRowContext(ctx,
			`SELECT `+sqlMessageCols+` FROM messages WHERE id = ?`, c.LastMessageID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return ConversationList{}, err
		}
		c.LastMessage = &m
	}
	return out, nil
}

// DeleteConversation implements ConversationStore.
func (s *SQLStore) DeleteConversation(ctx context.Context, id, requester string) (Conversation, error) {
	const op = "messaging.DeleteConversation"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := s.conversationByID(ctx, tx, strings.TrimSpace(id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, opErr(op, ErrNotFound, "conversation")
	}
	if err != nil {
		return Conversation{}, err
	}
	if !c.Has(requester) {
		return Conversation{}, opErr(op, ErrForbidden, "not a participant")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, c.ID); err != nil {
		return Conversation{}, fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_members WHERE conversation_id = ?`, c.ID); err != nil {
		return Conversation{}, fmt.Errorf("delete members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, c.ID); err != nil {
		return Conversation{}, fmt.Errorf("delete conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

const sqlMessageCols = `id, conversation_id, seq, sender_id, recipient_id, COALESCE(client_msg_id, ''), content, attachments, read, created_at`

func scanSQLMessage(row rowScanner) (Message, error) {
	var (
		m       Message
		raw     string
		read    int64
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.RecipientID, &m.ClientMsgID, &m.Content, &raw, &read, &created); err != nil {
		return Message{}, err
	}
	m.Read = read != 0
	m.CreatedAt = fromUnixNano(created)
	atts, err := decodeAttachments([]byte(raw))
	if err != nil {
		return Message{}, err
	}
	m.Attachments = atts
	return m, nil
}

// AppendMessage implements MessageStore.
func (s *SQLStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.AppendMessage"

	if _, err := PairKey(in.SenderID, in.RecipientID); err != nil {
		return AppendMessageResult{}, err
	}
	if err := validateBody(op, in.Content, in.Attachments); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)
	lo, hi := CanonicalPair(in.SenderID, in.RecipientID)

	attachments, err := encodeAttachments(in.Attachments)
	if err != nil {
		return AppendMessageResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if in.ClientMsgID != "" {
		existing, err := scanSQLMessage(tx.QueryRowContext(ctx,
			`SELECT `+sqlMessageCols+` FROM messages WHERE sender_id = ? AND client_msg_id = ?`,
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
			if err := tx.Commit(); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Message: existing, Conversation: c, Duplicated: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	c, created, err := s.getOrCreateTx(ctx, tx, lo, hi, now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM conversations WHERE id = ?`, c.ID).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET next_seq = ? WHERE id = ?`, seq+1, c.ID); err != nil {
		return AppendMessageResult{}, err
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}
	ts := now.UnixNano()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, sender_id, recipient_id, client_msg_id, content, attachments, created_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		msgID, c.ID, seq, in.SenderID, in.RecipientID, in.ClientMsgID, in.Content, string(attachments), ts,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return AppendMessageResult{}, opErr(op, ErrConflict, "client_msg_id already used")
		}
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		msgID, ts, c.ID,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("update conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_members SET unread_count = unread_count + 1 WHERE conversation_id = ? AND user_id = ?`,
		c.ID, in.RecipientID,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("increment unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
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
		CreatedAt:      fromUnixNano(ts),
	}
	c.LastMessageID = msgID
	c.UpdatedAt = m.CreatedAt
	c.UnreadCounts[in.RecipientID]++

	return AppendMessageResult{Message: m, Conversation: c, Created: created}, nil
}

// FindByClientMsgID implements MessageStore.
func (s *SQLStore) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, error) {
	m, err := scanSQLMessage(s.db.QueryRowContext(ctx,
		`SELECT `+sqlMessageCols+` FROM messages WHERE sender_id = ? AND client_msg_id = ?`,
		senderID, clientMsgID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, opErr("messaging.FindByClientMsgID", ErrNotFound, "message")
	}
	return m, err
}

// FetchPage implements MessageStore.
func (s *SQLStore) FetchPage(ctx context.Context, in FetchPageInput) (MessagePage, error) {
	key, err := PairKey(in.UserA, in.UserB)
	if err != nil {
		return MessagePage{}, err
	}
	page, size := normalizePage(in.Page, in.PageSize, DefaultMessagePageSize, MaxMessagePageSize)
	out := MessagePage{Page: page, PageSize: size, Messages: []Message{}}

	var convID string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE pair_key = ?`, key).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return MessagePage{}, err
	}
	out.ConversationID = convID

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, convID,
	).Scan(&out.Total); err != nil {
		return MessagePage{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlMessageCols+`
		   FROM messages
		  WHERE conversation_id = ?
		  ORDER BY seq DESC
		  LIMIT ? OFFSET ?`,
		convID, size, (page-1)*size,
	)
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanSQLMessage(rows)
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
func (s *SQLStore) MarkRead(ctx context.Context, reader, other string) (MarkReadResult, error) {
	key, err := PairKey(reader, other)
	if err != nil {
		return MarkReadResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MarkReadResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var convID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE pair_key = ?`, key).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return MarkReadResult{}, nil
	}
	if err != nil {
		return MarkReadResult{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE conversation_id = ? AND recipient_id = ? AND read = 0`,
		convID, reader,
	)
	if err != nil {
		return MarkReadResult{}, fmt.Errorf("mark read: %w", err)
	}
	marked, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_members SET unread_count = 0 WHERE conversation_id = ? AND user_id = ?`,
		convID, reader,
	); err != nil {
		return MarkReadResult{}, fmt.Errorf("reset unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MarkReadResult{}, err
	}
	return MarkReadResult{ConversationID: convID, Marked: int(marked)}, nil
}

// ResetUnread implements UnreadStore.
func (s *SQLStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	const op = "messaging.ResetUnread"

	c, err := s.conversationByID(ctx, s.db, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return opErr(op, ErrNotFound, "conversation")
	}
	if err != nil {
		return err
	}
	if !c.Has(userID) {
		return opErr(op, ErrForbidden, "not a participant")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversation_members SET unread_count = 0 WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	)
	return err
}

// UnreadFor implements UnreadStore.
func (s *SQLStore) UnreadFor(ctx context.Context, conversationID, userID string) (int, error) {
	c, err := s.conversationByID(ctx, s.db, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, opErr("messaging.UnreadFor", ErrNotFound, "conversation")
	}
	if err != nil {
		return 0, err
	}
	return c.UnreadFor(userID), nil
}

// TotalUnread implements UnreadStore.
func (s *SQLStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(unread_count), 0) FROM conversation_members WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return 0, err
	}
	return int(total), nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
