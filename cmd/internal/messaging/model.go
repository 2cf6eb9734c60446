package messaging

import (
	"strings"
	"time"
)

// AttachmentKind is the media type of an attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// Attachment references media held by the attachment store. URI is opaque.
type Attachment struct {
	URI  string         `json:"uri"`
	Kind AttachmentKind `json:"kind"`
}

// Conversation is the unique two-party thread between a pair of users.
type Conversation struct {
	ID string
	// Participants is in canonical order: the lexicographically smaller id first.
	Participants [2]string
	PairKey      string

	LastMessageID string
	// LastMessage is populated by listing operations only.
	LastMessage *Message

	// UnreadCounts holds one entry per participant.
	UnreadCounts map[string]int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Has reports whether userID participates in c.
func (c Conversation) Has(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// UnreadFor returns userID's counter (zero when absent).
func (c Conversation) UnreadFor(userID string) int {
	if c.UnreadCounts == nil {
		return 0
	}
	return c.UnreadCounts[userID]
}

func (c Conversation) clone() Conversation {
	out := c
	out.UnreadCounts = make(map[string]int, 2)
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		out.LastMessage = &m
	}
	return out
}

// Message is one stored direct message. Seq is the authoritative order.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	RecipientID    string
	Content        string
	Attachments    []Attachment
	Read           bool
	ClientMsgID    string
	CreatedAt      time.Time
}

func (m Message) clone() Message {
	out := m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if out.Attachments == nil {
		out.Attachments = []Attachment{}
	}
	return out
}

// CanonicalPair orders two user ids so that (a,b) and (b,a) agree.
func CanonicalPair(a, b string) (lo, hi string) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a <= b {
		return a, b
	}
	return b, a
}

// PairKey returns the order-independent key of the pair {a, b}.
// Both ids must be non-empty and distinct.
func PairKey(a, b string) (string, error) {
	lo, hi := CanonicalPair(a, b)
	if lo == "" || hi == "" {
		return "", opErr("messaging.PairKey", ErrInvalidInput, "both participants are required")
	}
	if lo == hi {
		return "", opErr("messaging.PairKey", ErrInvalidInput, "participants must be distinct")
	}
	if strings.Contains(lo, ":") || strings.Contains(hi, ":") {
		return "", opErr("messaging.PairKey", ErrInvalidInput, "participant id contains ':'")
	}
	return lo + ":" + hi, nil
}

func newConversation(id, lo, hi string, now time.Time) Conversation {
	return Conversation{
		ID:           id,
		Participants: [2]string{lo, hi},
		PairKey:      lo + ":" + hi,
		UnreadCounts: map[string]int{lo: 0, hi: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
