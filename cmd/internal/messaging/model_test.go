package messaging

import (
	"math"
	"testing"
	"time"
)

func TestPairKey(t *testing.T) {
	t.Parallel()

	k1, err := PairKey("bob", "alice")
	if err != nil {
		t.Fatalf("pair key: %v", err)
	}
	k2, _ := PairKey(" alice ", "bob")
	if k1 != k2 || k1 != "alice:bob" {
		t.Fatalf("pair key not order independent: %q vs %q", k1, k2)
	}

	for _, tc := range [][2]string{{"", "bob"}, {"alice", "  "}, {"alice", "alice"}, {"a:b", "c"}} {
		if _, err := PairKey(tc[0], tc[1]); !IsInvalidInput(err) {
			t.Fatalf("PairKey(%q,%q): got %v want invalid input", tc[0], tc[1], err)
		}
	}
}

func TestConversationHelpers(t *testing.T) {
	t.Parallel()

	c := newConversation("c1", "alice", "bob", time.Unix(0, 0).UTC())
	if !c.Has("alice") || !c.Has("bob") || c.Has("carol") || c.Has("") {
		t.Fatalf("Has: unexpected membership")
	}
	if c.Other("alice") != "bob" || c.Other("bob") != "alice" {
		t.Fatalf("Other: got %q/%q", c.Other("alice"), c.Other("bob"))
	}

	c.UnreadCounts["bob"] = 3
	cp := c.clone()
	cp.UnreadCounts["bob"] = 0
	if c.UnreadFor("bob") != 3 {
		t.Fatalf("clone shares the counter map")
	}
	if (Conversation{}).UnreadFor("x") != 0 {
		t.Fatalf("zero conversation should report zero unread")
	}
}

func TestValidateAttachments(t *testing.T) {
	t.Parallel()

	got, err := ValidateAttachments("test", []Attachment{
		{URI: " s3://m/a.png ", Kind: " Image "},
		{URI: "https://cdn.example/v.mp4", Kind: AttachmentVideo},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got[0].URI != "s3://m/a.png" || got[0].Kind != AttachmentImage || got[1].Kind != AttachmentVideo {
		t.Fatalf("normalized: %+v", got)
	}

	bad := [][]Attachment{
		{{URI: "", Kind: AttachmentImage}},
		{{URI: "has space", Kind: AttachmentImage}},
		{{URI: "s3://x", Kind: "pdf"}},
		make([]Attachment, MaxAttachments+1),
	}
	for i, in := range bad {
		if _, err := ValidateAttachments("test", in); !IsInvalidMessage(err) {
			t.Fatalf("case %d: got %v want invalid message", i, err)
		}
	}

	empty, err := ValidateAttachments("test", nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("nil attachments: %v %v", empty, err)
	}
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, DefaultMessagePageSize},
		{-3, 5, 1, 5},
		{2, 1000, 2, MaxMessagePageSize},
		{math.MaxInt, 100, math.MaxInt / 100, 100},
		{math.MaxInt/2 + 1, 100, math.MaxInt / 100, 100},
	}
	for _, tc := range cases {
		p, s := normalizePage(tc.page, tc.size, DefaultMessagePageSize, MaxMessagePageSize)
		if p != tc.wantPage || s != tc.wantSize {
			t.Fatalf("normalizePage(%d,%d): got %d,%d want %d,%d", tc.page, tc.size, p, s, tc.wantPage, tc.wantSize)
		}
	}

	if got := (MessagePage{Total: 41, PageSize: 20}).Pages(); got != 3 {
		t.Fatalf("pages: got %d want 3", got)
	}
	if got := (ConversationList{Total: 0, PageSize: 50}).Pages(); got != 0 {
		t.Fatalf("pages for empty list: got %d want 0", got)
	}
}
