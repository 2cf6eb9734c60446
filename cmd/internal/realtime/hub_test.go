package realtime

import (
	"context"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

func TestHub_ViewMovesBetweenRooms(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	c := NewClient("alice", "s1", 4)

	hub.View("conv-1", c)
	if hub.Viewing("s1") != "conv-1" || hub.Room("conv-1").Len() != 1 {
		t.Fatalf("expected s1 to view conv-1")
	}

	hub.View("conv-2", c)
	if hub.Viewing("s1") != "conv-2" {
		t.Fatalf("viewing: got %q want conv-2", hub.Viewing("s1"))
	}
	if hub.Room("conv-1") != nil {
		t.Fatalf("empty room should be dropped")
	}

	if got := hub.Leave("s1"); got != "conv-2" {
		t.Fatalf("leave: got %q want conv-2", got)
	}
	if hub.Leave("s1") != "" || hub.Room("conv-2") != nil {
		t.Fatalf("second leave should be a no-op")
	}
	select {
	case <-c.Done():
		t.Fatalf("leaving a room must not close the session")
	default:
	}
}

func TestHub_CloseEmptiesRoom(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	a := NewClient("alice", "s-a", 1)
	b := NewClient("bob", "s-b", 1)
	hub.View("conv-1", a)
	hub.View("conv-1", b)

	hub.Close("conv-1")
	if hub.Room("conv-1") != nil || hub.Viewing("s-a") != "" || hub.Viewing("s-b") != "" {
		t.Fatalf("close left state behind")
	}
}

func TestRoom_BroadcastNeverBlocks(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), "conv-1")
	fast := NewClient("alice", "s-fast", 8)
	slow := NewClient("bob", "s-slow", 1)
	room.Join(fast)
	room.Join(slow)

	env := testEnvelope(t, v1.TypeMessageCreated)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			room.Broadcast(env)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked")
	}
	if len(fast.Send) != 4 || len(slow.Send) != 1 {
		t.Fatalf("queues: fast=%d slow=%d", len(fast.Send), len(slow.Send))
	}
	if room.Leave("s-slow") != 1 {
		t.Fatalf("expected one viewer left")
	}
}

func TestFanout_PushToConversationDeliversOncePerSession(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), nil)
	hub := NewHub(testLogger())
	f := NewFanout(reg, hub)

	bobViewing := NewClient("bob", "s-b1", 8)
	bobElsewhere := NewClient("bob", "s-b2", 8)
	aliceViewing := NewClient("alice", "s-a1", 8)
	carol := NewClient("carol", "s-c1", 8)
	for _, c := range []*Client{bobViewing, bobElsewhere, aliceViewing, carol} {
		if err := reg.Bind(c.UserID, c); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	hub.View("conv-ab", bobViewing)
	hub.View("conv-ab", aliceViewing)

	n := f.PushToConversation(context.Background(), "conv-ab", []string{"bob"}, testEnvelope(t, v1.TypeMessageCreated))
	if n != 3 {
		t.Fatalf("delivered: got %d want 3", n)
	}
	if len(bobViewing.Send) != 1 || len(bobElsewhere.Send) != 1 || len(aliceViewing.Send) != 1 || len(carol.Send) != 0 {
		t.Fatalf("queues: b1=%d b2=%d a1=%d c1=%d", len(bobViewing.Send), len(bobElsewhere.Send), len(aliceViewing.Send), len(carol.Send))
	}

	// Nobody viewing: only the listed users' sessions.
	if n := f.PushToConversation(context.Background(), "conv-none", []string{"carol"}, testEnvelope(t, v1.TypeMessageCreated)); n != 1 {
		t.Fatalf("delivered without viewers: got %d want 1", n)
	}
}

func TestFanout_DeletedConversationClosesRoom(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), nil)
	hub := NewHub(testLogger())
	f := NewFanout(reg, hub)

	c := NewClient("alice", "s1", 4)
	_ = reg.Bind("alice", c)
	hub.View("conv-1", c)

	env, err := v1.New(v1.TypeConversationChanged, "e1", time.Unix(0, 0).UTC(), v1.ConversationChangedPayload{
		ConversationID: "conv-1",
		OtherUserID:    "bob",
		Deleted:        true,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if n := f.PushToUser(context.Background(), "alice", env); n != 1 {
		t.Fatalf("push: got %d want 1", n)
	}
	if hub.Room("conv-1") != nil || hub.Viewing("s1") != "" {
		t.Fatalf("deleted conversation room still open")
	}
}
