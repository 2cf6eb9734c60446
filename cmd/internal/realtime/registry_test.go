package realtime

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"parley/cmd/internal/metrics"
	v1 "parley/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(t *testing.T, typ string) v1.Envelope {
	t.Helper()
	env, err := v1.New(typ, "env-1", time.Unix(0, 0).UTC(), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestRegistry_BindPushUnbind(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), nil)
	a1 := NewClient("alice", "s-a1", 4)
	a2 := NewClient("", "s-a2", 4)
	b1 := NewClient("bob", "s-b1", 4)

	for _, c := range []*Client{a1, a2} {
		if err := reg.Bind("alice", c); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	if err := reg.Bind("bob", b1); err != nil {
		t.Fatalf("bind bob: %v", err)
	}
	if a2.UserID != "alice" {
		t.Fatalf("bind should stamp the user id, got %q", a2.UserID)
	}
	if got := reg.Count(); got != 3 {
		t.Fatalf("count: got %d want 3", got)
	}

	sessions := reg.SessionsFor("alice")
	if len(sessions) != 2 || sessions[0].SessionID != "s-a1" || sessions[1].SessionID != "s-a2" {
		t.Fatalf("sessions: %+v", sessions)
	}

	if n := reg.PushToUser(context.Background(), "alice", testEnvelope(t, v1.TypeNotificationBadge)); n != 2 {
		t.Fatalf("push: got %d want 2", n)
	}
	if len(a1.Send) != 1 || len(a2.Send) != 1 || len(b1.Send) != 0 {
		t.Fatalf("queues: a1=%d a2=%d b1=%d", len(a1.Send), len(a2.Send), len(b1.Send))
	}

	reg.Unbind(a1)
	reg.Unbind(a1)
	if reg.Count() != 2 || !reg.Online("alice") {
		t.Fatalf("after one unbind: count=%d online=%v", reg.Count(), reg.Online("alice"))
	}
	reg.Unbind(a2)
	if reg.Online("alice") {
		t.Fatalf("alice should be offline")
	}
	if n := reg.PushToUser(context.Background(), "alice", testEnvelope(t, v1.TypeNotificationBadge)); n != 0 {
		t.Fatalf("push to offline user: got %d want 0", n)
	}
}

func TestRegistry_BindRejectsBadInput(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), nil)
	if err := reg.Bind("", NewClient("", "s1", 1)); err == nil {
		t.Fatalf("expected error for empty user")
	}
	if err := reg.Bind("alice", nil); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := reg.Bind("alice", NewClient("bob", "s2", 1)); err == nil {
		t.Fatalf("expected error for foreign client")
	}
}

func TestRegistry_PushDropsWhenQueueFullOrClosed(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), nil)
	full := NewClient("alice", "s-full", 1)
	closed := NewClient("alice", "s-closed", 4)
	_ = reg.Bind("alice", full)
	_ = reg.Bind("alice", closed)
	closed.Close()

	env := testEnvelope(t, v1.TypeMessageCreated)
	if n := reg.PushToUser(context.Background(), "alice", env); n != 1 {
		t.Fatalf("first push: got %d want 1", n)
	}
	done := make(chan int)
	go func() { done <- reg.PushToUser(context.Background(), "alice", env) }()
	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("second push: got %d want 0", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("push blocked on a full queue")
	}
}

func TestRegistry_ConcurrentBindAndPush(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), nil)
	env := testEnvelope(t, v1.TypeMessageCreated)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		c := NewClient("alice", "s-"+string(rune('a'+i%26))+string(rune('A'+i/26)), 8)
		go func() {
			defer wg.Done()
			_ = reg.Bind("alice", c)
			reg.Unbind(c)
		}()
		go func() {
			defer wg.Done()
			reg.PushToUser(context.Background(), "alice", env)
		}()
	}
	wg.Wait()

	if reg.Count() != 0 {
		t.Fatalf("count after churn: got %d want 0", reg.Count())
	}
}

func TestRegistry_SessionGauge(t *testing.T) {
	t.Parallel()

	promReg := prometheus.NewRegistry()
	reg := NewRegistry(testLogger(), metrics.New(promReg))
	c := NewClient("alice", "s1", 1)

	gauge := func(want string) string {
		return "# HELP parley_live_sessions Currently bound live sessions.\n" +
			"# TYPE parley_live_sessions gauge\n" +
			"parley_live_sessions " + want + "\n"
	}

	_ = reg.Bind("alice", c)
	_ = reg.Bind("alice", c)
	if err := testutil.GatherAndCompare(promReg, strings.NewReader(gauge("1")), "parley_live_sessions"); err != nil {
		t.Fatalf("gauge after bind: %v", err)
	}
	reg.Unbind(c)
	if err := testutil.GatherAndCompare(promReg, strings.NewReader(gauge("0")), "parley_live_sessions"); err != nil {
		t.Fatalf("gauge after unbind: %v", err)
	}
}
