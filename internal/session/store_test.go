package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to local Redis on DB 15 to avoid clobbering dev
// data. Tests are skipped when Redis is not available.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})

	return NewStore(rdb, nil)
}

func TestPlanDurations(t *testing.T) {
	cases := []struct {
		plan Plan
		want int
	}{
		{Plan10Min, 600},
		{Plan20Min, 1200},
		{Plan30Min, 1800},
		{Plan("Mystery Plan"), 1200}, // unknown names fall back to 20 minutes
		{Plan(""), 1200},
	}
	for _, c := range cases {
		if got := c.plan.DurationSeconds(); got != c.want {
			t.Errorf("DurationSeconds(%q) = %d, want %d", c.plan, got, c.want)
		}
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "rough day at work", Plan20Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.VenterID != "venter-1" || got.VentText != "rough day at work" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Status != StatusWaiting {
		t.Errorf("status = %q, want waiting", got.Status)
	}
	if got.ListenerID != "" {
		t.Errorf("new session has listener %q", got.ListenerID)
	}
	if got.ParticipantCount != 1 {
		t.Errorf("participant count = %d, want 1", got.ParticipantCount)
	}
	if got.CreatedAt == 0 || got.StartTime != 0 || got.EndTime != 0 {
		t.Errorf("timestamps = created %d start %d end %d", got.CreatedAt, got.StartTime, got.EndTime)
	}

	n, err := store.WaitingCount(ctx)
	if err != nil {
		t.Fatalf("WaitingCount: %v", err)
	}
	if n != 1 {
		t.Errorf("waiting count = %d, want 1", n)
	}
}

func TestGet_Missing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-session")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestJoinAsListener(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "need to talk", Plan10Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.JoinAsListener(ctx, created.ID, "listener-1"); err != nil {
		t.Fatalf("JoinAsListener: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.ListenerID != "listener-1" {
		t.Errorf("listener = %q, want listener-1", got.ListenerID)
	}
	if got.ParticipantCount != 2 {
		t.Errorf("participant count = %d, want 2", got.ParticipantCount)
	}
	if got.StartTime == 0 {
		t.Error("start time not set on join")
	}

	// The joined session must leave the waiting index.
	n, _ := store.WaitingCount(ctx)
	if n != 0 {
		t.Errorf("waiting count after join = %d, want 0", n)
	}
}

func TestJoinAsListener_SecondListenerRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "anyone there", Plan20Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.JoinAsListener(ctx, created.ID, "listener-1"); err != nil {
		t.Fatalf("first join: %v", err)
	}

	err = store.JoinAsListener(ctx, created.ID, "listener-2")
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("second join = %v, want ErrSessionConflict", err)
	}

	// Failed join writes nothing.
	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ListenerID != "listener-1" {
		t.Errorf("listener = %q after rejected join, want listener-1", got.ListenerID)
	}
	if got.ParticipantCount != 2 {
		t.Errorf("participant count = %d after rejected join, want 2", got.ParticipantCount)
	}
}

func TestJoinAsListener_EndedAndMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "short one", Plan10Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.MarkEnded(ctx, created.ID); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	if err := store.JoinAsListener(ctx, created.ID, "listener-1"); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("join ended = %v, want ErrSessionEnded", err)
	}
	if err := store.JoinAsListener(ctx, "no-such-session", "listener-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("join missing = %v, want ErrNotFound", err)
	}
}

func TestTransitions_ForwardOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "testing transitions", Plan20Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.MarkActive(ctx, created.ID); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	// Repeating the forward transition is a harmless no-op.
	if err := store.MarkActive(ctx, created.ID); err != nil {
		t.Fatalf("second MarkActive: %v", err)
	}

	if err := store.MarkEnded(ctx, created.ID); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	// Ended is terminal: no transition leaves it.
	if err := store.MarkEnded(ctx, created.ID); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("MarkEnded on ended = %v, want ErrSessionEnded", err)
	}
	if err := store.MarkActive(ctx, created.ID); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("MarkActive on ended = %v, want ErrSessionEnded", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusEnded {
		t.Errorf("status = %q, want ended", got.Status)
	}
	if got.EndTime == 0 {
		t.Error("end time not set")
	}
}

func TestLeave_ListenerReopensRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "come back later", Plan20Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.JoinAsListener(ctx, created.ID, "listener-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := store.Leave(ctx, created.ID, true); err != nil {
		t.Fatalf("listener leave: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusWaiting {
		t.Errorf("status after listener leave = %q, want waiting", got.Status)
	}
	if got.ListenerID != "" {
		t.Errorf("listener = %q after leave, want cleared", got.ListenerID)
	}
	if got.ParticipantCount != 1 {
		t.Errorf("participant count = %d, want 1", got.ParticipantCount)
	}

	// The room is joinable again.
	available, err := store.AvailableSessions(ctx)
	if err != nil {
		t.Fatalf("AvailableSessions: %v", err)
	}
	if len(available) != 1 || available[0].ID != created.ID {
		t.Errorf("available = %v, want reopened session", available)
	}
	if err := store.JoinAsListener(ctx, created.ID, "listener-2"); err != nil {
		t.Errorf("rejoin after reopen: %v", err)
	}
}

func TestLeave_VenterEndsRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "changed my mind", Plan10Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.JoinAsListener(ctx, created.ID, "listener-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := store.Leave(ctx, created.ID, false); err != nil {
		t.Fatalf("venter leave: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusEnded {
		t.Errorf("status after venter leave = %q, want ended", got.Status)
	}
}

func TestAvailableSessions_FiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Create(ctx, "venter-1", "first", Plan10Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // distinct created_at scores
	second, err := store.Create(ctx, "venter-2", "second", Plan20Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	third, err := store.Create(ctx, "venter-3", "third", Plan30Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.JoinAsListener(ctx, second.ID, "listener-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	available, err := store.AvailableSessions(ctx)
	if err != nil {
		t.Fatalf("AvailableSessions: %v", err)
	}
	if len(available) != 2 {
		t.Fatalf("available count = %d, want 2", len(available))
	}
	// Newest first; the claimed session is excluded.
	if available[0].ID != third.ID || available[1].ID != first.ID {
		t.Errorf("order = [%s %s], want [%s %s]",
			available[0].ID, available[1].ID, third.ID, first.ID)
	}
}

func TestStaleWaitingSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "left hanging", Plan20Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale, err := store.StaleWaitingSessions(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("StaleWaitingSessions: %v", err)
	}
	if len(stale) != 1 || stale[0] != created.ID {
		t.Errorf("stale = %v, want [%s]", stale, created.ID)
	}

	stale, err = store.StaleWaitingSessions(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("StaleWaitingSessions: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale with past cutoff = %v, want empty", stale)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "gone", Plan10Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	n, _ := store.WaitingCount(ctx)
	if n != 0 {
		t.Errorf("waiting count after delete = %d, want 0", n)
	}
}

func TestHeartbeat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "still here", Plan20Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	before, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.Heartbeat(ctx, created.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	after, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.LastActivityAt <= before.LastActivityAt {
		t.Errorf("last activity not bumped: %d -> %d", before.LastActivityAt, after.LastActivityAt)
	}
}
