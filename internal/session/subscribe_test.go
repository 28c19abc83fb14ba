package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ventline/vent-app/internal/messaging"
)

// newSubscribingStore wires a store over local Redis (DB 15) and NATS so the
// change-event subscriptions are live. Skipped when either is unavailable.
func newSubscribingStore(t *testing.T) *Store {
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

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = "session-subscribe-test"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		t.Skipf("skipping: NATS not available: %v", err)
	}
	t.Cleanup(natsClient.Close)

	return NewStore(rdb, natsClient)
}

// awaitSession reads deliveries until one satisfies the predicate.
func awaitSession(t *testing.T, ch <-chan *Session, what string, pred func(*Session) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sess := <-ch:
			if pred(sess) {
				return
			}
		case <-deadline:
			t.Fatalf("never observed %s", what)
		}
	}
}

func TestSubscribeOne_DeliversLifecycle(t *testing.T) {
	store := newSubscribingStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "venter-1", "watch me", Plan20Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updates := make(chan *Session, 16)
	unsub, err := store.SubscribeOne(created.ID, func(sess *Session) {
		updates <- sess
	})
	if err != nil {
		t.Fatalf("SubscribeOne: %v", err)
	}
	defer unsub()

	// Initial snapshot.
	awaitSession(t, updates, "initial waiting snapshot", func(s *Session) bool {
		return s != nil && s.Status == StatusWaiting
	})

	if err := store.JoinAsListener(ctx, created.ID, "listener-1"); err != nil {
		t.Fatalf("JoinAsListener: %v", err)
	}
	awaitSession(t, updates, "active update", func(s *Session) bool {
		return s != nil && s.Status == StatusActive && s.ListenerID == "listener-1"
	})

	if err := store.MarkEnded(ctx, created.ID); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}
	awaitSession(t, updates, "ended update", func(s *Session) bool {
		return s != nil && s.Status == StatusEnded
	})

	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	awaitSession(t, updates, "deletion (nil delivery)", func(s *Session) bool {
		return s == nil
	})
}

func TestSubscribeOne_MissingRecordDeliversNil(t *testing.T) {
	store := newSubscribingStore(t)

	updates := make(chan *Session, 4)
	unsub, err := store.SubscribeOne("no-such-session", func(sess *Session) {
		updates <- sess
	})
	if err != nil {
		t.Fatalf("SubscribeOne: %v", err)
	}
	defer unsub()

	awaitSession(t, updates, "nil for missing record", func(s *Session) bool {
		return s == nil
	})
}

func TestSubscribeAvailable_TracksWaitingSet(t *testing.T) {
	store := newSubscribingStore(t)
	ctx := context.Background()

	snapshots := make(chan []Session, 16)
	unsub, err := store.SubscribeAvailable(func(sessions []Session) {
		snapshots <- sessions
	})
	if err != nil {
		t.Fatalf("SubscribeAvailable: %v", err)
	}
	defer unsub()

	awaitSnapshot := func(what string, pred func([]Session) bool) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case snap := <-snapshots:
				if pred(snap) {
					return
				}
			case <-deadline:
				t.Fatalf("never observed %s", what)
			}
		}
	}

	awaitSnapshot("initial empty snapshot", func(s []Session) bool {
		return len(s) == 0
	})

	created, err := store.Create(ctx, "venter-1", "open room", Plan10Min)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	awaitSnapshot("snapshot with the new room", func(s []Session) bool {
		return len(s) == 1 && s[0].ID == created.ID
	})

	// A claimed room drops out of the joinable set.
	if err := store.JoinAsListener(ctx, created.ID, "listener-1"); err != nil {
		t.Fatalf("JoinAsListener: %v", err)
	}
	awaitSnapshot("snapshot without the claimed room", func(s []Session) bool {
		return len(s) == 0
	})
}
