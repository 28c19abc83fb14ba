package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ventline/vent-app/internal/messaging"
	"github.com/ventline/vent-app/internal/metrics"
	"github.com/ventline/vent-app/internal/session"
)

const sweepInterval = 5 * time.Second

// Sweeper is the background service that removes queue entries whose max
// wait elapsed (notifying the waiting user) and deletes waiting sessions
// that went stale. It also keeps the queue-depth gauges current.
type Sweeper struct {
	store    *Store
	sessions *session.Store
	nats     *messaging.NATSClient
	clock    clockwork.Clock
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper creates a sweeper over the given stores.
func NewSweeper(store *Store, sessions *session.Store, nats *messaging.NATSClient, clock clockwork.Clock) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:    store,
		sessions: sessions,
		nats:     nats,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start() {
	go func() {
		ticker := s.clock.NewTicker(sweepInterval)
		defer ticker.Stop()

		log.Println("[matcher] sweeper started")
		for {
			select {
			case <-s.ctx.Done():
				log.Println("[matcher] sweeper stopped")
				return
			case <-ticker.Chan():
				s.sweep()
			}
		}
	}()
}

// Stop shuts the sweep loop down.
func (s *Sweeper) Stop() {
	s.cancel()
}

func (s *Sweeper) sweep() {
	s.expireQueueEntries(RoleVenter)
	s.expireQueueEntries(RoleListener)
	s.dropStaleSessions()
	s.updateGauges()
}

// expireQueueEntries removes entries that waited past their per-entry max
// wait and notifies the affected user.
func (s *Sweeper) expireQueueEntries(role Role) {
	ids, err := s.store.Entries(s.ctx, role)
	if err != nil {
		log.Printf("[matcher] sweep %s queue: %v", role, err)
		return
	}

	now := time.Now().UnixMilli()
	removed := 0
	for _, id := range ids {
		entry, err := s.store.GetEntry(s.ctx, id)
		if err != nil {
			continue
		}
		if entry == nil {
			// Entry hash expired; prune the dangling index member.
			if err := s.store.Remove(s.ctx, id); err == nil {
				removed++
			}
			continue
		}

		waitedMs := now - entry.CreatedAt
		if waitedMs < int64(entry.MaxWaitSeconds)*1000 {
			continue
		}

		if err := s.store.Remove(s.ctx, id); err != nil {
			log.Printf("[matcher] sweep remove %s: %v", id, err)
			continue
		}
		removed++

		data, _ := json.Marshal(TimeoutNotice{EntryID: id})
		if err := s.nats.PublishMatchTimeout(entry.UserID, data); err != nil {
			log.Printf("[matcher] sweep notify %s: %v", entry.UserID, err)
		}
	}

	if removed > 0 {
		log.Printf("[matcher] sweep: removed %d expired %s entries", removed, role)
	}
}

// dropStaleSessions deletes waiting sessions older than the availability
// window; nobody will join a room that sat unclaimed for an hour.
func (s *Sweeper) dropStaleSessions() {
	cutoff := time.Now().Add(-session.AvailableWindow)
	ids, err := s.sessions.StaleWaitingSessions(s.ctx, cutoff)
	if err != nil {
		log.Printf("[matcher] sweep stale sessions: %v", err)
		return
	}

	for _, id := range ids {
		if err := s.sessions.Delete(s.ctx, id); err != nil {
			log.Printf("[matcher] sweep delete session %s: %v", id, err)
		}
	}

	if len(ids) > 0 {
		log.Printf("[matcher] sweep: dropped %d stale waiting sessions", len(ids))
	}
}

func (s *Sweeper) updateGauges() {
	for _, role := range []Role{RoleVenter, RoleListener} {
		if depth, err := s.store.Depth(s.ctx, role); err == nil {
			metrics.QueueWaiting.WithLabelValues(string(role)).Set(float64(depth))
		}
	}
	if waiting, err := s.sessions.WaitingCount(s.ctx); err == nil {
		metrics.SessionsWaiting.Set(float64(waiting))
	}
}
