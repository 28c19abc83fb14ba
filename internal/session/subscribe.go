package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

// subscribeTimeout bounds the Redis reads a change event triggers.
const subscribeTimeout = 5 * time.Second

// SubscribeAvailable streams the live set of joinable sessions: status
// waiting, newer than the recency window, newest first, capped at
// AvailableLimit. The callback fires once with the current snapshot and again
// after every session change event. Store outages during a re-query are
// logged and skipped; the callback never receives errors.
//
// The returned function cancels the subscription.
func (s *Store) SubscribeAvailable(callback func([]Session)) (func(), error) {
	key := "avail:" + uuid.New().String()

	deliver := func() {
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()

		sessions, err := s.AvailableSessions(ctx)
		if err != nil {
			log.Printf("[session] available re-query: %v", err)
			return
		}
		callback(sessions)
	}

	if err := s.nats.SubscribeAllSessions(key, func([]byte) {
		deliver()
	}); err != nil {
		return nil, err
	}

	// Initial snapshot after the subscription is live so no change slips
	// between the first read and the first event.
	go deliver()

	return func() {
		if err := s.nats.Unsubscribe(key); err != nil {
			log.Printf("[session] unsubscribe %s: %v", key, err)
		}
	}, nil
}

// SubscribeOne streams field changes for a single session record. The
// callback receives nil when the record is deleted; a missing record on the
// initial read also delivers nil so "no data" is observable without error
// handling in the callback path.
func (s *Store) SubscribeOne(id string, callback func(*Session)) (func(), error) {
	key := "watch:" + id + ":" + uuid.New().String()

	deliver := func(deleted bool) {
		if deleted {
			callback(nil)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()

		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			callback(nil)
			return
		}
		if err != nil {
			log.Printf("[session] watch re-read %s: %v", id, err)
			return
		}
		callback(sess)
	}

	if err := s.nats.SubscribeSession(id, key, func(data []byte) {
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[session] invalid change event for %s: %v", id, err)
			return
		}
		deliver(ev.Deleted)
	}); err != nil {
		return nil, err
	}

	go deliver(false)

	return func() {
		if err := s.nats.Unsubscribe(key); err != nil {
			log.Printf("[session] unsubscribe %s: %v", key, err)
		}
	}, nil
}
