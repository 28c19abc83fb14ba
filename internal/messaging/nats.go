// Package messaging provides a NATS client wrapper for pub/sub messaging
// across vent-line components. It handles connection lifecycle, subject-based
// subscriptions, and convenience methods for the queue and session change
// channels that back the document-store subscription primitives.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across vent-line components.
const (
	SubjectQueueJoined    = "queue.joined"     // + .<role>
	SubjectMatchFound     = "match.found"      // + .<user_id>
	SubjectMatchTimeout   = "match.timeout"    // + .<user_id>
	SubjectSessionChanged = "session.changed"  // + .<session_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "ventline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// subscribeKeyed registers a handler for a subject under an explicit key so
// that multiple independent subscribers of the same subject (for example two
// waiting venters both watching the listener queue) do not overwrite each
// other's subscription.
func (c *NATSClient) subscribeKeyed(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// PublishQueueJoined announces that a participant with the given role entered
// the matchmaking queue. Waiting counterparts re-run their claim query on it.
func (c *NATSClient) PublishQueueJoined(role string, data []byte) error {
	return c.Publish(SubjectQueueJoined+"."+role, data)
}

// SubscribeQueueJoined subscribes to queue-join announcements for a role.
// The key distinguishes concurrent waiters on the same server.
func (c *NATSClient) SubscribeQueueJoined(role, key string, handler func(data []byte)) error {
	return c.subscribeKeyed(key, SubjectQueueJoined+"."+role, handler)
}

// PublishMatchFound notifies a specific user that they were paired into a
// session. The payload carries the session id.
func (c *NATSClient) PublishMatchFound(userID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+userID, data)
}

// SubscribeMatchFound subscribes to match notifications for a user.
func (c *NATSClient) SubscribeMatchFound(userID string, handler func(data []byte)) error {
	subject := SubjectMatchFound + "." + userID
	return c.subscribeKeyed(subject, subject, handler)
}

// UnsubscribeMatchFound removes a user's match notification subscription.
func (c *NATSClient) UnsubscribeMatchFound(userID string) error {
	return c.Unsubscribe(SubjectMatchFound + "." + userID)
}

// PublishMatchTimeout notifies a user that their matchmaking attempt expired.
func (c *NATSClient) PublishMatchTimeout(userID string, data []byte) error {
	return c.Publish(SubjectMatchTimeout+"."+userID, data)
}

// PublishSessionChanged publishes a change event for one session record.
func (c *NATSClient) PublishSessionChanged(sessionID string, data []byte) error {
	return c.Publish(SubjectSessionChanged+"."+sessionID, data)
}

// SubscribeSession subscribes to change events for one session record. The
// key distinguishes concurrent watchers of the same session.
func (c *NATSClient) SubscribeSession(sessionID, key string, handler func(data []byte)) error {
	return c.subscribeKeyed(key, SubjectSessionChanged+"."+sessionID, handler)
}

// SubscribeAllSessions subscribes to change events for every session record,
// used by query subscriptions that re-read the waiting-session index.
func (c *NATSClient) SubscribeAllSessions(key string, handler func(data []byte)) error {
	return c.subscribeKeyed(key, SubjectSessionChanged+".>", handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
