// Command callsim runs one venter and one listener through the full
// matchmaking and call lifecycle inside a single process, using real Redis
// and NATS with the loopback voice transport. It is a smoke harness for the
// end-to-end path; no audio flows.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ventline/vent-app/internal/call"
	"github.com/ventline/vent-app/internal/messaging"
	"github.com/ventline/vent-app/internal/queue"
	"github.com/ventline/vent-app/internal/session"
	"github.com/ventline/vent-app/internal/voice"
)

const callDuration = 5 * time.Second

func main() {
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()
	defer rdb.Close()

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "ventline-callsim"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	clock := clockwork.NewRealClock()
	sessions := session.NewStore(rdb, natsClient)
	queueStore := queue.NewStore(rdb)
	matchmaker := queue.NewMatchmaker(queueStore, sessions, natsClient, clock)

	hub := voice.NewLoopbackHub()
	engineCfg := voice.DefaultEngineConfig("callsim", "")
	voiceCfg := voice.DefaultConfig()

	venterID := "venter-" + uuid.New().String()[:8]
	listenerID := "listener-" + uuid.New().String()[:8]

	ctx, stop := context.WithTimeout(context.Background(), 60*time.Second)
	defer stop()

	// Listener side: queue up, wait to be claimed, join the session.
	listener := call.New(listenerID, sessions, matchmaker, hub.NewEngine,
		voice.GrantedPermissions{}, engineCfg, voiceCfg, clock)
	listenerDone := make(chan error, 1)
	go func() {
		entry, err := matchmaker.EnqueueListener(ctx, listenerID)
		if err != nil {
			listenerDone <- err
			return
		}
		log.Printf("listener queued entry=%s", entry.ID)

		sessionID, err := matchmaker.AwaitMatch(ctx, listenerID, 30*time.Second)
		if err != nil {
			listenerDone <- err
			return
		}
		log.Printf("listener matched session=%s", sessionID)

		listenerDone <- listener.JoinAsListener(ctx, sessionID)
	}()

	// Give the listener a moment to land in the queue.
	time.Sleep(500 * time.Millisecond)

	// Venter side: find the match and run the call.
	venter := call.New(venterID, sessions, matchmaker, hub.NewEngine,
		voice.GrantedPermissions{}, engineCfg, voiceCfg, clock)
	venter.OnConnectionState(func(s voice.State) {
		log.Printf("venter connection: %s", s)
	})
	venter.OnRemoteParticipants(func(n int) {
		log.Printf("venter sees %d remote participant(s)", n)
	})

	sessionID, err := venter.StartAsVenter(ctx, "simulated vent", session.Plan20Min)
	if err != nil {
		log.Fatalf("venter start: %v", err)
	}
	log.Printf("venter in session=%s", sessionID)

	if err := <-listenerDone; err != nil {
		log.Fatalf("listener join: %v", err)
	}

	// Let the call run, then end it from the venter side. The listener's
	// watch on the session record observes the end and tears down too.
	time.Sleep(callDuration)

	summary := venter.EndCall()
	log.Printf("venter summary: session=%s elapsed=%ds auto=%v peer=%v",
		summary.SessionID, summary.ElapsedSeconds, summary.AutoEnded, summary.PeerEnded)

	select {
	case <-listener.Done():
		ls := listener.Summary()
		log.Printf("listener summary: session=%s elapsed=%ds auto=%v peer=%v",
			ls.SessionID, ls.ElapsedSeconds, ls.AutoEnded, ls.PeerEnded)
	case <-time.After(10 * time.Second):
		log.Fatalf("listener did not observe session end")
	}

	log.Println("callsim complete")
}
