package voice

import (
	"context"
	"sync"
	"testing"
)

type recordingHandler struct {
	mu     sync.Mutex
	joined bool
	peers  []string
	left   []string
	states []TransportState
}

func (h *recordingHandler) OnJoinSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined = true
}

func (h *recordingHandler) OnPeerJoined(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = append(h.peers, userID)
}

func (h *recordingHandler) OnPeerLeft(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.left = append(h.left, userID)
}

func (h *recordingHandler) OnStateChanged(s TransportState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}

func (h *recordingHandler) OnError(int, string) {}

func TestLoopback_PeersSeeEachOther(t *testing.T) {
	hub := NewLoopbackHub()

	hA := &recordingHandler{}
	engA, err := hub.NewEngine(DefaultEngineConfig("test", ""), hA)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	hB := &recordingHandler{}
	engB, err := hub.NewEngine(DefaultEngineConfig("test", ""), hB)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := engA.Join(context.Background(), "room-1", "alice"); err != nil {
		t.Fatalf("A join: %v", err)
	}
	if err := engB.Join(context.Background(), "room-1", "bob"); err != nil {
		t.Fatalf("B join: %v", err)
	}

	hA.mu.Lock()
	aJoined, aPeers := hA.joined, append([]string(nil), hA.peers...)
	hA.mu.Unlock()
	hB.mu.Lock()
	bPeers := append([]string(nil), hB.peers...)
	hB.mu.Unlock()

	if !aJoined {
		t.Error("A never got join success")
	}
	if len(aPeers) != 1 || aPeers[0] != "bob" {
		t.Errorf("A peers = %v, want [bob]", aPeers)
	}
	// B joined second and gets the existing occupancy replayed.
	if len(bPeers) != 1 || bPeers[0] != "alice" {
		t.Errorf("B peers = %v, want [alice]", bPeers)
	}

	if !engA.InRoom() || !engB.InRoom() {
		t.Error("engines not in room after join")
	}

	if err := engB.Leave(); err != nil {
		t.Fatalf("B leave: %v", err)
	}
	hA.mu.Lock()
	aLeft := append([]string(nil), hA.left...)
	hA.mu.Unlock()
	if len(aLeft) != 1 || aLeft[0] != "bob" {
		t.Errorf("A departures = %v, want [bob]", aLeft)
	}
	if engB.InRoom() {
		t.Error("B still in room after leave")
	}
}

func TestLoopback_ReleaseRejectsReuse(t *testing.T) {
	hub := NewLoopbackHub()
	h := &recordingHandler{}
	eng, err := hub.NewEngine(DefaultEngineConfig("test", ""), h)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := eng.Join(context.Background(), "room-1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	eng.Release()
	if eng.InRoom() {
		t.Error("released engine still in room")
	}
	if err := eng.Join(context.Background(), "room-1", "alice"); err == nil {
		t.Error("join after release succeeded")
	}
}
