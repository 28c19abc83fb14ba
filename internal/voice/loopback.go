package voice

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackHub is an in-process voice transport: engines created from the
// same hub and joined to the same room see each other's join/leave events.
// It backs the call simulator and tests; no audio flows.
type LoopbackHub struct {
	mu    sync.Mutex
	rooms map[string]map[*LoopbackEngine]string // engine -> userID
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{rooms: make(map[string]map[*LoopbackEngine]string)}
}

// NewEngine is an EngineFactory bound to this hub.
func (h *LoopbackHub) NewEngine(cfg EngineConfig, events EventHandler) (Engine, error) {
	if events == nil {
		return nil, fmt.Errorf("voice: loopback engine requires an event handler")
	}
	return &LoopbackEngine{hub: h, cfg: cfg, events: events}, nil
}

// LoopbackEngine is one simulated transport endpoint.
type LoopbackEngine struct {
	hub    *LoopbackHub
	cfg    EngineConfig
	events EventHandler

	mu       sync.Mutex
	roomID   string
	userID   string
	inRoom   bool
	muted    bool
	speaker  bool
	released bool
}

// Join implements Engine. The join always succeeds; peers in the room are
// replayed as OnPeerJoined events, mirroring how a real SDK announces the
// existing occupancy.
func (e *LoopbackEngine) Join(_ context.Context, roomID, userID string) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return fmt.Errorf("voice: loopback engine released")
	}
	if e.inRoom {
		e.mu.Unlock()
		return fmt.Errorf("voice: already in room %s", e.roomID)
	}
	e.roomID = roomID
	e.userID = userID
	e.inRoom = true
	e.mu.Unlock()

	h := e.hub
	h.mu.Lock()
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[*LoopbackEngine]string)
		h.rooms[roomID] = room
	}
	peers := make(map[*LoopbackEngine]string, len(room))
	for eng, uid := range room {
		peers[eng] = uid
	}
	room[e] = userID
	h.mu.Unlock()

	e.events.OnJoinSuccess()
	e.events.OnStateChanged(TransportConnected)
	for eng, uid := range peers {
		e.events.OnPeerJoined(uid)
		eng.events.OnPeerJoined(userID)
	}
	return nil
}

// Leave implements Engine.
func (e *LoopbackEngine) Leave() error {
	e.mu.Lock()
	if !e.inRoom {
		e.mu.Unlock()
		return nil
	}
	roomID, userID := e.roomID, e.userID
	e.inRoom = false
	e.mu.Unlock()

	h := e.hub
	h.mu.Lock()
	room := h.rooms[roomID]
	delete(room, e)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
	peers := make([]*LoopbackEngine, 0, len(room))
	for eng := range room {
		peers = append(peers, eng)
	}
	h.mu.Unlock()

	e.events.OnStateChanged(TransportDisconnected)
	for _, eng := range peers {
		eng.events.OnPeerLeft(userID)
	}
	return nil
}

// Mute implements Engine.
func (e *LoopbackEngine) Mute(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
	return nil
}

// SetSpeaker implements Engine.
func (e *LoopbackEngine) SetSpeaker(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speaker = enabled
	return nil
}

// InRoom implements Engine.
func (e *LoopbackEngine) InRoom() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inRoom
}

// Release implements Engine.
func (e *LoopbackEngine) Release() {
	_ = e.Leave()
	e.mu.Lock()
	e.released = true
	e.mu.Unlock()
}

// Muted reports the local mute flag, for assertions.
func (e *LoopbackEngine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}
