// Package voice owns the voice-transport connection lifecycle: permission
// request, engine setup, join with bounded retry, participant tracking,
// reconnect handling, and teardown. The transport SDK itself is an external
// collaborator reached through the Engine interface.
package voice

import (
	"context"
	"errors"
	"fmt"
)

// TransportState is the connection state reported by the transport SDK.
type TransportState string

const (
	TransportDisconnected TransportState = "DISCONNECTED"
	TransportConnecting   TransportState = "CONNECTING"
	TransportConnected    TransportState = "CONNECTED"
	TransportReconnecting TransportState = "RECONNECTING"
	TransportFailed       TransportState = "FAILED"
)

// Transport error codes. Most transport errors are logged and ignored; the
// fatal subset ends the call.
const (
	ErrCodeInvalidCredentials = 2
	ErrCodeBadToken           = 5

	// spuriousErrorCode is emitted by the transport as a known false
	// positive and is always ignored.
	spuriousErrorCode = 110
)

// Sentinel errors for the connection state machine.
var (
	ErrPermissionDenied = errors.New("voice: microphone permission denied")
	ErrConnectionFailed = errors.New("voice: connection failed")
	ErrNotConnected     = errors.New("voice: not connected")
	ErrClosed           = errors.New("voice: machine closed")
)

// TransportError is a fatal error reported by the transport SDK.
type TransportError struct {
	Code    int
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("voice: transport error %d: %s", e.Code, e.Message)
}

// IsFatalTransportCode reports whether a transport error code ends the call.
func IsFatalTransportCode(code int) bool {
	return code == ErrCodeInvalidCredentials || code == ErrCodeBadToken
}

// EngineConfig carries the transport credentials and the fixed audio-only
// broadcaster profile both call sides use (no distinguished presenter).
type EngineConfig struct {
	AppID       string
	Token       string
	AudioOnly   bool
	Broadcaster bool
}

// DefaultEngineConfig returns the audio-only broadcaster profile.
func DefaultEngineConfig(appID, token string) EngineConfig {
	return EngineConfig{
		AppID:       appID,
		Token:       token,
		AudioOnly:   true,
		Broadcaster: true,
	}
}

// Engine is the voice-transport collaborator. Implementations wrap a real
// SDK engine instance; the machine owns exactly one per call.
type Engine interface {
	// Join connects to the shared channel identified by the session id.
	// A nil return means the join request was accepted; success is
	// reported through EventHandler.OnJoinSuccess.
	Join(ctx context.Context, roomID, userID string) error

	// Leave disconnects from the channel.
	Leave() error

	// Mute toggles the local microphone.
	Mute(muted bool) error

	// SetSpeaker toggles speakerphone output.
	SetSpeaker(enabled bool) error

	// InRoom reports the transport's authoritative in-channel flag, used
	// by the periodic reconciliation check.
	InRoom() bool

	// Release frees the engine. The engine must not be used afterwards.
	Release()
}

// EngineFactory constructs a transport engine wired to the given event
// handler. The machine calls it once per call during initialization.
type EngineFactory func(cfg EngineConfig, events EventHandler) (Engine, error)

// EventHandler receives transport callbacks. Implementations must tolerate
// callbacks arriving on SDK-owned goroutines.
type EventHandler interface {
	OnJoinSuccess()
	OnPeerJoined(userID string)
	OnPeerLeft(userID string)
	OnStateChanged(state TransportState)
	OnError(code int, message string)
}

// PermissionRequester is the platform collaborator that asks the user for
// microphone access.
type PermissionRequester interface {
	RequestMicrophone(ctx context.Context) (bool, error)
}

// GrantedPermissions is a PermissionRequester that always grants, for
// environments where permission handling happens elsewhere.
type GrantedPermissions struct{}

// RequestMicrophone implements PermissionRequester.
func (GrantedPermissions) RequestMicrophone(context.Context) (bool, error) {
	return true, nil
}
