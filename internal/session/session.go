// Package session manages the shared vent session ("room") records. It
// handles creation, the forward-only status transitions, the waiting-room
// index, and the change-event subscriptions other components consume.
package session

import "time"

// Status is the session lifecycle state. Transitions only move forward
// through waiting -> active -> ended; ended is terminal.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Plan is the fixed session duration tier a venter selects.
type Plan string

const (
	Plan10Min Plan = "10-Min Vent"
	Plan20Min Plan = "20-Min Vent"
	Plan30Min Plan = "30-Min Vent"
)

// DurationSeconds maps a plan to its call duration. Unrecognized plan names
// fall back to 20 minutes.
func (p Plan) DurationSeconds() int {
	switch p {
	case Plan10Min:
		return 10 * 60
	case Plan20Min:
		return 20 * 60
	case Plan30Min:
		return 30 * 60
	default:
		return 20 * 60
	}
}

// Duration returns the plan length as a time.Duration.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationSeconds()) * time.Second
}

// Session is the paired, time-boxed voice-call record shared by a venter and
// a listener. Timestamps are unix milliseconds assigned by the store; zero
// means unset. An empty ListenerID means no listener has joined yet.
type Session struct {
	ID               string `redis:"id"`
	VenterID         string `redis:"venter_id"`
	ListenerID       string `redis:"listener_id"`
	VentText         string `redis:"vent_text"`
	Plan             string `redis:"plan"`
	Status           Status `redis:"status"`
	CreatedAt        int64  `redis:"created_at"`
	StartTime        int64  `redis:"start_time"`
	EndTime          int64  `redis:"end_time"`
	ParticipantCount int    `redis:"participant_count"`
	LastActivityAt   int64  `redis:"last_activity"`
}

// ChangeEvent is the payload published on session.changed.<id> after every
// store write. Deleted distinguishes record removal from field updates.
type ChangeEvent struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted,omitempty"`
}
