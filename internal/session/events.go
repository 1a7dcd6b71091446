package session

import (
	"time"

	"github.com/daydreamlive/daydream-go/internal/transport"
)

// State is the canonical session state. Broadcast and Player render the
// same machine with different labels (live vs playing, reconnecting vs
// buffering).
type State int

const (
	StateConnecting State = iota
	// StateActive is "live" for a broadcast, "playing" for a player.
	StateActive
	// StateReconnecting is "reconnecting" for a broadcast, "buffering"
	// for a player.
	StateReconnecting
	StateError
	StateEnded
)

// Labels map the canonical states onto a variant's vocabulary.
type Labels struct {
	Connecting   string
	Active       string
	Reconnecting string
	Error        string
	Ended        string
}

func (l Labels) For(s State) string {
	switch s {
	case StateConnecting:
		return l.Connecting
	case StateActive:
		return l.Active
	case StateReconnecting:
		return l.Reconnecting
	case StateError:
		return l.Error
	case StateEnded:
		return l.Ended
	}
	return "unknown"
}

// Progress describes one scheduled reconnect attempt.
type Progress struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// Observer receives session notifications. The set is closed: one
// method per notification kind, no string-keyed dispatch.
type Observer interface {
	// OnStateChange fires on every state transition.
	OnStateChange(State)
	// OnError fires when a connect attempt surfaces a typed error. A
	// new error overwrites the previous one; there is no queue.
	OnError(*transport.Error)
	// OnReconnectProgress fires when a retry is scheduled.
	OnReconnectProgress(Progress)
	// OnPlaybackURL fires when the endpoint announces a companion
	// playback URL (broadcast only).
	OnPlaybackURL(string)
}
