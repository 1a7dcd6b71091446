// Package backoff computes retry delays for session reconnection.
//
// Publishers and subscribers use deliberately different curves: a
// subscriber retries fast and often (a viewer rejoining a stream is
// cheap), while a publisher escalates immediately (every retry is a
// full re-handshake plus encoder restart on the far side).
package backoff

import (
	"math"
	"time"
)

const (
	// subscribeFirstDelay is the near-immediate first retry for the
	// subscribe curve.
	subscribeFirstDelay = 500 * time.Millisecond

	// subscribePlateauAttempts is the number of attempts (after the
	// first) that retry at the flat base delay before escalating.
	subscribePlateauAttempts = 10

	// subscribeMaxDelay caps the escalating tail of the subscribe curve.
	subscribeMaxDelay = 60 * time.Second
)

// Policy computes the delay before a given reconnect attempt.
// Attempt numbering starts at 0 for the first retry.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Publish is the publisher-side policy: pure exponential growth from
// the base delay.
//
//	delay(n) = base * 2^n
type Publish struct {
	Base time.Duration
}

func (p Publish) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(float64(p.Base) * math.Pow(2, float64(attempt)))
}

// Subscribe is the subscriber-side policy: one near-immediate retry,
// then a flat plateau at the base delay to let a transient outage
// settle, then exponential escalation capped at one minute.
//
//	delay(0)     = 500ms
//	delay(1..10) = base
//	delay(11)    = 500ms, doubling each attempt after, capped at 60s
type Subscribe struct {
	Base time.Duration
}

func (s Subscribe) Delay(attempt int) time.Duration {
	switch {
	case attempt <= 0:
		return subscribeFirstDelay
	case attempt <= subscribePlateauAttempts:
		return s.Base
	}
	d := time.Duration(float64(subscribeFirstDelay) * math.Pow(2, float64(attempt-subscribePlateauAttempts-1)))
	if d > subscribeMaxDelay || d <= 0 {
		return subscribeMaxDelay
	}
	return d
}
