// Package transport owns the peer connection and the WHIP/WHEP-style
// signaling exchange for one side of a media session. A client performs
// exactly one handshake per Connect call and holds exactly one peer
// connection until Disconnect.
package transport

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// Connectivity is the platform-reported liveness of the underlying
// transport connection, collapsed from the ICE connection state.
type Connectivity int

const (
	ConnectivityNew Connectivity = iota
	ConnectivityChecking
	ConnectivityConnected
	ConnectivityCompleted
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityNew:
		return "new"
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityCompleted:
		return "completed"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	}
	return "unknown"
}

// Up reports whether the connection is usable.
func (c Connectivity) Up() bool {
	return c == ConnectivityConnected || c == ConnectivityCompleted
}

func fromICEState(s webrtc.ICEConnectionState) Connectivity {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnectivityClosed
	}
	return ConnectivityNew
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultGatherTimeout  = 2 * time.Second
)

// StatsFunc receives periodic peer connection stats snapshots.
type StatsFunc func(webrtc.StatsReport)

// Options configures a transport client. The zero value is usable.
type Options struct {
	// ICEServers are STUN/TURN URLs handed to the peer connection.
	ICEServers []string
	// ConnectTimeout bounds the whole signaling round trip.
	ConnectTimeout time.Duration
	// WaitForICEGathering delays the offer until gathering settles
	// (bounded by GatherTimeout). Skipping it lowers connect latency
	// when the endpoint accepts trickle-style negotiation.
	WaitForICEGathering bool
	// GatherTimeout bounds the gathering wait.
	GatherTimeout time.Duration
	// Shaping is applied to descriptions before send and re-applied to
	// the negotiated answer.
	Shaping Shaping
	// StatsInterval enables periodic stats polling when OnStats is set.
	StatsInterval time.Duration
	// OnStats receives each stats snapshot.
	OnStats StatsFunc
	// ResponseHook sees the raw handshake response before the body is
	// consumed as the remote description.
	ResponseHook ResponseHook
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (o Options) gatherTimeout() time.Duration {
	if o.GatherTimeout > 0 {
		return o.GatherTimeout
	}
	return defaultGatherTimeout
}

func (o Options) rtcConfiguration() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(o.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: o.ICEServers}}
	}
	return cfg
}

// waitForGathering blocks until ICE gathering settles or the bound
// expires, whichever comes first.
func waitForGathering(pc *webrtc.PeerConnection, bound time.Duration) {
	done := webrtc.GatheringCompletePromise(pc)
	select {
	case <-done:
	case <-time.After(bound):
	}
}

// statsLoop polls pc until stop is closed.
func statsLoop(pc *webrtc.PeerConnection, interval time.Duration, fn StatsFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn(pc.GetStats())
		}
	}
}

// teardownContext bounds best-effort teardown requests so Disconnect
// cannot hang on a dead network.
func teardownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}
