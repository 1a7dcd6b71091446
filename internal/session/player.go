package session

import (
	"github.com/rs/zerolog"

	"github.com/daydreamlive/daydream-go/internal/backoff"
	"github.com/daydreamlive/daydream-go/internal/redirect"
	"github.com/daydreamlive/daydream-go/internal/transport"
)

// playerLabels renders the canonical machine in playback vocabulary.
var playerLabels = Labels{
	Connecting:   "connecting",
	Active:       "playing",
	Reconnecting: "buffering",
	Error:        "error",
	Ended:        "ended",
}

// subscribeTransport adapts a transport.SubscribeClient to the session
// Transport interface. A playback session has no companion URL.
type subscribeTransport struct {
	*transport.SubscribeClient
}

func (s *subscribeTransport) PlaybackURL() string { return "" }

// Player subscribes to a remote stream and keeps playback up across
// transport failures. Its error state is terminal: a failed initial
// connect is not retryable on the same session.
type Player struct {
	*Core
	onTrack transport.OnTrackFunc
}

// NewPlayer builds a playback session for endpoint. Each (re)connect
// creates a fresh subscribe client sharing the injected redirect cache.
// onTrack, when non-nil, fires for every remote track across
// reconnects.
func NewPlayer(endpoint string, opts transport.Options, cfg ReconnectConfig, redirects *redirect.Cache, onTrack transport.OnTrackFunc, log zerolog.Logger) *Player {
	p := &Player{onTrack: onTrack}
	factory := func() Transport {
		client := transport.NewSubscribeClient(endpoint, opts, redirects, log)
		if p.onTrack != nil {
			client.OnTrack(p.onTrack)
		}
		return &subscribeTransport{SubscribeClient: client}
	}
	policy := backoff.Subscribe{Base: cfg.BaseDelay}
	p.Core = newCore(playerLabels, policy, factory, cfg, false, log)
	return p
}

// Stream returns the remote stream of the current transport, or nil
// when not connected.
func (p *Player) Stream() *transport.RemoteStream {
	p.mu.Lock()
	tr := p.tr
	p.mu.Unlock()
	st, ok := tr.(*subscribeTransport)
	if !ok || st == nil {
		return nil
	}
	return st.SubscribeClient.Stream()
}
