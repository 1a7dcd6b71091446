package session

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/daydreamlive/daydream-go/internal/backoff"
	"github.com/daydreamlive/daydream-go/internal/redirect"
	"github.com/daydreamlive/daydream-go/internal/transport"
)

// broadcastLabels renders the canonical machine in publish vocabulary.
var broadcastLabels = Labels{
	Connecting:   "connecting",
	Active:       "live",
	Reconnecting: "reconnecting",
	Error:        "error",
	Ended:        "ended",
}

// TrackSource supplies the track set to publish. It is consulted on
// every (re)connect, so tracks swapped between attempts are picked up.
type TrackSource func() []webrtc.TrackLocal

// trackReplacer is the transport capability behind ReplaceTrack.
type trackReplacer interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// publishTransport adapts a transport.PublishClient to the session
// Transport interface, resolving the track set at connect time.
type publishTransport struct {
	*transport.PublishClient
	tracks TrackSource
}

func (p *publishTransport) Connect(ctx context.Context) error {
	var tracks []webrtc.TrackLocal
	if p.tracks != nil {
		tracks = p.tracks()
	}
	return p.PublishClient.Connect(ctx, tracks)
}

// Broadcast publishes a local stream to an ingest endpoint and keeps it
// up across transport failures. After an initial connect error the
// caller may Connect again.
type Broadcast struct {
	*Core
}

// NewBroadcast builds a broadcast session for endpoint publishing the
// tracks supplied by tracks. Each (re)connect creates a fresh publish
// client sharing the injected redirect cache.
func NewBroadcast(endpoint string, tracks TrackSource, opts transport.Options, cfg ReconnectConfig, redirects *redirect.Cache, log zerolog.Logger) *Broadcast {
	factory := func() Transport {
		return &publishTransport{
			PublishClient: transport.NewPublishClient(endpoint, opts, redirects, log),
			tracks:        tracks,
		}
	}
	policy := backoff.Publish{Base: cfg.BaseDelay}
	return &Broadcast{Core: newCore(broadcastLabels, policy, factory, cfg, true, log)}
}

// ReplaceTrack swaps a live track on the current transport without
// renegotiation. Fails when no transport is live.
func (b *Broadcast) ReplaceTrack(track webrtc.TrackLocal) error {
	b.mu.Lock()
	tr := b.tr
	b.mu.Unlock()
	r, ok := tr.(trackReplacer)
	if !ok {
		return transport.AsTransportError(errNotConnected)
	}
	return r.ReplaceTrack(track)
}
