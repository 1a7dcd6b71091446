package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/daydreamlive/daydream-go/internal/redirect"
)

// RemoteStream accumulates the tracks delivered by a subscribe session.
// Tracks arriving with a stream id are grouped under the first id seen;
// bare tracks are added to the same stream regardless.
type RemoteStream struct {
	mu     sync.RWMutex
	id     string
	tracks []*webrtc.TrackRemote
}

// ID returns the stream id announced by the remote, or empty when every
// track arrived bare.
func (s *RemoteStream) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Tracks returns a snapshot of the accumulated tracks.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *RemoteStream) add(track *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" && track.StreamID() != "" {
		s.id = track.StreamID()
	}
	s.tracks = append(s.tracks, track)
}

// OnTrackFunc is invoked for each remote track as it arrives.
type OnTrackFunc func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// SubscribeClient pulls a remote stream from a WHEP-style endpoint.
type SubscribeClient struct {
	endpoint string
	opts     Options
	sig      *signaler
	log      zerolog.Logger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	resource  string
	stream    *RemoteStream
	abort     context.CancelFunc
	statsStop chan struct{}

	onConnectivity func(Connectivity)
	onTrack        OnTrackFunc
}

// NewSubscribeClient builds a client for endpoint. The redirect cache
// is shared across clients and injected by the caller.
func NewSubscribeClient(endpoint string, opts Options, redirects *redirect.Cache, log zerolog.Logger) *SubscribeClient {
	log = log.With().Str("module", "transport").Str("role", "subscribe").Logger()
	return &SubscribeClient{
		endpoint: endpoint,
		opts:     opts,
		sig:      newSignaler(redirects, log),
		log:      log,
	}
}

// OnConnectivityChange installs the connectivity callback. Must be set
// before Connect.
func (c *SubscribeClient) OnConnectivityChange(fn func(Connectivity)) {
	c.mu.Lock()
	c.onConnectivity = fn
	c.mu.Unlock()
}

// OnTrack installs a per-track callback fired as remote tracks arrive.
func (c *SubscribeClient) OnTrack(fn OnTrackFunc) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// Stream returns the output stream accumulating remote tracks. Valid
// after a successful Connect.
func (c *SubscribeClient) Stream() *RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Connect tears down any prior peer connection, declares receive-only
// intent for audio and video, and runs the offer/answer exchange.
func (c *SubscribeClient) Connect(ctx context.Context) error {
	c.teardown()

	pc, err := webrtc.NewPeerConnection(c.opts.rtcConfiguration())
	if err != nil {
		return unknownErr("create peer connection", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return unknownErr("add recvonly transceiver", err)
		}
	}

	stream := &RemoteStream{}
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		stream.add(track)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
		c.mu.Lock()
		fn := c.onConnectivity
		current := c.pc
		c.mu.Unlock()
		if fn != nil && current == pc {
			fn(fromICEState(s))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return unknownErr("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return unknownErr("set local description", err)
	}
	if c.opts.WaitForICEGathering {
		waitForGathering(pc, c.opts.gatherTimeout())
	}

	// Bandwidth lines in the offer tell the remote what we are willing
	// to receive.
	local, err := applyShaping(pc.LocalDescription().SDP, c.opts.Shaping)
	if err != nil {
		pc.Close()
		return unknownErr("apply shaping", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout())
	defer cancel()
	c.mu.Lock()
	c.abort = cancel
	c.mu.Unlock()

	res, err := c.sig.postOffer(hsCtx, c.endpoint, local, c.opts.ResponseHook)
	if err != nil {
		pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  res.answer,
	}); err != nil {
		c.sig.deleteResource(hsCtx, res.resource)
		pc.Close()
		return unknownErr("apply answer", err)
	}

	c.mu.Lock()
	c.pc = pc
	c.resource = res.resource
	c.stream = stream
	c.abort = nil
	if c.opts.OnStats != nil && c.opts.StatsInterval > 0 {
		c.statsStop = make(chan struct{})
		go statsLoop(pc, c.opts.StatsInterval, c.opts.OnStats, c.statsStop)
	}
	c.mu.Unlock()

	c.log.Info().Str("endpoint", c.endpoint).Str("resource", res.resource).Msg("subscribe handshake complete")
	return nil
}

// RestartICE creates an ICE-restart offer locally and best-effort
// PATCHes it to the session resource.
func (c *SubscribeClient) RestartICE(ctx context.Context) error {
	c.mu.Lock()
	pc := c.pc
	resource := c.resource
	c.mu.Unlock()
	if pc == nil {
		return unknownErr("not connected", nil)
	}
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return unknownErr("create restart offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return unknownErr("set restart offer", err)
	}
	c.sig.patchResource(ctx, resource, pc.LocalDescription().SDP)
	return nil
}

// Disconnect tears down the session: best-effort DELETE of the remote
// resource, then unconditional release of all local resources. Safe to
// call repeatedly and from any state.
func (c *SubscribeClient) Disconnect(ctx context.Context) error {
	c.teardown()
	return nil
}

func (c *SubscribeClient) teardown() {
	c.mu.Lock()
	pc := c.pc
	resource := c.resource
	abort := c.abort
	statsStop := c.statsStop
	c.pc = nil
	c.resource = ""
	c.stream = nil
	c.abort = nil
	c.statsStop = nil
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
	if statsStop != nil {
		close(statsStop)
	}
	if resource != "" {
		tdCtx, cancel := teardownContext()
		c.sig.deleteResource(tdCtx, resource)
		cancel()
	}
	if pc != nil {
		for _, tr := range pc.GetTransceivers() {
			tr.Stop()
		}
		if err := pc.Close(); err != nil {
			c.log.Debug().Err(err).Msg("peer connection close")
		}
	}
}
