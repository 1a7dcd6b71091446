package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/daydreamlive/daydream-go/internal/redirect"
)

// PlaybackURLHeader is the custom response header carrying the
// companion playback URL on a successful publish handshake.
const PlaybackURLHeader = "X-Daydream-Playback-Url"

// PublishClient pushes local media tracks to a WHIP-style ingest
// endpoint.
type PublishClient struct {
	endpoint string
	opts     Options
	sig      *signaler
	log      zerolog.Logger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	resource    string
	playbackURL string
	senders     map[webrtc.RTPCodecType]*webrtc.RTPSender
	abort       context.CancelFunc
	statsStop   chan struct{}

	onConnectivity func(Connectivity)
}

// NewPublishClient builds a client for endpoint. The redirect cache is
// shared across clients and injected by the caller.
func NewPublishClient(endpoint string, opts Options, redirects *redirect.Cache, log zerolog.Logger) *PublishClient {
	log = log.With().Str("module", "transport").Str("role", "publish").Logger()
	return &PublishClient{
		endpoint: endpoint,
		opts:     opts,
		sig:      newSignaler(redirects, log),
		log:      log,
		senders:  make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}
}

// OnConnectivityChange installs the connectivity callback. Must be set
// before Connect.
func (c *PublishClient) OnConnectivityChange(fn func(Connectivity)) {
	c.mu.Lock()
	c.onConnectivity = fn
	c.mu.Unlock()
}

// PlaybackURL returns the companion playback URL announced by the
// endpoint, if any. Valid after a successful Connect.
func (c *PublishClient) PlaybackURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playbackURL
}

// Connect tears down any prior peer connection, attaches tracks as
// send-only, runs the offer/answer exchange and applies media shaping.
func (c *PublishClient) Connect(ctx context.Context, tracks []webrtc.TrackLocal) error {
	c.teardown()

	pc, err := webrtc.NewPeerConnection(c.opts.rtcConfiguration())
	if err != nil {
		return unknownErr("create peer connection", err)
	}

	senders := make(map[webrtc.RTPCodecType]*webrtc.RTPSender, len(tracks))
	for _, track := range tracks {
		tr, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			pc.Close()
			return unknownErr("attach local track", err)
		}
		senders[track.Kind()] = tr.Sender()
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
		c.mu.Lock()
		fn := c.onConnectivity
		current := c.pc
		c.mu.Unlock()
		// A superseded peer connection must not drive the session.
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

	local := pc.LocalDescription().SDP
	if local, err = preferCodec(local, preferredVideoCodec); err != nil {
		pc.Close()
		return unknownErr("reorder codecs", err)
	}
	if local, err = applyShaping(local, c.opts.Shaping); err != nil {
		pc.Close()
		return unknownErr("apply shaping", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout())
	defer cancel()
	c.mu.Lock()
	c.abort = cancel
	c.mu.Unlock()

	var playbackURL string
	hook := func(resp *http.Response) {
		if u := resp.Header.Get(PlaybackURLHeader); u != "" {
			playbackURL = u
		}
		if c.opts.ResponseHook != nil {
			c.opts.ResponseHook(resp)
		}
	}

	res, err := c.sig.postOffer(hsCtx, c.endpoint, local, hook)
	if err != nil {
		pc.Close()
		return err
	}

	// Shaping the answer constrains what the remote asks us to send,
	// now reflecting the negotiated codecs.
	answer, err := applyShaping(res.answer, c.opts.Shaping)
	if err != nil {
		answer = res.answer
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		c.sig.deleteResource(hsCtx, res.resource)
		pc.Close()
		return unknownErr("apply answer", err)
	}

	c.mu.Lock()
	c.pc = pc
	c.resource = res.resource
	c.playbackURL = playbackURL
	c.senders = senders
	c.abort = nil
	if c.opts.OnStats != nil && c.opts.StatsInterval > 0 {
		c.statsStop = make(chan struct{})
		go statsLoop(pc, c.opts.StatsInterval, c.opts.OnStats, c.statsStop)
	}
	c.mu.Unlock()

	c.log.Info().Str("endpoint", c.endpoint).Str("resource", res.resource).Msg("publish handshake complete")
	return nil
}

// ReplaceTrack swaps the live track on the sender of the same kind
// without renegotiation.
func (c *PublishClient) ReplaceTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc == nil {
		return unknownErr("not connected", nil)
	}
	sender, ok := c.senders[track.Kind()]
	if !ok {
		return unknownErr(fmt.Sprintf("no %s sender", track.Kind()), nil)
	}
	return sender.ReplaceTrack(track)
}

// RestartICE creates an ICE-restart offer locally and best-effort
// PATCHes it to the session resource. Whether the restart took hold is
// decided by the connectivity signal, not by this call.
func (c *PublishClient) RestartICE(ctx context.Context) error {
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
func (c *PublishClient) Disconnect(ctx context.Context) error {
	c.teardown()
	return nil
}

func (c *PublishClient) teardown() {
	c.mu.Lock()
	pc := c.pc
	resource := c.resource
	abort := c.abort
	statsStop := c.statsStop
	c.pc = nil
	c.resource = ""
	c.playbackURL = ""
	c.senders = make(map[webrtc.RTPCodecType]*webrtc.RTPSender)
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
