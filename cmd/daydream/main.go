package main

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daydreamlive/daydream-go/internal/api"
	"github.com/daydreamlive/daydream-go/internal/compositor"
	"github.com/daydreamlive/daydream-go/internal/config"
	"github.com/daydreamlive/daydream-go/internal/redirect"
	"github.com/daydreamlive/daydream-go/internal/session"
	"github.com/daydreamlive/daydream-go/internal/statusapi"
	"github.com/daydreamlive/daydream-go/internal/transport"

	"github.com/pion/webrtc/v4"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	redirects := redirect.NewCache(16)
	opts := transportOptions(cfg)

	status := statusapi.New(cfg.StatusAddr, log.Logger)
	go func() {
		if err := status.Run(); err != nil {
			log.Error().Err(err).Msg("status api error")
		}
	}()

	sink := &frameStatsSink{}
	comp := compositor.New(compositorConfig(cfg), sink, log.Logger)
	if cfg.Compositor.AutoUnlockAudio {
		// Headless process; nothing to wait for, unlock right away.
		comp.Audio().Unlock()
	}
	comp.RegisterSource("test-pattern", testPatternSource(cfg.Compositor.Width, cfg.Compositor.Height))
	comp.Start()
	if err := comp.SetActiveSource("test-pattern"); err != nil {
		log.Error().Err(err).Msg("activate test pattern")
	}
	go sink.report(ctx)

	reconnect := session.ReconnectConfig{
		Enabled:     cfg.Reconnect.Enabled,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay(),
	}

	var broadcast *session.Broadcast
	if endpoint := broadcastEndpoint(ctx, cfg); endpoint != "" {
		broadcast = session.NewBroadcast(endpoint, comp.Stream().AudioTracks, opts, reconnect, redirects, log.Logger)
		comp.Stream().Observe(&audioRelay{broadcast: broadcast})
		status.Watch("broadcast", broadcast.Core)
		go func() {
			if err := broadcast.Connect(ctx); err != nil {
				log.Error().Err(err).Msg("broadcast connect failed")
			}
		}()
	}

	var player *session.Player
	if cfg.PlaybackEndpoint != "" {
		onTrack := func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
		}
		player = session.NewPlayer(cfg.PlaybackEndpoint, opts, reconnect, redirects, onTrack, log.Logger)
		status.Watch("player", player.Core)
		go func() {
			if err := player.Connect(ctx); err != nil {
				log.Error().Err(err).Msg("player connect failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if broadcast != nil {
		broadcast.Stop(shutdownCtx)
	}
	if player != nil {
		player.Stop(shutdownCtx)
	}
	comp.Close()
	if err := status.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status api forced to shutdown")
	}
	log.Info().Msg("exited gracefully")
}

// broadcastEndpoint returns the configured ingest endpoint, provisioning
// one through the backend API when only an API base is configured.
func broadcastEndpoint(ctx context.Context, cfg *config.Config) string {
	if cfg.BroadcastEndpoint != "" {
		return cfg.BroadcastEndpoint
	}
	if cfg.APIBaseURL == "" {
		return ""
	}
	client := api.New(cfg.APIBaseURL, log.Logger)
	stream, err := client.CreateStream(ctx, api.CreateStreamRequest{Pipeline: "live"})
	if err != nil {
		log.Error().Err(err).Msg("stream provisioning failed")
		return ""
	}
	return stream.PublishEndpointURL
}

func transportOptions(cfg *config.Config) transport.Options {
	return transport.Options{
		ICEServers:     cfg.ICEServers,
		ConnectTimeout: cfg.ConnectionTimeout(),
		Shaping: transport.Shaping{
			VideoBitrate:      cfg.Video.Bitrate,
			VideoMaxFramerate: cfg.Video.MaxFramerate,
			AudioBitrate:      cfg.Audio.Bitrate,
		},
		StatsInterval: cfg.StatsInterval(),
		OnStats: func(report webrtc.StatsReport) {
			log.Debug().Int("entries", len(report)).Msg("stats snapshot")
		},
	}
}

func compositorConfig(cfg *config.Config) compositor.Config {
	return compositor.Config{
		Width:              cfg.Compositor.Width,
		Height:             cfg.Compositor.Height,
		Fps:                cfg.Compositor.Fps,
		SendFps:            cfg.Compositor.SendFps,
		Dpr:                cfg.Compositor.Dpr,
		Keepalive:          cfg.Compositor.Keepalive,
		Crossfade:          cfg.Compositor.Crossfade(),
		AutoUnlockAudio:    cfg.Compositor.AutoUnlockAudio,
		DisableSilentAudio: cfg.Compositor.DisableSilentAudio,
	}
}

// testPatternSource is a static mid-gray surface with a centered white
// square, useful for verifying the pipeline end to end.
func testPatternSource(w, h int) *compositor.Source {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 64, G: 64, B: 64, A: 255}), image.Point{}, draw.Src)
	sq := image.Rect(w/2-w/8, h/2-h/8, w/2+w/8, h/2+h/8)
	draw.Draw(img, sq, image.NewUniform(color.White), image.Point{}, draw.Src)
	return &compositor.Source{Kind: compositor.KindSurface, Surface: img, Fit: compositor.FitContain}
}

// audioRelay pushes compositor audio track swaps into the live publish
// session without renegotiation. Swaps before the first handshake are
// picked up by the connect-time track snapshot instead.
type audioRelay struct {
	broadcast *session.Broadcast
}

func (a *audioRelay) OnAudioTrackAdded(t webrtc.TrackLocal) {
	if err := a.broadcast.ReplaceTrack(t); err != nil {
		log.Debug().Err(err).Msg("audio track swap deferred")
	}
}

func (a *audioRelay) OnAudioTrackRemoved(t webrtc.TrackLocal) {}

// frameStatsSink counts delivered frames; an encoder sink slots in here
// once video publishing grows one.
type frameStatsSink struct {
	frames atomic.Int64
	maxFps atomic.Int64
}

func (s *frameStatsSink) WriteFrame(frame *image.RGBA, ts time.Time) error {
	s.frames.Add(1)
	return nil
}

func (s *frameStatsSink) SetMaxFramerate(fps int) {
	s.maxFps.Store(int64(fps))
}

func (s *frameStatsSink) report(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.frames.Load()
			log.Info().Int64("frames", n-last).Int64("max_fps", s.maxFps.Load()).Msg("composited")
			last = n
		}
	}
}
