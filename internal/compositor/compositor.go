package compositor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the compositor knobs. Zero values fall back to
// sensible defaults.
type Config struct {
	Width  int
	Height int
	// Fps is the render rate; SendFps (≤ Fps) is the rate frames are
	// actually pushed to the sink.
	Fps     int
	SendFps int
	// Dpr scales the internal working surface.
	Dpr float64
	// Keepalive paints the anti-static corner patch.
	Keepalive bool
	// Crossfade is the transition duration between sources.
	Crossfade time.Duration
	// AutoUnlockAudio arms gesture-driven audio unlock.
	AutoUnlockAudio bool
	// DisableSilentAudio turns off the synthesized audio track.
	DisableSilentAudio bool
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.Fps <= 0 {
		c.Fps = 30
	}
	if c.SendFps <= 0 || c.SendFps > c.Fps {
		c.SendFps = c.Fps
	}
	if c.Dpr <= 0 {
		c.Dpr = 1
	}
	if c.Crossfade <= 0 {
		c.Crossfade = 500 * time.Millisecond
	}
	return c
}

// Compositor owns the registry, renderer, scheduler, audio manager and
// visibility handler, and wires them into one output stream.
type Compositor struct {
	cfg      Config
	log      zerolog.Logger
	registry *Registry
	renderer *Renderer
	sched    *Scheduler
	audio    *AudioManager
	vis      *Visibility
	stream   *Stream
	sink     FrameSink

	mu       sync.Mutex
	activeID string
	closed   bool
}

// New builds a compositor delivering frames to sink.
func New(cfg Config, sink FrameSink, log zerolog.Logger) *Compositor {
	cfg = cfg.withDefaults()
	c := &Compositor{
		cfg:      cfg,
		log:      log.With().Str("module", "compositor").Logger(),
		registry: NewRegistry(),
		renderer: NewRenderer(cfg.Width, cfg.Height, cfg.Dpr, cfg.Crossfade, cfg.Keepalive),
		stream:   &Stream{},
		sink:     sink,
	}
	c.sched = NewScheduler(cfg.Fps, cfg.SendFps, c.renderTick)
	c.sched.OnSendFpsChange(func(fps int) {
		if rc, ok := sink.(RateConstrained); ok {
			rc.SetMaxFramerate(fps)
		}
	})
	c.audio = NewAudioManager(c.stream, cfg.DisableSilentAudio, log)
	c.vis = NewVisibility(c.sched)
	return c
}

// Start launches the render loop.
func (c *Compositor) Start() {
	c.sched.Start()
	c.log.Info().
		Int("width", c.cfg.Width).
		Int("height", c.cfg.Height).
		Int("fps", c.cfg.Fps).
		Int("send_fps", c.cfg.SendFps).
		Msg("compositor started")
}

// Close stops the loop and releases the audio graph. Idempotent.
func (c *Compositor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.sched.Stop()
	c.renderer.SetActiveSource(nil)
	c.audio.Close()
	c.log.Info().Msg("compositor closed")
}

// Registry exposes source bookkeeping.
func (c *Compositor) Registry() *Registry { return c.registry }

// Audio exposes the audio manager.
func (c *Compositor) Audio() *AudioManager { return c.audio }

// Visibility exposes the background-throttle handler.
func (c *Compositor) Visibility() *Visibility { return c.vis }

// Stream exposes the output stream.
func (c *Compositor) Stream() *Stream { return c.stream }

// Scheduler exposes rate control.
func (c *Compositor) Scheduler() *Scheduler { return c.sched }

// RegisterSource adds src under id.
func (c *Compositor) RegisterSource(id string, src *Source) {
	c.registry.Register(id, src)
}

// UnregisterSource removes id; removing the active source deactivates
// the output.
func (c *Compositor) UnregisterSource(id string) {
	c.mu.Lock()
	wasActive := c.activeID == id
	if wasActive {
		c.activeID = ""
	}
	c.mu.Unlock()
	c.registry.Unregister(id)
	if wasActive {
		c.renderer.SetActiveSource(nil)
		c.sched.SetFrameSource(nil)
		c.applyContentHint("")
	}
}

// SetActiveSource makes the registered source id drive the output; an
// empty id deactivates output.
func (c *Compositor) SetActiveSource(id string) error {
	if id == "" {
		c.mu.Lock()
		c.activeID = ""
		c.mu.Unlock()
		c.renderer.SetActiveSource(nil)
		c.sched.SetFrameSource(nil)
		c.applyContentHint("")
		return nil
	}
	src, ok := c.registry.Get(id)
	if !ok {
		return ErrSourceNotFound
	}
	c.mu.Lock()
	c.activeID = id
	c.mu.Unlock()
	c.renderer.SetActiveSource(src)

	// Prefer the feed's own frame cadence when it exposes one.
	var frames <-chan time.Time
	if src.Kind == KindVideo {
		if ticker, ok := src.Video.(FrameTicker); ok {
			frames = ticker.Frames()
		}
	}
	c.sched.SetFrameSource(frames)
	c.applyContentHint(src.Hint)
	c.log.Info().Str("id", id).Msg("active source")
	return nil
}

// applyContentHint forwards the active source's content hint to sinks
// that can carry it onto the output track.
func (c *Compositor) applyContentHint(hint string) {
	if ch, ok := c.sink.(ContentHinted); ok {
		ch.SetContentHint(hint)
	}
}

// ActiveSourceID returns the id currently driving output, empty when
// none.
func (c *Compositor) ActiveSourceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// SetSendFps adjusts the send-rate gate (caller-requested; the
// visibility handler restores its own saved value independently).
func (c *Compositor) SetSendFps(fps int) {
	c.sched.SetSendFps(fps)
}

// SetFps adjusts the render rate.
func (c *Compositor) SetFps(fps int) {
	c.sched.SetFps(fps)
}

func (c *Compositor) renderTick(ts time.Time) {
	c.renderer.RenderFrame(ts)
	if c.sink != nil {
		if err := c.sink.WriteFrame(c.renderer.Output(), ts); err != nil {
			c.log.Debug().Err(err).Msg("frame sink write")
		}
	}
}
