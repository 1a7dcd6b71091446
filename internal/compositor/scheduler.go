package compositor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// fallbackInterval is the low-duty generic tick kept alive while a
// frame-accurate timing source drives rendering, so a stalled source
// cannot stall the whole pipeline.
const fallbackInterval = time.Second

// Scheduler drives the render loop. The loop ticks at the render rate
// (or at a video feed's own frame cadence when available); actual
// rendering is gated down to the send rate.
type Scheduler struct {
	render func(ts time.Time)

	mu         sync.Mutex
	fps        int
	sendFps    int
	lastRender time.Time
	frames     <-chan time.Time
	onSendFps  func(int)
	stop       chan struct{}
	done       chan struct{}
	running    bool
}

// NewScheduler builds a scheduler invoking render for every frame that
// passes the send-rate gate.
func NewScheduler(fps, sendFps int, render func(ts time.Time)) *Scheduler {
	if fps <= 0 {
		fps = 30
	}
	if sendFps <= 0 || sendFps > fps {
		sendFps = fps
	}
	return &Scheduler{render: render, fps: fps, sendFps: sendFps}
}

// OnSendFpsChange installs the owner callback fired when the send rate
// changes, so output-track rate constraints can be reapplied.
func (s *Scheduler) OnSendFpsChange(fn func(int)) {
	s.mu.Lock()
	s.onSendFps = fn
	s.mu.Unlock()
}

// Fps returns the render rate.
func (s *Scheduler) Fps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

// SendFps returns the current send rate.
func (s *Scheduler) SendFps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendFps
}

// SetFps updates the render rate, dragging the send rate down with it
// when needed to keep send ≤ render. Takes effect on the next loop
// tick.
func (s *Scheduler) SetFps(fps int) {
	if fps <= 0 {
		return
	}
	s.mu.Lock()
	s.fps = fps
	var fn func(int)
	if s.sendFps > fps {
		s.sendFps = fps
		fn = s.onSendFps
	}
	s.mu.Unlock()
	if fn != nil {
		fn(fps)
	}
}

// SetSendFps updates the send-rate gate, clamped to the render rate,
// and notifies the owner.
func (s *Scheduler) SetSendFps(fps int) {
	if fps <= 0 {
		return
	}
	s.mu.Lock()
	if fps > s.fps {
		fps = s.fps
	}
	s.sendFps = fps
	fn := s.onSendFps
	s.mu.Unlock()
	log.Debug().Str("module", "compositor.scheduler").Int("send_fps", fps).Msg("send rate changed")
	if fn != nil {
		fn(fps)
	}
}

// SetFrameSource installs (or, with nil, removes) a frame-accurate
// timing channel from the active video feed. Preferred over the
// generic loop when present.
func (s *Scheduler) SetFrameSource(frames <-chan time.Time) {
	s.mu.Lock()
	s.frames = frames
	s.mu.Unlock()
}

// Start launches the loop. Idempotent while running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// Stop halts the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()
	close(stop)
	<-done
}

// Tick runs one gated render at ts. Exposed so the visibility handler
// can keep a heartbeat alive outside the loop.
func (s *Scheduler) Tick(ts time.Time) {
	if s.shouldRender(ts) {
		s.render(ts)
	}
}

// shouldRender applies the send-rate gate: at least 1000/sendFps ms
// must have elapsed since the last rendered frame.
func (s *Scheduler) shouldRender(ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	interval := time.Second / time.Duration(s.sendFps)
	if !s.lastRender.IsZero() && ts.Sub(s.lastRender) < interval {
		return false
	}
	s.lastRender = ts
	return true
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()
	for {
		s.mu.Lock()
		frames := s.frames
		s.mu.Unlock()

		if frames == nil {
			select {
			case <-stop:
				return
			case ts := <-ticker.C:
				s.Tick(ts)
			}
			ticker.Reset(s.tickInterval())
			continue
		}

		// Frame-accurate source preferred; the generic ticker keeps
		// running at low duty as a fallback.
		ticker.Reset(fallbackInterval)
		select {
		case <-stop:
			return
		case ts := <-frames:
			s.Tick(ts)
		case ts := <-ticker.C:
			s.Tick(ts)
		}
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Second / time.Duration(s.fps)
}
