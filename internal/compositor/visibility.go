package compositor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// hiddenSendFps is the throttled send rate while backgrounded.
	hiddenSendFps = 5
	// hiddenTickInterval keeps a heartbeat render alive while the main
	// loop may be deprioritized by the runtime.
	hiddenTickInterval = time.Second
)

// Visibility throttles the send rate while the consumer is
// backgrounded and restores it on foreground, keeping a low-rate
// heartbeat render running in between.
type Visibility struct {
	sched *Scheduler

	mu       sync.Mutex
	hidden   bool
	savedFps int
	stopTick chan struct{}
}

func NewVisibility(sched *Scheduler) *Visibility {
	return &Visibility{sched: sched}
}

// SetHidden reports a background/foreground change. Repeated reports of
// the same state are no-ops, so the remembered send rate is captured
// exactly once per hide.
func (v *Visibility) SetHidden(hidden bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if hidden == v.hidden {
		return
	}
	v.hidden = hidden
	if hidden {
		v.savedFps = v.sched.SendFps()
		v.sched.SetSendFps(hiddenSendFps)
		v.stopTick = make(chan struct{})
		go v.heartbeat(v.stopTick)
		log.Debug().Str("module", "compositor.visibility").Int("saved_fps", v.savedFps).Msg("hidden, send rate throttled")
		return
	}
	if v.stopTick != nil {
		close(v.stopTick)
		v.stopTick = nil
	}
	v.sched.SetSendFps(v.savedFps)
	log.Debug().Str("module", "compositor.visibility").Int("send_fps", v.savedFps).Msg("visible, send rate restored")
}

// Watch consumes hidden-state changes until the channel closes.
func (v *Visibility) Watch(hidden <-chan bool) {
	go func() {
		for h := range hidden {
			v.SetHidden(h)
		}
	}()
}

func (v *Visibility) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(hiddenTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case ts := <-ticker.C:
			v.sched.Tick(ts)
		}
	}
}
