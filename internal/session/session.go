// Package session wraps a transport client in a typed state machine
// that owns the reconnection lifecycle: connectivity grace handling,
// scheduled retries with a pluggable backoff policy, and state/error
// fan-out to observers.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/daydreamlive/daydream-go/internal/backoff"
	"github.com/daydreamlive/daydream-go/internal/transport"
)

// defaultGraceTimeout is how long a "disconnected" connection may try
// to recover in place (ICE restart) before full reconnection begins.
const defaultGraceTimeout = 2 * time.Second

// Transport is the client a session drives. Each reconnect creates a
// fresh instance through the factory; instances are generation-tagged
// so events from a superseded one are ignored.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	RestartICE(ctx context.Context) error
	OnConnectivityChange(func(transport.Connectivity))
	// PlaybackURL returns the companion playback URL when the protocol
	// carries one, else empty.
	PlaybackURL() string
}

// Factory produces a new transport instance per connect.
type Factory func() Transport

// ReconnectConfig bounds the automatic reconnection loop.
type ReconnectConfig struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
}

// Core is the generic state machine shared by Broadcast and Player.
// It is safe for concurrent use; connectivity callbacks, timers and
// caller API all serialize on one mutex.
type Core struct {
	id      string
	labels  Labels
	policy  backoff.Policy
	factory Factory
	cfg     ReconnectConfig
	grace   time.Duration
	// retryFromError permits Connect again after a failed initial
	// connect (broadcast semantics; a player error is terminal).
	retryFromError bool
	log            zerolog.Logger

	mu         sync.Mutex
	state      State
	stopped    bool
	tr         Transport
	generation uint64
	// connectivity of the current generation, consulted when the grace
	// timer fires.
	connectivity   transport.Connectivity
	attempts       int
	lastErr        *transport.Error
	playbackURL    string
	reconnectTimer *time.Timer
	graceTimer     *time.Timer
	observers      []Observer
}

func newCore(labels Labels, policy backoff.Policy, factory Factory, cfg ReconnectConfig, retryFromError bool, log zerolog.Logger) *Core {
	id := uuid.NewString()
	return &Core{
		id:             id,
		labels:         labels,
		policy:         policy,
		factory:        factory,
		cfg:            cfg,
		grace:          defaultGraceTimeout,
		retryFromError: retryFromError,
		log:            log.With().Str("module", "session").Str("sid", id).Logger(),
		state:          StateConnecting,
	}
}

// ID returns the session's identifier, used only for logging and the
// status surface.
func (c *Core) ID() string { return c.id }

// Labels returns the variant's state vocabulary.
func (c *Core) Labels() Labels { return c.labels }

// State returns the current state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateLabel returns the variant-specific name of the current state.
func (c *Core) StateLabel() string {
	return c.labels.For(c.State())
}

// LastError returns the most recent surfaced error, if any.
func (c *Core) LastError() *transport.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PlaybackURL returns the companion playback URL recorded on connect.
func (c *Core) PlaybackURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playbackURL
}

// Subscribe registers an observer. Observers are released on Stop.
func (c *Core) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.observers = append(c.observers, o)
}

// Connect performs the initial handshake. On success the session is
// active and connectivity-monitored; on failure the typed error is both
// returned and fanned out to observers.
func (c *Core) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return transport.AsTransportError(errSessionStopped)
	}
	if c.state == StateError && !c.retryFromError {
		c.mu.Unlock()
		return c.lastErr
	}
	if c.state == StateActive || c.state == StateReconnecting {
		c.mu.Unlock()
		return transport.AsTransportError(errAlreadyConnected)
	}
	c.setStateLocked(StateConnecting)
	tr, gen := c.newTransportLocked()
	c.mu.Unlock()

	err := tr.Connect(ctx)

	c.mu.Lock()
	if c.stopped || gen != c.generation {
		c.mu.Unlock()
		go tr.Disconnect(context.Background())
		if err != nil {
			return transport.AsTransportError(err)
		}
		return nil
	}
	if err != nil {
		te := transport.AsTransportError(err)
		c.lastErr = te
		c.setStateLocked(StateError)
		obs := c.snapshotObserversLocked()
		c.mu.Unlock()
		for _, o := range obs {
			o.OnError(te)
		}
		return te
	}
	c.attempts = 0
	// A failed connectivity probe during the handshake may have armed a
	// retry; the successful handshake supersedes it.
	c.cancelReconnectLocked()
	c.playbackURL = tr.PlaybackURL()
	c.setStateLocked(StateActive)
	url := c.playbackURL
	obs := c.snapshotObserversLocked()
	c.mu.Unlock()

	if url != "" {
		for _, o := range obs {
			o.OnPlaybackURL(url)
		}
	}
	return nil
}

// Stop terminally ends the session: no further reconnection is
// scheduled even if connectivity callbacks or timers fire afterwards.
// Idempotent and safe from any state.
func (c *Core) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cancelTimersLocked()
	tr := c.tr
	c.tr = nil
	// Bump the generation so in-flight callbacks from the old
	// transport are provably inert.
	c.generation++
	c.setStateLocked(StateEnded)
	c.observers = nil
	c.mu.Unlock()

	if tr != nil {
		tr.Disconnect(ctx)
	}
	c.log.Info().Msg("session stopped")
}

// newTransportLocked replaces the current transport with a fresh one
// and wires its connectivity signal, tagged with the new generation.
func (c *Core) newTransportLocked() (Transport, uint64) {
	old := c.tr
	c.generation++
	gen := c.generation
	c.connectivity = transport.ConnectivityNew
	tr := c.factory()
	tr.OnConnectivityChange(func(s transport.Connectivity) {
		c.onConnectivity(gen, s)
	})
	c.tr = tr
	if old != nil {
		go old.Disconnect(context.Background())
	}
	return tr, gen
}

// onConnectivity is the connectivity callback for generation gen.
func (c *Core) onConnectivity(gen uint64, s transport.Connectivity) {
	c.mu.Lock()
	if c.stopped || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.connectivity = s
	c.log.Debug().Str("connectivity", s.String()).Msg("connectivity change")

	switch {
	case s.Up():
		c.cancelGraceLocked()
		if c.state == StateReconnecting {
			c.attempts = 0
			c.cancelReconnectLocked()
			c.setStateLocked(StateActive)
		}
		c.mu.Unlock()

	case s == transport.ConnectivityDisconnected:
		c.cancelGraceLocked()
		tr := c.tr
		c.armGraceLocked(gen)
		c.mu.Unlock()
		if tr != nil {
			go tr.RestartICE(context.Background())
		}

	case s == transport.ConnectivityFailed || s == transport.ConnectivityClosed:
		c.cancelGraceLocked()
		c.beginReconnectLocked()
		c.mu.Unlock()

	default:
		c.mu.Unlock()
	}
}

// armGraceLocked starts the disconnect grace timer; if connectivity is
// still down when it fires, full reconnection begins.
func (c *Core) armGraceLocked(gen uint64) {
	c.graceTimer = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stopped || gen != c.generation {
			return
		}
		c.graceTimer = nil
		if c.connectivity == transport.ConnectivityDisconnected {
			c.beginReconnectLocked()
		}
	})
}

// beginReconnectLocked transitions into the reconnecting state and
// schedules the next retry, or ends the session when the attempt budget
// is spent.
func (c *Core) beginReconnectLocked() {
	if c.stopped || c.state == StateEnded {
		return
	}
	if !c.cfg.Enabled || c.attempts >= c.cfg.MaxAttempts {
		c.endLocked()
		return
	}
	c.setStateLocked(StateReconnecting)

	delay := c.policy.Delay(c.attempts)
	c.attempts++
	p := Progress{Attempt: c.attempts, MaxAttempts: c.cfg.MaxAttempts, Delay: delay}
	obs := c.snapshotObserversLocked()
	c.log.Info().Int("attempt", p.Attempt).Int("max", p.MaxAttempts).Dur("delay", delay).Msg("reconnect scheduled")

	c.cancelReconnectLocked()
	c.reconnectTimer = time.AfterFunc(delay, c.retry)

	// Notify without holding the lock ordering hostage to observers.
	go func() {
		for _, o := range obs {
			o.OnReconnectProgress(p)
		}
	}()
}

// retry fires when the reconnect timer elapses: tear down the old
// transport, run a fresh handshake, and either return to active or
// recurse into scheduling.
func (c *Core) retry() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	tr, gen := c.newTransportLocked()
	c.mu.Unlock()

	err := tr.Connect(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || gen != c.generation {
		go tr.Disconnect(context.Background())
		return
	}
	if err != nil {
		// Reconnect failures are never surfaced as errors; they only
		// drive the machine forward.
		c.log.Warn().Err(err).Int("attempt", c.attempts).Msg("reconnect attempt failed")
		c.beginReconnectLocked()
		return
	}
	c.attempts = 0
	c.cancelReconnectLocked()
	c.playbackURL = tr.PlaybackURL()
	c.setStateLocked(StateActive)
}

// endLocked transitions to the terminal ended state and releases the
// transport.
func (c *Core) endLocked() {
	c.stopped = true
	c.cancelTimersLocked()
	tr := c.tr
	c.tr = nil
	c.generation++
	c.setStateLocked(StateEnded)
	c.observers = nil
	if tr != nil {
		go tr.Disconnect(context.Background())
	}
}

func (c *Core) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.log.Info().Str("state", c.labels.For(s)).Msg("state change")
	obs := c.snapshotObserversLocked()
	go func() {
		for _, o := range obs {
			o.OnStateChange(s)
		}
	}()
}

func (c *Core) snapshotObserversLocked() []Observer {
	out := make([]Observer, len(c.observers))
	copy(out, c.observers)
	return out
}

func (c *Core) cancelTimersLocked() {
	c.cancelReconnectLocked()
	c.cancelGraceLocked()
}

func (c *Core) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Core) cancelGraceLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}
