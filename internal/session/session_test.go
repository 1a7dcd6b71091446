package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/daydreamlive/daydream-go/internal/backoff"
	"github.com/daydreamlive/daydream-go/internal/transport"
)

type fakeTransport struct {
	mu          sync.Mutex
	connectErr  *transport.Error
	connects    int
	disconnects int
	restarts    int
	connFn      func(transport.Connectivity)
	playback    string
	// duringConnect runs mid-handshake, before Connect returns.
	duringConnect func(*fakeTransport)
	replaced      []webrtc.TrackLocal
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	hook := f.duringConnect
	f.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	if err != nil {
		return err
	}
	return nil
}

func (f *fakeTransport) ReplaceTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, track)
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) RestartICE(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeTransport) OnConnectivityChange(fn func(transport.Connectivity)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connFn = fn
}

func (f *fakeTransport) PlaybackURL() string { return f.playback }

func (f *fakeTransport) fire(s transport.Connectivity) {
	f.mu.Lock()
	fn := f.connFn
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) counts() (connects, disconnects, restarts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.restarts
}

// fakeFactory hands out fresh transports and remembers them in order.
type fakeFactory struct {
	mu            sync.Mutex
	failAll       bool
	duringConnect func(*fakeTransport)
	made          []*fakeTransport
}

func (ff *fakeFactory) new() Transport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ft := &fakeTransport{duringConnect: ff.duringConnect}
	if ff.failAll {
		ft.connectErr = &transport.Error{Code: transport.CodeNetwork, Message: "down"}
	}
	ff.made = append(ff.made, ft)
	return ft
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.made) == 0 {
		return nil
	}
	return ff.made[len(ff.made)-1]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.made)
}

type recorder struct {
	mu       sync.Mutex
	states   []State
	errors   []*transport.Error
	progress []Progress
	urls     []string
}

func (r *recorder) OnStateChange(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnError(e *transport.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
}

func (r *recorder) OnReconnectProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnPlaybackURL(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, u)
}

func (r *recorder) progressSnapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Progress, len(r.progress))
	copy(out, r.progress)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func testCore(ff *fakeFactory, cfg ReconnectConfig) *Core {
	c := newCore(broadcastLabels, backoff.Publish{Base: time.Millisecond}, ff.new, cfg, true, zerolog.Nop())
	c.grace = 20 * time.Millisecond
	return c
}

func TestConnectSuccess(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})
	rec := &recorder{}
	c.Subscribe(rec)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateActive {
		t.Errorf("state: got %v, want active", c.State())
	}
	if c.StateLabel() != "live" {
		t.Errorf("label: got %q, want live", c.StateLabel())
	}
}

func TestConnectFailureSurfacesBothPaths(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{failAll: true}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})
	rec := &recorder{}
	c.Subscribe(rec)

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	te, ok := err.(*transport.Error)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if te.Code != transport.CodeNetwork {
		t.Errorf("code: got %q", te.Code)
	}
	if c.State() != StateError {
		t.Errorf("state: got %v, want error", c.State())
	}
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errors) == 1
	}, "error notification")
	if c.LastError() != te {
		t.Error("LastError should match the returned error")
	}
}

func TestRetryPermittedAfterError(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{failAll: true}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	ff.mu.Lock()
	ff.failAll = false
	ff.mu.Unlock()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if c.State() != StateActive {
		t.Errorf("state: got %v, want active", c.State())
	}
}

func TestPlayerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{failAll: true}
	c := newCore(playerLabels, backoff.Subscribe{Base: time.Millisecond}, ff.new, ReconnectConfig{Enabled: true, MaxAttempts: 3}, false, zerolog.Nop())
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("player error state must not permit retry")
	}
	if got := ff.count(); got != 1 {
		t.Errorf("transports made: got %d, want 1", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := ff.last()
	c.Stop(context.Background())
	c.Stop(context.Background())
	if c.State() != StateEnded {
		t.Errorf("state: got %v, want ended", c.State())
	}
	_, disconnects, _ := ft.counts()
	if disconnects != 1 {
		t.Errorf("disconnects: got %d, want 1 (no double teardown)", disconnects)
	}
}

func TestStopMakesCallbacksInert(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := ff.last()
	c.Stop(context.Background())

	// Connectivity from the old transport after Stop must not schedule
	// anything.
	ft.fire(transport.ConnectivityFailed)
	ft.fire(transport.ConnectivityDisconnected)
	time.Sleep(60 * time.Millisecond)
	if c.State() != StateEnded {
		t.Errorf("state after stale events: got %v, want ended", c.State())
	}
	if got := ff.count(); got != 1 {
		t.Errorf("transports made: got %d, want 1", got)
	}
}

func TestReconnectExactlyMaxAttempts(t *testing.T) {
	t.Parallel()

	const maxAttempts = 5
	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: maxAttempts, BaseDelay: time.Millisecond})
	rec := &recorder{}
	c.Subscribe(rec)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Every subsequent handshake fails.
	ff.mu.Lock()
	ff.failAll = true
	ff.mu.Unlock()

	ff.last().fire(transport.ConnectivityFailed)

	waitFor(t, func() bool { return c.State() == StateEnded }, "session end")

	progress := rec.progressSnapshot()
	if len(progress) != maxAttempts {
		t.Fatalf("progress notifications: got %d, want %d", len(progress), maxAttempts)
	}
	for i, p := range progress {
		if p.Attempt != i+1 {
			t.Errorf("progress[%d].Attempt: got %d, want %d", i, p.Attempt, i+1)
		}
		if p.MaxAttempts != maxAttempts {
			t.Errorf("progress[%d].MaxAttempts: got %d, want %d", i, p.MaxAttempts, maxAttempts)
		}
	}
	// Initial connect + exactly maxAttempts retries.
	if got := ff.count(); got != maxAttempts+1 {
		t.Errorf("transports made: got %d, want %d", got, maxAttempts+1)
	}
}

func TestReconnectDisabledEndsImmediately(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: false, MaxAttempts: 5, BaseDelay: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ff.last().fire(transport.ConnectivityFailed)
	waitFor(t, func() bool { return c.State() == StateEnded }, "session end")
	if got := ff.count(); got != 1 {
		t.Errorf("transports made: got %d, want 1", got)
	}
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 2, BaseDelay: time.Millisecond})
	rec := &recorder{}
	c.Subscribe(rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// First failure: the retry handshake succeeds, so the attempt
	// counter resets and a later failure gets the full budget again.
	ff.last().fire(transport.ConnectivityFailed)
	waitFor(t, func() bool { return c.State() == StateActive && ff.count() == 2 }, "first recovery")

	ff.last().fire(transport.ConnectivityFailed)
	waitFor(t, func() bool { return c.State() == StateActive && ff.count() == 3 }, "second recovery")

	progress := rec.progressSnapshot()
	for i, p := range progress {
		if p.Attempt != 1 {
			t.Errorf("progress[%d].Attempt: got %d, want 1 (counter resets on success)", i, p.Attempt)
		}
	}
}

func TestDisconnectedStartsGraceAndRestartsICE(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := ff.last()
	ft.fire(transport.ConnectivityDisconnected)

	waitFor(t, func() bool {
		_, _, restarts := ft.counts()
		return restarts == 1
	}, "ICE restart")
	if c.State() != StateActive {
		t.Errorf("state during grace: got %v, want active", c.State())
	}

	// Still disconnected when the grace timer fires: reconnection
	// begins.
	waitFor(t, func() bool { return ff.count() == 2 }, "reconnect after grace")
}

func TestRecoveryDuringGraceAvoidsReconnect(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := ff.last()
	ft.fire(transport.ConnectivityDisconnected)
	ft.fire(transport.ConnectivityConnected)

	time.Sleep(60 * time.Millisecond)
	if c.State() != StateActive {
		t.Errorf("state: got %v, want active", c.State())
	}
	if got := ff.count(); got != 1 {
		t.Errorf("transports made: got %d, want 1 (no reconnect)", got)
	}
}

func TestStaleGenerationIgnored(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := ff.last()

	first.fire(transport.ConnectivityFailed)
	waitFor(t, func() bool { return c.State() == StateActive && ff.count() == 2 }, "recovery on new transport")

	// The superseded transport keeps talking; it must be ignored.
	first.fire(transport.ConnectivityFailed)
	time.Sleep(30 * time.Millisecond)
	if c.State() != StateActive {
		t.Errorf("state after stale event: got %v, want active", c.State())
	}
	if got := ff.count(); got != 2 {
		t.Errorf("transports made: got %d, want 2", got)
	}
}

func TestReconnectTimerCancelledOnHandshakeSuccess(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	// A failed connectivity probe lands while the handshake is still in
	// flight; the handshake then succeeds.
	ff.duringConnect = func(ft *fakeTransport) {
		ft.fire(transport.ConnectivityFailed)
	}
	c := testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: 50 * time.Millisecond})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("state: got %v, want active", c.State())
	}

	// The retry armed by the mid-handshake failure must not survive the
	// success and tear down the healthy transport.
	time.Sleep(150 * time.Millisecond)
	if c.State() != StateActive {
		t.Errorf("state after retry window: got %v, want active", c.State())
	}
	if got := ff.count(); got != 1 {
		t.Errorf("transports made: got %d, want 1 (stale retry must not fire)", got)
	}
}

func newLocalAudioTrack(t *testing.T) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "test")
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	return track
}

func TestBroadcastReplaceTrackReachesLiveTransport(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	b := &Broadcast{Core: testCore(ff, ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond})}
	track := newLocalAudioTrack(t)

	// Before connect there is no transport to swap on.
	if err := b.ReplaceTrack(track); err == nil {
		t.Error("ReplaceTrack before connect: got nil error")
	}

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := b.ReplaceTrack(track); err != nil {
		t.Fatalf("ReplaceTrack: %v", err)
	}
	ft := ff.last()
	ft.mu.Lock()
	replaced := len(ft.replaced)
	same := len(ft.replaced) == 1 && ft.replaced[0] == webrtc.TrackLocal(track)
	ft.mu.Unlock()
	if replaced != 1 || !same {
		t.Errorf("replaced tracks on live transport: got %d, want the swapped track once", replaced)
	}

	b.Stop(context.Background())
	if err := b.ReplaceTrack(track); err == nil {
		t.Error("ReplaceTrack after stop: got nil error")
	}
}

func TestPlaybackURLNotified(t *testing.T) {
	t.Parallel()

	ff := &fakeFactory{}
	base := ff.new
	factory := func() Transport {
		tr := base().(*fakeTransport)
		tr.playback = "https://play.example.com/whep/abc"
		return tr
	}
	c := newCore(broadcastLabels, backoff.Publish{Base: time.Millisecond}, factory, ReconnectConfig{Enabled: true, MaxAttempts: 3}, true, zerolog.Nop())
	rec := &recorder{}
	c.Subscribe(rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.PlaybackURL(); got != "https://play.example.com/whep/abc" {
		t.Errorf("PlaybackURL: got %q", got)
	}
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.urls) == 1
	}, "playback url notification")
}
