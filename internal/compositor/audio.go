package compositor

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// opusSilence is a single Opus DTX comfort-noise frame. Writing it on a
// cadence yields a valid, inaudible audio track with no encoder.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

const (
	silenceInterval = 20 * time.Millisecond
	// opusTimestampStep is 20ms at the 48kHz Opus clock.
	opusTimestampStep = 960
)

// audioSink is where the manager places audio tracks; the compositor's
// output stream implements it.
type audioSink interface {
	AddAudioTrack(t webrtc.TrackLocal)
	RemoveAudioTrack(t webrtc.TrackLocal)
}

// AudioManager keeps the output stream's audio invariant: exactly one
// audio track at all times unless disabled. With no real track attached
// it synthesizes an inaudible one; attaching a real track swaps the
// synthesized one out transparently, and removing the last real track
// brings it back.
//
// Starting the synthesizer requires a prior unlock, mirroring runtimes
// where audio output needs a user gesture first.
type AudioManager struct {
	sink     audioSink
	disabled bool
	log      zerolog.Logger

	mu       sync.Mutex
	unlocked bool
	silent   *webrtc.TrackLocalStaticRTP
	external []webrtc.TrackLocal
	stopGen  chan struct{}
	closed   bool
}

// NewAudioManager builds a manager feeding sink. When disabled, no
// silent track is ever synthesized.
func NewAudioManager(sink audioSink, disabled bool, log zerolog.Logger) *AudioManager {
	return &AudioManager{
		sink:     sink,
		disabled: disabled,
		log:      log.With().Str("module", "compositor.audio").Logger(),
	}
}

// Unlock enables audio synthesis. Safe to call repeatedly; callers may
// invoke it opportunistically before a known user action.
func (m *AudioManager) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unlocked || m.closed {
		return
	}
	m.unlocked = true
	m.log.Debug().Msg("audio unlocked")
	m.ensureSilentLocked()
}

// ArmGestureUnlock unlocks on the first event from gestures, then
// stops listening.
func (m *AudioManager) ArmGestureUnlock(gestures <-chan struct{}) {
	go func() {
		if _, ok := <-gestures; ok {
			m.Unlock()
		}
	}()
}

// AddTrack attaches a real audio track, displacing the synthesized one.
func (m *AudioManager) AddTrack(t webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.external = append(m.external, t)
	m.sink.AddAudioTrack(t)
	m.dropSilentLocked()
}

// RemoveTrack detaches a real audio track; when it was the last one,
// the synthesized track is recreated.
func (m *AudioManager) RemoveTrack(t webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for i, e := range m.external {
		if e == t {
			m.external = append(m.external[:i], m.external[i+1:]...)
			m.sink.RemoveAudioTrack(t)
			break
		}
	}
	if len(m.external) == 0 {
		m.ensureSilentLocked()
	}
}

// Close stops the synthesizer and detaches everything.
func (m *AudioManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.dropSilentLocked()
	for _, t := range m.external {
		m.sink.RemoveAudioTrack(t)
	}
	m.external = nil
}

func (m *AudioManager) ensureSilentLocked() {
	if m.disabled || !m.unlocked || m.silent != nil || len(m.external) > 0 {
		return
	}
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio-silence", "daydream")
	if err != nil {
		m.log.Error().Err(err).Msg("create silent track")
		return
	}
	m.silent = track
	m.stopGen = make(chan struct{})
	go silenceLoop(track, m.stopGen)
	m.sink.AddAudioTrack(track)
	m.log.Debug().Msg("silent track attached")
}

func (m *AudioManager) dropSilentLocked() {
	if m.silent == nil {
		return
	}
	close(m.stopGen)
	m.stopGen = nil
	m.sink.RemoveAudioTrack(m.silent)
	m.silent = nil
	m.log.Debug().Msg("silent track detached")
}

// silenceLoop writes one DTX frame per interval until stopped.
func silenceLoop(track *webrtc.TrackLocalStaticRTP, stop <-chan struct{}) {
	ticker := time.NewTicker(silenceInterval)
	defer ticker.Stop()
	var seq uint16
	var ts uint32
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: opusSilence,
			}
			// Unbound tracks drop the write; errors here mean the
			// track is going away.
			if err := track.WriteRTP(pkt); err != nil {
				return
			}
			seq++
			ts += opusTimestampStep
		}
	}
}
