package compositor

import (
	"image"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// FrameSink consumes composited output frames. The publish path wraps
// an encoder feeding a local video track; tests capture frames.
type FrameSink interface {
	WriteFrame(frame *image.RGBA, ts time.Time) error
}

// RateConstrained is optionally implemented by sinks that can reapply
// a framerate constraint on the output track when the send rate
// changes.
type RateConstrained interface {
	SetMaxFramerate(fps int)
}

// ContentHinted is optionally implemented by sinks that can carry a
// source's content hint onto the output track.
type ContentHinted interface {
	SetContentHint(hint string)
}

// StreamObserver is notified as the stream's audio track set changes.
// A live publisher uses the added track to swap its sender without
// renegotiation.
type StreamObserver interface {
	OnAudioTrackAdded(t webrtc.TrackLocal)
	OnAudioTrackRemoved(t webrtc.TrackLocal)
}

// Stream is the compositor's output: composited video frames delivered
// to the sink, plus the audio track set maintained by the AudioManager.
type Stream struct {
	mu        sync.RWMutex
	audio     []webrtc.TrackLocal
	observers []StreamObserver
}

// Observe registers an observer for audio track changes.
func (s *Stream) Observe(o StreamObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// AudioTracks returns a snapshot of the stream's audio tracks.
func (s *Stream) AudioTracks() []webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]webrtc.TrackLocal, len(s.audio))
	copy(out, s.audio)
	return out
}

// AddAudioTrack attaches t to the stream and notifies observers.
func (s *Stream) AddAudioTrack(t webrtc.TrackLocal) {
	s.mu.Lock()
	s.audio = append(s.audio, t)
	obs := s.snapshotObserversLocked()
	s.mu.Unlock()
	for _, o := range obs {
		o.OnAudioTrackAdded(t)
	}
}

// RemoveAudioTrack detaches t from the stream and notifies observers.
// Removing an unattached track is a no-op.
func (s *Stream) RemoveAudioTrack(t webrtc.TrackLocal) {
	s.mu.Lock()
	found := false
	for i, e := range s.audio {
		if e == t {
			s.audio = append(s.audio[:i], s.audio[i+1:]...)
			found = true
			break
		}
	}
	obs := s.snapshotObserversLocked()
	s.mu.Unlock()
	if !found {
		return
	}
	for _, o := range obs {
		o.OnAudioTrackRemoved(t)
	}
}

func (s *Stream) snapshotObserversLocked() []StreamObserver {
	out := make([]StreamObserver, len(s.observers))
	copy(out, s.observers)
	return out
}
