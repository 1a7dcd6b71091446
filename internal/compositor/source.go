// Package compositor multiplexes registered visual sources into one
// continuously-available output stream: crossfade transitions between
// sources, independent render and send frame rates, and a synthesized
// audio track so the output always carries audio.
package compositor

import (
	"image"
	"time"
)

// FitMode controls how a source is scaled into the output surface.
type FitMode int

const (
	// FitContain letterboxes the source to fit entirely.
	FitContain FitMode = iota
	// FitCover fills the surface, cropping overflow.
	FitCover
)

// SourceKind discriminates the three source variants.
type SourceKind int

const (
	// KindVideo is a live video feed delivering decoded frames.
	KindVideo SourceKind = iota
	// KindSurface is a static drawing surface.
	KindSurface
	// KindCustom paints every frame through its own callback object.
	KindCustom
)

// VideoFeed delivers decoded frames from a live video source. A feed
// may additionally implement FrameTicker to expose its decode cadence.
type VideoFeed interface {
	// CurrentFrame returns the most recent decoded frame, or nil when
	// nothing has buffered yet.
	CurrentFrame() *image.RGBA
	// Size returns the intrinsic dimensions, zero until known.
	Size() (w, h int)
}

// FrameTicker is implemented by video feeds that can report when each
// frame is presented, letting the scheduler track the real decode
// cadence instead of a wall-clock ticker.
type FrameTicker interface {
	Frames() <-chan time.Time
}

// CustomPainter owns its own mutable paint state with an explicit
// lifecycle; no state is captured implicitly.
type CustomPainter interface {
	// Start runs once when the painter becomes the pending source,
	// against the working surface. It may return cleanup work via Stop.
	Start(surface *image.RGBA)
	// Frame paints one frame at the given timestamp.
	Frame(surface *image.RGBA, ts time.Time)
	// Stop releases whatever Start acquired.
	Stop()
}

// Source is one registered visual input. Exactly one of Video, Surface
// or Custom is set, matching Kind.
type Source struct {
	Kind    SourceKind
	Video   VideoFeed
	Surface *image.RGBA
	Custom  CustomPainter

	// Fit controls scaling for video and surface kinds.
	Fit FitMode
	// Hint is an opaque content hint ("motion", "detail") forwarded to
	// hint-capable frame sinks while the source is active.
	Hint string
}

// ready reports whether the source can be drawn: a video feed needs a
// buffered frame and known dimensions, a surface needs non-zero size,
// a custom painter is always ready.
func (s *Source) ready() bool {
	if s == nil {
		return false
	}
	switch s.Kind {
	case KindVideo:
		if s.Video == nil {
			return false
		}
		w, h := s.Video.Size()
		return w > 0 && h > 0 && s.Video.CurrentFrame() != nil
	case KindSurface:
		return s.Surface != nil && !s.Surface.Bounds().Empty()
	case KindCustom:
		return s.Custom != nil
	}
	return false
}
