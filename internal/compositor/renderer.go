package compositor

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"
)

// keepaliveAlpha is deliberately near-invisible: the patch exists to
// defeat downstream consumers that drop a track when the image stops
// changing, not to be seen.
const keepaliveAlpha = 8

// fitKey memoizes fit-rect computation per (canvas size, source size,
// fit mode) so the scale/offset math runs only when something changed.
type fitKey struct {
	cw, ch, sw, sh int
	fit            FitMode
}

// Renderer composites the active source (and, during a transition, the
// outgoing and incoming sources blended) into an output surface.
//
// All compositing happens on a working surface at logical size times
// device pixel ratio; the result is downsampled exactly once per frame
// onto the output surface, avoiding resampling artifacts from repeated
// scaling.
type Renderer struct {
	mu sync.Mutex

	crossfade time.Duration
	keepalive bool

	working *image.RGBA
	scratch *image.RGBA
	output  *image.RGBA

	active  *Source
	pending *Source
	// startedCustom is the custom painter whose Start ran; its Stop is
	// the retained cleanup invoked on the next source change.
	startedCustom   CustomPainter
	transitionStart time.Time

	fitCache map[fitKey]image.Rectangle
	keepTick bool
}

// NewRenderer builds a renderer with an output surface of width×height
// and a working surface scaled by dpr.
func NewRenderer(width, height int, dpr float64, crossfade time.Duration, keepalive bool) *Renderer {
	if dpr <= 0 {
		dpr = 1
	}
	ww := int(float64(width) * dpr)
	wh := int(float64(height) * dpr)
	return &Renderer{
		crossfade: crossfade,
		keepalive: keepalive,
		working:   image.NewRGBA(image.Rect(0, 0, ww, wh)),
		scratch:   image.NewRGBA(image.Rect(0, 0, ww, wh)),
		output:    image.NewRGBA(image.Rect(0, 0, width, height)),
		fitCache:  make(map[fitKey]image.Rectangle),
	}
}

// Output returns the output surface. The scheduler reads it after each
// RenderFrame; no other concurrent writer exists.
func (r *Renderer) Output() *image.RGBA {
	return r.output
}

// Active returns whether any source currently drives the output.
func (r *Renderer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil || r.pending != nil
}

// SetActiveSource makes src the pending source; it is promoted to
// active by the render loop once ready (via crossfade when a source is
// already active). A nil src clears both active and pending and any
// in-progress transition.
func (r *Renderer) SetActiveSource(src *Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startedCustom != nil && (src == nil || src.Custom != r.startedCustom) {
		r.startedCustom.Stop()
		r.startedCustom = nil
	}
	if src == nil {
		r.active = nil
		r.pending = nil
		r.transitionStart = time.Time{}
		return
	}
	r.pending = src
	r.transitionStart = time.Time{}
	// Re-activating the painter that is already running must not run
	// Start again without an intervening Stop.
	if src.Kind == KindCustom && src.Custom != nil && src.Custom != r.startedCustom {
		src.Custom.Start(r.working)
		r.startedCustom = src.Custom
	}
}

// RenderFrame draws one frame at ts and blits it to the output surface.
// Called once per scheduler tick.
func (r *Renderer) RenderFrame(ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clearSurface(r.working)

	// A ready pending source starts a transition, unless this is the
	// first activation, which reveals immediately with no fade.
	if r.pending != nil && r.pending.ready() && r.transitionStart.IsZero() && r.active != nil {
		r.transitionStart = ts
	}

	switch {
	case !r.transitionStart.IsZero():
		t := float64(ts.Sub(r.transitionStart)) / float64(r.crossfade)
		if t < 0 {
			t = 0
		}
		if t > 1 {
			t = 1
		}
		r.drawSource(r.active, 1-t, ts)
		r.drawSource(r.pending, t, ts)
		if t >= 1 {
			r.active = r.pending
			r.pending = nil
			r.transitionStart = time.Time{}
		}

	case r.pending != nil && r.active == nil && r.pending.ready():
		r.drawSource(r.pending, 1, ts)
		r.active = r.pending
		r.pending = nil

	case r.active != nil:
		r.drawSource(r.active, 1, ts)
	}

	if r.keepalive {
		r.paintKeepalive()
	}

	// Single downsample to output resolution.
	xdraw.ApproxBiLinear.Scale(r.output, r.output.Bounds(), r.working, r.working.Bounds(), xdraw.Src, nil)
}

// BlendFactor reports the current crossfade progress at ts, for
// observability; 1 when no transition is in progress.
func (r *Renderer) BlendFactor(ts time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionStart.IsZero() {
		return 1
	}
	t := float64(ts.Sub(r.transitionStart)) / float64(r.crossfade)
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// drawSource paints src onto the working surface at the given alpha.
func (r *Renderer) drawSource(src *Source, alpha float64, ts time.Time) {
	if src == nil || alpha <= 0 {
		return
	}
	switch src.Kind {
	case KindVideo:
		if src.Video == nil {
			return
		}
		frame := src.Video.CurrentFrame()
		if frame == nil {
			return
		}
		r.drawImage(frame, src.Fit, alpha)
	case KindSurface:
		if src.Surface == nil {
			return
		}
		r.drawImage(src.Surface, src.Fit, alpha)
	case KindCustom:
		if src.Custom == nil {
			return
		}
		if alpha >= 1 {
			src.Custom.Frame(r.working, ts)
			return
		}
		// Alpha cannot be applied mid-draw to an arbitrary paint
		// routine: render to an isolated buffer, then blend the whole
		// buffer.
		clearSurface(r.scratch)
		src.Custom.Frame(r.scratch, ts)
		mask := image.NewUniform(color.Alpha{A: uint8(alpha * 255)})
		draw.DrawMask(r.working, r.working.Bounds(), r.scratch, image.Point{}, mask, image.Point{}, draw.Over)
	}
}

// drawImage scales img into its fit rect and composites it at alpha.
func (r *Renderer) drawImage(img *image.RGBA, fit FitMode, alpha float64) {
	dst := r.fitRect(img.Bounds().Dx(), img.Bounds().Dy(), fit)
	if dst.Empty() {
		return
	}
	if alpha >= 1 {
		xdraw.ApproxBiLinear.Scale(r.working, dst, img, img.Bounds(), xdraw.Over, nil)
		return
	}
	clearSurface(r.scratch)
	xdraw.ApproxBiLinear.Scale(r.scratch, dst, img, img.Bounds(), xdraw.Src, nil)
	mask := image.NewUniform(color.Alpha{A: uint8(alpha * 255)})
	draw.DrawMask(r.working, dst, r.scratch, dst.Min, mask, image.Point{}, draw.Over)
}

// fitRect computes (and memoizes) where a sw×sh source lands on the
// working surface under fit.
func (r *Renderer) fitRect(sw, sh int, fit FitMode) image.Rectangle {
	cw := r.working.Bounds().Dx()
	ch := r.working.Bounds().Dy()
	key := fitKey{cw: cw, ch: ch, sw: sw, sh: sh, fit: fit}
	if rect, ok := r.fitCache[key]; ok {
		return rect
	}
	rect := computeFitRect(cw, ch, sw, sh, fit)
	r.fitCache[key] = rect
	return rect
}

func computeFitRect(cw, ch, sw, sh int, fit FitMode) image.Rectangle {
	if sw <= 0 || sh <= 0 || cw <= 0 || ch <= 0 {
		return image.Rectangle{}
	}
	sx := float64(cw) / float64(sw)
	sy := float64(ch) / float64(sh)
	var scale float64
	if fit == FitCover {
		scale = max(sx, sy)
	} else {
		scale = min(sx, sy)
	}
	w := int(float64(sw) * scale)
	h := int(float64(sh) * scale)
	x := (cw - w) / 2
	y := (ch - h) / 2
	return image.Rect(x, y, x+w, y+h)
}

// paintKeepalive draws a tiny low-alpha patch in the corner, color
// alternating every frame, so a downstream encoder never sees a fully
// static image.
func (r *Renderer) paintKeepalive() {
	b := r.working.Bounds()
	patch := image.Rect(b.Max.X-2, b.Max.Y-2, b.Max.X, b.Max.Y)
	// Premultiplied: channel value may not exceed alpha.
	c := color.RGBA{R: keepaliveAlpha, A: keepaliveAlpha}
	if r.keepTick {
		c = color.RGBA{B: keepaliveAlpha, A: keepaliveAlpha}
	}
	r.keepTick = !r.keepTick
	draw.Draw(r.working, patch, image.NewUniform(c), image.Point{}, draw.Over)
}

func clearSurface(img *image.RGBA) {
	for i := range img.Pix {
		img.Pix[i] = 0
	}
}
