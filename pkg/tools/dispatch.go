package tools

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"mriviewer/internal/monitoring"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/render"
)

// Phase is the stage of a pointer gesture.
type Phase int

const (
	Down Phase = iota + 1
	Move
	Up
	Scroll
)

// PointerEvent is one input event in canvas coordinates.
type PointerEvent struct {
	Channel Channel
	Phase   Phase

	// X and Y are the pointer position
	X, Y float64

	// DX and DY are the movement since the previous event
	DX, DY float64

	// Ticks is the wheel movement for Scroll events
	Ticks int
}

const (
	zoomPerPixel    = 0.01
	zoomPerTick     = 0.1
	voiPerPixel     = 1.0
	scrollPixelStep = 8.0
)

// drag holds the state of an in-progress gesture on one channel
type drag struct {
	tool   ToolKind
	startX float64
	startY float64
	accum  float64
}

// Dispatch routes ev to the tool bound to its channel and applies it to every
// attached viewport. Events on unbound channels are ignored. Viewports with a
// stack are re-rendered afterwards.
func (c *Coordinator) Dispatch(ctx context.Context, groupID string, ev PointerEvent) error {
	g, ok := c.Group(groupID)
	if !ok {
		return errdefs.New(errdefs.GroupNotFound, "dispatch", "tool group %q not found", groupID)
	}

	g.mu.Lock()
	kind, bound := g.channels[ev.Channel]
	var d *drag
	if bound {
		switch ev.Phase {
		case Down:
			d = &drag{tool: kind, startX: ev.X, startY: ev.Y}
			g.drags[ev.Channel] = d
		case Move, Up:
			d = g.drags[ev.Channel]
			if d != nil && d.tool != kind {
				// the channel was rebound mid-gesture
				d = nil
			}
			if ev.Phase == Up {
				delete(g.drags, ev.Channel)
			}
		}
	}
	g.mu.Unlock()
	if !bound {
		return nil
	}

	viewports := g.Viewports()
	for _, vp := range viewports {
		if err := c.apply(ctx, g, kind, vp, ev, d); err != nil {
			return err
		}
	}
	for _, vp := range viewports {
		if !vp.HasStack() {
			continue
		}
		if err := vp.Render(ctx); err != nil {
			monitoring.Logf("tools: render after %v on %s failed: %v", kind, vp.ID(), err)
		}
	}
	return nil
}

func (c *Coordinator) apply(ctx context.Context, g *Group, kind ToolKind, vp *render.Viewport, ev PointerEvent, d *drag) error {
	switch kind {
	case Pan:
		if ev.Phase == Move {
			vp.Pan(ev.DX, ev.DY)
		}
	case Zoom:
		switch ev.Phase {
		case Move:
			vp.Zoom(math.Exp(-ev.DY * zoomPerPixel))
		case Scroll:
			vp.Zoom(math.Exp(-float64(ev.Ticks) * zoomPerTick))
		}
	case WindowLevel:
		if ev.Phase == Move && vp.HasStack() {
			return vp.AdjustVOI(ctx, ev.DY*voiPerPixel, ev.DX*voiPerPixel)
		}
	case StackScroll:
		if !vp.HasStack() {
			return nil
		}
		switch ev.Phase {
		case Scroll:
			_, err := vp.Scroll(ev.Ticks)
			return err
		case Move:
			if d == nil {
				return nil
			}
			d.accum += ev.DY
			steps := int(d.accum / scrollPixelStep)
			if steps != 0 {
				d.accum -= float64(steps) * scrollPixelStep
				_, err := vp.Scroll(steps)
				return err
			}
		}
	case Length:
		if ev.Phase == Up && d != nil && vp.HasStack() {
			m, err := measureLength(ctx, vp, d.startX, d.startY, ev.X, ev.Y)
			if err != nil {
				return err
			}
			g.addMeasurement(m)
		}
	case RectangleROI:
		if ev.Phase == Up && d != nil && vp.HasStack() {
			m, err := measureRegion(ctx, vp, d.startX, d.startY, ev.X, ev.Y)
			if err != nil {
				return err
			}
			g.addMeasurement(m)
		}
	case SegmentationDisplay:
		if ev.Phase == Down {
			g.toggleRepresentations()
		}
	}
	return nil
}

// toggleRepresentations flips the visibility of every representation.
func (g *Group) toggleRepresentations() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.reps {
		r.visible = !r.visible
	}
}

func measureLength(ctx context.Context, vp *render.Viewport, x0, y0, x1, y1 float64) (Measurement, error) {
	f, idx, err := vp.CurrentFrame(ctx)
	if err != nil {
		return Measurement{}, err
	}
	b := f.Image.Bounds()
	ix0, iy0 := vp.CanvasToImage(x0, y0, b.Dx(), b.Dy())
	ix1, iy1 := vp.CanvasToImage(x1, y1, b.Dx(), b.Dy())
	rowSpacing, colSpacing := f.Geometry.PixelSpacing[0], f.Geometry.PixelSpacing[1]
	dx := (ix1 - ix0) * colSpacing
	dy := (iy1 - iy0) * rowSpacing
	return Measurement{
		Tool:       Length,
		ViewportID: vp.ID(),
		FrameIndex: idx,
		Start:      [2]float64{ix0, iy0},
		End:        [2]float64{ix1, iy1},
		LengthMM:   math.Hypot(dx, dy),
	}, nil
}

func measureRegion(ctx context.Context, vp *render.Viewport, x0, y0, x1, y1 float64) (Measurement, error) {
	f, idx, err := vp.CurrentFrame(ctx)
	if err != nil {
		return Measurement{}, err
	}
	b := f.Image.Bounds()
	ix0, iy0 := vp.CanvasToImage(x0, y0, b.Dx(), b.Dy())
	ix1, iy1 := vp.CanvasToImage(x1, y1, b.Dx(), b.Dy())

	left := clampInt(int(math.Floor(math.Min(ix0, ix1))), 0, b.Dx())
	right := clampInt(int(math.Ceil(math.Max(ix0, ix1))), 0, b.Dx())
	top := clampInt(int(math.Floor(math.Min(iy0, iy1))), 0, b.Dy())
	bottom := clampInt(int(math.Ceil(math.Max(iy0, iy1))), 0, b.Dy())

	m := Measurement{
		Tool:       RectangleROI,
		ViewportID: vp.ID(),
		FrameIndex: idx,
		Start:      [2]float64{ix0, iy0},
		End:        [2]float64{ix1, iy1},
	}
	n := (right - left) * (bottom - top)
	if n <= 0 {
		return m, nil
	}
	values := make([]float64, 0, n)
	for y := top; y < bottom; y++ {
		for x := left; x < right; x++ {
			values = append(values, f.ModalityValue(b.Min.X+x, b.Min.Y+y))
		}
	}
	m.Pixels = n
	m.Mean, m.StdDev = stat.MeanStdDev(values, nil)
	if n == 1 {
		m.StdDev = 0
	}
	m.AreaMM2 = float64(n) * f.Geometry.PixelSpacing[0] * f.Geometry.PixelSpacing[1]
	return m, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
