package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"sync"

	"mriviewer/internal/models"
	"mriviewer/pkg/errdefs"
)

// Status is the lifecycle state of a viewport.
type Status int

const (
	Uninitialized Status = iota
	Enabled
	Destroyed
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Enabled:
		return "enabled"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

const (
	minZoom = 0.05
	maxZoom = 40
)

// FrameSource loads frames of the current stack.
type FrameSource interface {
	Load(ctx context.Context, ref models.ImageReference) (*models.Frame, error)
}

// Layer is drawn over the base image, e.g. a segmentation labelmap.
type Layer interface {
	// Visible reports whether the layer is currently drawn
	Visible() bool

	// LabelAt returns the label at pixel (x, y) of frame index; 0 is empty
	LabelAt(frame, x, y int) uint8

	// Color returns the fill colour of a label
	Color(label uint8) color.RGBA

	// Opacity of the fill, 0..1
	Opacity() float64
}

// Properties are the display parameters of a viewport.
type Properties struct {
	VOI    *models.VOIRange
	Invert bool
	Zoom   float64
	PanX   float64
	PanY   float64
}

// FrameChange is delivered to listeners when the displayed frame changes.
type FrameChange struct {
	ViewportID string
	Index      int
	Total      int
}

type namedLayer struct {
	id    string
	layer Layer
}

// Viewport displays one stack at a time on one surface.
type Viewport struct {
	id       string
	engineID string
	surface  Surface

	mu         sync.RWMutex
	status     Status
	source     FrameSource
	stack      models.Stack
	index      int
	props      Properties
	background uint8
	layers     []namedLayer
	listeners  map[int]func(FrameChange)
	nextListen int

	// buffer is the native drawing buffer sized to the surface
	bufMu  sync.Mutex
	buffer *image.RGBA
}

func newViewport(id, engineID string, surface Surface, background uint8) *Viewport {
	w, h := surface.Size()
	return &Viewport{
		id:         id,
		engineID:   engineID,
		surface:    surface,
		status:     Enabled,
		props:      Properties{Zoom: 1},
		background: background,
		listeners:  make(map[int]func(FrameChange)),
		buffer:     image.NewRGBA(image.Rect(0, 0, w, h)),
	}
}

// ID returns the viewport id.
func (v *Viewport) ID() string { return v.id }

// EngineID returns the id of the owning engine.
func (v *Viewport) EngineID() string { return v.engineID }

// Status returns the lifecycle state.
func (v *Viewport) Status() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

func (v *Viewport) errDestroyed(op string) error {
	return errdefs.New(errdefs.ViewportNotFound, op, "viewport %q is destroyed", v.id)
}

// SetStack replaces the displayed stack, resets the frame index to 0 and
// the camera. It is called by the stack loader once the stack is validated.
func (v *Viewport) SetStack(stack models.Stack, source FrameSource) error {
	if len(stack) == 0 {
		return errdefs.New(errdefs.EmptyStack, "setStack", "stack has no frames")
	}
	v.mu.Lock()
	if v.status != Enabled {
		v.mu.Unlock()
		return v.errDestroyed("setStack")
	}
	v.stack = stack.Clone()
	v.source = source
	v.index = 0
	v.props = Properties{Zoom: 1}
	change := FrameChange{ViewportID: v.id, Index: 0, Total: len(v.stack)}
	listeners := v.listenersLocked()
	v.mu.Unlock()

	notify(listeners, change)
	return nil
}

// Stack returns a copy of the displayed stack.
func (v *Viewport) Stack() models.Stack {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.stack.Clone()
}

// HasStack reports whether a stack is loaded.
func (v *Viewport) HasStack() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.stack) > 0
}

// ImageIndex returns the index of the displayed frame.
func (v *Viewport) ImageIndex() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.index
}

// SetImageIndex moves to frame i, clamped to the stack, and returns the
// resulting index.
func (v *Viewport) SetImageIndex(i int) (int, error) {
	v.mu.Lock()
	if v.status != Enabled {
		v.mu.Unlock()
		return 0, v.errDestroyed("setImageIndex")
	}
	if len(v.stack) == 0 {
		v.mu.Unlock()
		return 0, errdefs.New(errdefs.StackNotLoaded, "setImageIndex", "viewport %q has no stack", v.id)
	}
	if i < 0 {
		i = 0
	}
	if i >= len(v.stack) {
		i = len(v.stack) - 1
	}
	changed := i != v.index
	v.index = i
	change := FrameChange{ViewportID: v.id, Index: i, Total: len(v.stack)}
	listeners := v.listenersLocked()
	v.mu.Unlock()

	if changed {
		notify(listeners, change)
	}
	return i, nil
}

// Scroll moves delta frames from the current one.
func (v *Viewport) Scroll(delta int) (int, error) {
	return v.SetImageIndex(v.ImageIndex() + delta)
}

// OnFrameChange registers fn for frame changes and returns a function that
// removes it.
func (v *Viewport) OnFrameChange(fn func(FrameChange)) func() {
	v.mu.Lock()
	id := v.nextListen
	v.nextListen++
	v.listeners[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

func (v *Viewport) listenersLocked() []func(FrameChange) {
	out := make([]func(FrameChange), 0, len(v.listeners))
	for _, fn := range v.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(FrameChange), c FrameChange) {
	for _, fn := range listeners {
		fn(c)
	}
}

// Properties returns a copy of the display properties.
func (v *Viewport) Properties() Properties {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p := v.props
	if p.VOI != nil {
		voi := *p.VOI
		p.VOI = &voi
	}
	return p
}

// SetVOI sets the display window.
func (v *Viewport) SetVOI(voi models.VOIRange) {
	if voi.WindowWidth < 1 {
		voi.WindowWidth = 1
	}
	v.mu.Lock()
	v.props.VOI = &voi
	v.mu.Unlock()
}

// AdjustVOI shifts the window by the given deltas. Without an explicit
// window the base is the default window of the current frame.
func (v *Viewport) AdjustVOI(ctx context.Context, dCenter, dWidth float64) error {
	base, err := v.effectiveVOI(ctx)
	if err != nil {
		return err
	}
	base.WindowCenter += dCenter
	base.WindowWidth += dWidth
	v.SetVOI(base)
	return nil
}

// SetInvert flips the grey scale.
func (v *Viewport) SetInvert(invert bool) {
	v.mu.Lock()
	v.props.Invert = invert
	v.mu.Unlock()
}

// ResetCamera restores zoom 1 and no pan.
func (v *Viewport) ResetCamera() {
	v.mu.Lock()
	v.props.Zoom = 1
	v.props.PanX, v.props.PanY = 0, 0
	v.mu.Unlock()
}

// Pan translates the image by (dx, dy) canvas pixels.
func (v *Viewport) Pan(dx, dy float64) {
	v.mu.Lock()
	v.props.PanX += dx
	v.props.PanY += dy
	v.mu.Unlock()
}

// Zoom multiplies the zoom factor, clamped to a sane range.
func (v *Viewport) Zoom(factor float64) {
	if factor <= 0 {
		return
	}
	v.mu.Lock()
	v.props.Zoom = math.Max(minZoom, math.Min(maxZoom, v.props.Zoom*factor))
	v.mu.Unlock()
}

// AddLayer registers a layer drawn above the image. Layers are drawn in
// registration order.
func (v *Viewport) AddLayer(id string, l Layer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != Enabled {
		return v.errDestroyed("addLayer")
	}
	for _, nl := range v.layers {
		if nl.id == id {
			return fmt.Errorf("layer %q already registered on viewport %q", id, v.id)
		}
	}
	v.layers = append(v.layers, namedLayer{id: id, layer: l})
	return nil
}

// RemoveLayer unregisters a layer. Unknown ids are ignored.
func (v *Viewport) RemoveLayer(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, nl := range v.layers {
		if nl.id == id {
			v.layers = append(v.layers[:i:i], v.layers[i+1:]...)
			return
		}
	}
}

// LayerIDs lists registered layers in drawing order.
func (v *Viewport) LayerIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, len(v.layers))
	for i, nl := range v.layers {
		ids[i] = nl.id
	}
	return ids
}

// CurrentFrame loads the displayed frame.
func (v *Viewport) CurrentFrame(ctx context.Context) (*models.Frame, int, error) {
	v.mu.RLock()
	if v.status != Enabled {
		v.mu.RUnlock()
		return nil, 0, v.errDestroyed("currentFrame")
	}
	if len(v.stack) == 0 {
		v.mu.RUnlock()
		return nil, 0, errdefs.New(errdefs.StackNotLoaded, "currentFrame", "viewport %q has no stack", v.id)
	}
	ref, idx, src := v.stack[v.index], v.index, v.source
	v.mu.RUnlock()

	f, err := src.Load(ctx, ref)
	if err != nil {
		return nil, idx, err
	}
	return f, idx, nil
}

func (v *Viewport) effectiveVOI(ctx context.Context) (models.VOIRange, error) {
	p := v.Properties()
	if p.VOI != nil {
		return *p.VOI, nil
	}
	f, _, err := v.CurrentFrame(ctx)
	if err != nil {
		return models.VOIRange{}, err
	}
	return DefaultVOI(f), nil
}

// CanvasToImage maps a canvas position to image pixel coordinates of the
// displayed frame with the given size.
func (v *Viewport) CanvasToImage(cx, cy float64, cols, rows int) (float64, float64) {
	p := v.Properties()
	w, h := v.bufferSize()
	return newCamera(w, h, cols, rows, p).toImage(cx, cy)
}

func (v *Viewport) bufferSize() (int, int) {
	v.bufMu.Lock()
	defer v.bufMu.Unlock()
	if v.buffer == nil {
		return 0, 0
	}
	b := v.buffer.Bounds()
	return b.Dx(), b.Dy()
}

// Render draws the current frame and visible layers into the drawing buffer
// and presents it to the surface.
func (v *Viewport) Render(ctx context.Context) error {
	f, idx, err := v.CurrentFrame(ctx)
	if err != nil {
		return err
	}

	v.mu.RLock()
	p := v.props
	bg := v.background
	layers := make([]Layer, 0, len(v.layers))
	for _, nl := range v.layers {
		if nl.layer.Visible() {
			layers = append(layers, nl.layer)
		}
	}
	v.mu.RUnlock()

	voi := DefaultVOI(f)
	if p.VOI != nil {
		voi = *p.VOI
	}

	v.bufMu.Lock()
	defer v.bufMu.Unlock()
	if v.buffer == nil {
		return v.errDestroyed("render")
	}
	drawFrame(v.buffer, f, idx, voi, p, bg, layers)
	return v.surface.Present(v.buffer)
}

// Snapshot writes the drawing buffer as JPEG.
func (v *Viewport) Snapshot(w io.Writer, quality int) error {
	v.bufMu.Lock()
	defer v.bufMu.Unlock()
	if v.buffer == nil {
		return v.errDestroyed("snapshot")
	}
	return jpeg.Encode(w, v.buffer, &jpeg.Options{Quality: quality})
}

// destroy frees the buffer and releases the surface. It is idempotent.
func (v *Viewport) destroy() error {
	v.mu.Lock()
	if v.status == Destroyed {
		v.mu.Unlock()
		return nil
	}
	v.status = Destroyed
	v.stack = nil
	v.source = nil
	v.layers = nil
	v.listeners = make(map[int]func(FrameChange))
	v.mu.Unlock()

	v.bufMu.Lock()
	v.buffer = nil
	v.bufMu.Unlock()

	if r, ok := v.surface.(Releaser); ok {
		if err := r.Release(); err != nil {
			return errors.Join(errors.New("failed to release surface"), err)
		}
	}
	return nil
}
