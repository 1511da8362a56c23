// Package segmentation overlays labelmaps on the viewports of a tool group.
//
// A mask stack is accepted only when it lines up frame by frame with the
// base stack shown on the group's viewports. Overlays never modify the base
// stack; removing one only drops its layer and representation.
package segmentation

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"mriviewer/internal/models"
	"mriviewer/internal/monitoring"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/imageloader"
	"mriviewer/pkg/metrics"
	"mriviewer/pkg/render"
	"mriviewer/pkg/tools"
)

// Options configures an Engine.
type Options struct {
	// Opacity of the labelmap fill, 0..1
	Opacity float64

	// Tolerance bounds the geometry difference accepted between base and mask
	Tolerance float64

	// Colors maps labels to fill colours; DefaultColors when empty
	Colors map[uint8]color.RGBA

	Metrics *metrics.Metrics
}

// Engine owns the overlays of all tool groups.
type Engine struct {
	frames  *imageloader.Registry
	groups  *tools.Coordinator
	opts    Options
	metrics *metrics.Metrics

	mu       sync.Mutex
	overlays map[string][]*Overlay
}

// NewEngine returns an Engine. Overlays of a group are removed when the
// group is destroyed.
func NewEngine(frames *imageloader.Registry, groups *tools.Coordinator, opts Options) *Engine {
	if opts.Opacity <= 0 || opts.Opacity > 1 {
		opts.Opacity = 0.5
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 0.01
	}
	if len(opts.Colors) == 0 {
		opts.Colors = DefaultColors
	}
	e := &Engine{
		frames:   frames,
		groups:   groups,
		opts:     opts,
		metrics:  opts.Metrics,
		overlays: make(map[string][]*Overlay),
	}
	groups.OnDestroy(func(g *tools.Group) {
		for _, id := range e.List(g.ID()) {
			e.removeOverlay(g, g.ID(), id)
		}
	})
	return e
}

// AddOverlay builds a labelmap from mask and shows it on every viewport of
// the group. The mask must have one frame per base frame, each compatible
// with its base frame.
func (e *Engine) AddOverlay(ctx context.Context, groupID, segmentationID string, mask models.MaskStack) (*Overlay, error) {
	const op = "addOverlay"
	if len(mask) == 0 {
		return nil, errdefs.New(errdefs.EmptyMaskStack, op, "mask stack has no frames")
	}
	g, ok := e.groups.Group(groupID)
	if !ok {
		return nil, errdefs.New(errdefs.GroupNotFound, op, "tool group %q not found", groupID)
	}
	if _, exists := e.Overlay(groupID, segmentationID); exists {
		return nil, errdefs.New(errdefs.OverlayAlreadyExists, op, "segmentation %q already on group %q", segmentationID, groupID)
	}
	for i, ref := range mask {
		if err := e.frames.Validate(ref); err != nil {
			return nil, errdefs.Wrap(errdefs.InvalidReference, op, fmt.Errorf("mask frame %d: %w", i, err))
		}
	}

	viewports := g.Viewports()
	var base models.Stack
	for _, vp := range viewports {
		if vp.HasStack() {
			base = vp.Stack()
			break
		}
	}
	if len(base) == 0 {
		return nil, errdefs.New(errdefs.StackNotLoaded, op, "no viewport of group %q has a stack", groupID)
	}
	if len(base) != len(mask) {
		return nil, errdefs.New(errdefs.GeometryMismatch, op, "mask has %d frames, base stack has %d", len(mask), len(base))
	}

	ov := &Overlay{
		id:      segmentationID,
		groupID: groupID,
		mask:    mask.Clone(),
		sizes:   make([]image.Point, len(mask)),
		labels:  make([][]uint8, len(mask)),
		colors:  e.opts.Colors,
		opacity: e.opts.Opacity,
		visible: func() bool { return g.RepresentationVisible(segmentationID) },
	}
	for i := range mask {
		baseGeom, err := e.frames.Geometry(ctx, base[i])
		if err != nil {
			return nil, e.loadErr(ctx, op, err)
		}
		f, err := e.frames.Load(ctx, mask[i])
		if err != nil {
			return nil, e.loadErr(ctx, op, err)
		}
		if err := compatible(baseGeom, f.Geometry, e.opts.Tolerance); err != nil {
			return nil, errdefs.New(errdefs.GeometryMismatch, op, "mask frame %d: %v", i, err)
		}
		ov.sizes[i] = f.Image.Bounds().Size()
		ov.labels[i] = labelFrame(f)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := g.AddRepresentation(segmentationID); err != nil {
		return nil, err
	}
	for _, vp := range viewports {
		if err := vp.AddLayer(segmentationID, ov); err != nil {
			g.RemoveRepresentation(segmentationID)
			detach(viewports, segmentationID)
			return nil, err
		}
	}

	e.mu.Lock()
	e.overlays[groupID] = append(e.overlays[groupID], ov)
	e.mu.Unlock()
	e.metrics.OverlayAdded()
	monitoring.Debugf("segmentation: %s on group %s (%d frames)", segmentationID, groupID, len(mask))
	return ov, nil
}

func (e *Engine) loadErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errdefs.Wrap(errdefs.SetupFailed, op, err)
}

// Overlay looks up a registered overlay.
func (e *Engine) Overlay(groupID, segmentationID string) (*Overlay, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ov := range e.overlays[groupID] {
		if ov.id == segmentationID {
			return ov, true
		}
	}
	return nil, false
}

// List returns the segmentation ids of a group in registration order, which
// is also their drawing order.
func (e *Engine) List(groupID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.overlays[groupID]))
	for _, ov := range e.overlays[groupID] {
		ids = append(ids, ov.id)
	}
	return ids
}

// Count returns the number of overlays across all groups.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ovs := range e.overlays {
		n += len(ovs)
	}
	return n
}

// SetVisible shows or hides one overlay without touching the others.
func (e *Engine) SetVisible(groupID, segmentationID string, visible bool) error {
	g, ok := e.groups.Group(groupID)
	if !ok {
		return errdefs.New(errdefs.GroupNotFound, "setVisible", "tool group %q not found", groupID)
	}
	return g.SetRepresentationVisible(segmentationID, visible)
}

// RemoveOverlay drops an overlay from its group and viewports. Unknown ids
// are a no-op.
func (e *Engine) RemoveOverlay(groupID, segmentationID string) {
	g, _ := e.groups.Group(groupID)
	e.removeOverlay(g, groupID, segmentationID)
}

func (e *Engine) removeOverlay(g *tools.Group, groupID, segmentationID string) {
	e.mu.Lock()
	var removed *Overlay
	ovs := e.overlays[groupID]
	for i, ov := range ovs {
		if ov.id == segmentationID {
			removed = ov
			e.overlays[groupID] = append(ovs[:i:i], ovs[i+1:]...)
			break
		}
	}
	if len(e.overlays[groupID]) == 0 {
		delete(e.overlays, groupID)
	}
	e.mu.Unlock()
	if removed == nil {
		return
	}

	if g != nil {
		g.RemoveRepresentation(segmentationID)
		detach(g.Viewports(), segmentationID)
	}
	e.metrics.OverlayRemoved()
	monitoring.Debugf("segmentation: removed %s from group %s", segmentationID, groupID)
}

// RemoveAll drops every overlay of a group.
func (e *Engine) RemoveAll(groupID string) {
	for _, id := range e.List(groupID) {
		e.RemoveOverlay(groupID, id)
	}
}

func detach(viewports []*render.Viewport, layerID string) {
	for _, vp := range viewports {
		vp.RemoveLayer(layerID)
	}
}
