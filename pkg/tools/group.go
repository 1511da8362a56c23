package tools

import (
	"sort"
	"sync"

	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/render"
)

// ViewportRef names a viewport by its engine; a group references viewports
// without owning them.
type ViewportRef struct {
	ViewportID string
	EngineID   string
}

// Representation is a segmentation registered for display on a group.
type Representation struct {
	SegmentationID string
	visible        bool
}

// Group is a named set of tool bindings attached to viewports.
type Group struct {
	id    string
	coord *Coordinator

	mu        sync.Mutex
	modes     map[ToolKind]Mode
	channels  map[Channel]ToolKind
	boundTo   map[ToolKind]Channel
	viewports []ViewportRef
	reps      []*Representation
	measures  []Measurement
	drags     map[Channel]*drag
	destroyed bool
}

func newGroup(id string, c *Coordinator) *Group {
	return &Group{
		id:       id,
		coord:    c,
		modes:    make(map[ToolKind]Mode),
		channels: make(map[Channel]ToolKind),
		boundTo:  make(map[ToolKind]Channel),
		drags:    make(map[Channel]*drag),
	}
}

// ID returns the group id.
func (g *Group) ID() string { return g.id }

func (g *Group) checkAlive(op string) error {
	if g.destroyed {
		return errdefs.New(errdefs.GroupNotFound, op, "tool group %q is destroyed", g.id)
	}
	return nil
}

// AddTool adds kind to the group in passive mode. Adding a tool twice is a
// no-op.
func (g *Group) AddTool(kind ToolKind) error {
	if !kind.Valid() {
		return errdefs.New(errdefs.SetupFailed, "addTool", "invalid tool %v", kind)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkAlive("addTool"); err != nil {
		return err
	}
	if _, ok := g.modes[kind]; !ok {
		g.modes[kind] = Passive
	}
	return nil
}

// HasTool reports whether kind was added.
func (g *Group) HasTool(kind ToolKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.modes[kind]
	return ok
}

// Mode returns the mode of kind and whether it was added.
func (g *Group) Mode(kind ToolKind) (Mode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.modes[kind]
	return m, ok
}

// Bind makes kind the active tool of channel. A tool already on the channel
// is superseded and becomes passive; if kind was bound elsewhere it leaves
// that channel. Bindings never stack.
func (g *Group) Bind(kind ToolKind, ch Channel) error {
	return g.bind(kind, ch, false)
}

// BindExclusive is Bind that fails with ChannelAlreadyBound instead of
// superseding another tool.
func (g *Group) BindExclusive(kind ToolKind, ch Channel) error {
	return g.bind(kind, ch, true)
}

func (g *Group) bind(kind ToolKind, ch Channel, exclusive bool) error {
	if !ch.Valid() {
		return errdefs.New(errdefs.SetupFailed, "bind", "invalid channel %v", ch)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkAlive("bind"); err != nil {
		return err
	}
	if _, ok := g.modes[kind]; !ok {
		return errdefs.New(errdefs.ToolNotInGroup, "bind", "tool %v was not added to group %q", kind, g.id)
	}

	if prev, ok := g.channels[ch]; ok && prev != kind {
		if exclusive {
			return errdefs.New(errdefs.ChannelAlreadyBound, "bind", "channel %v is bound to %v", ch, prev)
		}
		delete(g.boundTo, prev)
		g.modes[prev] = Passive
	}
	if old, ok := g.boundTo[kind]; ok && old != ch {
		delete(g.channels, old)
		delete(g.drags, old)
	}
	g.channels[ch] = kind
	g.boundTo[kind] = ch
	g.modes[kind] = Active
	delete(g.drags, ch)
	return nil
}

// Unbind releases the channel of kind and makes it passive.
func (g *Group) Unbind(kind ToolKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.boundTo[kind]; ok {
		delete(g.channels, ch)
		delete(g.boundTo, kind)
		delete(g.drags, ch)
	}
	if _, ok := g.modes[kind]; ok {
		g.modes[kind] = Passive
	}
}

// BoundTool returns the tool occupying ch.
func (g *Group) BoundTool(ch Channel) (ToolKind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k, ok := g.channels[ch]
	return k, ok
}

// Bindings returns the current channel assignments.
func (g *Group) Bindings() map[Channel]ToolKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[Channel]ToolKind, len(g.channels))
	for ch, k := range g.channels {
		out[ch] = k
	}
	return out
}

// SetToolEnabled switches a tool between enabled and disabled. An active
// tool loses its binding.
func (g *Group) SetToolEnabled(kind ToolKind, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkAlive("setToolEnabled"); err != nil {
		return err
	}
	if _, ok := g.modes[kind]; !ok {
		return errdefs.New(errdefs.ToolNotInGroup, "setToolEnabled", "tool %v was not added to group %q", kind, g.id)
	}
	if ch, ok := g.boundTo[kind]; ok {
		delete(g.channels, ch)
		delete(g.boundTo, kind)
		delete(g.drags, ch)
	}
	if enabled {
		g.modes[kind] = Enabled
	} else {
		g.modes[kind] = Disabled
	}
	return nil
}

// AttachViewport adds a viewport reference. The viewport must exist.
func (g *Group) AttachViewport(viewportID, engineID string) error {
	if _, err := g.coord.viewports.Viewport(engineID, viewportID); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkAlive("attachViewport"); err != nil {
		return err
	}
	ref := ViewportRef{ViewportID: viewportID, EngineID: engineID}
	for _, r := range g.viewports {
		if r == ref {
			return nil
		}
	}
	g.viewports = append(g.viewports, ref)
	return nil
}

// DetachViewport removes a viewport reference. Unknown references are ignored.
func (g *Group) DetachViewport(viewportID, engineID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref := ViewportRef{ViewportID: viewportID, EngineID: engineID}
	for i, r := range g.viewports {
		if r == ref {
			g.viewports = append(g.viewports[:i:i], g.viewports[i+1:]...)
			return
		}
	}
}

// ViewportRefs lists attached viewports in attach order.
func (g *Group) ViewportRefs() []ViewportRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ViewportRef, len(g.viewports))
	copy(out, g.viewports)
	return out
}

// Viewports resolves the attached viewports that are still alive.
func (g *Group) Viewports() []*render.Viewport {
	var out []*render.Viewport
	for _, ref := range g.ViewportRefs() {
		vp, err := g.coord.viewports.Viewport(ref.EngineID, ref.ViewportID)
		if err != nil {
			continue
		}
		out = append(out, vp)
	}
	return out
}

// AddRepresentation registers a segmentation for display, initially visible.
func (g *Group) AddRepresentation(segmentationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkAlive("addRepresentation"); err != nil {
		return err
	}
	for _, r := range g.reps {
		if r.SegmentationID == segmentationID {
			return errdefs.New(errdefs.OverlayAlreadyExists, "addRepresentation", "segmentation %q already on group %q", segmentationID, g.id)
		}
	}
	g.reps = append(g.reps, &Representation{SegmentationID: segmentationID, visible: true})
	return nil
}

// RemoveRepresentation unregisters a segmentation and reports whether it
// was present.
func (g *Group) RemoveRepresentation(segmentationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.reps {
		if r.SegmentationID == segmentationID {
			g.reps = append(g.reps[:i:i], g.reps[i+1:]...)
			return true
		}
	}
	return false
}

// Representations lists registered segmentation ids in registration order.
func (g *Group) Representations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, len(g.reps))
	for i, r := range g.reps {
		ids[i] = r.SegmentationID
	}
	return ids
}

// SetRepresentationVisible shows or hides one segmentation.
func (g *Group) SetRepresentationVisible(segmentationID string, visible bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.reps {
		if r.SegmentationID == segmentationID {
			r.visible = visible
			return nil
		}
	}
	return errdefs.New(errdefs.SetupFailed, "setRepresentationVisible", "segmentation %q not on group %q", segmentationID, g.id)
}

// RepresentationVisible reports whether a segmentation is drawn: the
// segmentation-display tool must be enabled or active, and the
// representation itself visible.
func (g *Group) RepresentationVisible(segmentationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return false
	}
	if m, ok := g.modes[SegmentationDisplay]; !ok || (m != Enabled && m != Active) {
		return false
	}
	for _, r := range g.reps {
		if r.SegmentationID == segmentationID {
			return r.visible
		}
	}
	return false
}

// Measurements returns the measurements taken with the group's tools.
func (g *Group) Measurements() []Measurement {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Measurement, len(g.measures))
	copy(out, g.measures)
	return out
}

// ClearMeasurements forgets all measurements.
func (g *Group) ClearMeasurements() {
	g.mu.Lock()
	g.measures = nil
	g.mu.Unlock()
}

func (g *Group) addMeasurement(m Measurement) {
	g.mu.Lock()
	g.measures = append(g.measures, m)
	g.mu.Unlock()
}

func (g *Group) markDestroyed() {
	g.mu.Lock()
	g.destroyed = true
	g.viewports = nil
	g.reps = nil
	g.drags = make(map[Channel]*drag)
	g.mu.Unlock()
}

// sortedTools lists added tools, for logs and tests.
func (g *Group) sortedTools() []ToolKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ToolKind, 0, len(g.modes))
	for k := range g.modes {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
