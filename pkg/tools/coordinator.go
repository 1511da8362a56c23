// Package tools groups interaction tools, binds them to pointer channels and
// routes pointer events to the viewports a group is attached to.
//
// Each channel of a group holds at most one tool. Binding a second tool to
// an occupied channel supersedes the first, matching single-pointer
// hardware: one button press drives exactly one tool.
package tools

import (
	"sort"
	"sync"

	"mriviewer/internal/monitoring"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/metrics"
	"mriviewer/pkg/render"
)

// ViewportResolver finds live viewports; *render.Manager implements it.
type ViewportResolver interface {
	Viewport(engineID, viewportID string) (*render.Viewport, error)
}

// Coordinator is the registry of tool groups.
type Coordinator struct {
	viewports ViewportResolver
	metrics   *metrics.Metrics

	mu        sync.Mutex
	groups    map[string]*Group
	onDestroy []func(g *Group)
}

// NewCoordinator returns a Coordinator resolving viewports through vr.
func NewCoordinator(vr ViewportResolver, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		viewports: vr,
		metrics:   m,
		groups:    make(map[string]*Group),
	}
}

// CreateGroup registers a new empty group.
func (c *Coordinator) CreateGroup(id string) (*Group, error) {
	if id == "" {
		return nil, errdefs.New(errdefs.SetupFailed, "createGroup", "empty group id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.groups[id]; exists {
		return nil, errdefs.New(errdefs.GroupAlreadyExists, "createGroup", "tool group %q already exists", id)
	}
	g := newGroup(id, c)
	c.groups[id] = g
	c.metrics.GroupCreated()
	monitoring.Debugf("tools: created group %s", id)
	return g, nil
}

// Group looks up a live group.
func (c *Coordinator) Group(id string) (*Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[id]
	return g, ok
}

// GroupIDs lists live groups in sorted order.
func (c *Coordinator) GroupIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live groups.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// OnDestroy registers fn to run when a group is destroyed, so state tied to
// the group (segmentation overlays) goes with it. The group is already
// unregistered but its viewports are still attached when fn runs.
func (c *Coordinator) OnDestroy(fn func(g *Group)) {
	c.mu.Lock()
	c.onDestroy = append(c.onDestroy, fn)
	c.mu.Unlock()
}

// DestroyGroup removes a group. Unknown or already destroyed groups are a
// no-op: teardown may race with a setup that failed before the group existed.
func (c *Coordinator) DestroyGroup(id string) {
	c.mu.Lock()
	g, ok := c.groups[id]
	delete(c.groups, id)
	hooks := append([]func(*Group){}, c.onDestroy...)
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range hooks {
		fn(g)
	}
	g.markDestroyed()
	c.metrics.GroupDestroyed()
	monitoring.Debugf("tools: destroyed group %s with tools %v", id, g.sortedTools())
}

// DestroyAll destroys every group.
func (c *Coordinator) DestroyAll() {
	for _, id := range c.GroupIDs() {
		c.DestroyGroup(id)
	}
}
