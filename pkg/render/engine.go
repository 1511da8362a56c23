// Package render owns rendering engines, their viewports and the drawing
// buffers behind them.
//
// A Manager is the RenderingSurfaceManager: it creates one engine with one
// viewport bound to a Surface and destroys them again. Engine ids are unique
// within a Manager.
package render

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"mriviewer/internal/monitoring"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/metrics"
)

// Handles identifies the engine and viewport created for one surface.
type Handles struct {
	EngineID   string
	ViewportID string
}

// CreateOptions configures Manager.Create.
type CreateOptions struct {
	// EngineID and ViewportID are generated when empty
	EngineID   string
	ViewportID string

	// Background is the grey level drawn outside the image
	Background uint8
}

// Manager tracks every live engine.
type Manager struct {
	mu      sync.Mutex
	engines map[string]*Engine
	metrics *metrics.Metrics
}

// NewManager returns an empty Manager.
func NewManager(m *metrics.Metrics) *Manager {
	return &Manager{
		engines: make(map[string]*Engine),
		metrics: m,
	}
}

// Create allocates an engine and one viewport bound to surface.
func (m *Manager) Create(surface Surface, opts CreateOptions) (Handles, error) {
	if err := checkSurface(surface); err != nil {
		return Handles{}, err
	}
	if opts.EngineID == "" {
		opts.EngineID = "engine-" + uuid.NewString()
	}
	if opts.ViewportID == "" {
		opts.ViewportID = "viewport-" + uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.engines[opts.EngineID]; exists {
		m.mu.Unlock()
		return Handles{}, errdefs.New(errdefs.EngineAlreadyExists, "create", "engine %q already exists", opts.EngineID)
	}
	e := &Engine{
		id:        opts.EngineID,
		viewports: make(map[string]*Viewport),
		metrics:   m.metrics,
	}
	m.engines[e.id] = e
	m.mu.Unlock()
	m.metrics.EngineCreated()

	if _, err := e.EnableViewport(opts.ViewportID, surface, opts.Background); err != nil {
		m.Destroy(e.id)
		return Handles{}, err
	}

	monitoring.Debugf("render: created engine %s with viewport %s", e.id, opts.ViewportID)
	return Handles{EngineID: e.id, ViewportID: opts.ViewportID}, nil
}

// Destroy releases the engine and all of its viewports. Unknown ids are a
// no-op so it is safe to call after a Create that never completed.
func (m *Manager) Destroy(engineID string) error {
	m.mu.Lock()
	e, ok := m.engines[engineID]
	delete(m.engines, engineID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := e.destroy()
	m.metrics.EngineDestroyed()
	monitoring.Debugf("render: destroyed engine %s", engineID)
	return err
}

// DestroyAll destroys every engine and joins their errors.
func (m *Manager) DestroyAll() error {
	var errs []error
	for _, id := range m.EngineIDs() {
		if err := m.Destroy(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Engine looks up a live engine.
func (m *Manager) Engine(id string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[id]
	return e, ok
}

// Viewport looks up a viewport of a live engine.
func (m *Manager) Viewport(engineID, viewportID string) (*Viewport, error) {
	e, ok := m.Engine(engineID)
	if !ok {
		return nil, errdefs.New(errdefs.ViewportNotFound, "viewport", "engine %q not found", engineID)
	}
	vp, ok := e.Viewport(viewportID)
	if !ok {
		return nil, errdefs.New(errdefs.ViewportNotFound, "viewport", "viewport %q not found in engine %q", viewportID, engineID)
	}
	return vp, nil
}

// EngineIDs lists live engines in sorted order.
func (m *Manager) EngineIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live engines.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}

// Engine owns zero or more viewports.
type Engine struct {
	id        string
	mu        sync.Mutex
	viewports map[string]*Viewport
	destroyed bool
	metrics   *metrics.Metrics
}

// ID returns the engine id.
func (e *Engine) ID() string { return e.id }

// EnableViewport binds a new viewport to surface and allocates its buffer.
func (e *Engine) EnableViewport(id string, surface Surface, background uint8) (*Viewport, error) {
	if err := checkSurface(surface); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, errdefs.New(errdefs.SetupFailed, "enableViewport", "engine %q is destroyed", e.id)
	}
	if _, exists := e.viewports[id]; exists {
		return nil, errdefs.New(errdefs.SetupFailed, "enableViewport", "viewport %q already enabled", id)
	}
	vp := newViewport(id, e.id, surface, background)
	e.viewports[id] = vp
	e.metrics.ViewportEnabled()
	return vp, nil
}

// Viewport looks up an enabled viewport.
func (e *Engine) Viewport(id string) (*Viewport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vp, ok := e.viewports[id]
	return vp, ok
}

// ViewportIDs lists enabled viewports in sorted order.
func (e *Engine) ViewportIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.viewports))
	for id := range e.viewports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// destroy releases every viewport. A failing viewport does not stop the
// others from being released.
func (e *Engine) destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	vps := e.viewports
	e.viewports = make(map[string]*Viewport)
	e.mu.Unlock()

	var errs []error
	for id, vp := range vps {
		if err := vp.destroy(); err != nil {
			errs = append(errs, fmt.Errorf("viewport %s: %w", id, err))
		}
		e.metrics.ViewportDestroyed()
	}
	return errors.Join(errs...)
}

func checkSurface(s Surface) error {
	if s == nil {
		return errdefs.New(errdefs.SurfaceUnavailable, "create", "no surface")
	}
	if !s.Attached() {
		return errdefs.New(errdefs.SurfaceUnavailable, "create", "surface is not attached")
	}
	w, h := s.Size()
	if w <= 0 || h <= 0 {
		return errdefs.New(errdefs.SurfaceUnavailable, "create", "surface has no layout size (%dx%d)", w, h)
	}
	return nil
}
