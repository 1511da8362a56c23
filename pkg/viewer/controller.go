// Package viewer drives the lifecycle of one mounted viewer: it allocates a
// rendering surface, a tool group, the image stack and an optional
// segmentation overlay for a series, and tears them down again.
//
// Setup runs on its own goroutine. The host observes progress through
// State, Wait or Subscribe; every setup failure ends in the Error state with
// the failure kind attached, and cancellation by Close never writes a state.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mriviewer/internal/models"
	"mriviewer/internal/monitoring"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/platform"
	"mriviewer/pkg/render"
	"mriviewer/pkg/tools"
)

// Options configures New.
type Options struct {
	// Name prefixes log lines; defaults to "viewer"
	Name string

	// suspend is called after each step allocated its resources. Tests use
	// it to interleave Close with setup.
	suspend func(ctx context.Context, step Step)
}

// Controller is the lifecycle of one viewer. It is safe for concurrent use.
type Controller struct {
	platform *platform.Platform
	name     string
	bindings []binding
	passive  []tools.ToolKind
	suspend  func(ctx context.Context, step Step)

	mu      sync.Mutex
	status  Status
	changed chan struct{}
	subs    map[int]chan Status
	nextSub int
	surface render.Surface
	current *attempt
}

// New returns an Idle controller using the services of p.
func New(p *platform.Platform, opts Options) (*Controller, error) {
	if p == nil {
		return nil, errors.New("viewer: nil platform")
	}
	bindings, passive, err := toolLayout(p.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid tool configuration: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = "viewer"
	}
	return &Controller{
		platform: p,
		name:     name,
		bindings: bindings,
		passive:  passive,
		suspend:  opts.suspend,
		status:   Status{State: Idle},
		changed:  make(chan struct{}),
		subs:     make(map[int]chan Status),
	}, nil
}

// Mount starts setup of refs on surface. It returns an error only when the
// controller is not Idle; setup failures are reported through the state.
func (c *Controller) Mount(surface render.Surface, refs models.SeriesRefs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != Idle {
		return fmt.Errorf("viewer %s: cannot mount in state %s", c.name, c.status.State)
	}
	c.surface = surface
	c.startLocked(refs)
	return nil
}

// Retry starts a new setup attempt after a failure, on the surface passed
// to Mount.
func (c *Controller) Retry(refs models.SeriesRefs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != Error {
		return fmt.Errorf("viewer %s: cannot retry in state %s", c.name, c.status.State)
	}
	c.startLocked(refs)
	return nil
}

func (c *Controller) startLocked(refs models.SeriesRefs) {
	if err := c.platform.Ready(); err != nil {
		c.setLocked(Status{State: Error, ErrorKind: errdefs.KindOf(err), ErrorMessage: err.Error()})
		return
	}
	if refs.Base.Len() == 0 {
		c.setLocked(Status{State: Error, ErrorKind: errdefs.EmptyStack, ErrorMessage: "series has no images"})
		return
	}

	a := newAttempt(refs.SeriesID)
	c.current = a
	c.setLocked(Status{State: Initializing})
	go c.run(a, refs)
}

// run executes the setup steps of one attempt.
func (c *Controller) run(a *attempt, refs models.SeriesRefs) {
	defer close(a.done)
	ctx := a.ctx
	started := time.Now()

	step, err := c.setup(ctx, a, refs)
	if err == nil {
		err = ctx.Err()
	}
	switch {
	case err == nil:
		if c.settle(a, Status{State: Ready}) {
			c.platform.Metrics.SetupFinished("ready", time.Since(started).Seconds())
			monitoring.Debugf("%s: ready with %d frames (engine %s, group %s)", c.name, refs.Base.Len(), a.ids.engine, a.ids.group)
		}
		return
	case ctx.Err() != nil:
		// only Close cancels; it releases once run has returned
		c.platform.Metrics.SetupFinished("canceled", time.Since(started).Seconds())
		monitoring.Debugf("%s: setup canceled during %s", c.name, step)
		return
	}

	c.release(a)
	st := classify(step, err)
	if c.settle(a, st) {
		c.platform.Metrics.SetupFinished("error", time.Since(started).Seconds())
		c.logf("setup failed: %s", st)
	}
}

// setup runs the steps in order. It returns the step that failed.
func (c *Controller) setup(ctx context.Context, a *attempt, refs models.SeriesRefs) (Step, error) {
	s, err := c.createSurface(ctx, a)
	if err := c.checkpoint(ctx, StepSurface, err); err != nil {
		return StepSurface, err
	}
	t, err := c.createTools(ctx, a, s)
	if err := c.checkpoint(ctx, StepTools, err); err != nil {
		return StepTools, err
	}
	st, err := c.loadStack(ctx, a, t, refs)
	if err := c.checkpoint(ctx, StepStack, err); err != nil {
		return StepStack, err
	}
	if !refs.HasMask() {
		return StepStack, nil
	}
	_, err = c.addOverlay(ctx, a, st, refs.Mask)
	if err := c.checkpoint(ctx, StepOverlay, err); err != nil {
		return StepOverlay, err
	}
	return StepOverlay, nil
}

// checkpoint follows every step: a failed step stops setup, and so does a
// cancellation that arrived while the step ran.
func (c *Controller) checkpoint(ctx context.Context, step Step, err error) error {
	if err != nil {
		return err
	}
	if c.suspend != nil {
		c.suspend(ctx, step)
	}
	return ctx.Err()
}

// settle writes the final status of a, unless a was superseded or the
// controller was destroyed meanwhile.
func (c *Controller) settle(a *attempt, st Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != a || c.status.State == Destroyed {
		return false
	}
	c.setLocked(st)
	return true
}

// Close cancels any setup in flight, waits for it to stop and releases all
// resources newest first. The controller ends Destroyed. Teardown errors are
// logged and returned but never stop the remaining teardown. Repeated calls
// return nil.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.status.State == Destroyed {
		c.mu.Unlock()
		return nil
	}
	a := c.current
	c.setLocked(Status{State: Destroyed})
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if a == nil {
		return nil
	}
	a.cancel()
	<-a.done
	return c.release(a)
}

// State returns the current status.
func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Wait blocks until the viewer is Ready, Error or Destroyed, or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	for {
		c.mu.Lock()
		st, changed := c.status, c.changed
		c.mu.Unlock()
		if st.State.settled() {
			return st, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Subscribe returns a channel carrying status changes, starting with the
// current one. Only the latest undelivered status is kept; a slow reader
// misses intermediate ones. The channel is closed after Destroyed was
// delivered or when the returned cancel func is called.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	ch <- c.status
	if c.status.State == Destroyed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ch, ok := c.subs[id]; ok {
			close(ch)
			delete(c.subs, id)
		}
	}
}

func (c *Controller) setLocked(st Status) {
	c.status = st
	close(c.changed)
	c.changed = make(chan struct{})
	c.platform.Metrics.Transition(st.State.String())
	for _, ch := range c.subs {
		offer(ch, st)
	}
	monitoring.Debugf("%s: state %s", c.name, st)
}

// offer replaces any undelivered status in ch with st.
func offer(ch chan Status, st Status) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// Handles returns the engine and viewport of a Ready viewer.
func (c *Controller) Handles() (render.Handles, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != Ready || c.current == nil {
		return render.Handles{}, false
	}
	return render.Handles{EngineID: c.current.ids.engine, ViewportID: c.current.ids.viewport}, true
}

// GroupID returns the tool group of a Ready viewer.
func (c *Controller) GroupID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != Ready || c.current == nil {
		return "", false
	}
	return c.current.ids.group, true
}

// SegmentationID returns the overlay of a Ready viewer mounted with a mask.
func (c *Controller) SegmentationID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != Ready || c.current == nil {
		return "", false
	}
	r := c.current.peek()
	return r.segmentationID, r.segmentationID != ""
}

// Viewport returns the viewport of a Ready viewer.
func (c *Controller) Viewport() (*render.Viewport, error) {
	h, ok := c.Handles()
	if !ok {
		return nil, errdefs.New(errdefs.ViewportNotFound, "viewport", "viewer %s is %s", c.name, c.State().State)
	}
	return c.platform.Engines.Viewport(h.EngineID, h.ViewportID)
}

// Dispatch forwards a pointer event to the tool group of a Ready viewer.
func (c *Controller) Dispatch(ctx context.Context, ev tools.PointerEvent) error {
	id, ok := c.GroupID()
	if !ok {
		return errdefs.New(errdefs.GroupNotFound, "dispatch", "viewer %s is %s", c.name, c.State().State)
	}
	return c.platform.Tools.Dispatch(ctx, id, ev)
}

// SetOverlayVisible toggles the segmentation overlay of a Ready viewer and
// redraws it.
func (c *Controller) SetOverlayVisible(ctx context.Context, visible bool) error {
	id, ok := c.GroupID()
	if !ok {
		return errdefs.New(errdefs.GroupNotFound, "setOverlayVisible", "viewer %s is %s", c.name, c.State().State)
	}
	seg, ok := c.SegmentationID()
	if !ok {
		return errdefs.New(errdefs.EmptyMaskStack, "setOverlayVisible", "viewer %s has no overlay", c.name)
	}
	if err := c.platform.Overlays.SetVisible(id, seg, visible); err != nil {
		return err
	}
	vp, err := c.Viewport()
	if err != nil {
		return err
	}
	return vp.Render(ctx)
}

func (c *Controller) logf(format string, v ...interface{}) {
	monitoring.Logf(c.name+": "+format, v...)
}

// resourceIDs are derived from the series id plus a per-attempt suffix so
// that viewers of the same series never collide.
type resourceIDs struct {
	engine, viewport, group, segmentation string
}

func newResourceIDs(seriesID string) resourceIDs {
	if seriesID == "" {
		seriesID = "series"
	}
	suffix := uuid.NewString()[:8]
	return resourceIDs{
		engine:       fmt.Sprintf("engine-%s-%s", seriesID, suffix),
		viewport:     fmt.Sprintf("viewport-%s-%s", seriesID, suffix),
		group:        fmt.Sprintf("toolgroup-%s-%s", seriesID, suffix),
		segmentation: fmt.Sprintf("seg-%s-%s", seriesID, suffix),
	}
}

// resources lists what an attempt allocated and has not released yet.
type resources struct {
	engineID         string
	viewportID       string
	groupID          string
	prefetchViewport string
	segmentationID   string
}

// attempt is one run of the setup steps.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ids    resourceIDs

	mu  sync.Mutex
	res resources
}

func newAttempt(seriesID string) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &attempt{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		ids:    newResourceIDs(seriesID),
	}
}

// own records a resource as soon as it exists.
func (a *attempt) own(fn func(r *resources)) {
	a.mu.Lock()
	fn(&a.res)
	a.mu.Unlock()
}

// take hands the recorded resources to the caller exactly once.
func (a *attempt) take() resources {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.res
	a.res = resources{}
	return r
}

func (a *attempt) peek() resources {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.res
}
