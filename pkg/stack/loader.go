// Package stack assigns image stacks to viewports and warms the frame cache
// in the background.
package stack

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"mriviewer/internal/models"
	"mriviewer/internal/monitoring"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/imageloader"
	"mriviewer/pkg/metrics"
	"mriviewer/pkg/render"
)

// Options configures a Loader.
type Options struct {
	// Prefetch loads frames 1..N-1 after the first frame is shown
	Prefetch bool

	// Concurrency bounds the frames fetched at once; values below 1 mean 1
	Concurrency int

	// InvertImageTypes lists series image types displayed inverted
	InvertImageTypes []string

	Metrics *metrics.Metrics
}

// Loader puts stacks on viewports.
type Loader struct {
	frames  *imageloader.Registry
	opts    Options
	metrics *metrics.Metrics

	mu         sync.Mutex
	prefetches map[string]*prefetch
}

// prefetch is one background warm-up of a viewport's stack
type prefetch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoader returns a Loader reading frames through frames.
func NewLoader(frames *imageloader.Registry, opts Options) *Loader {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Loader{
		frames:     frames,
		opts:       opts,
		metrics:    opts.Metrics,
		prefetches: make(map[string]*prefetch),
	}
}

// SetStack validates stack, shows its first frame on vp and starts
// prefetching the rest. The display window comes from the first frame's
// metadata when present; image types listed in InvertImageTypes are shown
// inverted.
func (l *Loader) SetStack(ctx context.Context, vp *render.Viewport, stack models.Stack, imageType string) error {
	if len(stack) == 0 {
		return errdefs.New(errdefs.EmptyStack, "setStack", "stack has no frames")
	}
	for i, ref := range stack {
		if err := l.frames.Validate(ref); err != nil {
			return errdefs.Wrap(errdefs.InvalidReference, "setStack", fmt.Errorf("frame %d: %w", i, err))
		}
	}

	l.Cancel(vp.ID())

	first, err := l.frames.Load(ctx, stack[0])
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errdefs.Wrap(errdefs.SetupFailed, "setStack", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := vp.SetStack(stack, l.frames); err != nil {
		return err
	}
	if voi := first.Geometry.VOI; voi != nil && voi.WindowWidth > 0 {
		vp.SetVOI(*voi)
	}
	vp.SetInvert(l.inverted(imageType))
	monitoring.Debugf("stack: %d frames on viewport %s", len(stack), vp.ID())

	if l.opts.Prefetch && len(stack) > 1 {
		l.startPrefetch(ctx, vp.ID(), stack[1:])
	}
	return nil
}

func (l *Loader) inverted(imageType string) bool {
	for _, t := range l.opts.InvertImageTypes {
		if strings.EqualFold(t, imageType) {
			return true
		}
	}
	return false
}

func (l *Loader) startPrefetch(ctx context.Context, viewportID string, refs models.Stack) {
	pctx, cancel := context.WithCancel(ctx)
	p := &prefetch{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.prefetches[viewportID] = p
	l.mu.Unlock()
	l.metrics.PrefetchStarted()

	go func() {
		defer func() {
			cancel()
			l.mu.Lock()
			if l.prefetches[viewportID] == p {
				delete(l.prefetches, viewportID)
			}
			l.mu.Unlock()
			l.metrics.PrefetchStopped()
			close(p.done)
		}()

		g, gctx := errgroup.WithContext(pctx)
		g.SetLimit(l.opts.Concurrency)
		for _, ref := range refs {
			if gctx.Err() != nil {
				break
			}
			ref := ref
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				if _, err := l.frames.Load(gctx, ref); err != nil && gctx.Err() == nil {
					// prefetch failures only cost a cache miss later
					l.metrics.PrefetchFailure()
					monitoring.Logf("stack: prefetch of %s for viewport %s failed: %v", ref, viewportID, err)
				}
				return nil
			})
		}
		_ = g.Wait()
		monitoring.Debugf("stack: prefetch for viewport %s finished", viewportID)
	}()
}

// Cancel stops the prefetch of a viewport and waits for its workers. It is
// a no-op when none is running.
func (l *Loader) Cancel(viewportID string) {
	l.mu.Lock()
	p, ok := l.prefetches[viewportID]
	l.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	<-p.done
}

// CancelAll stops every prefetch.
func (l *Loader) CancelAll() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.prefetches))
	for id := range l.prefetches {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.Cancel(id)
	}
}

// Wait blocks until the prefetch of a viewport is done or ctx expires.
func (l *Loader) Wait(ctx context.Context, viewportID string) error {
	l.mu.Lock()
	p, ok := l.prefetches[viewportID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a prefetch is running for the viewport.
func (l *Loader) Active(viewportID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.prefetches[viewportID]
	return ok
}
