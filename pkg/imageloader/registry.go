// Package imageloader resolves image references to decoded frames.
//
// Loaders are registered per protocol ("file", "wadouri", ...). The Registry
// adds a bounded frame cache, collapses concurrent loads of the same frame
// and fills in geometry from the metadata provider.
package imageloader

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"mriviewer/internal/models"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/metadata"
	"mriviewer/pkg/metrics"
)

// Loader fetches and decodes one frame.
type Loader interface {
	Load(ctx context.Context, ref models.ImageReference) (*models.Frame, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, ref models.ImageReference) (*models.Frame, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
	return f(ctx, ref)
}

// Options configures a Registry.
type Options struct {
	// CacheSize is the number of frames kept; zero disables caching
	CacheSize int

	// PixelSpacing is used for frames without geometry
	PixelSpacing float64

	// Metadata supplies geometry ahead of pixel data
	Metadata metadata.Provider

	Metrics *metrics.Metrics
}

// Registry maps protocols to loaders.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader

	cache   *frameCache
	group   singleflight.Group
	opts    Options
	metrics *metrics.Metrics

	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight is a shared load. Its context is cancelled once no caller waits
// for it any more.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewRegistry returns a Registry without loaders.
func NewRegistry(opts Options) *Registry {
	if opts.PixelSpacing <= 0 {
		opts.PixelSpacing = 1
	}
	return &Registry{
		loaders: make(map[string]Loader),
		cache:   newFrameCache(opts.CacheSize),
		opts:    opts,
		metrics: opts.Metrics,
		flights: make(map[string]*flight),
	}
}

// Register installs l for protocol, replacing any previous loader.
func (r *Registry) Register(protocol string, l Loader) {
	r.mu.Lock()
	r.loaders[protocol] = l
	r.mu.Unlock()
}

// Unregister removes the loader for protocol.
func (r *Registry) Unregister(protocol string) {
	r.mu.Lock()
	delete(r.loaders, protocol)
	r.mu.Unlock()
}

// Protocols lists the registered protocols in sorted order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.loaders))
	for p := range r.loaders {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether a loader is registered for protocol.
func (r *Registry) Supports(protocol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[protocol]
	return ok
}

// Validate checks that ref is well formed and loadable.
func (r *Registry) Validate(ref models.ImageReference) error {
	if err := ref.Validate(); err != nil {
		return &errdefs.Error{Kind: errdefs.InvalidReference, Op: "validate", Err: err}
	}
	if !r.Supports(ref.Protocol) {
		return errdefs.New(errdefs.InvalidReference, "validate", "no loader registered for protocol %q", ref.Protocol)
	}
	return nil
}

// Cached returns the frame if it is already in the cache.
func (r *Registry) Cached(ref models.ImageReference) (*models.Frame, bool) {
	return r.cache.get(ref)
}

// Load returns the decoded frame for ref, using the cache when possible.
// Concurrent loads of one frame share a single loader call; a caller whose
// ctx ends stops waiting without failing the others.
func (r *Registry) Load(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
	if f, ok := r.cache.get(ref); ok {
		return f, nil
	}
	if err := r.Validate(ref); err != nil {
		return nil, err
	}

	r.mu.RLock()
	l := r.loaders[ref.Protocol]
	r.mu.RUnlock()

	key := ref.String()
	r.flightMu.Lock()
	fl, ok := r.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		r.flights[key] = fl
	}
	fl.waiters++
	ch := r.group.DoChan(key, func() (interface{}, error) {
		f, err := l.Load(fl.ctx, ref)
		if err != nil {
			return nil, err
		}
		if f == nil || f.Image == nil {
			return nil, fmt.Errorf("loader returned no image for %s", ref)
		}
		r.completeFrame(ref, f)
		r.cache.put(ref, f)
		r.metrics.FrameLoaded()
		return f, nil
	})
	r.flightMu.Unlock()

	select {
	case res := <-ch:
		r.leave(key, fl)
		if res.Err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", ref, res.Err)
		}
		return res.Val.(*models.Frame), nil
	case <-ctx.Done():
		r.leave(key, fl)
		return nil, ctx.Err()
	}
}

// leave drops one waiter of fl. The last one cancels the shared load and
// makes the next Load start a fresh one.
func (r *Registry) leave(key string, fl *flight) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if r.flights[key] == fl {
		delete(r.flights, key)
		r.group.Forget(key)
	}
}

// Geometry returns the geometry of ref from metadata, or by loading the frame.
// Either way the same defaults are filled in.
func (r *Registry) Geometry(ctx context.Context, ref models.ImageReference) (models.FrameGeometry, error) {
	if r.opts.Metadata != nil {
		if g, ok := r.opts.Metadata.Geometry(ref); ok && g.Rows > 0 && g.Columns > 0 {
			return r.completeGeometry(g, image.Rect(0, 0, g.Columns, g.Rows)), nil
		}
	}
	f, err := r.Load(ctx, ref)
	if err != nil {
		return models.FrameGeometry{}, err
	}
	return f.Geometry, nil
}

// Purge drops every cached frame.
func (r *Registry) Purge() {
	r.cache.purge()
}

// completeFrame merges provider metadata into f and fills what is still
// missing from the decoded image.
func (r *Registry) completeFrame(ref models.ImageReference, f *models.Frame) {
	f.Reference = ref
	if r.opts.Metadata != nil {
		if g, ok := r.opts.Metadata.Geometry(ref); ok {
			f.Geometry = g
		}
	}
	f.Geometry = r.completeGeometry(f.Geometry, f.Image.Bounds())
}

// completeGeometry fills the fields of g left unset, taking the size from
// bounds.
func (r *Registry) completeGeometry(g models.FrameGeometry, bounds image.Rectangle) models.FrameGeometry {
	if g.Rows == 0 {
		g.Rows = bounds.Dy()
	}
	if g.Columns == 0 {
		g.Columns = bounds.Dx()
	}
	if g.PixelSpacing == [2]float64{} {
		g.PixelSpacing = [2]float64{r.opts.PixelSpacing, r.opts.PixelSpacing}
	}
	if g.ImageOrientation == [6]float64{} {
		g.ImageOrientation = models.DefaultOrientation
	}
	return g
}
