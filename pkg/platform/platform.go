// Package platform wires the process-wide services every viewer shares: the
// frame loaders, the engine manager, the tool coordinator, the stack loader
// and the overlay engine.
//
// A Platform is initialized once before the first viewer mounts and shut
// down once when the host exits.
package platform

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"mriviewer/internal/monitoring"
	"mriviewer/pkg/config"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/imageloader"
	"mriviewer/pkg/metadata"
	"mriviewer/pkg/metrics"
	"mriviewer/pkg/render"
	"mriviewer/pkg/segmentation"
	"mriviewer/pkg/stack"
	"mriviewer/pkg/tools"
)

type state int

const (
	created state = iota
	initialized
	shutdown
)

// Options configures New.
type Options struct {
	// Registry receives the metrics; a private registry is created when nil
	Registry *prometheus.Registry

	// Loaders are registered after the built-in file and wadouri loaders and
	// replace them for the same protocol
	Loaders map[string]imageloader.Loader

	// Metadata is consulted for frame geometry after the platform store
	Metadata metadata.Provider
}

// Platform holds the shared services.
type Platform struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Metadata *metadata.Store
	Frames   *imageloader.Registry
	Engines  *render.Manager
	Tools    *tools.Coordinator
	Stacks   *stack.Loader
	Overlays *segmentation.Engine

	mu    sync.Mutex
	state state
}

// New builds a Platform from cfg. Nothing is shared with other Platforms.
func New(cfg *config.Config, opts Options) (*Platform, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	colors, err := segmentation.ParseColors(cfg.Segmentation.Colors)
	if err != nil {
		return nil, fmt.Errorf("invalid segmentation colours: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	store := metadata.NewStore()
	frames := imageloader.NewRegistry(imageloader.Options{
		CacheSize:    cfg.Loader.CacheSize,
		PixelSpacing: cfg.Loader.PixelSpacing,
		Metadata:     metadata.Chain{store, opts.Metadata},
		Metrics:      m,
	})
	frames.Register("file", &imageloader.FileLoader{})
	frames.Register("wadouri", imageloader.NewHTTPLoader(cfg.Loader.HTTPTimeout))
	for protocol, l := range opts.Loaders {
		frames.Register(protocol, l)
	}

	engines := render.NewManager(m)
	coord := tools.NewCoordinator(engines, m)

	p := &Platform{
		Config:   cfg,
		Registry: reg,
		Metrics:  m,
		Metadata: store,
		Frames:   frames,
		Engines:  engines,
		Tools:    coord,
		Stacks: stack.NewLoader(frames, stack.Options{
			Prefetch:         cfg.Prefetch.Enabled,
			Concurrency:      cfg.Prefetch.Concurrency,
			InvertImageTypes: cfg.Viewport.InvertImageTypes,
			Metrics:          m,
		}),
		Overlays: segmentation.NewEngine(frames, coord, segmentation.Options{
			Opacity:   cfg.Segmentation.Opacity,
			Tolerance: cfg.Segmentation.Tolerance,
			Colors:    colors,
			Metrics:   m,
		}),
	}
	return p, nil
}

// Init marks the platform ready for viewers. Repeated calls are no-ops.
func (p *Platform) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case initialized:
		return nil
	case shutdown:
		return errdefs.New(errdefs.PlatformShutdown, "init", "platform was shut down")
	}
	monitoring.Verbose = p.Config.Output.Verbose
	p.state = initialized
	monitoring.Debugf("platform: initialized with loaders %v", p.Frames.Protocols())
	return nil
}

// Ready returns nil when viewers may allocate resources.
func (p *Platform) Ready() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case initialized:
		return nil
	case shutdown:
		return errdefs.New(errdefs.PlatformShutdown, "ready", "platform was shut down")
	}
	return errdefs.New(errdefs.SetupFailed, "ready", "platform is not initialized")
}

// Shutdown cancels every prefetch and destroys every remaining group and
// engine. Only the first call does any work.
func (p *Platform) Shutdown() error {
	p.mu.Lock()
	if p.state == shutdown {
		p.mu.Unlock()
		return nil
	}
	p.state = shutdown
	p.mu.Unlock()

	p.Stacks.CancelAll()
	p.Tools.DestroyAll()
	err := p.Engines.DestroyAll()
	p.Frames.Purge()
	if err != nil {
		return fmt.Errorf("platform shutdown: %w", err)
	}
	monitoring.Debugf("platform: shut down")
	return nil
}
