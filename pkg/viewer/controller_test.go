package viewer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mriviewer/internal/models"
	"mriviewer/internal/monitoring"
	"mriviewer/pkg/config"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/imageloader"
	"mriviewer/pkg/platform"
	"mriviewer/pkg/render"
	"mriviewer/pkg/tools"
)

func init() {
	monitoring.SetLogger(nil)
}

// memStore serves frames by path. Paths listed in gated block until the
// request is canceled.
type memStore struct {
	mu     sync.Mutex
	frames map[string]*models.Frame
	gated  map[string]chan struct{}
}

func (s *memStore) Load(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
	s.mu.Lock()
	f, ok := s.frames[ref.Path]
	reached, gated := s.gated[ref.Path]
	s.mu.Unlock()
	if gated {
		close(reached)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("no frame %s", ref.Path)
	}
	cp := *f
	return &cp, nil
}

// gate makes the next load of path block and returns a channel closed when
// that load starts.
func (s *memStore) gate(path string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gated[path] = ch
	return ch
}

func (s *memStore) stack(prefix string, n int, z0 float64) models.Stack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(models.Stack, n)
	for i := range out {
		path := fmt.Sprintf("%s/%d", prefix, i)
		img := image.NewGray(image.Rect(0, 0, 4, 4))
		img.Pix[5] = 1
		s.frames[path] = &models.Frame{Image: img, Geometry: models.FrameGeometry{
			Rows: 4, Columns: 4,
			PixelSpacing:        [2]float64{1, 1},
			ImagePosition:       [3]float64{0, 0, z0 + float64(i)},
			ImageOrientation:    models.DefaultOrientation,
			FrameOfReferenceUID: "1.2.840.1",
		}}
		out[i] = models.ImageReference{Protocol: "mem", Path: path}
	}
	return out
}

func newPlatform(t *testing.T, prefetch bool) (*platform.Platform, *memStore) {
	t.Helper()
	store := &memStore{frames: map[string]*models.Frame{}, gated: map[string]chan struct{}{}}
	cfg := config.DefaultConfig()
	cfg.Prefetch.Enabled = prefetch
	cfg.Prefetch.Concurrency = 2
	p, err := platform.New(cfg, platform.Options{
		Loaders: map[string]imageloader.Loader{"mem": store},
	})
	require.NoError(t, err)
	require.NoError(t, p.Init())
	t.Cleanup(func() { p.Shutdown() })
	return p, store
}

func newController(t *testing.T, p *platform.Platform, opts Options) *Controller {
	t.Helper()
	c, err := New(p, opts)
	require.NoError(t, err)
	return c
}

func wait(t *testing.T, c *Controller) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.Wait(ctx)
	require.NoError(t, err)
	return st
}

// assertReleased checks that nothing allocated by a viewer is left behind
func assertReleased(t *testing.T, p *platform.Platform) {
	t.Helper()
	assert.Zero(t, p.Engines.Count(), "engines")
	assert.Zero(t, p.Tools.Count(), "tool groups")
	assert.Zero(t, p.Overlays.Count(), "overlays")
	assert.Zero(t, testutil.ToFloat64(p.Metrics.PrefetchActive), "prefetches")
}

func TestMountReady(t *testing.T) {
	p, store := newPlatform(t, false)
	c := newController(t, p, Options{})
	surface := render.NewOffscreenSurface(32, 32)

	refs := models.SeriesRefs{SeriesID: "s1", ImageType: "FLAIR", Base: store.stack("s1", 3, 0)}
	require.NoError(t, c.Mount(surface, refs))

	st := wait(t, c)
	require.Equal(t, Ready, st.State, st.String())

	vp, err := c.Viewport()
	require.NoError(t, err)
	assert.Equal(t, 0, vp.ImageIndex())
	assert.Equal(t, 3, vp.Stack().Len())
	assert.Positive(t, surface.Presents())
	assert.Zero(t, p.Overlays.Count())
	_, ok := c.SegmentationID()
	assert.False(t, ok)

	h, ok := c.Handles()
	require.True(t, ok)
	assert.Contains(t, h.EngineID, "engine-s1-")
	assert.Contains(t, h.ViewportID, "viewport-s1-")
	id, ok := c.GroupID()
	require.True(t, ok)
	assert.Contains(t, id, "toolgroup-s1-")

	g, ok := p.Tools.Group(id)
	require.True(t, ok)
	bound, _ := g.BoundTool(tools.Primary)
	assert.Equal(t, tools.WindowLevel, bound)
	mode, _ := g.Mode(tools.SegmentationDisplay)
	assert.Equal(t, tools.Enabled, mode)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.Transitions.WithLabelValues("initializing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.Transitions.WithLabelValues("ready")))

	require.NoError(t, c.Close())
	assertReleased(t, p)
	assert.True(t, surface.Released())
}

func TestDispatchScrollsStack(t *testing.T) {
	p, store := newPlatform(t, false)
	c := newController(t, p, Options{})
	ctx := context.Background()

	assert.True(t, errors.Is(c.Dispatch(ctx, tools.PointerEvent{Channel: tools.Wheel, Phase: tools.Scroll, Ticks: 1}), errdefs.GroupNotFound))

	refs := models.SeriesRefs{SeriesID: "s1", Base: store.stack("s1", 3, 0)}
	require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), refs))
	require.Equal(t, Ready, wait(t, c).State)

	require.NoError(t, c.Dispatch(ctx, tools.PointerEvent{Channel: tools.Wheel, Phase: tools.Scroll, Ticks: 2}))
	vp, err := c.Viewport()
	require.NoError(t, err)
	assert.Equal(t, 2, vp.ImageIndex())
	require.NoError(t, c.Close())
}

func TestMountEmptyStack(t *testing.T) {
	p, _ := newPlatform(t, false)
	c := newController(t, p, Options{})

	require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), models.SeriesRefs{SeriesID: "s1"}))
	st := wait(t, c)
	assert.Equal(t, Error, st.State)
	assert.Equal(t, errdefs.EmptyStack, st.ErrorKind)
	assertReleased(t, p)

	_, err := c.Viewport()
	assert.True(t, errors.Is(err, errdefs.ViewportNotFound))
}

func TestMountFailures(t *testing.T) {
	tests := []struct {
		name    string
		surface render.Surface
		refs    func(s *memStore) models.SeriesRefs
		kind    errdefs.Kind
	}{
		{
			name:    "detached surface",
			surface: func() render.Surface { s := render.NewOffscreenSurface(16, 16); s.Detach(); return s }(),
			refs:    func(s *memStore) models.SeriesRefs { return models.SeriesRefs{Base: s.stack("a", 2, 0)} },
			kind:    errdefs.SurfaceUnavailable,
		},
		{
			name:    "zero size surface",
			surface: render.NewOffscreenSurface(0, 16),
			refs:    func(s *memStore) models.SeriesRefs { return models.SeriesRefs{Base: s.stack("a", 2, 0)} },
			kind:    errdefs.SurfaceUnavailable,
		},
		{
			name:    "unknown protocol",
			surface: render.NewOffscreenSurface(16, 16),
			refs: func(s *memStore) models.SeriesRefs {
				return models.SeriesRefs{Base: models.Stack{{Protocol: "dicomweb", Path: "x"}}}
			},
			kind: errdefs.InvalidReference,
		},
		{
			name:    "first frame missing",
			surface: render.NewOffscreenSurface(16, 16),
			refs: func(s *memStore) models.SeriesRefs {
				return models.SeriesRefs{Base: models.Stack{{Protocol: "mem", Path: "missing"}}}
			},
			kind: errdefs.SetupFailed,
		},
		{
			name:    "mask geometry",
			surface: render.NewOffscreenSurface(16, 16),
			refs: func(s *memStore) models.SeriesRefs {
				return models.SeriesRefs{Base: s.stack("a", 2, 0), Mask: models.MaskStack(s.stack("m", 2, 5))}
			},
			kind: errdefs.GeometryMismatch,
		},
		{
			name:    "mask length",
			surface: render.NewOffscreenSurface(16, 16),
			refs: func(s *memStore) models.SeriesRefs {
				return models.SeriesRefs{Base: s.stack("a", 2, 0), Mask: models.MaskStack(s.stack("m", 3, 0))}
			},
			kind: errdefs.GeometryMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store := newPlatform(t, false)
			c := newController(t, p, Options{})

			require.NoError(t, c.Mount(tt.surface, tt.refs(store)))
			st := wait(t, c)
			assert.Equal(t, Error, st.State)
			assert.Equal(t, tt.kind, st.ErrorKind, st.ErrorMessage)
			assertReleased(t, p)
			assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.Transitions.WithLabelValues("error")))
		})
	}
}

func TestConflictingBindings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tools.Bindings = append(cfg.Tools.Bindings, config.Binding{Tool: "length", Channel: "primary"})
	p, err := platform.New(cfg, platform.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Init())
	store := &memStore{frames: map[string]*models.Frame{}, gated: map[string]chan struct{}{}}
	p.Frames.Register("mem", store)

	c := newController(t, p, Options{})
	require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), models.SeriesRefs{Base: store.stack("a", 1, 0)}))
	st := wait(t, c)
	assert.Equal(t, errdefs.ChannelAlreadyBound, st.ErrorKind)
	assertReleased(t, p)
}

func TestNewRejectsUnknownTool(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tools.Passive = append(cfg.Tools.Passive, "magnifier")
	p, err := platform.New(cfg, platform.Options{})
	require.NoError(t, err)

	_, err = New(p, Options{})
	assert.Error(t, err)
	_, err = New(nil, Options{})
	assert.Error(t, err)
}

func TestMountWithOverlay(t *testing.T) {
	p, store := newPlatform(t, false)
	c := newController(t, p, Options{})
	surface := render.NewOffscreenSurface(32, 32)

	refs := models.SeriesRefs{
		SeriesID: "s2",
		Base:     store.stack("s2", 3, 0),
		Mask:     models.MaskStack(store.stack("s2-mask", 3, 0)),
	}
	require.NoError(t, c.Mount(surface, refs))
	require.Equal(t, Ready, wait(t, c).State)

	seg, ok := c.SegmentationID()
	require.True(t, ok)
	assert.Contains(t, seg, "seg-s2-")
	assert.Equal(t, 1, p.Overlays.Count())

	groupID, _ := c.GroupID()
	g, _ := p.Tools.Group(groupID)
	assert.True(t, g.RepresentationVisible(seg))
	require.NoError(t, c.SetOverlayVisible(context.Background(), false))
	assert.False(t, g.RepresentationVisible(seg))

	require.NoError(t, c.Close())
	assertReleased(t, p)
}

func TestSetOverlayVisibleWithoutMask(t *testing.T) {
	p, store := newPlatform(t, false)
	c := newController(t, p, Options{})
	require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), models.SeriesRefs{Base: store.stack("a", 1, 0)}))
	require.Equal(t, Ready, wait(t, c).State)

	err := c.SetOverlayVisible(context.Background(), true)
	assert.True(t, errors.Is(err, errdefs.EmptyMaskStack))
	require.NoError(t, c.Close())
}

func TestRetryAfterGeometryMismatch(t *testing.T) {
	p, store := newPlatform(t, false)
	c := newController(t, p, Options{})
	base := store.stack("s3", 2, 0)

	require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), models.SeriesRefs{
		SeriesID: "s3", Base: base, Mask: models.MaskStack(store.stack("bad", 2, 7)),
	}))
	st := wait(t, c)
	require.Equal(t, Error, st.State)
	assert.Equal(t, errdefs.GeometryMismatch, st.ErrorKind)
	assertReleased(t, p)

	require.NoError(t, c.Retry(models.SeriesRefs{
		SeriesID: "s3", Base: base, Mask: models.MaskStack(store.stack("good", 2, 0)),
	}))
	st = wait(t, c)
	require.Equal(t, Ready, st.State, st.String())
	assert.Equal(t, 1, p.Engines.Count())
	assert.Equal(t, 1, p.Overlays.Count())

	require.NoError(t, c.Close())
	assertReleased(t, p)
}

func TestStateGuards(t *testing.T) {
	p, store := newPlatform(t, false)
	c := newController(t, p, Options{})
	refs := models.SeriesRefs{Base: store.stack("a", 1, 0)}

	assert.Error(t, c.Retry(refs), "retry from idle")
	require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), refs))
	require.Equal(t, Ready, wait(t, c).State)
	assert.Error(t, c.Mount(render.NewOffscreenSurface(16, 16), refs))
	assert.Error(t, c.Retry(refs), "retry from ready")

	require.NoError(t, c.Close())
	assert.Error(t, c.Mount(render.NewOffscreenSurface(16, 16), refs))
	assert.Error(t, c.Retry(refs))
	assert.Equal(t, Destroyed, c.State().State)
}

func TestMountBeforePlatformInit(t *testing.T) {
	p, err := platform.New(nil, platform.Options{})
	require.NoError(t, err)
	c := newController(t, p, Options{})

	refs := models.SeriesRefs{Base: models.Stack{{Protocol: "file", Path: "/a.png"}}}
	require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), refs))
	st := wait(t, c)
	assert.Equal(t, Error, st.State)
	assert.Equal(t, errdefs.SetupFailed, st.ErrorKind)

	require.NoError(t, p.Shutdown())
	require.NoError(t, c.Retry(refs))
	st = wait(t, c)
	assert.Equal(t, errdefs.PlatformShutdown, st.ErrorKind)
	assertReleased(t, p)
}

// collect drains a subscription until it is closed
func collect(ch <-chan Status) <-chan []Status {
	out := make(chan []Status, 1)
	go func() {
		var seen []Status
		for st := range ch {
			seen = append(seen, st)
		}
		out <- seen
	}()
	return out
}

func TestCloseDuringSetup(t *testing.T) {
	for _, step := range []Step{StepSurface, StepTools, StepStack, StepOverlay} {
		t.Run(step.String(), func(t *testing.T) {
			p, store := newPlatform(t, true)
			reached := make(chan struct{})
			c := newController(t, p, Options{suspend: func(ctx context.Context, s Step) {
				if s == step {
					close(reached)
					<-ctx.Done()
				}
			}})
			sub, _ := c.Subscribe()
			seen := collect(sub)

			refs := models.SeriesRefs{
				SeriesID: "s4",
				Base:     store.stack("s4", 6, 0),
				Mask:     models.MaskStack(store.stack("s4-mask", 6, 0)),
			}
			require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), refs))
			<-reached
			require.NoError(t, c.Close())

			assertReleased(t, p)
			assert.Equal(t, Destroyed, c.State().State)
			statuses := <-seen
			require.NotEmpty(t, statuses)
			assert.Equal(t, Destroyed, statuses[len(statuses)-1].State)
			for _, st := range statuses {
				assert.NotEqual(t, Ready, st.State)
				assert.NotEqual(t, Error, st.State)
			}
			assert.Zero(t, testutil.ToFloat64(p.Metrics.Transitions.WithLabelValues("ready")))
			assert.Zero(t, testutil.ToFloat64(p.Metrics.Transitions.WithLabelValues("error")))
		})
	}
}

func TestCloseWhileLoading(t *testing.T) {
	for _, path := range []string{"s5/0", "s5-mask/1"} {
		t.Run(path, func(t *testing.T) {
			p, store := newPlatform(t, false)
			c := newController(t, p, Options{})
			refs := models.SeriesRefs{
				SeriesID: "s5",
				Base:     store.stack("s5", 2, 0),
				Mask:     models.MaskStack(store.stack("s5-mask", 2, 0)),
			}
			reached := store.gate(path)

			require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), refs))
			<-reached
			require.NoError(t, c.Close())

			assertReleased(t, p)
			assert.Equal(t, Destroyed, c.State().State)
		})
	}
}

func TestCloseImmediately(t *testing.T) {
	p, store := newPlatform(t, true)
	for i := 0; i < 20; i++ {
		c := newController(t, p, Options{})
		refs := models.SeriesRefs{SeriesID: "s6", Base: store.stack("s6", 4, 0)}
		require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), refs))
		require.NoError(t, c.Close())
		assert.Equal(t, Destroyed, c.State().State)
	}
	assertReleased(t, p)
}

func TestCloseIdempotent(t *testing.T) {
	p, _ := newPlatform(t, false)
	c := newController(t, p, Options{})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Destroyed, c.State().State)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.Transitions.WithLabelValues("destroyed")))

	ch, cancel := c.Subscribe()
	defer cancel()
	st, ok := <-ch
	assert.True(t, ok)
	assert.Equal(t, Destroyed, st.State)
	_, ok = <-ch
	assert.False(t, ok)
}

// brokenSurface fails to release its native resources
type brokenSurface struct {
	*render.OffscreenSurface
}

func (brokenSurface) Release() error { return errors.New("context lost") }

func TestTeardownContinuesOnError(t *testing.T) {
	p, store := newPlatform(t, false)
	c := newController(t, p, Options{})
	refs := models.SeriesRefs{
		SeriesID: "s7",
		Base:     store.stack("s7", 2, 0),
		Mask:     models.MaskStack(store.stack("s7-mask", 2, 0)),
	}
	require.NoError(t, c.Mount(brokenSurface{render.NewOffscreenSurface(16, 16)}, refs))
	require.Equal(t, Ready, wait(t, c).State)

	err := c.Close()
	assert.Error(t, err)
	assert.Equal(t, Destroyed, c.State().State)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.TeardownErrors))
	assertReleased(t, p)

	assert.NoError(t, c.Close())
}

func TestSubscribeKeepsLatest(t *testing.T) {
	p, store := newPlatform(t, false)
	c := newController(t, p, Options{})
	ch, cancel := c.Subscribe()

	require.NoError(t, c.Mount(render.NewOffscreenSurface(16, 16), models.SeriesRefs{Base: store.stack("a", 1, 0)}))
	require.Equal(t, Ready, wait(t, c).State)

	// nothing was read: only the newest status is buffered
	st := <-ch
	assert.Equal(t, Ready, st.State)

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, c.Close())
}

func TestWaitHonorsContext(t *testing.T) {
	p, _ := newPlatform(t, false)
	c := newController(t, p, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	st, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Idle, st.State)
}

func TestViewersAreIndependent(t *testing.T) {
	p, store := newPlatform(t, true)
	refs := models.SeriesRefs{SeriesID: "same", Base: store.stack("same", 3, 0)}

	a := newController(t, p, Options{Name: "a"})
	b := newController(t, p, Options{Name: "b"})
	require.NoError(t, a.Mount(render.NewOffscreenSurface(16, 16), refs))
	require.NoError(t, b.Mount(render.NewOffscreenSurface(16, 16), refs))
	require.Equal(t, Ready, wait(t, a).State)
	require.Equal(t, Ready, wait(t, b).State)
	assert.Equal(t, 2, p.Engines.Count())
	assert.Equal(t, 2, p.Tools.Count())

	require.NoError(t, a.Close())
	assert.Equal(t, 1, p.Engines.Count())
	assert.Equal(t, Ready, b.State().State)
	require.NoError(t, b.Close())
	assertReleased(t, p)
}
