package stack

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mriviewer/internal/models"
	"mriviewer/internal/monitoring"
	"mriviewer/pkg/errdefs"
	"mriviewer/pkg/imageloader"
	"mriviewer/pkg/metrics"
	"mriviewer/pkg/render"
)

func init() {
	monitoring.SetLogger(nil)
}

func frame(voi *models.VOIRange) *models.Frame {
	return &models.Frame{
		Image:    image.NewGray16(image.Rect(0, 0, 4, 4)),
		Geometry: models.FrameGeometry{VOI: voi},
	}
}

func refs(n int) models.Stack {
	s := make(models.Stack, n)
	for i := range s {
		s[i] = models.ImageReference{Protocol: "mem", Path: fmt.Sprintf("f%d", i)}
	}
	return s
}

func newViewport(t *testing.T) *render.Viewport {
	t.Helper()
	m := render.NewManager(nil)
	h, err := m.Create(render.NewOffscreenSurface(16, 16), render.CreateOptions{})
	require.NoError(t, err)
	vp, err := m.Viewport(h.EngineID, h.ViewportID)
	require.NoError(t, err)
	return vp
}

func TestSetStackValidation(t *testing.T) {
	reg := imageloader.NewRegistry(imageloader.Options{})
	reg.Register("mem", imageloader.LoaderFunc(func(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
		return frame(nil), nil
	}))
	l := NewLoader(reg, Options{})
	vp := newViewport(t)

	err := l.SetStack(context.Background(), vp, nil, "MR")
	assert.True(t, errors.Is(err, errdefs.EmptyStack))

	bad := append(refs(2), models.ImageReference{Protocol: "ftp", Path: "x"})
	err = l.SetStack(context.Background(), vp, bad, "MR")
	assert.True(t, errors.Is(err, errdefs.InvalidReference))

	bad = append(refs(1), models.ImageReference{Protocol: "mem"})
	err = l.SetStack(context.Background(), vp, bad, "MR")
	assert.True(t, errors.Is(err, errdefs.InvalidReference))

	assert.False(t, vp.HasStack())
}

func TestSetStackShowsFirstFrame(t *testing.T) {
	voi := &models.VOIRange{WindowCenter: 40, WindowWidth: 400}
	reg := imageloader.NewRegistry(imageloader.Options{CacheSize: 16})
	reg.Register("mem", imageloader.LoaderFunc(func(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
		return frame(voi), nil
	}))
	l := NewLoader(reg, Options{InvertImageTypes: []string{"SEG"}})
	vp := newViewport(t)

	require.NoError(t, l.SetStack(context.Background(), vp, refs(3), "MR"))
	assert.Equal(t, 0, vp.ImageIndex())
	assert.Equal(t, 3, vp.Stack().Len())

	p := vp.Properties()
	require.NotNil(t, p.VOI)
	assert.Equal(t, *voi, *p.VOI)
	assert.False(t, p.Invert)

	require.NoError(t, l.SetStack(context.Background(), vp, refs(2), "seg"))
	assert.True(t, vp.Properties().Invert)
	assert.False(t, l.Active(vp.ID()))
}

func TestSetStackFirstFrameFailure(t *testing.T) {
	reg := imageloader.NewRegistry(imageloader.Options{})
	reg.Register("mem", imageloader.LoaderFunc(func(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
		return nil, errors.New("connection refused")
	}))
	l := NewLoader(reg, Options{})
	vp := newViewport(t)

	err := l.SetStack(context.Background(), vp, refs(2), "MR")
	assert.Equal(t, errdefs.SetupFailed, errdefs.KindOf(err))
	assert.False(t, vp.HasStack())
}

func TestPrefetchLoadsRemainingFrames(t *testing.T) {
	var loads int32
	m := metrics.New(prometheus.NewRegistry())
	reg := imageloader.NewRegistry(imageloader.Options{CacheSize: 16, Metrics: m})
	reg.Register("mem", imageloader.LoaderFunc(func(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
		atomic.AddInt32(&loads, 1)
		if ref.Path == "f3" {
			return nil, errors.New("corrupt frame")
		}
		return frame(nil), nil
	}))
	l := NewLoader(reg, Options{Prefetch: true, Concurrency: 2, Metrics: m})
	vp := newViewport(t)

	ctx := context.Background()
	require.NoError(t, l.SetStack(ctx, vp, refs(5), "MR"))
	require.NoError(t, l.Wait(ctx, vp.ID()))

	assert.Equal(t, int32(5), atomic.LoadInt32(&loads))
	for _, i := range []int{0, 1, 2, 4} {
		_, ok := reg.Cached(models.ImageReference{Protocol: "mem", Path: fmt.Sprintf("f%d", i)})
		assert.True(t, ok, "frame %d should be cached", i)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PrefetchFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PrefetchActive))
	assert.False(t, l.Active(vp.ID()))
}

func TestCancelStopsPrefetch(t *testing.T) {
	gate := make(chan struct{})
	var started sync.Once
	running := make(chan struct{})
	reg := imageloader.NewRegistry(imageloader.Options{})
	reg.Register("mem", imageloader.LoaderFunc(func(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
		if ref.Path == "f0" {
			return frame(nil), nil
		}
		started.Do(func() { close(running) })
		select {
		case <-gate:
			return frame(nil), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	m := metrics.New(prometheus.NewRegistry())
	l := NewLoader(reg, Options{Prefetch: true, Concurrency: 1, Metrics: m})
	vp := newViewport(t)

	require.NoError(t, l.SetStack(context.Background(), vp, refs(4), "MR"))
	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("prefetch did not start")
	}
	assert.True(t, l.Active(vp.ID()))

	l.Cancel(vp.ID())
	assert.False(t, l.Active(vp.ID()))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PrefetchFailed), "cancellation is not a failure")

	// a second cancel is a no-op
	l.Cancel(vp.ID())
	l.CancelAll()
	close(gate)
}

func TestSetStackReplacesPrefetch(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	reg := imageloader.NewRegistry(imageloader.Options{})
	reg.Register("mem", imageloader.LoaderFunc(func(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
		if ref.Path == "f0" {
			return frame(nil), nil
		}
		select {
		case <-gate:
			return frame(nil), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	l := NewLoader(reg, Options{Prefetch: true, Concurrency: 1})
	vp := newViewport(t)

	require.NoError(t, l.SetStack(context.Background(), vp, refs(3), "MR"))
	require.NoError(t, l.SetStack(context.Background(), vp, refs(1), "MR"))
	assert.False(t, l.Active(vp.ID()))
	assert.Equal(t, 1, vp.Stack().Len())
}
