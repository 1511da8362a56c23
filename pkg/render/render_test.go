package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"testing"

	"mriviewer/internal/models"
	"mriviewer/pkg/errdefs"
)

// memSource serves synthetic frames keyed by reference path
type memSource map[string]*models.Frame

func (m memSource) Load(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
	f, ok := m[ref.Path]
	if !ok {
		return nil, errors.New("not found")
	}
	return f, nil
}

// createTestFrame creates a frame with the specified dimensions and pattern
func createTestFrame(width, height int, pattern func(x, y int) uint16) *models.Frame {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: pattern(x, y)})
		}
	}
	return &models.Frame{
		Image: img,
		Geometry: models.FrameGeometry{
			Rows: height, Columns: width,
			PixelSpacing:     [2]float64{1, 1},
			ImageOrientation: models.DefaultOrientation,
		},
	}
}

func testStack(n int) (models.Stack, memSource) {
	src := memSource{}
	stack := make(models.Stack, n)
	for i := 0; i < n; i++ {
		path := string(rune('A' + i))
		stack[i] = models.ImageReference{Protocol: "mem", Path: path}
		v := uint16(i * 100)
		src[path] = createTestFrame(10, 10, func(x, y int) uint16 { return v + uint16(x) })
	}
	return stack, src
}

// TestCreateRequiresUsableSurface verifies the surface preconditions of Create
func TestCreateRequiresUsableSurface(t *testing.T) {
	m := NewManager(nil)

	detached := NewOffscreenSurface(64, 64)
	detached.Detach()
	if _, err := m.Create(detached, CreateOptions{}); !errors.Is(err, errdefs.SurfaceUnavailable) {
		t.Errorf("Expected SurfaceUnavailable for detached surface, got %v", err)
	}

	if _, err := m.Create(NewOffscreenSurface(0, 64), CreateOptions{}); !errors.Is(err, errdefs.SurfaceUnavailable) {
		t.Errorf("Expected SurfaceUnavailable for zero width, got %v", err)
	}

	if _, err := m.Create(nil, CreateOptions{}); !errors.Is(err, errdefs.SurfaceUnavailable) {
		t.Errorf("Expected SurfaceUnavailable for nil surface, got %v", err)
	}

	if m.Count() != 0 {
		t.Errorf("Expected no engines after failed creates, got %d", m.Count())
	}
}

// TestCreateAndDestroy verifies allocation, duplicate ids and idempotent destroy
func TestCreateAndDestroy(t *testing.T) {
	m := NewManager(nil)
	surface := NewOffscreenSurface(32, 16)

	h, err := m.Create(surface, CreateOptions{EngineID: "engine-a", ViewportID: "viewport-a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	vp, err := m.Viewport(h.EngineID, h.ViewportID)
	if err != nil {
		t.Fatalf("Viewport lookup failed: %v", err)
	}
	if w, hgt := vp.bufferSize(); w != 32 || hgt != 16 {
		t.Errorf("Expected buffer 32x16, got %dx%d", w, hgt)
	}
	if vp.Status() != Enabled {
		t.Errorf("Expected enabled viewport, got %v", vp.Status())
	}

	if _, err := m.Create(NewOffscreenSurface(8, 8), CreateOptions{EngineID: "engine-a"}); !errors.Is(err, errdefs.EngineAlreadyExists) {
		t.Errorf("Expected EngineAlreadyExists, got %v", err)
	}

	if err := m.Destroy(h.EngineID); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := m.Destroy(h.EngineID); err != nil {
		t.Errorf("Second destroy should be a no-op, got %v", err)
	}
	if err := m.Destroy("never-created"); err != nil {
		t.Errorf("Destroy of unknown engine should be a no-op, got %v", err)
	}

	if vp.Status() != Destroyed {
		t.Errorf("Expected destroyed viewport, got %v", vp.Status())
	}
	if !surface.Released() {
		t.Error("Expected surface to be released")
	}
	if m.Count() != 0 {
		t.Errorf("Expected no engines, got %d", m.Count())
	}
}

// TestSetStackAndNavigate verifies index reset, clamping and frame change events
func TestSetStackAndNavigate(t *testing.T) {
	m := NewManager(nil)
	h, err := m.Create(NewOffscreenSurface(20, 20), CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	vp, _ := m.Viewport(h.EngineID, h.ViewportID)

	var events []FrameChange
	unsubscribe := vp.OnFrameChange(func(c FrameChange) { events = append(events, c) })

	stack, src := testStack(3)
	if err := vp.SetStack(stack, src); err != nil {
		t.Fatalf("SetStack failed: %v", err)
	}
	if vp.ImageIndex() != 0 {
		t.Errorf("Expected index 0 after SetStack, got %d", vp.ImageIndex())
	}

	if i, _ := vp.SetImageIndex(7); i != 2 {
		t.Errorf("Expected index clamped to 2, got %d", i)
	}
	if i, _ := vp.Scroll(-1); i != 1 {
		t.Errorf("Expected index 1 after scrolling back, got %d", i)
	}

	unsubscribe()
	vp.Scroll(-1)

	if len(events) != 3 {
		t.Fatalf("Expected 3 frame change events, got %d", len(events))
	}
	if events[1].Index != 2 || events[1].Total != 3 {
		t.Errorf("Unexpected event %+v", events[1])
	}

	if err := vp.SetStack(nil, src); !errors.Is(err, errdefs.EmptyStack) {
		t.Errorf("Expected EmptyStack, got %v", err)
	}
}

// TestRenderAppliesVOIAndInvert verifies grey level mapping of the drawing buffer
func TestRenderAppliesVOIAndInvert(t *testing.T) {
	m := NewManager(nil)
	surface := NewOffscreenSurface(10, 10)
	h, _ := m.Create(surface, CreateOptions{})
	vp, _ := m.Viewport(h.EngineID, h.ViewportID)

	src := memSource{"a": createTestFrame(10, 10, func(x, y int) uint16 { return uint16(x * 100) })}
	if err := vp.SetStack(models.Stack{{Protocol: "mem", Path: "a"}}, src); err != nil {
		t.Fatalf("SetStack failed: %v", err)
	}

	vp.SetVOI(models.VOIRange{WindowCenter: 450, WindowWidth: 900})
	if err := vp.Render(context.Background()); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	out := surface.Last()
	if out == nil {
		t.Fatal("Expected a presented frame")
	}
	if got := out.RGBAAt(0, 5).R; got != 0 {
		t.Errorf("Expected black at the window floor, got %d", got)
	}
	if got := out.RGBAAt(9, 5).R; got != 255 {
		t.Errorf("Expected white at the window ceiling, got %d", got)
	}

	vp.SetInvert(true)
	if err := vp.Render(context.Background()); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := surface.Last().RGBAAt(0, 5).R; got != 255 {
		t.Errorf("Expected white at the window floor when inverted, got %d", got)
	}
}

type solidLayer struct {
	visible bool
	label   uint8
}

func (l *solidLayer) Visible() bool                 { return l.visible }
func (l *solidLayer) LabelAt(frame, x, y int) uint8 { return l.label }
func (l *solidLayer) Color(uint8) color.RGBA        { return color.RGBA{R: 255, A: 255} }
func (l *solidLayer) Opacity() float64              { return 1 }

// TestRenderLayers verifies that only visible layers are composited
func TestRenderLayers(t *testing.T) {
	m := NewManager(nil)
	surface := NewOffscreenSurface(4, 4)
	h, _ := m.Create(surface, CreateOptions{})
	vp, _ := m.Viewport(h.EngineID, h.ViewportID)

	src := memSource{"a": createTestFrame(4, 4, func(x, y int) uint16 { return 0 })}
	vp.SetStack(models.Stack{{Protocol: "mem", Path: "a"}}, src)

	layer := &solidLayer{visible: true, label: 1}
	if err := vp.AddLayer("seg-1", layer); err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	if err := vp.AddLayer("seg-1", layer); err == nil {
		t.Error("Expected duplicate layer to be rejected")
	}

	vp.Render(context.Background())
	if px := surface.Last().RGBAAt(1, 1); px.R != 255 || px.G != 0 {
		t.Errorf("Expected red overlay pixel, got %+v", px)
	}

	layer.visible = false
	vp.Render(context.Background())
	if px := surface.Last().RGBAAt(1, 1); px.R == 255 && px.G == 0 {
		t.Errorf("Hidden layer must not be drawn, got %+v", px)
	}

	vp.RemoveLayer("seg-1")
	vp.RemoveLayer("seg-1")
	if len(vp.LayerIDs()) != 0 {
		t.Errorf("Expected no layers, got %v", vp.LayerIDs())
	}
}

// TestCameraRoundTrip verifies canvas and image coordinates invert each other
func TestCameraRoundTrip(t *testing.T) {
	cam := newCamera(200, 100, 50, 50, Properties{Zoom: 1.5, PanX: 12, PanY: -7})
	cx, cy := cam.toCanvas(10, 20)
	ix, iy := cam.toImage(cx, cy)
	if math.Abs(ix-10) > 1e-9 || math.Abs(iy-20) > 1e-9 {
		t.Errorf("Expected (10,20), got (%f,%f)", ix, iy)
	}
}

// TestDefaultVOI verifies stored and estimated windows
func TestDefaultVOI(t *testing.T) {
	f := createTestFrame(8, 8, func(x, y int) uint16 { return 500 })
	voi := DefaultVOI(f)
	if voi.WindowCenter != 500 || voi.WindowWidth != 1 {
		t.Errorf("Expected centre 500 width 1 for a flat frame, got %+v", voi)
	}

	f.Geometry.VOI = &models.VOIRange{WindowCenter: 40, WindowWidth: 80}
	if got := DefaultVOI(f); got.WindowCenter != 40 {
		t.Errorf("Expected stored window, got %+v", got)
	}
}

// TestSnapshot verifies the drawing buffer encodes as JPEG
func TestSnapshot(t *testing.T) {
	m := NewManager(nil)
	h, _ := m.Create(NewOffscreenSurface(16, 16), CreateOptions{})
	vp, _ := m.Viewport(h.EngineID, h.ViewportID)

	var buf bytes.Buffer
	if err := vp.Snapshot(&buf, 90); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	img, err := jpeg.Decode(&buf)
	if err != nil {
		t.Fatalf("Snapshot is not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Errorf("Expected width 16, got %d", img.Bounds().Dx())
	}

	m.Destroy(h.EngineID)
	if err := vp.Snapshot(&buf, 90); err == nil {
		t.Error("Expected snapshot of destroyed viewport to fail")
	}
}

type failingSurface struct{ *OffscreenSurface }

func (failingSurface) Release() error { return errors.New("native release failed") }

// TestDestroyReportsReleaseFailure verifies destroy finishes and reports errors
func TestDestroyReportsReleaseFailure(t *testing.T) {
	m := NewManager(nil)
	h, err := m.Create(failingSurface{NewOffscreenSurface(8, 8)}, CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Destroy(h.EngineID); err == nil {
		t.Error("Expected release failure to be reported")
	}
	if m.Count() != 0 {
		t.Errorf("Engine must be gone even when release fails, got %d", m.Count())
	}
}
