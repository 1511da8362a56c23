package render

import (
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/stat"

	"mriviewer/internal/models"
)

// maxVOISamples bounds the pixels read when estimating a default window
const maxVOISamples = 64 * 64

// camera maps between canvas and image pixel coordinates. The image is
// fitted to the canvas, centred, then zoomed and panned.
type camera struct {
	cw, ch     float64
	cols, rows float64
	scale      float64
	panX, panY float64
}

func newCamera(canvasW, canvasH, cols, rows int, p Properties) camera {
	zoom := p.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	fit := 1.0
	if cols > 0 && rows > 0 {
		fit = math.Min(float64(canvasW)/float64(cols), float64(canvasH)/float64(rows))
	}
	return camera{
		cw: float64(canvasW), ch: float64(canvasH),
		cols: float64(cols), rows: float64(rows),
		scale: fit * zoom,
		panX:  p.PanX, panY: p.PanY,
	}
}

func (c camera) toImage(cx, cy float64) (float64, float64) {
	ix := (cx-c.cw/2-c.panX)/c.scale + c.cols/2
	iy := (cy-c.ch/2-c.panY)/c.scale + c.rows/2
	return ix, iy
}

func (c camera) toCanvas(ix, iy float64) (float64, float64) {
	cx := (ix-c.cols/2)*c.scale + c.cw/2 + c.panX
	cy := (iy-c.rows/2)*c.scale + c.ch/2 + c.panY
	return cx, cy
}

// DefaultVOI returns the stored window of f, or one estimated from its
// modality values as mean ± 2 standard deviations.
func DefaultVOI(f *models.Frame) models.VOIRange {
	if f.Geometry.VOI != nil && f.Geometry.VOI.WindowWidth > 0 {
		return *f.Geometry.VOI
	}
	b := f.Image.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return models.VOIRange{WindowCenter: 0, WindowWidth: 1}
	}
	step := 1
	if n > maxVOISamples {
		step = int(math.Ceil(math.Sqrt(float64(n) / maxVOISamples)))
	}
	values := make([]float64, 0, n/(step*step)+1)
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			values = append(values, f.ModalityValue(x, y))
		}
	}
	mean, std := stat.MeanStdDev(values, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return models.VOIRange{WindowCenter: mean, WindowWidth: math.Max(4*std, 1)}
}

// applyVOI maps a modality value to an 8 bit grey level with a linear window.
func applyVOI(value float64, voi models.VOIRange) uint8 {
	lo, hi := voi.Lower(), voi.Upper()
	switch {
	case value <= lo:
		return 0
	case value >= hi:
		return 255
	}
	return uint8(math.Round((value - lo) / (hi - lo) * 255))
}

// drawFrame renders f into dst with nearest-neighbour sampling and blends
// the label layers on top.
func drawFrame(dst *image.RGBA, f *models.Frame, frameIndex int, voi models.VOIRange, p Properties, bg uint8, layers []Layer) {
	b := f.Image.Bounds()
	cols, rows := b.Dx(), b.Dy()
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	cam := newCamera(w, h, cols, rows, p)
	back := color.RGBA{R: bg, G: bg, B: bg, A: 255}

	for cy := 0; cy < h; cy++ {
		for cx := 0; cx < w; cx++ {
			fx, fy := cam.toImage(float64(cx)+0.5, float64(cy)+0.5)
			ix, iy := int(math.Floor(fx)), int(math.Floor(fy))
			if ix < 0 || iy < 0 || ix >= cols || iy >= rows {
				dst.SetRGBA(cx, cy, back)
				continue
			}
			g := applyVOI(f.ModalityValue(b.Min.X+ix, b.Min.Y+iy), voi)
			if p.Invert {
				g = 255 - g
			}
			px := color.RGBA{R: g, G: g, B: g, A: 255}
			for _, l := range layers {
				if label := l.LabelAt(frameIndex, ix, iy); label != 0 {
					px = blend(px, l.Color(label), l.Opacity())
				}
			}
			dst.SetRGBA(cx, cy, px)
		}
	}
}

func blend(under, over color.RGBA, alpha float64) color.RGBA {
	alpha = math.Max(0, math.Min(1, alpha))
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a)*(1-alpha) + float64(b)*alpha))
	}
	return color.RGBA{R: mix(under.R, over.R), G: mix(under.G, over.G), B: mix(under.B, over.B), A: 255}
}
