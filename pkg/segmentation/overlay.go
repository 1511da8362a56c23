package segmentation

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"mriviewer/internal/models"
)

// DefaultColors is the label palette used when none is configured.
var DefaultColors = map[uint8]color.RGBA{
	1: {R: 230, G: 41, B: 55, A: 255},
	2: {R: 0, G: 158, B: 115, A: 255},
	3: {R: 0, G: 114, B: 178, A: 255},
	4: {R: 240, G: 228, B: 66, A: 255},
}

// Overlay is a labelmap registered on a tool group. It is drawn as a render
// layer on every viewport the group is attached to.
type Overlay struct {
	id      string
	groupID string
	mask    models.MaskStack
	visible func() bool

	// sizes holds the columns and rows of each labelmap frame
	sizes   []image.Point
	labels  [][]uint8
	colors  map[uint8]color.RGBA
	opacity float64
}

// ID returns the segmentation id.
func (o *Overlay) ID() string { return o.id }

// GroupID returns the id of the group the overlay is registered on.
func (o *Overlay) GroupID() string { return o.groupID }

// Mask returns the mask stack the labelmap was built from.
func (o *Overlay) Mask() models.MaskStack { return o.mask.Clone() }

// Frames returns the number of labelmap frames.
func (o *Overlay) Frames() int { return len(o.labels) }

// Visible implements render.Layer.
func (o *Overlay) Visible() bool { return o.visible() }

// LabelAt implements render.Layer.
func (o *Overlay) LabelAt(frame, x, y int) uint8 {
	if frame < 0 || frame >= len(o.labels) || x < 0 || y < 0 {
		return 0
	}
	size := o.sizes[frame]
	if x >= size.X || y >= size.Y {
		return 0
	}
	return o.labels[frame][y*size.X+x]
}

// Color implements render.Layer. Labels without a colour take the colour of
// the lowest configured label.
func (o *Overlay) Color(label uint8) color.RGBA {
	if c, ok := o.colors[label]; ok {
		return c
	}
	var lowest uint8
	for l := range o.colors {
		if lowest == 0 || l < lowest {
			lowest = l
		}
	}
	if lowest == 0 {
		return DefaultColors[1]
	}
	return o.colors[lowest]
}

// Opacity implements render.Layer.
func (o *Overlay) Opacity() float64 { return o.opacity }

// Count returns the number of labelled pixels per label.
func (o *Overlay) Count() map[uint8]int {
	out := make(map[uint8]int)
	for _, frame := range o.labels {
		for _, l := range frame {
			if l != 0 {
				out[l]++
			}
		}
	}
	return out
}

// labelFrame converts one mask frame into labels: any non-zero stored value
// is labelled, values above 255 saturate.
func labelFrame(f *models.Frame) []uint8 {
	b := f.Image.Bounds()
	out := make([]uint8, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := models.StoredValue(f.Image, b.Min.X+x, b.Min.Y+y)
			switch {
			case v <= 0:
			case v >= 255:
				out[y*b.Dx()+x] = 255
			default:
				out[y*b.Dx()+x] = uint8(v)
			}
		}
	}
	return out
}

// ParseColors converts "#rrggbb" strings keyed by label into a palette.
func ParseColors(in map[int]string) (map[uint8]color.RGBA, error) {
	out := make(map[uint8]color.RGBA, len(in))
	for label, s := range in {
		if label < 1 || label > 255 {
			return nil, fmt.Errorf("label %d out of range 1..255", label)
		}
		hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
		if len(hex) != 6 {
			return nil, fmt.Errorf("colour %q of label %d is not #rrggbb", s, label)
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("colour %q of label %d: %w", s, label, err)
		}
		out[uint8(label)] = color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
	}
	return out, nil
}
