package segmentation

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"mriviewer/internal/models"
)

// compatible reports why mask cannot overlay base, or nil when it can.
// Spacing, orientation and position are compared within tol.
func compatible(base, mask models.FrameGeometry, tol float64) error {
	if base.Rows != mask.Rows || base.Columns != mask.Columns {
		return fmt.Errorf("size %dx%d does not match base %dx%d", mask.Columns, mask.Rows, base.Columns, base.Rows)
	}
	if !floats.EqualApprox(base.PixelSpacing[:], mask.PixelSpacing[:], tol) {
		return fmt.Errorf("pixel spacing %v does not match base %v", mask.PixelSpacing, base.PixelSpacing)
	}
	if !floats.EqualApprox(base.ImageOrientation[:], mask.ImageOrientation[:], tol) {
		return fmt.Errorf("orientation %v does not match base %v", mask.ImageOrientation, base.ImageOrientation)
	}
	if d := r3.Norm(r3.Sub(position(base), position(mask))); d > tol {
		return fmt.Errorf("position is %.3fmm from base (slice location %.3f, base %.3f)", d, sliceLocation(mask), sliceLocation(base))
	}
	if base.FrameOfReferenceUID != "" && mask.FrameOfReferenceUID != "" && base.FrameOfReferenceUID != mask.FrameOfReferenceUID {
		return fmt.Errorf("frame of reference %q does not match base %q", mask.FrameOfReferenceUID, base.FrameOfReferenceUID)
	}
	return nil
}

func position(g models.FrameGeometry) r3.Vec {
	return r3.Vec{X: g.ImagePosition[0], Y: g.ImagePosition[1], Z: g.ImagePosition[2]}
}

// sliceNormal is the unit normal of the image plane.
func sliceNormal(g models.FrameGeometry) r3.Vec {
	o := g.ImageOrientation
	row := r3.Vec{X: o[0], Y: o[1], Z: o[2]}
	col := r3.Vec{X: o[3], Y: o[4], Z: o[5]}
	n := r3.Cross(row, col)
	if l := r3.Norm(n); l > 0 {
		return r3.Scale(1/l, n)
	}
	return r3.Vec{Z: 1}
}

// sliceLocation is the signed distance of the frame plane from the origin
// along its normal.
func sliceLocation(g models.FrameGeometry) float64 {
	return r3.Dot(position(g), sliceNormal(g))
}
