package models

import (
	"image"
)

// FrameGeometry holds the spatial metadata of a single frame
type FrameGeometry struct {
	// Rows and Columns are the pixel dimensions of the frame
	Rows    int `yaml:"rows"`
	Columns int `yaml:"columns"`

	// PixelSpacing is the physical distance between pixel centres in mm,
	// as (row spacing, column spacing)
	PixelSpacing [2]float64 `yaml:"pixelSpacing"`

	// ImagePosition is the patient-space position of the first pixel in mm
	ImagePosition [3]float64 `yaml:"imagePosition"`

	// ImageOrientation holds the row and column direction cosines
	ImageOrientation [6]float64 `yaml:"imageOrientation"`

	// FrameOfReferenceUID groups frames that share a patient coordinate system.
	// Empty means unknown and is not compared.
	FrameOfReferenceUID string `yaml:"frameOfReferenceUID,omitempty"`

	// SliceThickness is the physical thickness of the slice in mm
	SliceThickness float64 `yaml:"sliceThickness,omitempty"`

	// VOI is the stored window, if the frame carries one
	VOI *VOIRange `yaml:"voi,omitempty"`

	// RescaleSlope and RescaleIntercept map stored values to modality values.
	// A zero slope is treated as 1.
	RescaleSlope     float64 `yaml:"rescaleSlope,omitempty"`
	RescaleIntercept float64 `yaml:"rescaleIntercept,omitempty"`
}

// VOIRange is a window centre/width pair
type VOIRange struct {
	WindowCenter float64 `yaml:"windowCenter"`
	WindowWidth  float64 `yaml:"windowWidth"`
}

// Lower returns the lowest modality value inside the window.
func (v VOIRange) Lower() float64 { return v.WindowCenter - v.WindowWidth/2 }

// Upper returns the highest modality value inside the window.
func (v VOIRange) Upper() float64 { return v.WindowCenter + v.WindowWidth/2 }

// DefaultOrientation is the axial row/column direction cosine pair.
var DefaultOrientation = [6]float64{1, 0, 0, 0, 1, 0}

// Slope returns the rescale slope, defaulting to 1.
func (g FrameGeometry) Slope() float64 {
	if g.RescaleSlope == 0 {
		return 1
	}
	return g.RescaleSlope
}

// Frame is a decoded image frame with its geometry
type Frame struct {
	// Reference is the reference the frame was loaded from
	Reference ImageReference

	// Image holds the stored pixel values. Gray16 and Gray are the common
	// cases; any image.Image is accepted and read through its color model.
	Image image.Image

	// Geometry is the spatial metadata of the frame
	Geometry FrameGeometry
}

// ModalityValue returns the rescaled value of the pixel at (x, y).
func (f *Frame) ModalityValue(x, y int) float64 {
	return StoredValue(f.Image, x, y)*f.Geometry.Slope() + f.Geometry.RescaleIntercept
}

// StoredValue reads the grey level of a pixel. Gray16 and Gray images keep
// their native range; other models are reduced to 16 bit luma.
func StoredValue(img image.Image, x, y int) float64 {
	switch im := img.(type) {
	case *image.Gray16:
		return float64(im.Gray16At(x, y).Y)
	case *image.Gray:
		return float64(im.GrayAt(x, y).Y)
	default:
		r, g, b, _ := img.At(x, y).RGBA()
		// Rec. 601 luma on 16 bit channels
		return (299*float64(r) + 587*float64(g) + 114*float64(b)) / 1000
	}
}
