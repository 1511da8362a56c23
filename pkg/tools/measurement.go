package tools

// Measurement is a local annotation result. It lives only as long as its
// group and is never persisted.
type Measurement struct {
	Tool       ToolKind
	ViewportID string
	FrameIndex int

	// Start and End are image pixel coordinates of the gesture
	Start [2]float64
	End   [2]float64

	// LengthMM is set by the length tool
	LengthMM float64

	// Pixels, Mean, StdDev and AreaMM2 are set by the rectangular-region tool
	Pixels  int
	Mean    float64
	StdDev  float64
	AreaMM2 float64
}
