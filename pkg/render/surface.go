package render

import (
	"image"
	"sync"
)

// Surface is the display element a viewport draws into. It must be
// attached to the display tree and have a nonzero size when a viewport is
// enabled on it.
type Surface interface {
	Attached() bool
	Size() (width, height int)
	Present(frame *image.RGBA) error
}

// Releaser is implemented by surfaces that hold native resources which must
// be freed when their viewport is destroyed.
type Releaser interface {
	Release() error
}

// OffscreenSurface is an in-memory Surface. It keeps the last presented
// frame so hosts without a display (CLI, tests) can read it back.
type OffscreenSurface struct {
	mu       sync.Mutex
	width    int
	height   int
	attached bool
	last     *image.RGBA
	presents int
	released bool
}

// NewOffscreenSurface returns an attached surface of the given size.
func NewOffscreenSurface(width, height int) *OffscreenSurface {
	return &OffscreenSurface{width: width, height: height, attached: true}
}

func (s *OffscreenSurface) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *OffscreenSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Present copies frame so later draws do not alter what was presented.
func (s *OffscreenSurface) Present(frame *image.RGBA) error {
	cp := image.NewRGBA(frame.Rect)
	copy(cp.Pix, frame.Pix)
	s.mu.Lock()
	s.last = cp
	s.presents++
	s.mu.Unlock()
	return nil
}

// Release marks the surface as no longer backing a viewport.
func (s *OffscreenSurface) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

// Attach and Detach model insertion into and removal from the display tree.
func (s *OffscreenSurface) Attach() {
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
}

func (s *OffscreenSurface) Detach() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

// Resize changes the layout size of the surface.
func (s *OffscreenSurface) Resize(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

// Last returns the most recently presented frame, or nil.
func (s *OffscreenSurface) Last() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Presents returns how many frames were presented.
func (s *OffscreenSurface) Presents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presents
}

// Released reports whether Release was called.
func (s *OffscreenSurface) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
