// Package metadata supplies per-frame geometry without decoding pixel data.
package metadata

import (
	"sync"

	"mriviewer/internal/models"
)

// Provider looks up the geometry of a frame.
type Provider interface {
	Geometry(ref models.ImageReference) (models.FrameGeometry, bool)
}

// Store is an in-memory Provider that resolvers and loaders write into.
type Store struct {
	mu   sync.RWMutex
	geom map[models.ImageReference]models.FrameGeometry
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{geom: make(map[models.ImageReference]models.FrameGeometry)}
}

// Geometry implements Provider.
func (s *Store) Geometry(ref models.ImageReference) (models.FrameGeometry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.geom[ref]
	return g, ok
}

// Put records the geometry of ref, replacing any previous value.
func (s *Store) Put(ref models.ImageReference, g models.FrameGeometry) {
	s.mu.Lock()
	s.geom[ref] = g
	s.mu.Unlock()
}

// Delete forgets ref.
func (s *Store) Delete(ref models.ImageReference) {
	s.mu.Lock()
	delete(s.geom, ref)
	s.mu.Unlock()
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.geom)
}

// Chain queries providers in order and returns the first hit.
type Chain []Provider

// Geometry implements Provider.
func (c Chain) Geometry(ref models.ImageReference) (models.FrameGeometry, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if g, ok := p.Geometry(ref); ok {
			return g, true
		}
	}
	return models.FrameGeometry{}, false
}
