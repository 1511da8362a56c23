package imageloader

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"mriviewer/internal/models"
)

// frameCache is a size-bounded LRU of decoded frames. A zero size disables
// it.
type frameCache struct {
	lru *lru.Cache[models.ImageReference, *models.Frame]
}

func newFrameCache(max int) *frameCache {
	if max <= 0 {
		return &frameCache{}
	}
	c, err := lru.New[models.ImageReference, *models.Frame](max)
	if err != nil {
		// only reachable with a non-positive size
		return &frameCache{}
	}
	return &frameCache{lru: c}
}

func (c *frameCache) get(ref models.ImageReference) (*models.Frame, bool) {
	if c.lru == nil {
		return nil, false
	}
	return c.lru.Get(ref)
}

func (c *frameCache) put(ref models.ImageReference, f *models.Frame) {
	if c.lru == nil {
		return
	}
	c.lru.Add(ref, f)
}

func (c *frameCache) purge() {
	if c.lru != nil {
		c.lru.Purge()
	}
}

func (c *frameCache) len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
