package caption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/book-expert/story-narrator/internal/core"
	gocache "github.com/patrickmn/go-cache"
)

const cacheCleanupFactor = 2

// CachingCaptioner memoizes successful captions by the SHA-256 of the image bytes.
type CachingCaptioner struct {
	next  core.Captioner
	cache *gocache.Cache
}

// NewCachingCaptioner wraps next with a cache whose entries live for ttl.
func NewCachingCaptioner(next core.Captioner, ttl time.Duration) *CachingCaptioner {
	return &CachingCaptioner{
		next:  next,
		cache: gocache.New(ttl, cacheCleanupFactor*ttl),
	}
}

// Caption returns the cached caption for identical image data or delegates.
func (c *CachingCaptioner) Caption(ctx context.Context, image core.Image) (core.Caption, error) {
	key := imageKey(image.Data)

	if cached, found := c.cache.Get(key); found {
		if caption, ok := cached.(core.Caption); ok {
			return caption, nil
		}
	}

	caption, err := c.next.Caption(ctx, image)
	if err != nil {
		return "", err
	}

	c.cache.SetDefault(key, caption)

	return caption, nil
}

func imageKey(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
