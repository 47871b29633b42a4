package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/bradfitz/gomemcache/memcache"
)

// FrameCache is an optional second tier holding the latest JPEG bytes per
// camera. `GET /api/cameras/{id}/frame/latest` always reads the camera's Ring
// Buffer first, stores what it serves here, and falls back to this cache only
// when the Ring Buffer has no frame yet. Disabled by default — the Ring
// Buffer alone is always authoritative.
type FrameCache interface {
	/*
		PutLatest store the most recent JPEG-encoded frame for a camera

			@param ctxt context.Context - execution context
			@param cameraID string - camera the bytes belong to
			@param jpegBytes []byte - JPEG-encoded frame content
	*/
	PutLatest(ctxt context.Context, cameraID string, jpegBytes []byte) error

	/*
		GetLatest fetch the most recently stored JPEG bytes for a camera

			@param ctxt context.Context - execution context
			@param cameraID string - camera to fetch for
			@returns JPEG bytes, or ok=false if nothing is cached
	*/
	GetLatest(ctxt context.Context, cameraID string) ([]byte, bool, error)

	// Purge removes a camera's cached entry, called on deregister.
	Purge(ctxt context.Context, cameraID string) error
}

// =====================================================================================
// In-process frame cache

type inProcessEntry struct {
	content []byte
}

type inProcessFrameCacheImpl struct {
	goutils.Component
	lock  sync.RWMutex
	cache map[string]inProcessEntry
}

/*
NewInProcessFrameCache define a new in-memory frame cache

	@returns new FrameCache
*/
func NewInProcessFrameCache() (FrameCache, error) {
	return &inProcessFrameCacheImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "cache", "component": "frame-cache", "instance": "in-process"},
		},
		cache: make(map[string]inProcessEntry),
	}, nil
}

func (c *inProcessFrameCacheImpl) PutLatest(_ context.Context, cameraID string, jpegBytes []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cache[cameraID] = inProcessEntry{content: jpegBytes}
	return nil
}

func (c *inProcessFrameCacheImpl) GetLatest(_ context.Context, cameraID string) ([]byte, bool, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	entry, ok := c.cache[cameraID]
	if !ok {
		return nil, false, nil
	}
	return entry.content, true, nil
}

func (c *inProcessFrameCacheImpl) Purge(_ context.Context, cameraID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.cache, cameraID)
	return nil
}

// =====================================================================================
// Memcached-backed frame cache

type memcachedFrameCacheImpl struct {
	goutils.Component
	client *memcache.Client
	ttl    time.Duration
}

/*
NewMemcachedFrameCache define a new memcached-backed frame cache

	@param servers []string - memcached servers to connect to
	@param ttl time.Duration - entry expiration
	@returns new FrameCache
*/
func NewMemcachedFrameCache(servers []string, ttl time.Duration) (FrameCache, error) {
	logTags := log.Fields{
		"module": "cache", "component": "frame-cache", "instance": "memcached", "servers": servers,
	}

	mc := memcache.New(servers...)
	if err := mc.Ping(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Server up check failed")
		return nil, err
	}

	return &memcachedFrameCacheImpl{
		Component: goutils.Component{LogTags: logTags},
		client:    mc,
		ttl:       ttl,
	}, nil
}

func (c *memcachedFrameCacheImpl) PutLatest(_ context.Context, cameraID string, jpegBytes []byte) error {
	item := &memcache.Item{
		Key: cacheKey(cameraID), Value: jpegBytes, Expiration: int32(c.ttl.Seconds()),
	}
	if err := c.client.Set(item); err != nil {
		log.WithError(err).WithFields(c.LogTags).WithField("camera-id", cameraID).
			Error("Failed to cache latest frame")
		return err
	}
	return nil
}

func (c *memcachedFrameCacheImpl) GetLatest(_ context.Context, cameraID string) ([]byte, bool, error) {
	entry, err := c.client.Get(cacheKey(cameraID))
	if err == memcache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (c *memcachedFrameCacheImpl) Purge(_ context.Context, cameraID string) error {
	err := c.client.Delete(cacheKey(cameraID))
	if err == memcache.ErrCacheMiss {
		return nil
	}
	return err
}

func cacheKey(cameraID string) string {
	return fmt.Sprintf("frame-latest:%s", cameraID)
}
