package feed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// MaxPosts is the number of newest posts considered for one feed page
const MaxPosts = 120

// loadTimeout bounds a shared store read, which no single request owns
const loadTimeout = 10 * time.Second

// Cache states reported with a page
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Page is one ranked feed response
type Page struct {
	Items []RankedPost `json:"items"`
	Cache string       `json:"cache"`
}

// Stats are the feed cache counters
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
	TTLSec  int    `json:"ttlSec"`
}

// Service builds ranked feeds on top of the post store
type Service struct {
	store storage.PostStore
	cache *Cache
	group singleflight.Group
	clock clock.Clock
	ttl   time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewService creates a new feed service
func NewService(store storage.PostStore, ttl time.Duration, clk clock.Clock) *Service {
	return &Service{
		store: store,
		cache: NewCache(ttl, clk),
		clock: clk,
		ttl:   ttl,
	}
}

// Feed returns the ranked page for area, served from cache while fresh.
// Concurrent misses on the same key and generation share one store read;
// a caller that gives up does not cancel the read for the others.
func (s *Service) Feed(ctx context.Context, area string) (*Page, error) {
	key := CacheKey(area)
	if items, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		return &Page{Items: items, Cache: CacheHit}, nil
	}

	s.misses.Add(1)
	gen := s.cache.Generation(key)
	ch := s.group.DoChan(fmt.Sprintf("%s#%d", key, gen), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return s.load(loadCtx, key, area, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return &Page{Items: res.Val.([]RankedPost), Cache: CacheMiss}, nil
	}
}

func (s *Service) load(ctx context.Context, key, area string, gen uint64) ([]RankedPost, error) {
	posts, err := s.store.ListPosts(ctx, storage.PostFilter{Area: area, Limit: MaxPosts})
	if err != nil {
		return nil, fmt.Errorf("failed to load feed posts: %w", err)
	}

	items := Rank(posts, s.clock.Now())
	if !s.cache.SetIfCurrent(key, gen, items) {
		logrus.WithField("key", key).Debug("Feed invalidated during load, page not cached")
		return items, nil
	}

	logrus.WithFields(logrus.Fields{
		"key":   key,
		"posts": len(items),
	}).Debug("Feed cache filled")
	return items, nil
}

// Invalidate drops cached pages affected by a write in area
func (s *Service) Invalidate(area string) {
	s.cache.Invalidate(area)
}

// Stats returns cache counters
func (s *Service) Stats() Stats {
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: s.cache.Len(),
		TTLSec:  int(s.ttl / time.Second),
	}
}
