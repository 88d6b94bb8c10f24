package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/singleflight"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

const (
	// DefaultCacheTTL is the read-cache freshness window.
	DefaultCacheTTL = 50 * time.Second
	// DefaultFlushInterval is the write-buffer flush period.
	DefaultFlushInterval = 30 * time.Second
)

// Source tags where a visit count was served from.
type Source string

const (
	ServedInMemory Source = "in_memory"
	ServedViaRedis Source = "in_redis"
)

// ShardRouter is the slice of the shard manager the engine needs: routed
// counter reads and increments against the backend store.
type ShardRouter interface {
	Get(ctx context.Context, key string) (value int64, found bool, err error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
}

type cacheEntry struct {
	count     int64
	fetchedAt time.Time
}

// keyLocks hands out one mutex per key, created lazily under a small guard so
// two first-touches of the same key never race into separate locks. Entries
// are kept for the process lifetime; evicting one could yank a lock from
// under a waiter.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

// VisitCounterService is the tiered counter engine: increments land in a
// per-key write buffer that a background loop flushes to the backend as one
// INCRBY per key, and reads are served from a TTL cache plus whatever delta
// is still buffered. A burst of visits therefore never causes a proportional
// burst of backend operations.
type VisitCounterService struct {
	router        ShardRouter
	cacheTTL      time.Duration
	flushInterval time.Duration
	flushEvents   *kafka.Writer

	bufferLocks *keyLocks
	bufMu       sync.Mutex
	buffer      map[string]int64

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
	loads   singleflight.Group
}

// NewVisitCounterService wires the engine to a shard router. Zero durations
// fall back to the defaults; a nil writer disables flush events.
func NewVisitCounterService(router ShardRouter, cacheTTL, flushInterval time.Duration, flushEvents *kafka.Writer) *VisitCounterService {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &VisitCounterService{
		router:        router,
		cacheTTL:      cacheTTL,
		flushInterval: flushInterval,
		flushEvents:   flushEvents,
		bufferLocks:   newKeyLocks(),
		buffer:        make(map[string]int64),
		cache:         make(map[string]cacheEntry),
	}
}

// IncrementVisit records one visit for a page. It only touches the in-memory
// buffer, never the backend, so it returns immediately.
func (s *VisitCounterService) IncrementVisit(ctx context.Context, pageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.bufferLocks.get(pageID)
	lock.Lock()
	s.bufMu.Lock()
	s.buffer[pageID]++
	s.bufMu.Unlock()
	lock.Unlock()
	return nil
}

// GetVisitCount returns the current count for a page and where it was served
// from. A fresh cache entry answers directly; otherwise the pending delta is
// flushed, the backend is read, and the cache refreshed. Either way the delta
// buffered at return time is added on top, so accepted visits are never
// under-reported.
func (s *VisitCounterService) GetVisitCount(ctx context.Context, pageID string) (int64, Source, error) {
	base, fresh := s.cachedCount(pageID)
	source := ServedInMemory
	if !fresh {
		value, err, _ := s.loads.Do(pageID, func() (interface{}, error) {
			return s.loadCount(ctx, pageID)
		})
		if err != nil {
			return 0, "", err
		}
		base = value.(int64)
		source = ServedViaRedis
	}

	lock := s.bufferLocks.get(pageID)
	lock.Lock()
	s.bufMu.Lock()
	base += s.buffer[pageID]
	s.bufMu.Unlock()
	lock.Unlock()

	return base, source, nil
}

func (s *VisitCounterService) cachedCount(pageID string) (int64, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.cache[pageID]
	if !ok || time.Since(entry.fetchedAt) >= s.cacheTTL {
		return 0, false
	}
	return entry.count, true
}

// loadCount is the cache-miss path: flush the page's pending delta so the
// stored value reflects accepted visits, read it back, and cache the result.
// On error the cache is left untouched.
func (s *VisitCounterService) loadCount(ctx context.Context, pageID string) (int64, error) {
	if err := s.flushBufferKey(ctx, pageID); err != nil {
		return 0, err
	}
	count, _, err := s.router.Get(ctx, pageID)
	if err != nil {
		return 0, err
	}
	s.cacheMu.Lock()
	s.cache[pageID] = cacheEntry{count: count, fetchedAt: time.Now()}
	s.cacheMu.Unlock()
	return count, nil
}

// flushBufferKey promotes a page's buffered delta into one INCRBY. Under the
// per-key lock no concurrent increment can interleave: it either made it into
// the flushed delta or starts a fresh buffer entry afterwards. On backend
// failure the delta stays buffered and is retried on the next tick.
func (s *VisitCounterService) flushBufferKey(ctx context.Context, pageID string) error {
	lock := s.bufferLocks.get(pageID)
	lock.Lock()
	defer lock.Unlock()

	s.bufMu.Lock()
	n, ok := s.buffer[pageID]
	s.bufMu.Unlock()
	if !ok {
		return nil
	}

	if n > 0 {
		newCount, err := s.router.IncrBy(ctx, pageID, n)
		if err != nil {
			return fmt.Errorf("flush %q: %w", pageID, err)
		}
		s.publishFlush(ctx, pageID, n, newCount)
	}

	s.bufMu.Lock()
	delete(s.buffer, pageID)
	s.bufMu.Unlock()
	return nil
}

// Run drives the periodic flush until ctx is cancelled, then performs one
// final sweep so a clean shutdown loses nothing that was buffered. Flush
// errors are logged and retried next tick, never propagated.
func (s *VisitCounterService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flushAll(context.Background())
			return
		case <-ticker.C:
			s.flushAll(ctx)
		}
	}
}

func (s *VisitCounterService) flushAll(ctx context.Context) {
	s.bufMu.Lock()
	pages := make([]string, 0, len(s.buffer))
	for pageID := range s.buffer {
		pages = append(pages, pageID)
	}
	s.bufMu.Unlock()

	for _, pageID := range pages {
		if err := s.flushBufferKey(ctx, pageID); err != nil {
			logger.Error().Err(err).Str("page_id", pageID).Msg("buffer flush failed, delta retained")
		}
	}
}

type flushEvent struct {
	PageID   string `json:"page_id"`
	Delta    int64  `json:"delta"`
	NewCount int64  `json:"new_count"`
}

// publishFlush emits one event per successful flush, keyed by page so a
// page's events stay on one partition. Volume tracks flushes, not visits.
func (s *VisitCounterService) publishFlush(ctx context.Context, pageID string, delta, newCount int64) {
	if s.flushEvents == nil {
		return
	}
	payload, err := json.Marshal(flushEvent{PageID: pageID, Delta: delta, NewCount: newCount})
	if err != nil {
		return
	}
	if err := s.flushEvents.WriteMessages(ctx, kafka.Message{Key: []byte(pageID), Value: payload}); err != nil {
		logger.Error().Err(err).Str("page_id", pageID).Msg("publishing flush event failed")
	}
}
