// Package redis
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"visit-counter/internal/hashring"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

var (
	// ErrNoShards is returned when a key is routed on an empty ring.
	ErrNoShards = errors.New("no redis shards available")
	// ErrLastShard is returned when removing the only remaining shard,
	// which would leave migration with no target.
	ErrLastShard = errors.New("cannot remove the last redis shard")
)

// DefaultPoolSize caps the connection pool of each shard client.
const DefaultPoolSize = 200

// Manager owns one pooled client per backend shard and the hash ring that
// routes keys to them. Membership changes go through AddShard/RemoveShard,
// which migrate stored keys so counter values survive topology changes.
type Manager struct {
	mu       sync.RWMutex
	clients  map[string]*goredis.Client
	ring     *hashring.Ring
	poolSize int
}

func NewManager(poolSize int) *Manager {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Manager{
		clients:  make(map[string]*goredis.Client),
		ring:     hashring.NewRing(hashring.DefaultVirtualNodes),
		poolSize: poolSize,
	}
}

// AddShard registers a new shard and migrates every key whose owner under the
// updated ring is the new shard. Adding an already-present shard is a no-op.
// Migration is best-effort: per-key failures are logged and aggregated into
// the returned error while the manager keeps serving.
func (m *Manager) AddShard(ctx context.Context, shardURL string) error {
	m.mu.Lock()
	if _, ok := m.clients[shardURL]; ok {
		m.mu.Unlock()
		return nil
	}
	opts, err := goredis.ParseURL(shardURL)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("parse shard url %q: %w", shardURL, err)
	}
	opts.PoolSize = m.poolSize

	oldRing := m.ring
	newRing := m.ring.Clone()
	newRing.Add(shardURL)
	m.clients[shardURL] = goredis.NewClient(opts)
	m.ring = newRing
	clients := m.snapshotClientsLocked()
	m.mu.Unlock()

	logger.Info().Str("shard", shardURL).Msg("adding redis shard")
	return m.migrateToNewShard(ctx, clients, oldRing, newRing, shardURL)
}

// migrateToNewShard moves every key the updated ring assigns to the new shard
// from its previous owner. Keys already present on the new shard are assumed
// current and skipped.
func (m *Manager) migrateToNewShard(ctx context.Context, clients map[string]*goredis.Client, oldRing, newRing *hashring.Ring, newShard string) error {
	newClient := clients[newShard]
	present, err := newClient.Keys(ctx, "*").Result()
	if err != nil {
		return fmt.Errorf("list keys on new shard %s: %w", newShard, err)
	}
	onNewShard := make(map[string]struct{}, len(present))
	for _, key := range present {
		onNewShard[key] = struct{}{}
	}

	candidates, err := allKeys(ctx, clients)
	if err != nil {
		return fmt.Errorf("enumerate keys for migration: %w", err)
	}

	var failed int
	for _, key := range candidates {
		if _, ok := onNewShard[key]; ok {
			continue
		}
		if owner, _ := newRing.Lookup(key); owner != newShard {
			continue
		}
		oldOwner, ok := oldRing.Lookup(key)
		if !ok {
			continue
		}
		logger.Info().Str("key", key).Str("from", oldOwner).Str("to", newShard).Msg("migrating key")
		if err := migrateKey(ctx, clients[oldOwner], newClient, key); err != nil {
			logger.Error().Err(err).Str("key", key).Str("from", oldOwner).Str("to", newShard).Msg("key migration failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("add shard %s: %d migration step(s) failed", newShard, failed)
	}
	return nil
}

// RemoveShard takes a shard out of the ring, migrates its keys to their new
// owners, and closes its client. Removing an unknown shard is a no-op;
// removing the only shard fails with ErrLastShard.
func (m *Manager) RemoveShard(ctx context.Context, shardURL string) error {
	m.mu.Lock()
	client, ok := m.clients[shardURL]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if len(m.clients) == 1 {
		m.mu.Unlock()
		return ErrLastShard
	}
	newRing := m.ring.Clone()
	newRing.Remove(shardURL)
	delete(m.clients, shardURL)
	m.ring = newRing
	clients := m.snapshotClientsLocked()
	m.mu.Unlock()

	logger.Info().Str("shard", shardURL).Msg("removing redis shard")

	var failed int
	keys, err := client.Keys(ctx, "*").Result()
	if err != nil {
		logger.Error().Err(err).Str("shard", shardURL).Msg("listing keys for migration failed")
		failed++
	}
	for _, key := range keys {
		owner, ok := newRing.Lookup(key)
		if !ok {
			failed++
			continue
		}
		logger.Info().Str("key", key).Str("from", shardURL).Str("to", owner).Msg("migrating key")
		if err := migrateKey(ctx, client, clients[owner], key); err != nil {
			logger.Error().Err(err).Str("key", key).Str("from", shardURL).Str("to", owner).Msg("key migration failed")
			failed++
		}
	}
	if err := client.Close(); err != nil {
		logger.Error().Err(err).Str("shard", shardURL).Msg("closing shard client failed")
	}
	if failed > 0 {
		return fmt.Errorf("remove shard %s: %d migration step(s) failed", shardURL, failed)
	}
	return nil
}

// migrateKey copies a key to its new owner before deleting it from the old
// one, so a mid-migration failure leaves the key on one shard or the other
// but never deleted from both.
func migrateKey(ctx context.Context, from, to *goredis.Client, key string) error {
	value, err := from.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return fmt.Errorf("get: %w", err)
	}
	if err := to.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	if err := from.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (m *Manager) snapshotClientsLocked() map[string]*goredis.Client {
	clients := make(map[string]*goredis.Client, len(m.clients))
	for url, client := range m.clients {
		clients[url] = client
	}
	return clients
}

// Connection resolves the client owning the given key via the ring.
func (m *Manager) Connection(key string) (*goredis.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shard, ok := m.ring.Lookup(key)
	if !ok {
		return nil, ErrNoShards
	}
	return m.clients[shard], nil
}

// NodeFor reports which shard currently owns the given key.
func (m *Manager) NodeFor(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.Lookup(key)
}

// Shards returns the registered shard URLs, sorted.
func (m *Manager) Shards() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shards := make([]string, 0, len(m.clients))
	for url := range m.clients {
		shards = append(shards, url)
	}
	sort.Strings(shards)
	return shards
}

// Get fetches the counter stored at key. An absent key reads as (0, false).
func (m *Manager) Get(ctx context.Context, key string) (int64, bool, error) {
	client, err := m.Connection(key)
	if err != nil {
		return 0, false, err
	}
	value, err := client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// IncrBy applies a buffered delta to the stored counter and returns the new
// value.
func (m *Manager) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	client, err := m.Connection(key)
	if err != nil {
		return 0, err
	}
	value, err := client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %q: %w", key, err)
	}
	return value, nil
}

// AllKeys enumerates the keys stored across every shard.
func (m *Manager) AllKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	clients := m.snapshotClientsLocked()
	m.mu.RUnlock()
	return allKeys(ctx, clients)
}

func allKeys(ctx context.Context, clients map[string]*goredis.Client) ([]string, error) {
	var all []string
	for url, client := range clients {
		keys, err := client.Keys(ctx, "*").Result()
		if err != nil {
			return nil, fmt.Errorf("list keys on %s: %w", url, err)
		}
		all = append(all, keys...)
	}
	return all, nil
}

// Close releases every shard client and its pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for url, client := range m.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", url, err)
		}
		delete(m.clients, url)
	}
	return firstErr
}
