// Package cache provides the byte-budgeted tile cache and the compressed
// raw-window tier backing it.
package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/klauspost/compress/zstd"

	"github.com/sarview/sarview/internal/logger"
	"github.com/sarview/sarview/internal/raster"
)

// Config contains cache configuration.
type Config struct {
	// Budget caps resident display tile bytes.
	Budget int64
	// RawSizeMB caps the compressed raw-window tier; 0 disables it.
	RawSizeMB int
	// RawTTL expires raw windows. Raw entries are never deleted per
	// image, so expiry is how a closed image's windows age out.
	RawTTL time.Duration
	Logger logger.Logger
}

// Manager owns both cache tiers. Display tiles live in a strict-LRU
// keyed by TileKey and accounted in bytes; raw sample windows live in a
// bigcache keyed by RawKey, zstd-compressed, evicted by TTL and shard
// pressure only.
type Manager struct {
	log logger.Logger

	mu     sync.Mutex
	lru    *simplelru.LRU[TileKey, *Tile]
	budget int64
	bytes  int64

	raw     *bigcache.BigCache
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	oversize  atomic.Int64
	rawHits   atomic.Int64
	rawMisses atomic.Int64
}

// NewManager creates a cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("cache budget must be positive, got %d", cfg.Budget)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Null()
	}
	m := &Manager{log: log, budget: cfg.Budget}

	// Entry-count cap is effectively unbounded; eviction is driven by the
	// byte budget below.
	l, err := simplelru.NewLRU[TileKey, *Tile](math.MaxInt32, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile lru: %w", err)
	}
	m.lru = l

	if cfg.RawSizeMB > 0 {
		ttl := cfg.RawTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		// Few shards keep the per-shard byte cap large enough for a
		// whole compressed complex window.
		rawConfig := bigcache.Config{
			Shards:             64,
			LifeWindow:         ttl,
			CleanWindow:        ttl / 2,
			MaxEntriesInWindow: 1024,
			MaxEntrySize:       64 * 1024,
			HardMaxCacheSize:   cfg.RawSizeMB,
			Verbose:            false,
		}
		raw, err := bigcache.New(context.Background(), rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create raw window cache: %w", err)
		}
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		m.raw = raw
		m.encoder = encoder
		m.decoder = decoder
	}
	return m, nil
}

// onEvict runs under mu for every LRU removal and only keeps the byte
// count honest; pressure evictions are counted where they happen.
func (m *Manager) onEvict(_ TileKey, t *Tile) {
	m.bytes -= t.Bytes()
}

// Get returns a resident tile and marks it most recently used.
func (m *Manager) Get(key TileKey) (*Tile, bool) {
	m.mu.Lock()
	t, ok := m.lru.Get(key)
	m.mu.Unlock()
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return t, ok
}

// Put inserts a tile, evicting least recently used tiles until the byte
// budget holds. A tile larger than the whole budget still goes in: the
// cache empties itself and admits it as the sole resident, logging an
// OversizeWarning, so a huge tile degrades responsiveness rather than
// turning uncacheable.
func (m *Manager) Put(tile *Tile) {
	size := tile.Bytes()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lru.Peek(tile.Key); ok {
		m.lru.Remove(tile.Key)
	}

	if size > m.budget {
		m.evictions.Add(int64(m.lru.Len()))
		m.lru.Purge()
		m.lru.Add(tile.Key, tile)
		m.bytes += size
		m.oversize.Add(1)
		m.log.Warnf("cache: %v", &OversizeWarning{Key: tile.Key, Bytes: size, Budget: m.budget})
		return
	}

	m.lru.Add(tile.Key, tile)
	m.bytes += size
	for m.bytes > m.budget && m.lru.Len() > 1 {
		m.lru.RemoveOldest()
		m.evictions.Add(1)
	}
}

// Invalidate removes every display tile of one image and reports how
// many went. Other images' tiles are untouched. Raw windows are left to
// their TTL; handle ids are unique so they can never serve a new open.
func (m *Manager) Invalidate(image string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, key := range m.lru.Keys() {
		if key.Image == image {
			m.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// InvalidateStale removes display tiles of one image whose remap tag is
// no longer in the active set. Tiles under tags still held by some
// viewport survive, so viewports with different settings coexist.
func (m *Manager) InvalidateStale(image string, active map[string]struct{}) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, key := range m.lru.Keys() {
		if key.Image != image {
			continue
		}
		if _, ok := active[key.Remap]; ok {
			continue
		}
		m.lru.Remove(key)
		removed++
	}
	return removed
}

// PutRaw stores a raw sample window in the compressed tier.
func (m *Manager) PutRaw(key string, buf *raster.SampleBuffer) error {
	if m.raw == nil {
		return nil
	}
	payload, err := buf.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode raw window: %w", err)
	}
	return m.raw.Set(key, m.encoder.EncodeAll(payload, nil))
}

// GetRaw fetches a raw sample window, if still resident.
func (m *Manager) GetRaw(key string) (*raster.SampleBuffer, bool) {
	if m.raw == nil {
		return nil, false
	}
	compressed, err := m.raw.Get(key)
	if err != nil {
		m.rawMisses.Add(1)
		return nil, false
	}
	payload, err := m.decoder.DecodeAll(compressed, nil)
	if err != nil {
		m.rawMisses.Add(1)
		m.log.Warnf("cache: dropping corrupt raw window %s: %v", key, err)
		return nil, false
	}
	var buf raster.SampleBuffer
	if err := buf.UnmarshalBinary(payload); err != nil {
		m.rawMisses.Add(1)
		m.log.Warnf("cache: dropping corrupt raw window %s: %v", key, err)
		return nil, false
	}
	m.rawHits.Add(1)
	return &buf, true
}

// Stats is a point-in-time snapshot of both tiers.
type Stats struct {
	Tiles          int   `json:"tiles"`
	Bytes          int64 `json:"bytes"`
	Budget         int64 `json:"budget"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Evictions      int64 `json:"evictions"`
	OversizeAdmits int64 `json:"oversize_admits"`
	RawEntries     int   `json:"raw_entries"`
	RawHits        int64 `json:"raw_hits"`
	RawMisses      int64 `json:"raw_misses"`
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	tiles := m.lru.Len()
	bytes := m.bytes
	m.mu.Unlock()
	s := Stats{
		Tiles:          tiles,
		Bytes:          bytes,
		Budget:         m.budget,
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		Evictions:      m.evictions.Load(),
		OversizeAdmits: m.oversize.Load(),
		RawHits:        m.rawHits.Load(),
		RawMisses:      m.rawMisses.Load(),
	}
	if m.raw != nil {
		s.RawEntries = m.raw.Len()
	}
	return s
}

// Purge drops every resident tile in both tiers.
func (m *Manager) Purge() {
	m.mu.Lock()
	m.lru.Purge()
	m.mu.Unlock()
	if m.raw != nil {
		m.raw.Reset()
	}
}

// Close releases the cache manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.lru.Purge()
	m.mu.Unlock()
	if m.raw != nil {
		return m.raw.Close()
	}
	return nil
}
