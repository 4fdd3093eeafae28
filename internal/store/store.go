// Package store coordinates tile production: raw sample windows come
// from the image readers, get remapped into display tiles, and land in
// the cache. Concurrent requests for the same tile collapse into one
// reader round trip.
package store

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sarview/sarview/internal/cache"
	"github.com/sarview/sarview/internal/data"
	"github.com/sarview/sarview/internal/logger"
	"github.com/sarview/sarview/internal/pyramid"
	"github.com/sarview/sarview/internal/raster"
	"github.com/sarview/sarview/pkg/remap"
)

// ErrImageClosed reports an operation against a closed image handle.
var ErrImageClosed = errors.New("image handle is closed")

// ErrQueueFull reports that the background fetch queue rejected a job.
var ErrQueueFull = errors.New("fetch queue is full")

// TileFetchError reports a failed tile production. Failures are never
// cached, so the next request for the same key retries the reader.
type TileFetchError struct {
	Key cache.TileKey
	Err error
}

func (e *TileFetchError) Error() string { return fmt.Sprintf("fetch tile %s: %v", e.Key, e.Err) }

func (e *TileFetchError) Unwrap() error { return e.Err }

// Config contains store configuration.
type Config struct {
	// TileSize is the tile edge length in level pixels.
	TileSize int
	// Factor is the decimation ratio between adjacent pyramid levels.
	Factor int
	// Workers sets the background fetch pool size; 0 means NumCPU.
	Workers int
	// QueueDepth bounds the background fetch queue.
	QueueDepth int
	// FetchTimeout caps one tile production end to end.
	FetchTimeout time.Duration
	Cache        *cache.Manager
	Logger       logger.Logger
}

// Store owns the open images and produces display tiles on demand.
type Store struct {
	tileSize     int
	factor       int
	workers      int
	fetchTimeout time.Duration
	cache        *cache.Manager
	log          logger.Logger

	flight singleflight.Group

	mu     sync.Mutex
	images map[string]*ImageHandle

	queue    chan fetchJob
	wg       sync.WaitGroup
	stopOnce sync.Once

	readerReads atomic.Int64
	dropped     atomic.Int64
}

type fetchJob struct {
	handle *ImageHandle
	level  int
	coord  pyramid.Coord
	cfg    remap.Config
	done   func(*cache.Tile, error)
}

// NewStore creates a store. Call Start to spin up the background fetch
// workers and Stop to drain them.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Cache == nil {
		return nil, errors.New("store requires a cache manager")
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = 512
	}
	if cfg.Factor < 2 {
		cfg.Factor = 2
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Null()
	}
	return &Store{
		tileSize:     cfg.TileSize,
		factor:       cfg.Factor,
		workers:      cfg.Workers,
		fetchTimeout: cfg.FetchTimeout,
		cache:        cfg.Cache,
		log:          log,
		images:       make(map[string]*ImageHandle),
		queue:        make(chan fetchJob, cfg.QueueDepth),
	}, nil
}

// Start launches the background fetch workers.
func (s *Store) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop drains the background queue and closes every open image.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
	s.mu.Lock()
	handles := make([]*ImageHandle, 0, len(s.images))
	for _, h := range s.images {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		if err := s.Close(h); err != nil {
			s.log.Warnf("store: closing %s: %v", h.Name(), err)
		}
	}
}

// Open registers a reader as an image and builds its pyramid geometry.
// The returned handle carries a fresh unique id.
func (s *Store) Open(name string, r data.Reader) (*ImageHandle, error) {
	w, h := r.Dims()
	kind := r.Kind()
	if kind != raster.KindReal32 && kind != raster.KindComplex64 {
		return nil, fmt.Errorf("image %s has unsupported sample kind %s", name, kind)
	}
	pyr, err := pyramid.New(w, h, s.tileSize, s.factor)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", name, err)
	}
	handle := &ImageHandle{
		id:       newHandleID(name),
		name:     name,
		reader:   r,
		pyr:      pyr,
		kind:     kind,
		openedAt: time.Now(),
		tags:     make(map[string]int),
	}
	s.mu.Lock()
	s.images[handle.id] = handle
	s.mu.Unlock()
	s.log.Infof("store: opened %s (%dx%d %s, %d levels)", handle.id, w, h, kind, pyr.LevelCount()+1)
	return handle, nil
}

// Close tears an image down: its display tiles leave the cache at once
// and any in-flight or later resolve fails with ErrImageClosed. Raw
// windows age out on their own TTL.
func (s *Store) Close(h *ImageHandle) error {
	if !h.markClosed() {
		return nil
	}
	s.mu.Lock()
	delete(s.images, h.id)
	s.mu.Unlock()
	removed := s.cache.Invalidate(h.id)
	err := h.reader.Close()
	s.log.Infof("store: closed %s, dropped %d tiles", h.id, removed)
	return err
}

// Handle looks an open image up by handle id.
func (s *Store) Handle(id string) (*ImageHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.images[id]
	return h, ok
}

// Handles snapshots the open images.
func (s *Store) Handles() []*ImageHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ImageHandle, 0, len(s.images))
	for _, h := range s.images {
		out = append(out, h)
	}
	return out
}

// Attach registers a viewport on an image under its remap tag.
func (s *Store) Attach(h *ImageHandle, tag string) error {
	return h.attach(tag)
}

// Detach drops a viewport registration and sweeps tiles whose remap tag
// no viewport holds anymore. The last registration going away closes
// the image and drops all of its tiles.
func (s *Store) Detach(h *ImageHandle, tag string) {
	if h.detach(tag) == 0 {
		if err := s.Close(h); err != nil {
			s.log.Warnf("store: closing %s: %v", h.Name(), err)
		}
		return
	}
	s.sweepStale(h)
}

// Retag moves a viewport from one remap tag to another. Tiles under the
// old tag survive only while some other viewport still uses it.
func (s *Store) Retag(h *ImageHandle, oldTag, newTag string) {
	if oldTag == newTag {
		return
	}
	h.swapTag(oldTag, newTag)
	s.sweepStale(h)
}

func (s *Store) sweepStale(h *ImageHandle) {
	if h.isClosed() {
		return
	}
	if removed := s.cache.InvalidateStale(h.id, h.activeTags()); removed > 0 {
		s.log.Debugf("store: swept %d stale tiles of %s", removed, h.id)
	}
}

// Peek returns a tile only if it is already resident. Preview rendering
// uses it to show whatever is on hand without waiting on a reader.
func (s *Store) Peek(h *ImageHandle, level int, coord pyramid.Coord, cfg remap.Config) (*cache.Tile, bool) {
	if h.isClosed() {
		return nil, false
	}
	key := cache.TileKey{Image: h.id, Level: level, Row: coord.Row, Col: coord.Col, Remap: cfg.Tag()}
	return s.cache.Get(key)
}

// Resolve produces one display tile, blocking until it is available or
// failed. Concurrent calls for the same key join a single in-flight
// production; joiners that give up early leave the flight running so the
// tile still lands in the cache for everyone else.
func (s *Store) Resolve(ctx context.Context, h *ImageHandle, level int, coord pyramid.Coord, cfg remap.Config) (*cache.Tile, error) {
	norm, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	key := cache.TileKey{Image: h.id, Level: level, Row: coord.Row, Col: coord.Col, Remap: norm.Tag()}
	if h.isClosed() {
		return nil, &TileFetchError{Key: key, Err: ErrImageClosed}
	}
	if t, ok := s.cache.Get(key); ok {
		return t, nil
	}

	ch := s.flight.DoChan(key.String(), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.produce(fctx, h, key, level, coord, norm)
	})
	select {
	case <-ctx.Done():
		return nil, &TileFetchError{Key: key, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			var tfe *TileFetchError
			if errors.As(res.Err, &tfe) {
				return nil, res.Err
			}
			return nil, &TileFetchError{Key: key, Err: res.Err}
		}
		return res.Val.(*cache.Tile), nil
	}
}

func (s *Store) produce(ctx context.Context, h *ImageHandle, key cache.TileKey, level int, coord pyramid.Coord, norm remap.Config) (*cache.Tile, error) {
	if t, ok := s.cache.Get(key); ok {
		return t, nil
	}
	if h.isClosed() {
		return nil, &TileFetchError{Key: key, Err: ErrImageClosed}
	}
	raw, err := s.rawWindow(ctx, h, level, coord)
	if err != nil {
		return nil, &TileFetchError{Key: key, Err: err}
	}
	disp, err := remap.Apply(norm, raw)
	if err != nil {
		return nil, &TileFetchError{Key: key, Err: err}
	}
	tile := &cache.Tile{Key: key, Data: disp}
	s.cache.Put(tile)
	return tile, nil
}

// rawWindow returns the decimated sample window behind one tile, serving
// it from the raw tier when possible so a remap change does not touch
// the reader again.
func (s *Store) rawWindow(ctx context.Context, h *ImageHandle, level int, coord pyramid.Coord) (*raster.SampleBuffer, error) {
	rawKey := cache.RawKey(h.id, level, coord.Row, coord.Col)
	if buf, ok := s.cache.GetRaw(rawKey); ok {
		return buf, nil
	}
	tileRect, err := h.pyr.TileRect(level, coord.Row, coord.Col)
	if err != nil {
		return nil, err
	}
	full, err := h.pyr.FullResRect(level, tileRect)
	if err != nil {
		return nil, err
	}
	step, err := h.pyr.Decimation(level)
	if err != nil {
		return nil, err
	}
	buf, err := h.reader.ReadRegion(ctx, full, step)
	if err != nil {
		return nil, err
	}
	s.readerReads.Add(1)
	if buf.Width != tileRect.Dx() || buf.Height != tileRect.Dy() {
		return nil, fmt.Errorf("reader returned %dx%d samples for a %dx%d tile",
			buf.Width, buf.Height, tileRect.Dx(), tileRect.Dy())
	}
	if err := s.cache.PutRaw(rawKey, buf); err != nil {
		s.log.Debugf("store: raw tier rejected %s: %v", rawKey, err)
	}
	return buf, nil
}

// ResolveAsync queues a tile fetch on the worker pool; done may be nil
// for fire-and-forget warming. A full queue fails fast instead of
// blocking the caller.
func (s *Store) ResolveAsync(h *ImageHandle, level int, coord pyramid.Coord, cfg remap.Config, done func(*cache.Tile, error)) {
	select {
	case s.queue <- fetchJob{handle: h, level: level, coord: coord, cfg: cfg, done: done}:
	default:
		s.dropped.Add(1)
		if done != nil {
			key := cache.TileKey{Image: h.id, Level: level, Row: coord.Row, Col: coord.Col, Remap: cfg.Tag()}
			done(nil, &TileFetchError{Key: key, Err: ErrQueueFull})
		}
	}
}

// Prefetch warms every tile covering a level-space rect. It returns the
// number of fetches queued.
func (s *Store) Prefetch(h *ImageHandle, level int, levelRect image.Rectangle, cfg remap.Config) int {
	coords, err := h.pyr.Cover(level, levelRect)
	if err != nil {
		return 0
	}
	queued := 0
	for _, c := range coords {
		select {
		case s.queue <- fetchJob{handle: h, level: level, coord: c, cfg: cfg}:
			queued++
		default:
			s.dropped.Add(1)
			return queued
		}
	}
	return queued
}

// ReadRaw serves a decimated sample window straight from the reader,
// bypassing both cache tiers. Analysis consumers use it when they need
// exact samples for arbitrary rects rather than tile-aligned windows.
func (s *Store) ReadRaw(ctx context.Context, h *ImageHandle, full image.Rectangle, decimation int) (*raster.SampleBuffer, error) {
	if h.isClosed() {
		return nil, ErrImageClosed
	}
	buf, err := h.reader.ReadRegion(ctx, full, decimation)
	if err != nil {
		return nil, err
	}
	s.readerReads.Add(1)
	return buf, nil
}

func (s *Store) worker() {
	defer s.wg.Done()
	for job := range s.queue {
		tile, err := s.Resolve(context.Background(), job.handle, job.level, job.coord, job.cfg)
		if job.done != nil {
			job.done(tile, err)
		} else if err != nil && !errors.Is(err, ErrImageClosed) {
			s.log.Debugf("store: background fetch failed: %v", err)
		}
	}
}

// Stats is a point-in-time snapshot of store activity.
type Stats struct {
	OpenImages  int   `json:"open_images"`
	Viewers     int   `json:"viewers"`
	ReaderReads int64 `json:"reader_reads"`
	Dropped     int64 `json:"dropped_fetches"`
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	open := len(s.images)
	viewers := 0
	for _, h := range s.images {
		viewers += h.Viewers()
	}
	s.mu.Unlock()
	return Stats{
		OpenImages:  open,
		Viewers:     viewers,
		ReaderReads: s.readerReads.Load(),
		Dropped:     s.dropped.Load(),
	}
}
