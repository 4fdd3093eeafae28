package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/sarview/sarview/internal/raster"
)

func newTestManager(t *testing.T, budget int64) *Manager {
	t.Helper()
	m, err := NewManager(Config{Budget: budget})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func makeTile(image string, level, row, col, side int) *Tile {
	key := TileKey{Image: image, Level: level, Row: row, Col: col, Remap: "density-00000000"}
	buf := raster.NewDisplayBuffer(side, side)
	buf.Fill(uint8(row*31 + col))
	return &Tile{Key: key, Data: buf}
}

func TestPut_EvictsLeastRecentlyUsed(t *testing.T) {
	// Budget fits exactly three 16x16 tiles.
	m := newTestManager(t, 3*256)

	a := makeTile("img", 0, 0, 0, 16)
	b := makeTile("img", 0, 0, 1, 16)
	c := makeTile("img", 0, 0, 2, 16)
	m.Put(a)
	m.Put(b)
	m.Put(c)

	// Touch a so b is now the oldest.
	if _, ok := m.Get(a.Key); !ok {
		t.Fatal("tile a should be resident")
	}
	m.Put(makeTile("img", 0, 0, 3, 16))

	if _, ok := m.Get(b.Key); ok {
		t.Fatal("tile b should have been evicted")
	}
	for _, tile := range []*Tile{a, c} {
		if _, ok := m.Get(tile.Key); !ok {
			t.Fatalf("tile %s should be resident", tile.Key)
		}
	}
	if s := m.Stats(); s.Bytes > s.Budget {
		t.Fatalf("resident bytes %d exceed budget %d", s.Bytes, s.Budget)
	}
}

func TestPut_BudgetInvariantUnderChurn(t *testing.T) {
	m := newTestManager(t, 10*1024)
	for i := 0; i < 200; i++ {
		m.Put(makeTile("img", 0, i/16, i%16, 8+i%24))
		if s := m.Stats(); s.Bytes > s.Budget {
			t.Fatalf("after put %d: resident bytes %d exceed budget %d", i, s.Bytes, s.Budget)
		}
	}
}

func TestPut_ReplacementDoesNotDoubleCount(t *testing.T) {
	m := newTestManager(t, 4*256)
	for i := 0; i < 10; i++ {
		m.Put(makeTile("img", 0, 0, 0, 16))
	}
	s := m.Stats()
	if s.Tiles != 1 {
		t.Fatalf("expected 1 resident tile, got %d", s.Tiles)
	}
	if s.Bytes != 256 {
		t.Fatalf("expected 256 resident bytes, got %d", s.Bytes)
	}
}

func TestPut_OversizeTileBecomesSoleResident(t *testing.T) {
	m := newTestManager(t, 1024)
	m.Put(makeTile("img", 0, 0, 0, 16))
	m.Put(makeTile("img", 0, 0, 1, 16))

	big := makeTile("img", 1, 0, 0, 64) // 4096 bytes, over the whole budget
	m.Put(big)

	s := m.Stats()
	if s.Tiles != 1 {
		t.Fatalf("expected the oversize tile to be the sole resident, got %d tiles", s.Tiles)
	}
	if s.OversizeAdmits != 1 {
		t.Fatalf("expected 1 oversize admit, got %d", s.OversizeAdmits)
	}
	if _, ok := m.Get(big.Key); !ok {
		t.Fatal("oversize tile should be resident")
	}

	// The next normal put displaces it and restores the invariant.
	m.Put(makeTile("img", 0, 0, 2, 16))
	if s := m.Stats(); s.Bytes > s.Budget {
		t.Fatalf("resident bytes %d exceed budget %d after recovery", s.Bytes, s.Budget)
	}
}

func TestInvalidate_IsScopedToOneImage(t *testing.T) {
	m := newTestManager(t, 64*1024)
	for col := 0; col < 4; col++ {
		m.Put(makeTile("alpha", 0, 0, col, 16))
		m.Put(makeTile("beta", 0, 0, col, 16))
	}

	if removed := m.Invalidate("alpha"); removed != 4 {
		t.Fatalf("expected 4 tiles removed, got %d", removed)
	}
	for col := 0; col < 4; col++ {
		if _, ok := m.Get(TileKey{Image: "alpha", Level: 0, Row: 0, Col: col, Remap: "density-00000000"}); ok {
			t.Fatalf("alpha tile %d should be gone", col)
		}
		if _, ok := m.Get(TileKey{Image: "beta", Level: 0, Row: 0, Col: col, Remap: "density-00000000"}); !ok {
			t.Fatalf("beta tile %d should have survived", col)
		}
	}
}

func TestInvalidateStale_KeepsActiveTags(t *testing.T) {
	m := newTestManager(t, 64*1024)
	put := func(image, tag string, col int) TileKey {
		key := TileKey{Image: image, Level: 0, Row: 0, Col: col, Remap: tag}
		m.Put(&Tile{Key: key, Data: raster.NewDisplayBuffer(8, 8)})
		return key
	}
	old := put("img", "log-11111111", 0)
	kept := put("img", "density-22222222", 1)
	other := put("other", "log-11111111", 0)

	removed := m.InvalidateStale("img", map[string]struct{}{"density-22222222": {}})
	if removed != 1 {
		t.Fatalf("expected 1 stale tile removed, got %d", removed)
	}
	if _, ok := m.Get(old); ok {
		t.Fatal("stale-tag tile should be gone")
	}
	if _, ok := m.Get(kept); !ok {
		t.Fatal("active-tag tile should have survived")
	}
	if _, ok := m.Get(other); !ok {
		t.Fatal("other image's tile should be untouched")
	}
}

func TestRawTier_RoundTrip(t *testing.T) {
	m, err := NewManager(Config{Budget: 1024, RawSizeMB: 8, RawTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	defer m.Close()

	buf := raster.NewSampleBuffer(raster.KindComplex64, 32, 16)
	for i := range buf.Complex {
		buf.Complex[i] = complex(float32(i), -float32(i))
	}
	key := RawKey("img", 2, 3, 4)
	if err := m.PutRaw(key, buf); err != nil {
		t.Fatalf("PutRaw failed: %v", err)
	}
	got, ok := m.GetRaw(key)
	if !ok {
		t.Fatal("raw window should be resident")
	}
	if got.Kind != buf.Kind || got.Width != buf.Width || got.Height != buf.Height {
		t.Fatalf("raw window geometry mismatch: got %s %dx%d", got.Kind, got.Width, got.Height)
	}
	for i := range buf.Complex {
		if got.Complex[i] != buf.Complex[i] {
			t.Fatalf("raw sample %d differs: got %v want %v", i, got.Complex[i], buf.Complex[i])
		}
	}
}

func TestRawTier_DisabledIsAlwaysMiss(t *testing.T) {
	m := newTestManager(t, 1024)
	buf := raster.NewSampleBuffer(raster.KindReal32, 4, 4)
	if err := m.PutRaw(RawKey("img", 0, 0, 0), buf); err != nil {
		t.Fatalf("PutRaw on disabled tier should be a no-op, got %v", err)
	}
	if _, ok := m.GetRaw(RawKey("img", 0, 0, 0)); ok {
		t.Fatal("disabled raw tier should never hit")
	}
}

func TestTileKey_String(t *testing.T) {
	key := TileKey{Image: "scene-1", Level: 3, Row: 7, Col: 9, Remap: "log-deadbeef"}
	want := "scene-1/3/7/9@log-deadbeef"
	if got := key.String(); got != want {
		t.Fatalf("key string %q, want %q", got, want)
	}
	if got, want := RawKey("scene-1", 3, 7, 9), "scene-1/3/7/9"; got != want {
		t.Fatalf("raw key %q, want %q", got, want)
	}
}

func TestStats_CountersAdvance(t *testing.T) {
	m := newTestManager(t, 2*256)
	a := makeTile("img", 0, 0, 0, 16)
	m.Put(a)
	m.Get(a.Key)
	m.Get(TileKey{Image: "img", Level: 0, Row: 9, Col: 9, Remap: "density-00000000"})
	m.Put(makeTile("img", 0, 0, 1, 16))
	m.Put(makeTile("img", 0, 0, 2, 16))

	s := m.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %d/%d", s.Hits, s.Misses)
	}
	if s.Evictions == 0 {
		t.Fatal("expected at least one pressure eviction")
	}
	if s.Tiles != 2 {
		t.Fatalf("expected 2 resident tiles, got %d", s.Tiles)
	}
}

func BenchmarkPutGet(b *testing.B) {
	m, err := NewManager(Config{Budget: 64 * 1024 * 1024})
	if err != nil {
		b.Fatalf("failed to create manager: %v", err)
	}
	defer m.Close()
	tiles := make([]*Tile, 64)
	for i := range tiles {
		tiles[i] = makeTile(fmt.Sprintf("img-%d", i%4), 0, i/8, i%8, 256)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tile := tiles[i%len(tiles)]
		m.Put(tile)
		m.Get(tile.Key)
	}
}
