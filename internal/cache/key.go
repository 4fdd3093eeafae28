package cache

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/sarview/sarview/internal/raster"
)

// TileKey identifies one remapped display tile. Remap is the config tag
// from remap.Config.Tag, so viewports with equivalent settings share
// tiles and a settings change re-keys them.
type TileKey struct {
	Image string
	Level int
	Row   int
	Col   int
	Remap string
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d@%s", k.Image, k.Level, k.Row, k.Col, k.Remap)
}

// RawKey is the raw-window tier key. It carries no remap tag: a remap
// change re-uses the same raw samples without touching the reader.
func RawKey(image string, level, row, col int) string {
	return fmt.Sprintf("%s/%d/%d/%d", image, level, row, col)
}

// Tile is a resident display tile.
type Tile struct {
	Key  TileKey
	Data *raster.DisplayBuffer
}

// Bytes returns the pixel payload size used for budget accounting.
func (t *Tile) Bytes() int64 { return int64(len(t.Data.Pix)) }

// OversizeWarning reports a tile larger than the whole cache budget. The
// tile is still admitted as the sole resident; the cache just cannot hold
// anything else beside it.
type OversizeWarning struct {
	Key    TileKey
	Bytes  int64
	Budget int64
}

func (w *OversizeWarning) Error() string {
	return fmt.Sprintf("tile %s is %s, over the whole cache budget of %s",
		w.Key, humanize.IBytes(uint64(w.Bytes)), humanize.IBytes(uint64(w.Budget)))
}
