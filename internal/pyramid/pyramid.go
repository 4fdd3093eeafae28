// Package pyramid implements the decimation level and tile grid math for
// one image: how many levels exist, which level serves a display scale,
// and which pixel rectangle a tile covers.
package pyramid

import (
	"errors"
	"fmt"
	"image"
)

var (
	ErrLevelOutOfRange = errors.New("pyramid: level out of range")
	ErrTileOutOfRange  = errors.New("pyramid: tile out of range")
)

// Coord addresses one tile within a level grid.
type Coord struct {
	Row int
	Col int
}

// Pyramid holds the multi-resolution geometry of one image. Level 0 is
// full resolution; each level divides the effective resolution of the one
// below by the decimation factor.
type Pyramid struct {
	width    int
	height   int
	tileSize int
	factor   int
	levels   int
}

// New validates the geometry and computes the level count once.
func New(width, height, tileSize, factor int) (*Pyramid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("pyramid: invalid image dimensions %dx%d", width, height)
	}
	if tileSize <= 0 {
		return nil, fmt.Errorf("pyramid: invalid tile size %d", tileSize)
	}
	if factor < 2 {
		return nil, fmt.Errorf("pyramid: decimation factor must be >= 2, got %d", factor)
	}
	p := &Pyramid{width: width, height: height, tileSize: tileSize, factor: factor}
	maxDim := width
	if height > maxDim {
		maxDim = height
	}
	for step := 1; ceilDiv(maxDim, step) > tileSize; step *= factor {
		p.levels++
	}
	return p, nil
}

// Dims returns the full-resolution image dimensions.
func (p *Pyramid) Dims() (int, int) { return p.width, p.height }

// TileSize returns the tile edge length in level pixels.
func (p *Pyramid) TileSize() int { return p.tileSize }

// Factor returns the per-level decimation factor.
func (p *Pyramid) Factor() int { return p.factor }

// LevelCount returns the coarsest level index: the smallest L for which
// the image decimated by factor^L fits in a single tile. Levels are
// numbered 0 (full resolution) through LevelCount inclusive.
func (p *Pyramid) LevelCount() int { return p.levels }

func (p *Pyramid) checkLevel(level int) error {
	if level < 0 || level > p.levels {
		return fmt.Errorf("%w: %d (have 0..%d)", ErrLevelOutOfRange, level, p.levels)
	}
	return nil
}

// Decimation returns the sampling stride factor^level applied to the
// full-resolution image at the given level.
func (p *Pyramid) Decimation(level int) (int, error) {
	if err := p.checkLevel(level); err != nil {
		return 0, err
	}
	step := 1
	for i := 0; i < level; i++ {
		step *= p.factor
	}
	return step, nil
}

// LevelDims returns the pixel dimensions of one level.
func (p *Pyramid) LevelDims(level int) (int, int, error) {
	step, err := p.Decimation(level)
	if err != nil {
		return 0, 0, err
	}
	return ceilDiv(p.width, step), ceilDiv(p.height, step), nil
}

// Grid returns the tile grid size (columns, rows) of one level.
func (p *Pyramid) Grid(level int) (int, int, error) {
	lw, lh, err := p.LevelDims(level)
	if err != nil {
		return 0, 0, err
	}
	return ceilDiv(lw, p.tileSize), ceilDiv(lh, p.tileSize), nil
}

// LevelForScale picks the level serving a display scale of `scale` source
// pixels per screen pixel: the coarsest level whose native resolution is
// still at least the requested one. Between two levels the finer index
// wins, so rendering never upsamples more than the scale demands.
func (p *Pyramid) LevelForScale(scale float64) int {
	if scale <= 1 {
		return 0
	}
	level := 0
	step := float64(p.factor)
	for level < p.levels && step <= scale {
		level++
		step *= float64(p.factor)
	}
	return level
}

// TileRect returns the rectangle covered by tile (row, col) in the level's
// own pixel space, clipped to the level bounds at the bottom and right
// edges.
func (p *Pyramid) TileRect(level, row, col int) (image.Rectangle, error) {
	lw, lh, err := p.LevelDims(level)
	if err != nil {
		return image.Rectangle{}, err
	}
	cols := ceilDiv(lw, p.tileSize)
	rows := ceilDiv(lh, p.tileSize)
	if row < 0 || row >= rows || col < 0 || col >= cols {
		return image.Rectangle{}, fmt.Errorf("%w: level %d tile (%d,%d), grid %dx%d", ErrTileOutOfRange, level, row, col, cols, rows)
	}
	x0 := col * p.tileSize
	y0 := row * p.tileSize
	x1 := x0 + p.tileSize
	y1 := y0 + p.tileSize
	if x1 > lw {
		x1 = lw
	}
	if y1 > lh {
		y1 = lh
	}
	return image.Rect(x0, y0, x1, y1), nil
}

// Cover enumerates, in row-major order, the tiles of a level intersecting
// the given level-space rectangle. The union of their rects tiles the
// intersection of r with the level bounds exactly.
func (p *Pyramid) Cover(level int, r image.Rectangle) ([]Coord, error) {
	lw, lh, err := p.LevelDims(level)
	if err != nil {
		return nil, err
	}
	r = r.Intersect(image.Rect(0, 0, lw, lh))
	if r.Empty() {
		return nil, nil
	}
	c0 := r.Min.X / p.tileSize
	c1 := (r.Max.X - 1) / p.tileSize
	r0 := r.Min.Y / p.tileSize
	r1 := (r.Max.Y - 1) / p.tileSize
	coords := make([]Coord, 0, (r1-r0+1)*(c1-c0+1))
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			coords = append(coords, Coord{Row: row, Col: col})
		}
	}
	return coords, nil
}

// FullResRect maps a level-space rectangle to the full-resolution
// rectangle to request from a reader at this level's decimation. The far
// edge is clamped to the image so that the strided sample count of the
// result matches the level rect exactly.
func (p *Pyramid) FullResRect(level int, r image.Rectangle) (image.Rectangle, error) {
	step, err := p.Decimation(level)
	if err != nil {
		return image.Rectangle{}, err
	}
	x0 := r.Min.X * step
	y0 := r.Min.Y * step
	x1 := r.Max.X * step
	y1 := r.Max.Y * step
	if x1 > p.width {
		x1 = p.width
	}
	if y1 > p.height {
		y1 = p.height
	}
	return image.Rect(x0, y0, x1, y1), nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
