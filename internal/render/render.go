// Package render assembles viewport frames from display tiles and
// encodes them for transport.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"

	"github.com/sarview/sarview/internal/pyramid"
	"github.com/sarview/sarview/internal/raster"
	"github.com/sarview/sarview/pkg/colormap"
)

// TileSource supplies the display tile at one grid coordinate. A nil
// buffer with a nil error means the tile is still pending and its region
// stays background; an error marks the region failed and it renders as a
// hatched placeholder.
type TileSource func(row, col int) (*raster.DisplayBuffer, error)

// Config contains composer configuration.
type Config struct {
	// Background fills regions with no resident tile yet.
	Background uint8
}

// Composer blits display tiles into frames.
type Composer struct {
	background uint8

	hatchMu sync.Mutex
	hatches map[image.Point]*image.Gray

	bufferPool sync.Pool
}

// NewComposer creates a composer.
func NewComposer(cfg Config) *Composer {
	return &Composer{
		background: cfg.Background,
		hatches:    make(map[image.Point]*image.Gray),
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Compose renders the level-space rect into a fresh display buffer,
// pulling each covering tile from src. Tile edges land exactly on their
// grid positions: adjacent tiles meet without gaps or overlap, so seams
// are invisible. It returns the number of failed regions.
func (c *Composer) Compose(pyr *pyramid.Pyramid, level int, viewRect image.Rectangle, src TileSource) (*raster.DisplayBuffer, int, error) {
	return c.ComposeOver(pyr, level, viewRect, nil, src)
}

// ComposeOver is Compose with an underlay: regions whose tile is still
// pending show the base instead of flat background, which is how a
// coarser preview stays visible while finer tiles stream in. The base
// must match the view dimensions; a nil base falls back to background.
func (c *Composer) ComposeOver(pyr *pyramid.Pyramid, level int, viewRect image.Rectangle, base *raster.DisplayBuffer, src TileSource) (*raster.DisplayBuffer, int, error) {
	out := raster.NewDisplayBuffer(viewRect.Dx(), viewRect.Dy())
	if base != nil && base.Width == out.Width && base.Height == out.Height {
		copy(out.Pix, base.Pix)
	} else if c.background != 0 {
		out.Fill(c.background)
	}
	coords, err := pyr.Cover(level, viewRect)
	if err != nil {
		return nil, 0, fmt.Errorf("compose: %w", err)
	}
	failed := 0
	for _, coord := range coords {
		tileRect, err := pyr.TileRect(level, coord.Row, coord.Col)
		if err != nil {
			return nil, 0, fmt.Errorf("compose: %w", err)
		}
		buf, err := src(coord.Row, coord.Col)
		switch {
		case err != nil:
			c.hatchRegion(out, viewRect, tileRect)
			failed++
		case buf == nil:
			// Pending; leave background.
		default:
			blit(out, viewRect, buf, tileRect)
		}
	}
	return out, failed, nil
}

// blit copies the intersection of one tile into the frame.
func blit(out *raster.DisplayBuffer, viewRect image.Rectangle, buf *raster.DisplayBuffer, tileRect image.Rectangle) {
	inter := tileRect.Intersect(viewRect)
	if inter.Empty() {
		return
	}
	width := inter.Dx()
	for y := inter.Min.Y; y < inter.Max.Y; y++ {
		srcOff := (y-tileRect.Min.Y)*buf.Width + (inter.Min.X - tileRect.Min.X)
		dstOff := (y-viewRect.Min.Y)*out.Width + (inter.Min.X - viewRect.Min.X)
		copy(out.Pix[dstOff:dstOff+width], buf.Pix[srcOff:srcOff+width])
	}
}

// hatchRegion paints a failed tile's visible region with the diagonal
// placeholder pattern, aligned to the tile so panning does not shimmer.
func (c *Composer) hatchRegion(out *raster.DisplayBuffer, viewRect, tileRect image.Rectangle) {
	pattern := c.hatch(tileRect.Dx(), tileRect.Dy())
	inter := tileRect.Intersect(viewRect)
	if inter.Empty() {
		return
	}
	width := inter.Dx()
	for y := inter.Min.Y; y < inter.Max.Y; y++ {
		srcOff := (y-tileRect.Min.Y)*pattern.Stride + (inter.Min.X - tileRect.Min.X)
		dstOff := (y-viewRect.Min.Y)*out.Width + (inter.Min.X - viewRect.Min.X)
		copy(out.Pix[dstOff:dstOff+width], pattern.Pix[srcOff:srcOff+width])
	}
}

// hatch returns the cached placeholder pattern for one tile size.
func (c *Composer) hatch(w, h int) *image.Gray {
	c.hatchMu.Lock()
	defer c.hatchMu.Unlock()
	size := image.Point{X: w, Y: h}
	if p, ok := c.hatches[size]; ok {
		return p
	}
	dc := gg.NewContext(w, h)
	dc.SetRGB(0.10, 0.10, 0.10)
	dc.Clear()
	dc.SetRGB(0.28, 0.28, 0.28)
	dc.SetLineWidth(1)
	for x := -h; x < w; x += 8 {
		dc.DrawLine(float64(x), 0, float64(x+h), float64(h))
	}
	dc.Stroke()
	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(gray, gray.Bounds(), dc.Image(), image.Point{}, draw.Src)
	c.hatches[size] = gray
	return gray
}

// ToRGBA colorizes a display buffer through a 256-entry lookup table.
func ToRGBA(disp *raster.DisplayBuffer, lut *[256]color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, disp.Width, disp.Height))
	for y := 0; y < disp.Height; y++ {
		srcOff := y * disp.Width
		dstOff := y * img.Stride
		for x := 0; x < disp.Width; x++ {
			c := lut[disp.Pix[srcOff+x]]
			o := dstOff + x*4
			img.Pix[o] = c.R
			img.Pix[o+1] = c.G
			img.Pix[o+2] = c.B
			img.Pix[o+3] = c.A
		}
	}
	return img
}

// Colorize applies a named colormap, falling back to gray.
func Colorize(disp *raster.DisplayBuffer, name string) *image.RGBA {
	cm, ok := colormap.ByName(name)
	if !ok {
		cm = colormap.Gray
	}
	return ToRGBA(disp, colormap.LUT256(cm))
}

// ScaleGray resizes a grayscale image with approximate bilinear
// filtering, the cheap preview path while finer tiles stream in.
func ScaleGray(src *image.Gray, w, h int) *image.Gray {
	if b := src.Bounds(); b.Dx() == w && b.Dy() == h {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// EncodePNG encodes an image with the fast encoder and pooled buffers.
func (c *Composer) EncodePNG(img image.Image) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		c.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
