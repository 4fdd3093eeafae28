package data

import (
	"context"
	"image"
	"math"
	"math/rand"

	"github.com/sarview/sarview/internal/raster"
)

// MemReader serves windows from a fully resident sample array.
type MemReader struct {
	buf *raster.SampleBuffer
}

// NewMemReader wraps an existing sample buffer. The reader takes
// ownership; callers must not mutate the buffer afterwards.
func NewMemReader(buf *raster.SampleBuffer) *MemReader {
	return &MemReader{buf: buf}
}

func (r *MemReader) Dims() (int, int) { return r.buf.Width, r.buf.Height }

func (r *MemReader) Kind() raster.SampleKind { return r.buf.Kind }

func (r *MemReader) Close() error { return nil }

func (r *MemReader) ReadRegion(ctx context.Context, rect image.Rectangle, decimation int) (*raster.SampleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ReaderError{Op: "read_region", Err: err}
	}
	if err := CheckRegion(rect, decimation, r.buf.Width, r.buf.Height); err != nil {
		return nil, err
	}
	outW := StridedDim(rect.Dx(), decimation)
	outH := StridedDim(rect.Dy(), decimation)
	out := raster.NewSampleBuffer(r.buf.Kind, outW, outH)
	for oy := 0; oy < outH; oy++ {
		srcRow := (rect.Min.Y + oy*decimation) * r.buf.Width
		dstRow := oy * outW
		switch r.buf.Kind {
		case raster.KindComplex64:
			for ox := 0; ox < outW; ox++ {
				out.Complex[dstRow+ox] = r.buf.Complex[srcRow+rect.Min.X+ox*decimation]
			}
		default:
			for ox := 0; ox < outW; ox++ {
				out.Real[dstRow+ox] = r.buf.Real[srcRow+rect.Min.X+ox*decimation]
			}
		}
	}
	return out, nil
}

// NewSyntheticScene builds a deterministic complex scene: low-power
// speckle with a lattice of strong point scatterers, enough dynamic range
// to exercise every remap. The same seed always yields the same scene.
func NewSyntheticScene(width, height int, seed int64) *MemReader {
	rng := rand.New(rand.NewSource(seed))
	buf := raster.NewSampleBuffer(raster.KindComplex64, width, height)

	// Circular gaussian speckle, roughly unit mean power.
	for i := range buf.Complex {
		buf.Complex[i] = complex(float32(rng.NormFloat64()), float32(rng.NormFloat64()))
	}

	// Point scatterers spread as small gaussian blobs on a jittered grid.
	const cell = 192
	for cy := cell / 2; cy < height; cy += cell {
		for cx := cell / 2; cx < width; cx += cell {
			px := cx + rng.Intn(cell/2) - cell/4
			py := cy + rng.Intn(cell/2) - cell/4
			amp := 80 + rng.Float64()*400
			phase := rng.Float64() * 2 * math.Pi
			stampScatterer(buf, px, py, amp, phase)
		}
	}
	return NewMemReader(buf)
}

func stampScatterer(buf *raster.SampleBuffer, cx, cy int, amp, phase float64) {
	const radius = 3
	const sigma = 1.2
	for dy := -radius; dy <= radius; dy++ {
		y := cy + dy
		if y < 0 || y >= buf.Height {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			x := cx + dx
			if x < 0 || x >= buf.Width {
				continue
			}
			a := amp * math.Exp(-float64(dx*dx+dy*dy)/(2*sigma*sigma))
			i := y*buf.Width + x
			buf.Complex[i] += complex(float32(a*math.Cos(phase)), float32(a*math.Sin(phase)))
		}
	}
}
