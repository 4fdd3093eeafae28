// Package rawfile reads flat little-endian sample dumps: width*height
// samples in row-major order with no header, the way raw SAR product
// extracts are usually handed around. Geometry comes from the catalog or
// from a JSON sidecar next to the file.
package rawfile

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"

	"github.com/sarview/sarview/internal/data"
	"github.com/sarview/sarview/internal/raster"
)

// Layout describes the sample geometry of a flat file.
type Layout struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Kind   string `json:"kind"`
}

// Reader serves windows of one flat sample file through positioned reads,
// so concurrent regions never contend on a shared file offset.
type Reader struct {
	f    *os.File
	kind raster.SampleKind
	w, h int
}

// Open opens a flat sample file. When layout is the zero value the
// geometry is loaded from a JSON sidecar at <path>.json.
func Open(path string, layout Layout) (*Reader, error) {
	if layout == (Layout{}) {
		loaded, err := loadSidecar(path + ".json")
		if err != nil {
			return nil, &data.ReaderError{Op: "open", Err: err}
		}
		layout = loaded
	}
	kind, err := raster.ParseSampleKind(layout.Kind)
	if err != nil {
		return nil, &data.ReaderError{Op: "open", Err: err}
	}
	if layout.Width <= 0 || layout.Height <= 0 {
		return nil, &data.ReaderError{Op: "open", Err: fmt.Errorf("invalid layout %dx%d", layout.Width, layout.Height)}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &data.ReaderError{Op: "open", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &data.ReaderError{Op: "open", Err: err}
	}
	want := int64(layout.Width) * int64(layout.Height) * int64(kind.BytesPerSample())
	if info.Size() != want {
		f.Close()
		return nil, &data.ReaderError{Op: "open", Err: fmt.Errorf("file size %d does not match layout %dx%d %s (want %d)",
			info.Size(), layout.Width, layout.Height, kind, want)}
	}
	return &Reader{f: f, kind: kind, w: layout.Width, h: layout.Height}, nil
}

func loadSidecar(path string) (Layout, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to read sidecar: %w", err)
	}
	var layout Layout
	if err := json.Unmarshal(raw, &layout); err != nil {
		return Layout{}, fmt.Errorf("failed to parse sidecar: %w", err)
	}
	return layout, nil
}

func (r *Reader) Dims() (int, int) { return r.w, r.h }

func (r *Reader) Kind() raster.SampleKind { return r.kind }

func (r *Reader) Close() error { return r.f.Close() }

func (r *Reader) ReadRegion(ctx context.Context, rect image.Rectangle, decimation int) (*raster.SampleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: err}
	}
	if err := data.CheckRegion(rect, decimation, r.w, r.h); err != nil {
		return nil, err
	}
	outW := data.StridedDim(rect.Dx(), decimation)
	outH := data.StridedDim(rect.Dy(), decimation)
	out := raster.NewSampleBuffer(r.kind, outW, outH)

	bps := r.kind.BytesPerSample()
	row := make([]byte, rect.Dx()*bps)
	for oy := 0; oy < outH; oy++ {
		sy := rect.Min.Y + oy*decimation
		off := (int64(sy)*int64(r.w) + int64(rect.Min.X)) * int64(bps)
		if _, err := r.f.ReadAt(row, off); err != nil {
			return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("row %d: %w", sy, err)}
		}
		dst := oy * outW
		switch r.kind {
		case raster.KindComplex64:
			for ox := 0; ox < outW; ox++ {
				p := ox * decimation * bps
				re := math.Float32frombits(binary.LittleEndian.Uint32(row[p:]))
				im := math.Float32frombits(binary.LittleEndian.Uint32(row[p+4:]))
				out.Complex[dst+ox] = complex(re, im)
			}
		default:
			for ox := 0; ox < outW; ox++ {
				p := ox * decimation * bps
				out.Real[dst+ox] = math.Float32frombits(binary.LittleEndian.Uint32(row[p:]))
			}
		}
	}
	return out, nil
}

// Write dumps a sample buffer as a flat file plus JSON sidecar, the
// layout Open expects. Used by the demo scene exporter and tests.
func Write(path string, buf *raster.SampleBuffer) error {
	raw := make([]byte, buf.Bytes())
	switch buf.Kind {
	case raster.KindComplex64:
		for i, v := range buf.Complex {
			binary.LittleEndian.PutUint32(raw[i*8:], math.Float32bits(real(v)))
			binary.LittleEndian.PutUint32(raw[i*8+4:], math.Float32bits(imag(v)))
		}
	case raster.KindReal32:
		for i, v := range buf.Real {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
	default:
		return fmt.Errorf("cannot write sample kind %s", buf.Kind)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	layout := Layout{Width: buf.Width, Height: buf.Height, Kind: buf.Kind.String()}
	meta, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sidecar: %w", err)
	}
	if err := os.WriteFile(path+".json", meta, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}
