//go:build tiledb

package tdb

import (
	"context"
	"fmt"
	"image"
	"math"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/sarview/sarview/internal/data"
	"github.com/sarview/sarview/internal/raster"
)

// Reader serves windows of one dense TileDB array. Arrays are opened per
// query, so concurrent regions do not share query state.
type Reader struct {
	uri  string
	ctx  *tiledb.Context
	kind raster.SampleKind
	w, h int
	// Non-empty domain origin; region coordinates are relative to it.
	y0, x0 int64
}

func NewReader(uri string) (*Reader, error) {
	u, err := validateURI(uri)
	if err != nil {
		return nil, err
	}
	tctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	r := &Reader{uri: u, ctx: tctx}
	if err := r.loadGeometry(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) URI() string { return r.uri }

func (r *Reader) Dims() (int, int) { return r.w, r.h }

func (r *Reader) Kind() raster.SampleKind { return r.kind }

func (r *Reader) Close() error { return nil }

func (r *Reader) loadGeometry() error {
	arr, err := tiledb.NewArray(r.ctx, r.uri)
	if err != nil {
		return fmt.Errorf("failed to open array (%s): %w", r.uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	yMin, yMax, err := nonEmptyBounds(arr, "y")
	if err != nil {
		return err
	}
	xMin, xMax, err := nonEmptyBounds(arr, "x")
	if err != nil {
		return err
	}
	r.y0, r.x0 = yMin, xMin
	r.h = int(yMax - yMin + 1)
	r.w = int(xMax - xMin + 1)

	schema, err := arr.Schema()
	if err != nil {
		return fmt.Errorf("failed to load array schema: %w", err)
	}
	defer schema.Free()
	if attr, err := schema.AttributeFromName("sample"); err == nil {
		attr.Free()
		r.kind = raster.KindReal32
		return nil
	}
	re, err := schema.AttributeFromName("real")
	if err != nil {
		return fmt.Errorf("array has neither a \"sample\" nor a \"real\"/\"imag\" attribute: %w", err)
	}
	re.Free()
	im, err := schema.AttributeFromName("imag")
	if err != nil {
		return fmt.Errorf("array has \"real\" but no \"imag\" attribute: %w", err)
	}
	im.Free()
	r.kind = raster.KindComplex64
	return nil
}

func nonEmptyBounds(arr *tiledb.Array, dim string) (int64, int64, error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get non-empty domain for %s: %w", dim, err)
	}
	if isEmpty || ned == nil {
		return 0, 0, fmt.Errorf("array dimension %s is empty", dim)
	}
	return boundsMinMaxInt64(ned.Bounds)
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

// ReadRegion reads the requested rows through one dense query: a point
// range per decimated row on "y" and the full column span on "x", then
// strides columns in memory. TileDB subarrays cannot skip columns, so the
// query returns rect.Dx() samples per kept row.
func (r *Reader) ReadRegion(ctx context.Context, rect image.Rectangle, decimation int) (*raster.SampleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: err}
	}
	if err := data.CheckRegion(rect, decimation, r.w, r.h); err != nil {
		return nil, err
	}
	outW := data.StridedDim(rect.Dx(), decimation)
	outH := data.StridedDim(rect.Dy(), decimation)
	spanW := rect.Dx()

	arr, err := tiledb.NewArray(r.ctx, r.uri)
	if err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to open array: %w", err)}
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to open array for read: %w", err)}
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to create subarray: %w", err)}
	}
	defer sub.Free()
	for oy := 0; oy < outH; oy++ {
		y := r.y0 + int64(rect.Min.Y+oy*decimation)
		if err := sub.AddRangeByName("y", tiledb.MakeRange[int64](y, y)); err != nil {
			return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to add row range: %w", err)}
		}
	}
	if err := sub.AddRangeByName("x", tiledb.MakeRange[int64](r.x0+int64(rect.Min.X), r.x0+int64(rect.Max.X-1))); err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to add column range: %w", err)}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to create query: %w", err)}
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to set subarray: %w", err)}
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to set query layout: %w", err)}
	}

	n := outH * spanW
	var realBuf, imagBuf []float32
	switch r.kind {
	case raster.KindComplex64:
		realBuf = make([]float32, n)
		imagBuf = make([]float32, n)
		if _, err := q.SetDataBuffer("real", realBuf); err != nil {
			return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to set buffer real: %w", err)}
		}
		if _, err := q.SetDataBuffer("imag", imagBuf); err != nil {
			return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to set buffer imag: %w", err)}
		}
	default:
		realBuf = make([]float32, n)
		if _, err := q.SetDataBuffer("sample", realBuf); err != nil {
			return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to set buffer sample: %w", err)}
		}
	}

	if err := q.Submit(); err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("query submit failed: %w", err)}
	}
	status, err := q.Status()
	if err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("query status failed: %w", err)}
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("unexpected query status: %v", status)}
	}
	elems, err := q.ResultBufferElements()
	if err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("failed to get result buffer elements: %w", err)}
	}
	attrName := "sample"
	if r.kind == raster.KindComplex64 {
		attrName = "real"
	}
	if got := int(elems[attrName][1]); got != n {
		return nil, &data.ReaderError{Op: "read_region", Err: fmt.Errorf("dense read returned %d of %d cells", got, n)}
	}

	out := raster.NewSampleBuffer(r.kind, outW, outH)
	for oy := 0; oy < outH; oy++ {
		src := oy * spanW
		dst := oy * outW
		switch r.kind {
		case raster.KindComplex64:
			for ox := 0; ox < outW; ox++ {
				out.Complex[dst+ox] = complex(realBuf[src+ox*decimation], imagBuf[src+ox*decimation])
			}
		default:
			for ox := 0; ox < outW; ox++ {
				out.Real[dst+ox] = realBuf[src+ox*decimation]
			}
		}
	}
	return out, nil
}
