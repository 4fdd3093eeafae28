//go:build !tiledb

package tdb

import (
	"context"
	"image"

	"github.com/sarview/sarview/internal/raster"
)

// Reader is a stub when built without "-tags tiledb".
type Reader struct {
	uri string
}

// NewReader creates a TileDB reader (stub). It still validates the array
// path so config issues are caught early, but reads report ErrUnsupported.
func NewReader(uri string) (*Reader, error) {
	u, err := validateURI(uri)
	if err != nil {
		return nil, err
	}
	return &Reader{uri: u}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) URI() string { return r.uri }

func (r *Reader) Dims() (int, int) { return 0, 0 }

func (r *Reader) Kind() raster.SampleKind { return raster.KindUnknown }

func (r *Reader) Close() error { return nil }

func (r *Reader) ReadRegion(ctx context.Context, rect image.Rectangle, decimation int) (*raster.SampleBuffer, error) {
	return nil, ErrUnsupported
}
