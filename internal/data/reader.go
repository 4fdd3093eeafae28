// Package data defines the image reader collaborators the engine pulls
// raw sample windows from, plus the in-memory implementation backing
// tests and synthetic demo scenes. File and TileDB backed readers live in
// the subpackages.
package data

import (
	"context"
	"fmt"
	"image"

	"github.com/sarview/sarview/internal/raster"
)

// Reader serves rectangular sample windows of one raster source. The
// rectangle is in full-resolution pixel space; decimation >= 1 strides
// both axes, so the result carries ceil(span/decimation) samples per
// axis. Implementations must be safe for concurrent ReadRegion calls.
type Reader interface {
	ReadRegion(ctx context.Context, rect image.Rectangle, decimation int) (*raster.SampleBuffer, error)
	Dims() (width, height int)
	Kind() raster.SampleKind
	Close() error
}

// ReaderError wraps any fault raised while serving a region.
type ReaderError struct {
	Op  string
	Err error
}

func (e *ReaderError) Error() string { return fmt.Sprintf("reader %s: %v", e.Op, e.Err) }

func (e *ReaderError) Unwrap() error { return e.Err }

// CheckRegion validates a region request against the source geometry.
// Implementations call it before touching storage so that malformed
// requests fail the same way everywhere.
func CheckRegion(rect image.Rectangle, decimation, width, height int) error {
	if decimation < 1 {
		return &ReaderError{Op: "read_region", Err: fmt.Errorf("invalid decimation %d", decimation)}
	}
	if rect.Empty() || rect.Min.X < 0 || rect.Min.Y < 0 || rect.Max.X > width || rect.Max.Y > height {
		return &ReaderError{Op: "read_region", Err: fmt.Errorf("rect %v outside image %dx%d", rect, width, height)}
	}
	return nil
}

// StridedDim returns the sample count of one axis after decimation.
func StridedDim(span, step int) int { return (span + step - 1) / step }
