// Package tdb reads 2-D dense TileDB arrays as image sources. Complex
// imagery is stored as float32 attributes "real" and "imag"; real imagery
// as a single float32 attribute "sample". The dimensions are int64 "y"
// and "x".
//
// The TileDB core library is a cgo dependency, so the real reader is
// gated behind the "tiledb" build tag; without it NewReader still
// validates the array path but every read reports ErrUnsupported.
package tdb

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnsupported indicates this binary was built without TileDB support.
var ErrUnsupported = errors.New("tiledb support is not enabled in this build (build with: go build -tags tiledb)")

func validateURI(uri string) (string, error) {
	u := strings.TrimSpace(uri)
	if u == "" {
		return "", errors.New("empty tiledb array uri")
	}
	u = os.ExpandEnv(u)
	// Remote URIs are resolved by the TileDB VFS; only local paths can be
	// checked up front.
	if !strings.Contains(u, "://") {
		if _, err := os.Stat(u); err != nil {
			return "", fmt.Errorf("tiledb array not found at %s: %w", u, err)
		}
	}
	return u, nil
}
