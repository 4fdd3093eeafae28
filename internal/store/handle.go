package store

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sarview/sarview/internal/data"
	"github.com/sarview/sarview/internal/pyramid"
	"github.com/sarview/sarview/internal/raster"
)

// ImageHandle is one open image: the reader, its pyramid geometry, and
// the bookkeeping of which viewports and remap tags are live against it.
// The id is unique per open, so a reopened image can never collide with
// stale cache entries from an earlier handle.
type ImageHandle struct {
	id       string
	name     string
	reader   data.Reader
	pyr      *pyramid.Pyramid
	kind     raster.SampleKind
	openedAt time.Time

	mu      sync.Mutex
	closed  bool
	viewers int
	tags    map[string]int
}

func (h *ImageHandle) ID() string { return h.id }

func (h *ImageHandle) Name() string { return h.name }

func (h *ImageHandle) Pyramid() *pyramid.Pyramid { return h.pyr }

func (h *ImageHandle) Kind() raster.SampleKind { return h.kind }

// Dims returns the full-resolution image size.
func (h *ImageHandle) Dims() (int, int) { return h.pyr.Dims() }

func (h *ImageHandle) OpenedAt() time.Time { return h.openedAt }

// Viewers returns the number of attached viewports.
func (h *ImageHandle) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewers
}

func (h *ImageHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *ImageHandle) markClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	return true
}

func (h *ImageHandle) attach(tag string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrImageClosed
	}
	h.viewers++
	h.tags[tag]++
	return nil
}

// detach reports the viewer count left after the drop. A detach with no
// matching attach leaves the handle alone and reports -1.
func (h *ImageHandle) detach(tag string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.viewers == 0 {
		return -1
	}
	h.viewers--
	h.dropTagLocked(tag)
	return h.viewers
}

func (h *ImageHandle) swapTag(oldTag, newTag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropTagLocked(oldTag)
	h.tags[newTag]++
}

func (h *ImageHandle) dropTagLocked(tag string) {
	if n := h.tags[tag]; n > 1 {
		h.tags[tag] = n - 1
	} else {
		delete(h.tags, tag)
	}
}

// activeTags snapshots the remap tags some viewport still holds.
func (h *ImageHandle) activeTags() map[string]struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]struct{}, len(h.tags))
	for tag := range h.tags {
		out[tag] = struct{}{}
	}
	return out
}

func newHandleID(name string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return name + "-" + hex.EncodeToString(b)
}
