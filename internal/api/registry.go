package api

import (
	"fmt"

	"github.com/sarview/sarview/internal/data"
	"github.com/sarview/sarview/internal/logger"
	"github.com/sarview/sarview/internal/store"
	"github.com/sarview/sarview/pkg/remap"
)

// ImageInfo describes one catalog image for the API response.
type ImageInfo struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Kind   string `json:"kind"`
	Levels int    `json:"levels"`
}

// ImageRegistry holds the open handles of all configured images. Each
// image is pinned by a standing attachment under the default remap tag,
// so the short-lived viewports the handlers create can detach without
// closing a catalog image. Populated at startup, read-only afterwards.
type ImageRegistry struct {
	st           *store.Store
	defaultRemap remap.Config
	handles      map[string]*store.ImageHandle
	order        []string
	log          logger.Logger
}

// NewImageRegistry creates an empty registry. The default remap anchors
// the standing attachments and fills in when a request names none.
func NewImageRegistry(st *store.Store, defaultRemap remap.Config, log logger.Logger) (*ImageRegistry, error) {
	norm, err := defaultRemap.Normalize()
	if err != nil {
		return nil, fmt.Errorf("registry: default remap: %w", err)
	}
	if log == nil {
		log = logger.Null()
	}
	return &ImageRegistry{
		st:           st,
		defaultRemap: norm,
		handles:      make(map[string]*store.ImageHandle),
		log:          log,
	}, nil
}

// AddImage opens a reader under a catalog name and pins the handle. The
// first image added becomes the default.
func (r *ImageRegistry) AddImage(name string, rd data.Reader) (*store.ImageHandle, error) {
	if _, ok := r.handles[name]; ok {
		return nil, fmt.Errorf("registry: duplicate image %q", name)
	}
	h, err := r.st.Open(name, rd)
	if err != nil {
		return nil, err
	}
	if err := r.st.Attach(h, r.defaultRemap.Tag()); err != nil {
		return nil, err
	}
	r.handles[name] = h
	r.order = append(r.order, name)
	return h, nil
}

// Get returns the handle for a catalog name.
func (r *ImageRegistry) Get(name string) (*store.ImageHandle, bool) {
	h, ok := r.handles[name]
	return h, ok
}

// DefaultImageID returns the default image name, or "" when the catalog
// is empty.
func (r *ImageRegistry) DefaultImageID() string {
	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}

// ImageIDs returns all image names in config order.
func (r *ImageRegistry) ImageIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Images returns catalog info for all registered images.
func (r *ImageRegistry) Images() []ImageInfo {
	infos := make([]ImageInfo, 0, len(r.order))
	for _, name := range r.order {
		h := r.handles[name]
		w, ht := h.Dims()
		infos = append(infos, ImageInfo{
			ID:     name,
			Width:  w,
			Height: ht,
			Kind:   h.Kind().String(),
			Levels: h.Pyramid().LevelCount() + 1,
		})
	}
	return infos
}

// DefaultRemap returns the normalized catalog-wide default remap.
func (r *ImageRegistry) DefaultRemap() remap.Config {
	return r.defaultRemap
}

// Close releases the standing attachments. With no other viewport on
// them, every catalog image closes and its tiles leave the cache.
func (r *ImageRegistry) Close() {
	tag := r.defaultRemap.Tag()
	for _, name := range r.order {
		r.st.Detach(r.handles[name], tag)
	}
	r.handles = make(map[string]*store.ImageHandle)
	r.order = nil
}
