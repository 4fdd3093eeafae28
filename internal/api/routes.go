// Package api provides the HTTP surface of the sarview server: the image
// catalog, tile and composed-view PNGs, and engine statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sarview/sarview/internal/cache"
	"github.com/sarview/sarview/internal/logger"
	"github.com/sarview/sarview/internal/pyramid"
	"github.com/sarview/sarview/internal/render"
	"github.com/sarview/sarview/internal/store"
	"github.com/sarview/sarview/internal/viewport"
	"github.com/sarview/sarview/pkg/colormap"
	"github.com/sarview/sarview/pkg/remap"
)

// maxViewEdge caps a requested view canvas so one request cannot demand
// an arbitrarily large frame.
const maxViewEdge = 4096

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *ImageRegistry
	Store       *store.Store
	Cache       *cache.Manager
	Composer    *render.Composer
	CORSOrigins []string
	// ViewWidth and ViewHeight size the composed view canvas when the
	// request does not override them.
	ViewWidth  int
	ViewHeight int
	// DefaultColormap colors PNG responses when the request names none.
	DefaultColormap string
	Logger          logger.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.ViewWidth <= 0 {
		cfg.ViewWidth = 1024
	}
	if cfg.ViewHeight <= 0 {
		cfg.ViewHeight = 768
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "gray"
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Null()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(prometheusMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus scrape; engine gauges refresh per scrape
	r.Get("/metrics", metricsHandler(cfg.Store, cfg.Cache))

	// Global endpoints (not image-scoped)
	r.Get("/api/images", imagesHandler(cfg.Registry))
	r.Get("/api/stats", statsHandler(cfg.Store, cfg.Cache))

	// Image-scoped routes: /i/{image}/...
	r.Route("/i/{image}", func(r chi.Router) {
		r.Use(imageMiddleware(cfg.Registry))

		r.Get("/api/metadata", metadataHandler(cfg.Registry))

		// Tile endpoints. chi splits the final segment on '.', so register
		// both spellings and strip the extension in the handler.
		r.Get("/tiles/{level}/{col}/{row}.png", tileHandler(cfg))
		r.Get("/tiles/{level}/{col}/{row}", tileHandler(cfg))

		r.Get("/view.png", viewHandler(cfg))
	})

	return r
}

// Context key for the resolved image handle
type ctxKey string

const imageHandleKey ctxKey = "imageHandle"

// imageMiddleware resolves the catalog image from the URL and injects its
// handle into the request context.
func imageMiddleware(registry *ImageRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "image")
			h, ok := registry.Get(name)
			if !ok {
				http.Error(w, "image not found: "+name, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), imageHandleKey, h)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func imageFrom(r *http.Request) *store.ImageHandle {
	if h, ok := r.Context().Value(imageHandleKey).(*store.ImageHandle); ok {
		return h
	}
	return nil
}

// imagesHandler returns the list of catalog images.
func imagesHandler(registry *ImageRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default": registry.DefaultImageID(),
			"images":  registry.Images(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// statsHandler reports engine counters for the store and both cache tiers.
func statsHandler(st *store.Store, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"store": st.Stats(),
			"cache": cm.Stats(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// metadataHandler returns the geometry and display options of one image.
func metadataHandler(registry *ImageRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := imageFrom(r)
		if h == nil {
			http.Error(w, "image not resolved", http.StatusInternalServerError)
			return
		}
		width, height := h.Dims()
		pyr := h.Pyramid()
		response := map[string]interface{}{
			"id":            h.Name(),
			"width":         width,
			"height":        height,
			"kind":          h.Kind().String(),
			"tile_size":     pyr.TileSize(),
			"factor":        pyr.Factor(),
			"levels":        pyr.LevelCount() + 1,
			"default_remap": registry.DefaultRemap().Name,
			"remaps":        remap.Names(),
			"colormaps":     colormap.Names(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// tileHandler resolves one display tile and serves it as PNG.
func tileHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := imageFrom(r)
		if h == nil {
			http.Error(w, "image not resolved", http.StatusInternalServerError)
			return
		}
		level, err := strconv.Atoi(chi.URLParam(r, "level"))
		if err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		col, err := strconv.Atoi(chi.URLParam(r, "col"))
		if err != nil {
			http.Error(w, "invalid col", http.StatusBadRequest)
			return
		}
		row, err := strconv.Atoi(strings.TrimSuffix(chi.URLParam(r, "row"), ".png"))
		if err != nil {
			http.Error(w, "invalid row", http.StatusBadRequest)
			return
		}
		rcfg, err := remapFromQuery(r, cfg.Registry.DefaultRemap())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmName, err := colormapFromQuery(r, cfg.DefaultColormap)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tile, err := cfg.Store.Resolve(r.Context(), h, level, pyramid.Coord{Row: row, Col: col}, rcfg)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				// Client went away.
			case errors.Is(err, pyramid.ErrLevelOutOfRange), errors.Is(err, pyramid.ErrTileOutOfRange):
				http.Error(w, "tile out of range", http.StatusNotFound)
			case errors.Is(err, store.ErrImageClosed):
				http.Error(w, "image closed", http.StatusGone)
			default:
				cfg.Logger.Warnf("api: tile %s %d/%d/%d: %v", h.Name(), level, col, row, err)
				http.Error(w, "failed to fetch tile", http.StatusInternalServerError)
			}
			return
		}

		data, err := cfg.Composer.EncodePNG(render.Colorize(tile.Data, cmName))
		if err != nil {
			http.Error(w, "failed to encode tile", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

// viewHandler composes a full viewport frame through a short-lived
// controller: attach, aim, settle, return the final frame as PNG. The
// catalog's standing attachment keeps the image open after the
// per-request viewport detaches.
func viewHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := imageFrom(r)
		if h == nil {
			http.Error(w, "image not resolved", http.StatusInternalServerError)
			return
		}
		q := r.URL.Query()
		width, err := sizeParam(q, "w", cfg.ViewWidth)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		height, err := sizeParam(q, "h", cfg.ViewHeight)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rcfg, err := remapFromQuery(r, cfg.Registry.DefaultRemap())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmName, err := colormapFromQuery(r, cfg.DefaultColormap)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		capture := newFrameCapture()
		vc, err := viewport.New(viewport.Config{
			Store:    cfg.Store,
			Composer: cfg.Composer,
			Sink:     capture,
			Width:    width,
			Height:   height,
			Logger:   cfg.Logger,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer vc.Close()

		if err := vc.Attach(h, rcfg); err != nil {
			cfg.Logger.Warnf("api: view attach %s: %v", h.Name(), err)
			http.Error(w, "failed to attach image", http.StatusInternalServerError)
			return
		}

		// Aim the viewport; absent parameters keep the fit-whole-image view
		// the attach produced.
		cx, cy, scale, _ := vc.View()
		if cx, err = floatParam(q, "cx", cx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if cy, err = floatParam(q, "cy", cy); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if scale, err = floatParam(q, "scale", scale); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if scale <= 0 {
			http.Error(w, "invalid scale", http.StatusBadRequest)
			return
		}
		vc.SetView(cx, cy, scale)

		if err := vc.Settle(r.Context()); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			cfg.Logger.Warnf("api: view settle %s: %v", h.Name(), err)
			http.Error(w, "failed to compose view", http.StatusInternalServerError)
			return
		}
		frame, err := capture.waitFinal(r.Context(), vc.Epoch())
		if err != nil {
			return
		}

		data, err := cfg.Composer.EncodePNG(render.Colorize(frame.Pix, cmName))
		if err != nil {
			http.Error(w, "failed to encode view", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

// remapFromQuery selects the remap for a request. Naming a function uses
// its stock parameters; leaving it out uses the catalog default.
func remapFromQuery(r *http.Request, def remap.Config) (remap.Config, error) {
	name := strings.TrimSpace(r.URL.Query().Get("remap"))
	if name == "" {
		return def, nil
	}
	norm, err := remap.Config{Name: name}.Normalize()
	if err != nil {
		return remap.Config{}, fmt.Errorf("invalid remap %q", name)
	}
	return norm, nil
}

func colormapFromQuery(r *http.Request, def string) (string, error) {
	name := strings.TrimSpace(r.URL.Query().Get("colormap"))
	if name == "" {
		return def, nil
	}
	if _, ok := colormap.ByName(name); !ok {
		return "", fmt.Errorf("unknown colormap %q", name)
	}
	return name, nil
}

func sizeParam(q url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > maxViewEdge {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func floatParam(q url.Values, name string, def float64) (float64, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

// frameCapture keeps the newest final frame a viewport delivers. The
// frame is normally resident by the time Settle returns; waitFinal only
// covers the settle loop finishing a concurrent delivery.
type frameCapture struct {
	mu     sync.Mutex
	frame  viewport.Frame
	has    bool
	notify chan struct{}
}

func newFrameCapture() *frameCapture {
	return &frameCapture{notify: make(chan struct{}, 1)}
}

func (fc *frameCapture) Blit(f viewport.Frame) {
	if !f.Final {
		return
	}
	fc.mu.Lock()
	if !fc.has || f.Epoch >= fc.frame.Epoch {
		fc.frame = f
		fc.has = true
	}
	fc.mu.Unlock()
	select {
	case fc.notify <- struct{}{}:
	default:
	}
}

func (fc *frameCapture) waitFinal(ctx context.Context, epoch uint64) (viewport.Frame, error) {
	for {
		fc.mu.Lock()
		if fc.has && fc.frame.Epoch >= epoch {
			f := fc.frame
			fc.mu.Unlock()
			return f, nil
		}
		fc.mu.Unlock()
		select {
		case <-ctx.Done():
			return viewport.Frame{}, ctx.Err()
		case <-fc.notify:
		}
	}
}
