// Package main is the entry point for the sarview tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sarview/sarview/internal/api"
	"github.com/sarview/sarview/internal/cache"
	"github.com/sarview/sarview/internal/config"
	"github.com/sarview/sarview/internal/data"
	"github.com/sarview/sarview/internal/data/rawfile"
	"github.com/sarview/sarview/internal/data/tdb"
	"github.com/sarview/sarview/internal/data/zarr"
	"github.com/sarview/sarview/internal/logger"
	"github.com/sarview/sarview/internal/render"
	"github.com/sarview/sarview/internal/store"
	"github.com/sarview/sarview/pkg/remap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/sarview.yaml", "Path to configuration file")
	logLevel := flag.String("log", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	lg := logger.NewStdLogger(level)

	log.Printf("Starting sarview server on port %d", cfg.Server.Port)

	// Initialize cache manager (shared across all images)
	budget := int64(cfg.Engine.CacheBudgetMB) << 20
	rawMB := cfg.Engine.RawCacheMB
	if rawMB < 0 {
		rawMB = 0
	}
	cacheManager, err := cache.NewManager(cache.Config{
		Budget:    budget,
		RawSizeMB: rawMB,
		RawTTL:    time.Duration(cfg.Engine.RawTTLMinutes) * time.Minute,
		Logger:    lg,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	log.Printf("Cache: %s display tile budget, %d MB raw tier", humanize.IBytes(uint64(budget)), rawMB)

	// Initialize tile store
	tileStore, err := store.NewStore(store.Config{
		TileSize:     cfg.Engine.TileSize,
		Factor:       cfg.Engine.PyramidFactor,
		Workers:      cfg.Engine.Workers,
		QueueDepth:   cfg.Engine.QueueDepth,
		FetchTimeout: time.Duration(cfg.Engine.FetchTimeoutSeconds) * time.Second,
		Cache:        cacheManager,
		Logger:       lg,
	})
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	tileStore.Start()

	// Initialize image registry
	defaultRemap := remapFromConfig(cfg.View.Remap)
	registry, err := api.NewImageRegistry(tileStore, defaultRemap, lg)
	if err != nil {
		log.Fatalf("Failed to initialize registry: %v", err)
	}

	log.Printf("Initializing %d image(s)", len(cfg.Images.Names))

	// Open each catalog image
	for _, name := range cfg.Images.Names {
		ic := cfg.Images.ByName[name]
		reader, err := openReader(ic)
		if err != nil {
			log.Fatalf("Failed to open image %q: %v", name, err)
		}
		if reader == nil {
			log.Printf("  [%s] Skipped: tiledb support not built in (build with -tags tiledb)", name)
			continue
		}
		h, err := registry.AddImage(name, reader)
		if err != nil {
			log.Fatalf("Failed to register image %q: %v", name, err)
		}
		w, ht := h.Dims()
		log.Printf("  [%s] %dx%d %s, %d levels", name, w, ht, h.Kind(), h.Pyramid().LevelCount()+1)
	}
	if len(registry.ImageIDs()) == 0 {
		log.Fatalf("No images available, check the catalog in %s", *configPath)
	}
	log.Printf("Default image: %s, default remap: %s", registry.DefaultImageID(), defaultRemap.Name)

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:        registry,
		Store:           tileStore,
		Cache:           cacheManager,
		Composer:        render.NewComposer(render.Config{Background: uint8(cfg.View.Background)}),
		CORSOrigins:     cfg.Server.CORSOrigins,
		ViewWidth:       cfg.View.Width,
		ViewHeight:      cfg.View.Height,
		DefaultColormap: cfg.View.Colormap,
		Logger:          lg,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	registry.Close()
	tileStore.Stop()
	cacheManager.Close()

	log.Println("Server stopped")
}

// openReader builds the reader for one catalog entry. A nil reader with
// nil error means the entry needs a build tag this binary lacks.
func openReader(ic config.ImageConfig) (data.Reader, error) {
	switch ic.Type {
	case "synthetic":
		if ic.Width <= 0 || ic.Height <= 0 {
			return nil, fmt.Errorf("synthetic image needs width and height")
		}
		return data.NewSyntheticScene(ic.Width, ic.Height, ic.Seed), nil
	case "raw":
		return rawfile.Open(ic.Path, rawfile.Layout{Width: ic.Width, Height: ic.Height, Kind: ic.Kind})
	case "zarr":
		return zarr.Open(ic.Path)
	case "tiledb":
		r, err := tdb.NewReader(ic.Path)
		if err != nil {
			return nil, err
		}
		if !r.Supported() {
			return nil, nil
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown image type %q", ic.Type)
	}
}

func remapFromConfig(rc config.RemapConfig) remap.Config {
	return remap.Config{
		Name: rc.Name,
		Params: remap.Params{
			DMin:       rc.DMin,
			MMult:      rc.MMult,
			Floor:      uint8(rc.Floor),
			SpanDB:     rc.SpanDB,
			Knee:       uint8(rc.Knee),
			Percentile: rc.Percentile,
		},
	}
}
