// Package config handles configuration loading for the sarview server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Images ImagesConfig `yaml:"images"`
	View   ViewConfig   `yaml:"view"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                int      `yaml:"port"`
	CORSOrigins         []string `yaml:"cors_origins"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
}

// EngineConfig sizes the tile engine. RawCacheMB -1 disables the raw
// sample tier; Workers 0 means one per CPU.
type EngineConfig struct {
	TileSize            int `yaml:"tile_size"`
	PyramidFactor       int `yaml:"pyramid_factor"`
	CacheBudgetMB       int `yaml:"cache_budget_mb"`
	RawCacheMB          int `yaml:"raw_cache_mb"`
	RawTTLMinutes       int `yaml:"raw_ttl_minutes"`
	Workers             int `yaml:"workers"`
	QueueDepth          int `yaml:"queue_depth"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
}

// ImageConfig describes one catalog entry. Type selects the reader:
// "synthetic" generates a scene in memory, "raw" opens a flat sample
// dump with its sidecar, "zarr" opens a Zarr v3 store, "tiledb" opens
// a dense array (needs the tiledb build tag).
type ImageConfig struct {
	Type   string `yaml:"type"`
	Path   string `yaml:"path"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Kind   string `yaml:"kind"`
	Seed   int64  `yaml:"seed"`
}

// ImagesConfig is the image catalog, kept in file order so the first
// entry can serve as the default image.
type ImagesConfig struct {
	Names  []string
	ByName map[string]ImageConfig
}

// UnmarshalYAML decodes the catalog mapping while preserving key order.
func (c *ImagesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("images: expected a mapping, got yaml kind %d", node.Kind)
	}
	c.Names = nil
	c.ByName = make(map[string]ImageConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var img ImageConfig
		if err := node.Content[i+1].Decode(&img); err != nil {
			return fmt.Errorf("images.%s: %w", name, err)
		}
		if _, dup := c.ByName[name]; dup {
			return fmt.Errorf("images.%s: duplicate entry", name)
		}
		c.Names = append(c.Names, name)
		c.ByName[name] = img
	}
	return nil
}

// ViewConfig contains display defaults for the view endpoints.
type ViewConfig struct {
	Width      int         `yaml:"width"`
	Height     int         `yaml:"height"`
	Remap      RemapConfig `yaml:"remap"`
	Colormap   string      `yaml:"colormap"`
	Background int         `yaml:"background"`
}

// RemapConfig selects the default display function. Zero-valued numeric
// fields fall back to the function's own defaults.
type RemapConfig struct {
	Name       string  `yaml:"name"`
	DMin       float64 `yaml:"dmin"`
	MMult      float64 `yaml:"mmult"`
	Floor      int     `yaml:"floor"`
	SpanDB     float64 `yaml:"span_db"`
	Knee       int     `yaml:"knee"`
	Percentile float64 `yaml:"percentile"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration: one synthetic demo
// scene behind an otherwise production-shaped setup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			CORSOrigins:         []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 60,
		},
		Engine: EngineConfig{
			TileSize:            512,
			PyramidFactor:       2,
			CacheBudgetMB:       512,
			RawCacheMB:          256,
			RawTTLMinutes:       10,
			QueueDepth:          256,
			FetchTimeoutSeconds: 30,
		},
		Images: ImagesConfig{
			Names: []string{"demo"},
			ByName: map[string]ImageConfig{
				"demo": {Type: "synthetic", Width: 8192, Height: 8192, Kind: "complex64", Seed: 1},
			},
		},
		View: ViewConfig{
			Width:    1024,
			Height:   768,
			Remap:    RemapConfig{Name: "density"},
			Colormap: "gray",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = defaults.Server.ReadTimeoutSeconds
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = defaults.Server.WriteTimeoutSeconds
	}
	if cfg.Engine.TileSize == 0 {
		cfg.Engine.TileSize = defaults.Engine.TileSize
	}
	if cfg.Engine.PyramidFactor == 0 {
		cfg.Engine.PyramidFactor = defaults.Engine.PyramidFactor
	}
	if cfg.Engine.CacheBudgetMB == 0 {
		cfg.Engine.CacheBudgetMB = defaults.Engine.CacheBudgetMB
	}
	if cfg.Engine.RawCacheMB == 0 {
		cfg.Engine.RawCacheMB = defaults.Engine.RawCacheMB
	}
	if cfg.Engine.RawTTLMinutes == 0 {
		cfg.Engine.RawTTLMinutes = defaults.Engine.RawTTLMinutes
	}
	if cfg.Engine.QueueDepth == 0 {
		cfg.Engine.QueueDepth = defaults.Engine.QueueDepth
	}
	if cfg.Engine.FetchTimeoutSeconds == 0 {
		cfg.Engine.FetchTimeoutSeconds = defaults.Engine.FetchTimeoutSeconds
	}
	if len(cfg.Images.Names) == 0 {
		cfg.Images = defaults.Images
	}
	if cfg.View.Width == 0 {
		cfg.View.Width = defaults.View.Width
	}
	if cfg.View.Height == 0 {
		cfg.View.Height = defaults.View.Height
	}
	if cfg.View.Remap.Name == "" {
		cfg.View.Remap.Name = defaults.View.Remap.Name
	}
	if cfg.View.Colormap == "" {
		cfg.View.Colormap = defaults.View.Colormap
	}
}
