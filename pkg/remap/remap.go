// Package remap maps raw SAR sample values (real or complex) to bounded
// 8-bit display intensities. Every function is stateless: the same
// (buffer, configuration) pair always produces identical output, which is
// what makes remapped tiles cacheable.
package remap

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sarview/sarview/internal/raster"
)

// MaxOutput is the largest display value a remap may produce.
const MaxOutput = 255

// ErrUnsupportedSampleKind reports a sample kind no remap understands.
var ErrUnsupportedSampleKind = errors.New("remap: unsupported sample kind")

// ErrUnknownFunction reports a remap name absent from the registry.
var ErrUnknownFunction = errors.New("remap: unknown function")

// Params carries the numeric parameters of the remap functions. Zero
// values mean "use the function's default", mirroring how the original
// tools construct their remap objects without arguments.
type Params struct {
	// DMin and MMult drive the density family: DMin is the output level
	// assigned to the low clip, MMult the high-to-low clip ratio.
	DMin  float64 `yaml:"dmin"`
	MMult float64 `yaml:"mmult"`
	// Floor is the output byte assigned to zero samples by the
	// logarithmic remap.
	Floor uint8 `yaml:"floor"`
	// SpanDB is the logarithmic display window width in decibels.
	SpanDB float64 `yaml:"span_db"`
	// Knee is the output byte at the NRL linear-to-log transition and
	// Percentile the amplitude percentile the transition sits at.
	Knee       uint8   `yaml:"knee"`
	Percentile float64 `yaml:"percentile"`
}

// Config selects a remap function and its parameters.
type Config struct {
	Name   string `yaml:"name"`
	Params Params `yaml:"params"`
}

// Func is one remap implementation. Implementations receive normalized
// parameters and must be pure.
type Func func(buf *raster.SampleBuffer, p Params) (*raster.DisplayBuffer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Func{}
)

// Register makes a remap function resolvable by name. Later registrations
// under the same name win, matching how sessions override defaults.
func Register(name string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = fn
}

// Lookup resolves a registered function by canonical name.
func Lookup(name string) (Func, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Names returns the registered canonical names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// canonicalName folds the UI spellings of the original viewer onto the
// registry names.
func canonicalName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, " ", "_")
	n = strings.ReplaceAll(n, "-", "_")
	switch n {
	case "logarithmic":
		return "log"
	case "":
		return "density"
	default:
		return n
	}
}

// Normalize resolves the config name to its canonical form and fills
// parameter defaults. It fails for unknown functions or out-of-range
// parameters so that invalid configs are rejected before they reach a
// cache key.
func (c Config) Normalize() (Config, error) {
	out := Config{Name: canonicalName(c.Name), Params: c.Params}
	p := &out.Params
	switch out.Name {
	case "density", "pedf":
		applyDensityDefaults(p, 30, 40)
	case "brighter":
		applyDensityDefaults(p, 60, 40)
	case "darker":
		applyDensityDefaults(p, 0, 40)
	case "high_contrast":
		applyDensityDefaults(p, 30, 4)
	case "linear":
		// no parameters
	case "log":
		if p.SpanDB == 0 {
			p.SpanDB = 50
		}
		if p.SpanDB < 0 {
			return Config{}, fmt.Errorf("remap: span_db must be positive, got %v", p.SpanDB)
		}
	case "nrl":
		if p.Knee == 0 {
			p.Knee = 220
		}
		if p.Percentile == 0 {
			p.Percentile = 99
		}
		if p.Percentile < 0 || p.Percentile > 100 {
			return Config{}, fmt.Errorf("remap: percentile must be in [0,100], got %v", p.Percentile)
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownFunction, c.Name)
	}
	return out, nil
}

func applyDensityDefaults(p *Params, dmin, mmult float64) {
	if p.DMin == 0 && dmin != 0 {
		p.DMin = dmin
	}
	if p.MMult == 0 {
		p.MMult = mmult
	}
}

// Tag returns a deterministic fingerprint of the normalized config, used
// as the remap component of tile cache keys. Configs that normalize
// identically share a tag.
func (c Config) Tag() string {
	n, err := c.Normalize()
	if err != nil {
		n = Config{Name: canonicalName(c.Name), Params: c.Params}
	}
	h := fnv.New64a()
	h.Write([]byte(n.Name))
	for _, v := range []float64{n.Params.DMin, n.Params.MMult, float64(n.Params.Floor), n.Params.SpanDB, float64(n.Params.Knee), n.Params.Percentile} {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(v, 'g', -1, 64)))
	}
	return fmt.Sprintf("%s-%08x", n.Name, h.Sum64()&0xffffffff)
}

// Apply remaps a sample buffer under the given configuration.
func Apply(cfg Config, buf *raster.SampleBuffer) (*raster.DisplayBuffer, error) {
	n, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	fn, ok := Lookup(n.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, n.Name)
	}
	return fn(buf, n.Params)
}

// amplitudes computes |sample| as float64 for any supported kind.
func amplitudes(buf *raster.SampleBuffer) ([]float64, error) {
	switch buf.Kind {
	case raster.KindReal32:
		out := make([]float64, len(buf.Real))
		for i, v := range buf.Real {
			out[i] = math.Abs(float64(v))
		}
		return out, nil
	case raster.KindComplex64:
		out := make([]float64, len(buf.Complex))
		for i, v := range buf.Complex {
			out[i] = math.Hypot(float64(real(v)), float64(imag(v)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSampleKind, buf.Kind)
	}
}

// clipCast clamps float intensities into [0, MaxOutput] bytes the way the
// original tools cast: values clip rather than wrap, NaN lands at zero.
func clipCast(vals []float64, out *raster.DisplayBuffer) {
	for i, v := range vals {
		out.Pix[i] = clampByte(v)
	}
}

func init() {
	Register("density", densityRemap)
	Register("brighter", densityRemap)
	Register("darker", densityRemap)
	Register("high_contrast", densityRemap)
	Register("pedf", pedfRemap)
	Register("linear", linearRemap)
	Register("log", logRemap)
	Register("nrl", nrlRemap)
}
