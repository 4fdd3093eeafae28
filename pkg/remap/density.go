package remap

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/sarview/sarview/internal/raster"
)

// densityEPS guards the logarithms against zero amplitudes and means.
const densityEPS = 1e-5

// amplitudeToDensity is the classic SAR density transform: a log10 ramp
// positioned so the low clip (0.8 x mean amplitude) lands at dmin and the
// high clip (mmult x low clip) at the display maximum.
func amplitudeToDensity(amp []float64, dmin, mmult float64) []float64 {
	out := make([]float64, len(amp))
	mean := stat.Mean(amp, nil)
	if mean == 0 || math.IsNaN(mean) {
		// Constant zero input stays black.
		return out
	}
	if mean < densityEPS {
		mean = densityEPS
	}
	cl := 0.8 * mean
	ch := mmult * cl
	m := (MaxOutput - dmin) / math.Log10(ch/cl)
	b := dmin - m*math.Log10(cl)
	for i, a := range amp {
		if a < densityEPS {
			a = densityEPS
		}
		out[i] = m*math.Log10(a) + b
	}
	return out
}

func densityRemap(buf *raster.SampleBuffer, p Params) (*raster.DisplayBuffer, error) {
	amp, err := amplitudes(buf)
	if err != nil {
		return nil, err
	}
	out := raster.NewDisplayBuffer(buf.Width, buf.Height)
	clipCast(amplitudeToDensity(amp, p.DMin, p.MMult), out)
	return out, nil
}

// pedfRemap is the piecewise extended density format: density output with
// the highlight half of the range compressed toward mid-gray.
func pedfRemap(buf *raster.SampleBuffer, p Params) (*raster.DisplayBuffer, error) {
	amp, err := amplitudes(buf)
	if err != nil {
		return nil, err
	}
	vals := amplitudeToDensity(amp, p.DMin, p.MMult)
	for i, v := range vals {
		if v > 128 {
			vals[i] = 0.5 * (v + 128)
		}
	}
	out := raster.NewDisplayBuffer(buf.Width, buf.Height)
	clipCast(vals, out)
	return out, nil
}
