package remap

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/sarview/sarview/internal/raster"
)

// nrlRemap is linear from the window minimum up to an amplitude knee at
// the configured percentile, then logarithmic from the knee to the window
// maximum. The curve is continuous at the knee and reaches full
// brightness exactly at the maximum.
func nrlRemap(buf *raster.SampleBuffer, p Params) (*raster.DisplayBuffer, error) {
	amp, err := amplitudes(buf)
	if err != nil {
		return nil, err
	}
	out := raster.NewDisplayBuffer(buf.Width, buf.Height)

	sorted := make([]float64, len(amp))
	copy(sorted, amp)
	sort.Float64s(sorted)
	lo := sorted[0]
	hi := sorted[len(sorted)-1]
	if !(hi > lo) {
		// Constant or empty window renders black.
		return out, nil
	}
	knee := stat.Quantile(p.Percentile/100, stat.Empirical, sorted, nil)
	kneeOut := float64(p.Knee)

	vals := make([]float64, len(amp))
	for i, a := range amp {
		if a <= knee {
			if knee > lo {
				vals[i] = kneeOut * (a - lo) / (knee - lo)
			}
			continue
		}
		vals[i] = kneeOut + (MaxOutput-kneeOut)*math.Log2(1+(a-knee)/(hi-knee))
	}
	clipCast(vals, out)
	return out, nil
}
