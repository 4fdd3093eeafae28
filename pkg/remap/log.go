package remap

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/sarview/sarview/internal/raster"
)

// logRemap is the power-centered logarithmic remap of the original
// viewer: amplitudes are normalized by their mean, shifted so the minimum
// clears 1, converted to dB, then windowed about the mean power over a
// fixed span. Zero samples and fully degenerate windows land on the
// configured floor; non-finite samples saturate.
func logRemap(buf *raster.SampleBuffer, p Params) (*raster.DisplayBuffer, error) {
	amp, err := amplitudes(buf)
	if err != nil {
		return nil, err
	}
	out := raster.NewDisplayBuffer(buf.Width, buf.Height)

	use := make([]int, 0, len(amp))
	for i, a := range amp {
		switch {
		case math.IsNaN(a) || math.IsInf(a, 0):
			out.Pix[i] = MaxOutput
		case a == 0:
			out.Pix[i] = p.Floor
		default:
			use = append(use, i)
		}
	}
	if len(use) == 0 {
		return out, nil
	}

	vals := make([]float64, len(use))
	for j, i := range use {
		vals[j] = amp[i]
	}
	lo, hi := minMax(vals)
	if lo == hi {
		for _, i := range use {
			out.Pix[i] = p.Floor
		}
		return out, nil
	}

	scale := 10 / stat.Mean(vals, nil)
	var power float64
	for j := range vals {
		vals[j] *= scale
		power += vals[j] * vals[j]
	}
	rcent := 10 * math.Log10(power/float64(len(vals)))

	shift := 1 - lo*scale
	if shift < 0 {
		shift = 0
	}
	dmin, dmax := math.Inf(1), math.Inf(-1)
	for j := range vals {
		d := 20 * math.Log10(vals[j]+shift)
		vals[j] = d
		if d < dmin {
			dmin = d
		}
		if d > dmax {
			dmax = d
		}
	}

	dispMin := math.Max(dmin, rcent-p.SpanDB/2)
	dispMax := math.Min(dmax, rcent+p.SpanDB/2)
	if dispMax <= dispMin {
		for _, i := range use {
			out.Pix[i] = p.Floor
		}
		return out, nil
	}
	for j, i := range use {
		out.Pix[i] = clampByte(MaxOutput * (vals[j] - dispMin) / (dispMax - dispMin))
	}
	return out, nil
}

func minMax(vals []float64) (float64, float64) {
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
