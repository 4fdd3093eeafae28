package remap

import (
	"math"

	"github.com/sarview/sarview/internal/raster"
)

// linearRemap scales amplitude linearly between the finite minimum and
// maximum of the window. Non-finite samples render at full brightness,
// constant windows render black.
func linearRemap(buf *raster.SampleBuffer, _ Params) (*raster.DisplayBuffer, error) {
	amp, err := amplitudes(buf)
	if err != nil {
		return nil, err
	}
	out := raster.NewDisplayBuffer(buf.Width, buf.Height)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, a := range amp {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			continue
		}
		if a < lo {
			lo = a
		}
		if a > hi {
			hi = a
		}
	}
	for i, a := range amp {
		switch {
		case math.IsNaN(a) || math.IsInf(a, 0):
			out.Pix[i] = MaxOutput
		case hi > lo:
			out.Pix[i] = clampByte(MaxOutput * (a - lo) / (hi - lo))
		}
	}
	return out, nil
}

func clampByte(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= MaxOutput:
		return MaxOutput
	default:
		return uint8(v)
	}
}
