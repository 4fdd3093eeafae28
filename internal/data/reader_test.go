package data

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/sarview/sarview/internal/raster"
)

func gradientBuffer(w, h int) *raster.SampleBuffer {
	buf := raster.NewSampleBuffer(raster.KindComplex64, w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			buf.Complex[y*w+x] = complex(float32(x), float32(y))
		}
	}
	return buf
}

func TestMemReader_FullWindow(t *testing.T) {
	r := NewMemReader(gradientBuffer(16, 12))
	got, err := r.ReadRegion(context.Background(), image.Rect(0, 0, 16, 12), 1)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	if got.Width != 16 || got.Height != 12 {
		t.Fatalf("unexpected dims: got %dx%d want 16x12", got.Width, got.Height)
	}
	if got.Complex[got.Index(5, 7)] != complex(5, 7) {
		t.Fatalf("sample (5,7) = %v, want (5+7i)", got.Complex[got.Index(5, 7)])
	}
}

func TestMemReader_DecimationStridesBothAxes(t *testing.T) {
	r := NewMemReader(gradientBuffer(20, 20))
	got, err := r.ReadRegion(context.Background(), image.Rect(2, 4, 17, 19), 4)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	// ceil(15/4) = 4 samples per axis.
	if got.Width != 4 || got.Height != 4 {
		t.Fatalf("unexpected dims: got %dx%d want 4x4", got.Width, got.Height)
	}
	for oy := 0; oy < got.Height; oy++ {
		for ox := 0; ox < got.Width; ox++ {
			want := complex(float32(2+ox*4), float32(4+oy*4))
			if v := got.Complex[got.Index(ox, oy)]; v != want {
				t.Fatalf("sample (%d,%d) = %v, want %v", ox, oy, v, want)
			}
		}
	}
}

func TestMemReader_RejectsBadRequests(t *testing.T) {
	r := NewMemReader(gradientBuffer(8, 8))
	cases := []struct {
		name string
		rect image.Rectangle
		dec  int
	}{
		{"empty", image.Rect(3, 3, 3, 3), 1},
		{"negative origin", image.Rect(-1, 0, 4, 4), 1},
		{"past right edge", image.Rect(0, 0, 9, 4), 1},
		{"past bottom edge", image.Rect(0, 0, 4, 9), 1},
		{"zero decimation", image.Rect(0, 0, 4, 4), 0},
	}
	for _, tc := range cases {
		if _, err := r.ReadRegion(context.Background(), tc.rect, tc.dec); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		} else {
			var re *ReaderError
			if !errors.As(err, &re) {
				t.Errorf("%s: error %v is not a ReaderError", tc.name, err)
			}
		}
	}
}

func TestMemReader_CancelledContext(t *testing.T) {
	r := NewMemReader(gradientBuffer(8, 8))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReadRegion(ctx, image.Rect(0, 0, 4, 4), 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSyntheticScene_Deterministic(t *testing.T) {
	a := NewSyntheticScene(256, 256, 7)
	b := NewSyntheticScene(256, 256, 7)
	bufA, err := a.ReadRegion(context.Background(), image.Rect(0, 0, 256, 256), 1)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	bufB, err := b.ReadRegion(context.Background(), image.Rect(0, 0, 256, 256), 1)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	for i := range bufA.Complex {
		if bufA.Complex[i] != bufB.Complex[i] {
			t.Fatalf("scenes diverge at sample %d: %v vs %v", i, bufA.Complex[i], bufB.Complex[i])
		}
	}
}

func TestNewSyntheticScene_HasBrightScatterers(t *testing.T) {
	r := NewSyntheticScene(512, 512, 1)
	buf, err := r.ReadRegion(context.Background(), image.Rect(0, 0, 512, 512), 1)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	var peak float64
	for _, v := range buf.Complex {
		re, im := float64(real(v)), float64(imag(v))
		if p := re*re + im*im; p > peak {
			peak = p
		}
	}
	// Speckle power is around unity; scatterers should tower over it.
	if peak < 100 {
		t.Fatalf("expected a strong scatterer, peak power %.1f", peak)
	}
}
