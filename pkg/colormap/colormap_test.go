package colormap

import (
	"image/color"
	"testing"
)

func TestGrayEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Gray.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 0, G: 0, B: 0, A: 255}) {
		t.Fatalf("unexpected Gray.At(0): %#v", c0)
	}

	c1, ok := Gray.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("unexpected Gray.At(1): %#v", c1)
	}
}

func TestLUT256_GrayIsIdentity(t *testing.T) {
	t.Parallel()

	lut := LUT256(Gray)
	for i := 0; i < 256; i++ {
		c := lut[i]
		if int(c.R) != i || int(c.G) != i || int(c.B) != i || c.A != 255 {
			t.Fatalf("lut[%d] = %#v, want gray level %d", i, c, i)
		}
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, ok := ByName(name); !ok {
			t.Errorf("ByName(%q) not found", name)
		}
	}
	if _, ok := ByName("sepia"); ok {
		t.Error("ByName(\"sepia\") should not resolve")
	}
	if _, ok := ByName("viridis"); !ok {
		t.Error("ByName(\"viridis\") should resolve")
	}
}
