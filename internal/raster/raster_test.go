package raster

import (
	"strings"
	"testing"
)

func TestParseSampleKind(t *testing.T) {
	tests := []struct {
		in      string
		want    SampleKind
		wantErr bool
	}{
		{in: "real32", want: KindReal32},
		{in: "float32", want: KindReal32},
		{in: "real", want: KindReal32},
		{in: "complex64", want: KindComplex64},
		{in: "complex", want: KindComplex64},
		{in: "int16", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSampleKind(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSampleKind(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSampleKind(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSampleKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSampleBuffer_BinaryRoundTrip(t *testing.T) {
	src := NewSampleBuffer(KindComplex64, 5, 3)
	for i := range src.Complex {
		src.Complex[i] = complex(float32(i), -float32(i))
	}
	raw, err := src.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if len(raw) != sampleHeaderLen+src.Bytes() {
		t.Fatalf("stream length %d, want %d", len(raw), sampleHeaderLen+src.Bytes())
	}

	var dst SampleBuffer
	if err := dst.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if dst.Kind != KindComplex64 || dst.Width != 5 || dst.Height != 3 {
		t.Fatalf("unexpected header: kind=%s dims=%dx%d", dst.Kind, dst.Width, dst.Height)
	}
	for i := range src.Complex {
		if dst.Complex[i] != src.Complex[i] {
			t.Fatalf("sample %d = %v, want %v", i, dst.Complex[i], src.Complex[i])
		}
	}
}

func TestSampleBuffer_UnmarshalRejectsCorrupt(t *testing.T) {
	src := NewSampleBuffer(KindReal32, 4, 4)
	raw, err := src.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	var dst SampleBuffer
	if err := dst.UnmarshalBinary(raw[:5]); err == nil {
		t.Fatal("expected error for short stream, got nil")
	}
	if err := dst.UnmarshalBinary(raw[:len(raw)-4]); err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
	bad := append([]byte(nil), raw...)
	bad[0] = 99
	err = dst.UnmarshalBinary(bad)
	if err == nil {
		t.Fatal("expected error for unknown kind byte, got nil")
	}
	if !strings.Contains(err.Error(), "corrupt") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDisplayBuffer_GraySharesPixels(t *testing.T) {
	b := NewDisplayBuffer(8, 4)
	b.Set(3, 2, 200)
	g := b.Gray()
	if got := g.GrayAt(3, 2).Y; got != 200 {
		t.Fatalf("GrayAt(3,2) = %d, want 200", got)
	}
	g.Pix[g.PixOffset(1, 1)] = 77
	if got := b.At(1, 1); got != 77 {
		t.Fatalf("At(1,1) = %d after writing through Gray, want 77", got)
	}
}
