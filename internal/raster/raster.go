// Package raster defines the sample and display buffer types shared by
// readers, remap functions and the renderer.
package raster

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"
)

// SampleKind identifies the element type of a sample buffer.
type SampleKind int

const (
	KindUnknown SampleKind = iota
	// KindReal32 is a single-band real-valued image with float32 samples.
	KindReal32
	// KindComplex64 is a complex-valued image with complex64 samples
	// (interleaved float32 I/Q on disk).
	KindComplex64
)

func (k SampleKind) String() string {
	switch k {
	case KindReal32:
		return "real32"
	case KindComplex64:
		return "complex64"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// BytesPerSample returns the storage size of one sample of this kind.
func (k SampleKind) BytesPerSample() int {
	switch k {
	case KindReal32:
		return 4
	case KindComplex64:
		return 8
	default:
		return 0
	}
}

// ParseSampleKind maps the config file spellings to a SampleKind.
func ParseSampleKind(s string) (SampleKind, error) {
	switch s {
	case "real32", "float32", "real":
		return KindReal32, nil
	case "complex64", "complex":
		return KindComplex64, nil
	default:
		return KindUnknown, fmt.Errorf("unknown sample kind %q", s)
	}
}

// SampleBuffer is a row-major window of raw samples cut from one image
// region. Exactly one of Real or Complex is populated, per Kind.
type SampleBuffer struct {
	Kind    SampleKind
	Width   int
	Height  int
	Real    []float32
	Complex []complex64
}

// NewSampleBuffer allocates a zeroed buffer of the given kind and size.
func NewSampleBuffer(kind SampleKind, width, height int) *SampleBuffer {
	b := &SampleBuffer{Kind: kind, Width: width, Height: height}
	switch kind {
	case KindComplex64:
		b.Complex = make([]complex64, width*height)
	default:
		b.Real = make([]float32, width*height)
	}
	return b
}

// Len returns the number of samples in the buffer.
func (b *SampleBuffer) Len() int { return b.Width * b.Height }

// Index returns the flat offset of sample (x, y).
func (b *SampleBuffer) Index(x, y int) int { return y*b.Width + x }

// Bytes returns the payload size of the buffer in bytes.
func (b *SampleBuffer) Bytes() int { return b.Len() * b.Kind.BytesPerSample() }

const sampleHeaderLen = 9 // kind byte + two uint32 dims

// MarshalBinary encodes the buffer as a little-endian byte stream for the
// raw window cache tier.
func (b *SampleBuffer) MarshalBinary() ([]byte, error) {
	out := make([]byte, sampleHeaderLen+b.Bytes())
	out[0] = byte(b.Kind)
	binary.LittleEndian.PutUint32(out[1:5], uint32(b.Width))
	binary.LittleEndian.PutUint32(out[5:9], uint32(b.Height))
	p := out[sampleHeaderLen:]
	switch b.Kind {
	case KindReal32:
		for i, v := range b.Real {
			binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
		}
	case KindComplex64:
		for i, v := range b.Complex {
			binary.LittleEndian.PutUint32(p[i*8:], math.Float32bits(real(v)))
			binary.LittleEndian.PutUint32(p[i*8+4:], math.Float32bits(imag(v)))
		}
	default:
		return nil, fmt.Errorf("cannot marshal sample kind %s", b.Kind)
	}
	return out, nil
}

// UnmarshalBinary decodes a stream produced by MarshalBinary.
func (b *SampleBuffer) UnmarshalBinary(data []byte) error {
	if len(data) < sampleHeaderLen {
		return fmt.Errorf("sample buffer stream too short: %d bytes", len(data))
	}
	kind := SampleKind(data[0])
	w := int(binary.LittleEndian.Uint32(data[1:5]))
	h := int(binary.LittleEndian.Uint32(data[5:9]))
	want := w * h * kind.BytesPerSample()
	if kind.BytesPerSample() == 0 || len(data)-sampleHeaderLen != want {
		return fmt.Errorf("sample buffer stream corrupt: kind=%d dims=%dx%d payload=%d", kind, w, h, len(data)-sampleHeaderLen)
	}
	b.Kind = kind
	b.Width = w
	b.Height = h
	p := data[sampleHeaderLen:]
	switch kind {
	case KindReal32:
		b.Real = make([]float32, w*h)
		b.Complex = nil
		for i := range b.Real {
			b.Real[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
		}
	case KindComplex64:
		b.Complex = make([]complex64, w*h)
		b.Real = nil
		for i := range b.Complex {
			re := math.Float32frombits(binary.LittleEndian.Uint32(p[i*8:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(p[i*8+4:]))
			b.Complex[i] = complex(re, im)
		}
	}
	return nil
}

// DisplayBuffer is an 8-bit grayscale raster produced by a remap.
type DisplayBuffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewDisplayBuffer allocates a zeroed display buffer.
func NewDisplayBuffer(width, height int) *DisplayBuffer {
	return &DisplayBuffer{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// Index returns the flat offset of pixel (x, y).
func (b *DisplayBuffer) Index(x, y int) int { return y*b.Width + x }

// At returns the pixel at (x, y).
func (b *DisplayBuffer) At(x, y int) uint8 { return b.Pix[y*b.Width+x] }

// Set writes the pixel at (x, y).
func (b *DisplayBuffer) Set(x, y int, v uint8) { b.Pix[y*b.Width+x] = v }

// Bytes returns the payload size in bytes.
func (b *DisplayBuffer) Bytes() int { return len(b.Pix) }

// Fill sets every pixel to v.
func (b *DisplayBuffer) Fill(v uint8) {
	for i := range b.Pix {
		b.Pix[i] = v
	}
}

// Gray wraps the buffer as an image.Gray sharing the same pixel storage.
func (b *DisplayBuffer) Gray() *image.Gray {
	return &image.Gray{Pix: b.Pix, Stride: b.Width, Rect: image.Rect(0, 0, b.Width, b.Height)}
}
