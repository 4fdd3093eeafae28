// Package zarr reads 2-D Zarr v3 arrays as image sources. Complex
// imagery is stored as sibling float32 arrays "real" and "imag" under
// one store directory; real imagery is a single array at the store
// root. Dimensions are [y, x], edge chunks are stored clipped to the
// array bounds, and chunks left unwritten read back as the fill value.
package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/sarview/sarview/internal/data"
	"github.com/sarview/sarview/internal/raster"
)

// ArrayMeta is the Zarr v3 array metadata, as stored in zarr.json.
type ArrayMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Shape      []int  `json:"shape"`
	DataType   string `json:"data_type"`
	ChunkGrid  struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []Codec     `json:"codecs"`
}

// Codec names one stage of the codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// array is one float32 plane of the store, immutable after open.
type array struct {
	path                 string
	rows, cols           int
	chunkRows, chunkCols int
	sep                  string
	zstd                 bool
	fill                 float32
	fillRaw              []byte
}

// Reader serves windows of a Zarr v3 store. Chunk decodes go through a
// shared zstd decoder, which is safe for concurrent ReadRegion calls.
type Reader struct {
	kind raster.SampleKind
	re   *array
	im   *array
	dec  *zstd.Decoder
}

// Open opens a Zarr v3 store. A zarr.json at path means a single real
// plane; otherwise the store must hold a real/imag array pair with
// matching shapes.
func Open(path string) (*Reader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, &data.ReaderError{Op: "open", Err: err}
	}

	if _, err := os.Stat(filepath.Join(path, "zarr.json")); err == nil {
		a, err := openArray(path)
		if err != nil {
			dec.Close()
			return nil, &data.ReaderError{Op: "open", Err: err}
		}
		return &Reader{kind: raster.KindReal32, re: a, dec: dec}, nil
	}

	re, err := openArray(filepath.Join(path, "real"))
	if err != nil {
		dec.Close()
		return nil, &data.ReaderError{Op: "open", Err: fmt.Errorf("no array at %s (want zarr.json or a real/imag pair): %w", path, err)}
	}
	im, err := openArray(filepath.Join(path, "imag"))
	if err != nil {
		dec.Close()
		return nil, &data.ReaderError{Op: "open", Err: err}
	}
	if re.rows != im.rows || re.cols != im.cols {
		dec.Close()
		return nil, &data.ReaderError{Op: "open", Err: fmt.Errorf("real plane %dx%d and imag plane %dx%d disagree",
			re.cols, re.rows, im.cols, im.rows)}
	}
	return &Reader{kind: raster.KindComplex64, re: re, im: im, dec: dec}, nil
}

func openArray(dir string) (*array, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read array metadata: %w", err)
	}
	var meta ArrayMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse array metadata: %w", err)
	}
	if meta.ZarrFormat != 3 {
		return nil, fmt.Errorf("unsupported zarr_format %d", meta.ZarrFormat)
	}
	if meta.NodeType != "array" {
		return nil, fmt.Errorf("unexpected node_type %q", meta.NodeType)
	}
	if meta.DataType != "float32" {
		return nil, fmt.Errorf("unsupported data_type %q (imagery planes must be float32)", meta.DataType)
	}
	if len(meta.Shape) != 2 || meta.Shape[0] <= 0 || meta.Shape[1] <= 0 {
		return nil, fmt.Errorf("expected a 2-D array, got shape %v", meta.Shape)
	}
	if meta.ChunkGrid.Name != "" && meta.ChunkGrid.Name != "regular" {
		return nil, fmt.Errorf("unsupported chunk grid %q", meta.ChunkGrid.Name)
	}
	cs := meta.ChunkGrid.Configuration.ChunkShape
	if len(cs) != 2 || cs[0] <= 0 || cs[1] <= 0 {
		return nil, fmt.Errorf("invalid chunk shape %v", cs)
	}

	zstdOn := false
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes":
			if e, ok := c.Configuration["endian"].(string); ok && e != "little" {
				return nil, fmt.Errorf("unsupported byte order %q", e)
			}
		case "zstd":
			zstdOn = true
		default:
			return nil, fmt.Errorf("unsupported codec %q", c.Name)
		}
	}

	fill, err := fillValueFloat(meta.FillValue)
	if err != nil {
		return nil, err
	}

	a := &array{
		path:      dir,
		rows:      meta.Shape[0],
		cols:      meta.Shape[1],
		chunkRows: cs[0],
		chunkCols: cs[1],
		sep:       meta.ChunkKeyEncoding.Configuration.Separator,
		zstd:      zstdOn,
		fill:      fill,
	}
	if a.sep == "" {
		a.sep = "/"
	}
	if a.sep != "/" && a.sep != "." {
		return nil, fmt.Errorf("unsupported chunk key separator %q", a.sep)
	}
	// Any stored chunk is clipped to the array bounds, so this payload
	// covers the largest chunk a read can ask for.
	a.fillRaw = make([]byte, min(a.chunkRows, a.rows)*min(a.chunkCols, a.cols)*4)
	binary.LittleEndian.PutUint32(a.fillRaw, math.Float32bits(fill))
	for i := 4; i < len(a.fillRaw); i += 4 {
		copy(a.fillRaw[i:], a.fillRaw[:4])
	}
	return a, nil
}

// fillValueFloat decodes the metadata fill value. Zarr v3 spells the
// non-finite floats as strings.
func fillValueFloat(v interface{}) (float32, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return float32(t), nil
	case string:
		switch t {
		case "NaN":
			return float32(math.NaN()), nil
		case "Infinity":
			return float32(math.Inf(1)), nil
		case "-Infinity":
			return float32(math.Inf(-1)), nil
		}
		return 0, fmt.Errorf("unsupported fill_value %q", t)
	default:
		return 0, fmt.Errorf("unsupported fill_value type %T", v)
	}
}

// chunkPath resolves a chunk index pair under the default chunk key
// encoding: c/<y>/<x> for the "/" separator, a flat c.<y>.<x> entry
// for ".".
func (a *array) chunkPath(cy, cx int) string {
	if a.sep == "/" {
		return filepath.Join(a.path, "c", strconv.Itoa(cy), strconv.Itoa(cx))
	}
	return filepath.Join(a.path, "c."+strconv.Itoa(cy)+"."+strconv.Itoa(cx))
}

func (r *Reader) Dims() (int, int) { return r.re.cols, r.re.rows }

func (r *Reader) Kind() raster.SampleKind { return r.kind }

func (r *Reader) Close() error {
	r.dec.Close()
	return nil
}

func (r *Reader) ReadRegion(ctx context.Context, rect image.Rectangle, decimation int) (*raster.SampleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, &data.ReaderError{Op: "read_region", Err: err}
	}
	if err := data.CheckRegion(rect, decimation, r.re.cols, r.re.rows); err != nil {
		return nil, err
	}
	outW := data.StridedDim(rect.Dx(), decimation)
	outH := data.StridedDim(rect.Dy(), decimation)
	out := raster.NewSampleBuffer(r.kind, outW, outH)

	switch r.kind {
	case raster.KindComplex64:
		reVals := make([]float32, outW*outH)
		imVals := make([]float32, outW*outH)
		if err := r.readPlane(r.re, rect, decimation, outW, outH, reVals); err != nil {
			return nil, &data.ReaderError{Op: "read_region", Err: err}
		}
		if err := r.readPlane(r.im, rect, decimation, outW, outH, imVals); err != nil {
			return nil, &data.ReaderError{Op: "read_region", Err: err}
		}
		for i := range out.Complex {
			out.Complex[i] = complex(reVals[i], imVals[i])
		}
	default:
		if err := r.readPlane(r.re, rect, decimation, outW, outH, out.Real); err != nil {
			return nil, &data.ReaderError{Op: "read_region", Err: err}
		}
	}
	return out, nil
}

// readPlane walks the chunk grid intersecting rect and scatters the
// decimated samples of each chunk into dst, decoding every touched
// chunk exactly once.
func (r *Reader) readPlane(a *array, rect image.Rectangle, decimation, outW, outH int, dst []float32) error {
	for cy := rect.Min.Y / a.chunkRows; cy <= (rect.Max.Y-1)/a.chunkRows; cy++ {
		rowStart := cy * a.chunkRows
		rowLen := min(a.chunkRows, a.rows-rowStart)
		oy0 := firstStride(rowStart, rect.Min.Y, decimation)
		if oy0 >= outH || rect.Min.Y+oy0*decimation >= rowStart+rowLen {
			continue
		}
		for cx := rect.Min.X / a.chunkCols; cx <= (rect.Max.X-1)/a.chunkCols; cx++ {
			colStart := cx * a.chunkCols
			colLen := min(a.chunkCols, a.cols-colStart)
			ox0 := firstStride(colStart, rect.Min.X, decimation)
			if ox0 >= outW || rect.Min.X+ox0*decimation >= colStart+colLen {
				continue
			}

			raw, err := r.chunkBytes(a, cy, cx, rowLen*colLen)
			if err != nil {
				return err
			}
			for oy := oy0; oy < outH; oy++ {
				sy := rect.Min.Y + oy*decimation
				if sy >= rowStart+rowLen {
					break
				}
				base := (sy - rowStart) * colLen
				di := oy * outW
				for ox := ox0; ox < outW; ox++ {
					sx := rect.Min.X + ox*decimation
					if sx >= colStart+colLen {
						break
					}
					p := (base + sx - colStart) * 4
					dst[di+ox] = math.Float32frombits(binary.LittleEndian.Uint32(raw[p:]))
				}
			}
		}
	}
	return nil
}

// firstStride returns the first decimated output index whose source
// coordinate lands at or past pos.
func firstStride(pos, origin, step int) int {
	if pos <= origin {
		return 0
	}
	return (pos - origin + step - 1) / step
}

// chunkBytes returns the decoded payload of one chunk, or the fill
// payload when the chunk file was never written.
func (r *Reader) chunkBytes(a *array, cy, cx, samples int) ([]byte, error) {
	raw, err := os.ReadFile(a.chunkPath(cy, cx))
	if os.IsNotExist(err) {
		return a.fillRaw[:samples*4], nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunk %d/%d: %w", cy, cx, err)
	}
	if a.zstd {
		raw, err = r.dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", cy, cx, err)
		}
	}
	if len(raw) < samples*4 {
		return nil, fmt.Errorf("chunk %d/%d: %d bytes, want %d", cy, cx, len(raw), samples*4)
	}
	return raw, nil
}

// Write dumps a sample buffer as a Zarr v3 store in the layout Open
// expects: float32 planes with zstd-compressed chunks, clipped at the
// array edges. Used by the demo scene exporter and tests.
func Write(path string, buf *raster.SampleBuffer, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 256
	}
	switch buf.Kind {
	case raster.KindComplex64:
		reVals := make([]float32, len(buf.Complex))
		imVals := make([]float32, len(buf.Complex))
		for i, v := range buf.Complex {
			reVals[i] = real(v)
			imVals[i] = imag(v)
		}
		if err := writePlane(filepath.Join(path, "real"), reVals, buf.Width, buf.Height, chunkSize); err != nil {
			return err
		}
		return writePlane(filepath.Join(path, "imag"), imVals, buf.Width, buf.Height, chunkSize)
	case raster.KindReal32:
		return writePlane(path, buf.Real, buf.Width, buf.Height, chunkSize)
	default:
		return fmt.Errorf("cannot write sample kind %s", buf.Kind)
	}
}

func writePlane(dir string, vals []float32, w, h, chunkSize int) error {
	var meta ArrayMeta
	meta.ZarrFormat = 3
	meta.NodeType = "array"
	meta.Shape = []int{h, w}
	meta.DataType = "float32"
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = []int{chunkSize, chunkSize}
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	meta.FillValue = 0
	meta.Codecs = []Codec{
		{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}},
		{Name: "zstd", Configuration: map[string]interface{}{"level": 3}},
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create array dir: %w", err)
	}
	raw, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode array metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "zarr.json"), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write array metadata: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	for cy := 0; cy*chunkSize < h; cy++ {
		rowStart := cy * chunkSize
		rowLen := min(chunkSize, h-rowStart)
		cdir := filepath.Join(dir, "c", strconv.Itoa(cy))
		if err := os.MkdirAll(cdir, 0o755); err != nil {
			return fmt.Errorf("failed to create chunk dir: %w", err)
		}
		for cx := 0; cx*chunkSize < w; cx++ {
			colStart := cx * chunkSize
			colLen := min(chunkSize, w-colStart)
			chunk := make([]byte, rowLen*colLen*4)
			for y := 0; y < rowLen; y++ {
				src := (rowStart+y)*w + colStart
				for x := 0; x < colLen; x++ {
					binary.LittleEndian.PutUint32(chunk[(y*colLen+x)*4:], math.Float32bits(vals[src+x]))
				}
			}
			name := filepath.Join(cdir, strconv.Itoa(cx))
			if err := os.WriteFile(name, enc.EncodeAll(chunk, nil), 0o644); err != nil {
				return fmt.Errorf("failed to write chunk %d/%d: %w", cy, cx, err)
			}
		}
	}
	return nil
}
