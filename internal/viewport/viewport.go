// Package viewport implements the interactive view controller: instant
// preview frames from whatever tiles are resident, background settlement
// of the exact tiles, and discard of frames that finish for a view the
// user has already left.
package viewport

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sarview/sarview/internal/logger"
	"github.com/sarview/sarview/internal/pyramid"
	"github.com/sarview/sarview/internal/raster"
	"github.com/sarview/sarview/internal/render"
	"github.com/sarview/sarview/internal/store"
	"github.com/sarview/sarview/pkg/remap"
)

// ErrNoImage reports an operation on a viewport with nothing attached.
var ErrNoImage = errors.New("no image attached")

// ErrSuperseded reports that the view changed while a settle was in
// flight; its frame was discarded.
var ErrSuperseded = errors.New("view changed while settling")

// State describes what the controller currently shows.
type State int

const (
	// Idle means no image is attached.
	Idle State = iota
	// Navigating means the geometry changed and exact tiles are still
	// settling; the sink shows a preview.
	Navigating
	// Loaded means every tile of the current view is resolved.
	Loaded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Navigating:
		return "navigating"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Frame is one rendered view delivered to the sink.
type Frame struct {
	// Pix is the frame raster, scaled for the output canvas.
	Pix *raster.DisplayBuffer
	// Origin is the frame's upper-left corner in full-resolution
	// pixel space, for sinks that blit into a larger scene.
	Origin image.Point
	// Level and Rect give the pyramid region the frame shows.
	Level int
	Rect  image.Rectangle
	// Epoch identifies the navigation step that produced the frame.
	Epoch uint64
	// Final marks a fully settled frame; previews are not final.
	Final bool
	// Failed counts hatched regions in a final frame.
	Failed int
}

// Sink receives frames. Blit may be called from multiple goroutines.
type Sink interface {
	Blit(Frame)
}

// Config contains controller configuration.
type Config struct {
	Store    *store.Store
	Composer *render.Composer
	Sink     Sink
	// Width and Height set the output canvas in screen pixels.
	Width  int
	Height int
	// SettleConcurrency bounds parallel tile resolves per settle.
	SettleConcurrency int
	Logger            logger.Logger
}

// Controller is one viewport over one image. Navigation calls are
// non-blocking: they emit a preview from resident tiles and signal the
// settle loop; Settle blocks until the exact view is resolved.
type Controller struct {
	st       *store.Store
	composer *render.Composer
	sink     Sink
	outW     int
	outH     int
	parallel int
	log      logger.Logger

	mu      sync.Mutex
	handle  *store.ImageHandle
	cfg     remap.Config
	tag     string
	state   State
	epoch   uint64
	emitted uint64 // highest epoch with a final frame delivered
	centerX float64
	centerY float64
	scale   float64

	kick      chan struct{}
	done      chan struct{}
	loopWg    sync.WaitGroup
	closeOnce sync.Once
}

// New creates a controller and starts its settle loop.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Composer == nil || cfg.Sink == nil {
		return nil, errors.New("viewport requires a store, composer and sink")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid canvas %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.SettleConcurrency <= 0 {
		cfg.SettleConcurrency = 4
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Null()
	}
	c := &Controller{
		st:       cfg.Store,
		composer: cfg.Composer,
		sink:     cfg.Sink,
		outW:     cfg.Width,
		outH:     cfg.Height,
		parallel: cfg.SettleConcurrency,
		log:      log,
		state:    Idle,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.loopWg.Add(1)
	go c.settleLoop()
	return c, nil
}

// Attach binds the viewport to an image and shows the whole scene.
func (c *Controller) Attach(h *store.ImageHandle, cfg remap.Config) error {
	norm, err := cfg.Normalize()
	if err != nil {
		return err
	}
	tag := norm.Tag()
	if err := c.st.Attach(h, tag); err != nil {
		return err
	}
	iw, ih := h.Dims()
	fit := math.Max(float64(iw)/float64(c.outW), float64(ih)/float64(c.outH))
	if fit < 1 {
		fit = 1
	}

	c.mu.Lock()
	old, oldTag := c.handle, c.tag
	c.handle = h
	c.cfg = norm
	c.tag = tag
	c.centerX = float64(iw) / 2
	c.centerY = float64(ih) / 2
	c.scale = fit
	c.epoch++
	c.state = Navigating
	c.mu.Unlock()
	if old != nil {
		c.st.Detach(old, oldTag)
	}

	c.preview()
	c.requestSettle()
	return nil
}

// SetRemap switches the display function. Tiles under the old settings
// are swept unless another viewport still uses them; raw windows are
// reused, so no reader round trips happen for resident regions.
func (c *Controller) SetRemap(cfg remap.Config) error {
	norm, err := cfg.Normalize()
	if err != nil {
		return err
	}
	newTag := norm.Tag()

	c.mu.Lock()
	if c.handle == nil {
		c.mu.Unlock()
		return ErrNoImage
	}
	h, oldTag := c.handle, c.tag
	if newTag == oldTag {
		c.mu.Unlock()
		return nil
	}
	c.cfg = norm
	c.tag = newTag
	c.epoch++
	c.state = Navigating
	c.mu.Unlock()

	c.st.Retag(h, oldTag, newTag)
	c.preview()
	c.requestSettle()
	return nil
}

// Pan shifts the view by a screen-pixel delta.
func (c *Controller) Pan(dx, dy int) {
	c.mu.Lock()
	if c.handle == nil {
		c.mu.Unlock()
		return
	}
	c.centerX += float64(dx) * c.scale
	c.centerY += float64(dy) * c.scale
	c.clampCenterLocked()
	c.epoch++
	c.state = Navigating
	c.mu.Unlock()

	c.preview()
	c.requestSettle()
}

// ZoomAt rescales the view so the scene point under screen pixel
// (px, py) stays put. Factors above one zoom out.
func (c *Controller) ZoomAt(px, py int, factor float64) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return
	}
	c.mu.Lock()
	if c.handle == nil {
		c.mu.Unlock()
		return
	}
	dx := float64(px) - float64(c.outW)/2
	dy := float64(py) - float64(c.outH)/2
	sx := c.centerX + dx*c.scale
	sy := c.centerY + dy*c.scale
	c.setScaleLocked(c.scale * factor)
	c.centerX = sx - dx*c.scale
	c.centerY = sy - dy*c.scale
	c.clampCenterLocked()
	c.epoch++
	c.state = Navigating
	c.mu.Unlock()

	c.preview()
	c.requestSettle()
}

// SetView jumps to an absolute center and scale.
func (c *Controller) SetView(cx, cy, scale float64) {
	c.mu.Lock()
	if c.handle == nil {
		c.mu.Unlock()
		return
	}
	c.centerX, c.centerY = cx, cy
	c.setScaleLocked(scale)
	c.clampCenterLocked()
	c.epoch++
	c.state = Navigating
	c.mu.Unlock()

	c.preview()
	c.requestSettle()
}

// setScaleLocked clamps scale between full magnification and the
// fit-whole-image scale.
func (c *Controller) setScaleLocked(scale float64) {
	w, h := c.handle.Dims()
	maxScale := math.Max(float64(w)/float64(c.outW), float64(h)/float64(c.outH))
	if maxScale < 1 {
		maxScale = 1
	}
	const minScale = 0.125 // up to 8x magnification
	c.scale = math.Min(math.Max(scale, minScale), maxScale)
}

func (c *Controller) clampCenterLocked() {
	w, h := c.handle.Dims()
	c.centerX = math.Min(math.Max(c.centerX, 0), float64(w))
	c.centerY = math.Min(math.Max(c.centerY, 0), float64(h))
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View reports the current center, scale and pyramid level.
func (c *Controller) View() (cx, cy, scale float64, level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return 0, 0, 0, 0
	}
	return c.centerX, c.centerY, c.scale, c.handle.Pyramid().LevelForScale(c.scale)
}

// Epoch returns the current navigation epoch.
func (c *Controller) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Close detaches from the image and stops the settle loop.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.loopWg.Wait()
		c.mu.Lock()
		h, tag := c.handle, c.tag
		c.handle = nil
		c.state = Idle
		c.mu.Unlock()
		if h != nil {
			c.st.Detach(h, tag)
		}
	})
}

// view snapshots the geometry needed to render the current epoch.
type view struct {
	handle *store.ImageHandle
	cfg    remap.Config
	epoch  uint64
	level  int
	step   int // full-res pixels per level pixel
	rect   image.Rectangle
	unit   float64 // level pixels per screen pixel
}

func (c *Controller) snapshot() (view, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return view{}, ErrNoImage
	}
	pyr := c.handle.Pyramid()
	level := pyr.LevelForScale(c.scale)
	step, err := pyr.Decimation(level)
	if err != nil {
		return view{}, err
	}
	lw, lh, err := pyr.LevelDims(level)
	if err != nil {
		return view{}, err
	}
	unit := c.scale / float64(step)
	w := clampInt(int(math.Round(float64(c.outW)*unit)), 1, lw)
	h := clampInt(int(math.Round(float64(c.outH)*unit)), 1, lh)
	x0 := clampInt(int(math.Round(c.centerX/float64(step)))-w/2, 0, lw-w)
	y0 := clampInt(int(math.Round(c.centerY/float64(step)))-h/2, 0, lh-h)
	return view{
		handle: c.handle,
		cfg:    c.cfg,
		epoch:  c.epoch,
		level:  level,
		step:   step,
		rect:   image.Rect(x0, y0, x0+w, y0+h),
		unit:   unit,
	}, nil
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// preview composes a frame from resident tiles only and emits it. The
// frame never blocks on a reader: holes show the best resident coarser
// level, or background when there is none.
func (c *Controller) preview() {
	v, err := c.snapshot()
	if err != nil {
		return
	}
	pyr := v.handle.Pyramid()
	base := c.coarseUnderlay(v)
	frame, _, err := c.composer.ComposeOver(pyr, v.level, v.rect, base, func(row, col int) (*raster.DisplayBuffer, error) {
		if t, ok := c.st.Peek(v.handle, v.level, pyramid.Coord{Row: row, Col: col}, v.cfg); ok {
			return t.Data, nil
		}
		return nil, nil
	})
	if err != nil {
		c.log.Warnf("viewport: preview failed: %v", err)
		return
	}
	if c.Epoch() != v.epoch {
		return
	}
	c.emit(v, frame, false, 0)
}

// coarseUnderlay renders the same scene region from the nearest coarser
// level that is fully resident, scaled up to the view size. The coarse
// cover is upscaled whole and the view window cropped out of it, so the
// underlay lines up with the fine tiles that blit over it.
func (c *Controller) coarseUnderlay(v view) *raster.DisplayBuffer {
	pyr := v.handle.Pyramid()
	for level := v.level + 1; level <= pyr.LevelCount(); level++ {
		ratio := 1
		for l := v.level; l < level; l++ {
			ratio *= pyr.Factor()
		}
		coarse := image.Rect(v.rect.Min.X/ratio, v.rect.Min.Y/ratio,
			ceilDiv(v.rect.Max.X, ratio), ceilDiv(v.rect.Max.Y, ratio))
		coords, err := pyr.Cover(level, coarse)
		if err != nil || len(coords) == 0 {
			continue
		}
		resident := true
		for _, coord := range coords {
			if _, ok := c.st.Peek(v.handle, level, coord, v.cfg); !ok {
				resident = false
				break
			}
		}
		if !resident {
			continue
		}
		buf, _, err := c.composer.Compose(pyr, level, coarse, func(row, col int) (*raster.DisplayBuffer, error) {
			if t, ok := c.st.Peek(v.handle, level, pyramid.Coord{Row: row, Col: col}, v.cfg); ok {
				return t.Data, nil
			}
			return nil, nil
		})
		if err != nil {
			continue
		}
		up := render.ScaleGray(buf.Gray(), coarse.Dx()*ratio, coarse.Dy()*ratio)
		base := raster.NewDisplayBuffer(v.rect.Dx(), v.rect.Dy())
		offX := v.rect.Min.X - coarse.Min.X*ratio
		offY := v.rect.Min.Y - coarse.Min.Y*ratio
		for y := 0; y < base.Height; y++ {
			src := (y+offY)*up.Stride + offX
			copy(base.Pix[y*base.Width:(y+1)*base.Width], up.Pix[src:src+base.Width])
		}
		return base
	}
	return nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Settle blocks until the exact tiles of the current view are resolved
// and the final frame is delivered, the context ends, or navigation
// supersedes the view (ErrSuperseded; the stale frame is discarded).
func (c *Controller) Settle(ctx context.Context) error {
	v, err := c.snapshot()
	if err != nil {
		return err
	}
	return c.settleView(ctx, v)
}

func (c *Controller) settleView(ctx context.Context, v view) error {
	pyr := v.handle.Pyramid()
	coords, err := pyr.Cover(v.level, v.rect)
	if err != nil {
		return err
	}

	tiles := make([]*raster.DisplayBuffer, len(coords))
	tileErrs := make([]error, len(coords))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for i, coord := range coords {
		i, coord := i, coord
		g.Go(func() error {
			t, err := c.st.Resolve(gctx, v.handle, v.level, coord, v.cfg)
			if err != nil {
				// Tile faults degrade to a placeholder; losing the
				// context or the whole image ends the settle.
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, store.ErrImageClosed) {
					return err
				}
				tileErrs[i] = err
				return nil
			}
			tiles[i] = t.Data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.Epoch() != v.epoch {
		return ErrSuperseded
	}

	index := make(map[pyramid.Coord]int, len(coords))
	for i, coord := range coords {
		index[coord] = i
	}
	frame, failed, err := c.composer.Compose(pyr, v.level, v.rect, func(row, col int) (*raster.DisplayBuffer, error) {
		i, ok := index[pyramid.Coord{Row: row, Col: col}]
		if !ok {
			return nil, nil
		}
		if tileErrs[i] != nil {
			return nil, tileErrs[i]
		}
		return tiles[i], nil
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		c.log.Warnf("viewport: %d of %d regions failed to load", failed, len(coords))
	}

	c.mu.Lock()
	if c.epoch != v.epoch {
		c.mu.Unlock()
		return ErrSuperseded
	}
	alreadyEmitted := c.emitted == v.epoch
	if !alreadyEmitted {
		c.emitted = v.epoch
	}
	c.state = Loaded
	c.mu.Unlock()

	if !alreadyEmitted {
		c.emit(v, frame, true, failed)
		// Warm a one-tile margin at the same level so the next small
		// pan previews from cache.
		c.st.Prefetch(v.handle, v.level, v.rect.Inset(-pyr.TileSize()), v.cfg)
	}
	return nil
}

// emit scales a composed frame for the output canvas and delivers it.
// unit above one shrinks toward the canvas, below one magnifies.
func (c *Controller) emit(v view, frame *raster.DisplayBuffer, final bool, failed int) {
	out := frame
	w := int(math.Round(float64(frame.Width) / v.unit))
	h := int(math.Round(float64(frame.Height) / v.unit))
	if w >= 1 && h >= 1 && (w != frame.Width || h != frame.Height) {
		scaled := render.ScaleGray(frame.Gray(), w, h)
		out = &raster.DisplayBuffer{Width: w, Height: h, Pix: scaled.Pix}
	}
	c.sink.Blit(Frame{
		Pix:    out,
		Origin: image.Pt(v.rect.Min.X*v.step, v.rect.Min.Y*v.step),
		Level:  v.level,
		Rect:   v.rect,
		Epoch:  v.epoch,
		Final:  final,
		Failed: failed,
	})
}

func (c *Controller) requestSettle() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// settleLoop resolves the newest view in the background. A settle whose
// epoch goes stale mid-flight is retried against the newest geometry, so
// rapid navigation converges on one final frame. Closing the controller
// cancels the loop's context; fetches already in flight still finish and
// populate the shared cache.
func (c *Controller) settleLoop() {
	defer c.loopWg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}
		for {
			select {
			case <-c.done:
				return
			default:
			}
			v, err := c.snapshot()
			if err != nil {
				break
			}
			err = c.settleView(ctx, v)
			if errors.Is(err, ErrSuperseded) {
				continue
			}
			if err != nil && !errors.Is(err, context.Canceled) &&
				!errors.Is(err, store.ErrImageClosed) && !errors.Is(err, ErrNoImage) {
				c.log.Warnf("viewport: settle failed: %v", err)
			}
			break
		}
	}
}
