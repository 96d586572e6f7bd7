package compositor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/internal/metrics"
	"github.com/menta2k/ar-target/pkg/marker"
	"github.com/menta2k/ar-target/pkg/processing"
	"github.com/menta2k/ar-target/pkg/types"
)

// ErrComposeTimeout is returned when composition exceeds its time budget. Callers
// treat it as a soft failure and keep the previous composite.
var ErrComposeTimeout = errors.New("compositor: time budget exceeded")

// CompositionError reports a bad placement or an unreadable design.
type CompositionError struct {
	Reason string
	Err    error
}

func (e *CompositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("composition failed: %s: %v", e.Reason, e.Err)
	}
	return "composition failed: " + e.Reason
}

func (e *CompositionError) Unwrap() error {
	return e.Err
}

// Config holds configuration for the compositor
type Config struct {
	MaxDimension int
	Timeout      time.Duration
	CacheSize    int
	// MinVisibleRatio is the share of the marker area that must fall inside
	// the design. A marker clipped below it cannot be scanned and is treated
	// as lying outside the design.
	MinVisibleRatio float64
}

// DefaultConfig returns the compositor defaults
func DefaultConfig() Config {
	return Config{
		MaxDimension:    processing.DefaultMaxDimension,
		Timeout:         30 * time.Second,
		CacheSize:       32,
		MinVisibleRatio: 0.5,
	}
}

// Compositor burns the scan marker into design images.
type Compositor struct {
	config    Config
	renderer  marker.Renderer
	processor *processing.Processor
	log       *slog.Logger
	metrics   *metrics.Pipeline

	group singleflight.Group
	cache *lru.Cache[string, types.CompositeImage] // nil when caching is off
}

// New creates a compositor with default configuration
func New() *Compositor {
	return NewWithConfig(DefaultConfig(), marker.New(), processing.NewProcessor(), nil)
}

// NewWithConfig creates a compositor with custom configuration
func NewWithConfig(config Config, renderer marker.Renderer, processor *processing.Processor, logger *slog.Logger) *Compositor {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	c := &Compositor{
		config:    config,
		renderer:  renderer,
		processor: processor,
		log:       logging.OrDefault(logger).With("component", "compositor"),
		metrics:   metrics.Default(),
	}
	if config.CacheSize > 0 {
		// lru.New only fails on a non-positive size
		c.cache, _ = lru.New[string, types.CompositeImage](config.CacheSize)
	}
	return c
}

// Compose loads the design and draws the marker into placement. Results are
// cached by (design version, placement, payload); concurrent identical calls
// share one render.
func (c *Compositor) Compose(ctx context.Context, design types.DesignAsset, placement types.MarkerPlacement, payload string) (types.CompositeImage, error) {
	if err := checkPlacement(placement); err != nil {
		return types.CompositeImage{}, err
	}

	key := cacheKey(design, placement, payload, c.config.MaxDimension)
	if img, ok := c.lookup(key); ok {
		c.log.Debug("composite cache hit", "design", design.URL, "placement", placement.String())
		return cloneImage(img), nil
	}

	start := time.Now()
	ch := c.group.DoChan(key, func() (interface{}, error) {
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Timeout)
		defer cancel()

		src, err := c.processor.LoadImageSmart(workCtx, design.URL)
		if err != nil {
			return nil, &CompositionError{Reason: "design cannot be loaded", Err: err}
		}
		if err := c.processor.ValidateImage(src); err != nil {
			return nil, &CompositionError{Reason: "design rejected", Err: err}
		}
		if design.Width > 0 && (src.Bounds().Dx() != design.Width || src.Bounds().Dy() != design.Height) {
			c.log.Warn("design dimensions differ from asset record",
				"expected", fmt.Sprintf("%dx%d", design.Width, design.Height),
				"actual", fmt.Sprintf("%dx%d", src.Bounds().Dx(), src.Bounds().Dy()))
		}

		out, err := c.ComposeImage(src, placement, payload)
		if err != nil {
			return nil, err
		}
		if workCtx.Err() != nil {
			return nil, ErrComposeTimeout
		}
		c.store(key, out)
		return out, nil
	})

	timer := time.NewTimer(c.config.Timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		c.metrics.Compose(ctx, time.Since(start), res.Err)
		if res.Err != nil {
			c.log.Warn("composition failed", "design", design.URL, "error", res.Err)
			return types.CompositeImage{}, res.Err
		}
		out := res.Val.(types.CompositeImage)
		c.log.Info("composite generated",
			"design", design.URL,
			"placement", placement.String(),
			"size", fmt.Sprintf("%dx%d", out.Width, out.Height),
			"bytes", len(out.Data),
			"duration", time.Since(start))
		return cloneImage(out), nil
	case <-timer.C:
		c.metrics.Compose(ctx, time.Since(start), ErrComposeTimeout)
		c.log.Warn("composition exceeded time budget", "design", design.URL, "budget", c.config.Timeout)
		return types.CompositeImage{}, ErrComposeTimeout
	case <-ctx.Done():
		c.metrics.Compose(ctx, time.Since(start), ctx.Err())
		c.log.Warn("composition abandoned", "design", design.URL, "error", ctx.Err())
		return types.CompositeImage{}, ctx.Err()
	}
}

// ComposeImage draws the marker for payload into placement on a copy of
// design. It is deterministic: identical inputs give identical bytes.
func (c *Compositor) ComposeImage(design image.Image, placement types.MarkerPlacement, payload string) (types.CompositeImage, error) {
	if err := checkPlacement(placement); err != nil {
		return types.CompositeImage{}, err
	}

	src, scale := c.processor.Fit(design, c.config.MaxDimension)
	if scale != 1 {
		placement = placement.Scale(scale)
	}

	sb := src.Bounds()
	bounds := image.Rect(0, 0, sb.Dx(), sb.Dy())
	rect := placement.Rect()
	if rect.Empty() {
		return types.CompositeImage{}, &CompositionError{Reason: "placement collapses to zero size after downscale"}
	}

	visible := rect.Intersect(bounds)
	if visible.Empty() {
		return types.CompositeImage{}, &CompositionError{
			Reason: fmt.Sprintf("placement %s lies outside the %dx%d design", placement, bounds.Dx(), bounds.Dy()),
		}
	}
	ratio := float64(visible.Dx()*visible.Dy()) / float64(rect.Dx()*rect.Dy())
	if ratio < c.config.MinVisibleRatio {
		return types.CompositeImage{}, &CompositionError{
			Reason: fmt.Sprintf("placement %s is mostly outside the %dx%d design (%.0f%% visible)", placement, bounds.Dx(), bounds.Dy(), ratio*100),
		}
	}

	side := rect.Dx()
	if rect.Dy() > side {
		side = rect.Dy()
	}
	mark, err := c.renderer.Render(payload, side)
	if err != nil {
		return types.CompositeImage{}, &CompositionError{Reason: "marker cannot be rendered", Err: err}
	}

	canvas := image.NewNRGBA(bounds)
	draw.Draw(canvas, bounds, src, sb.Min, draw.Src)
	// Scale clips to the canvas while keeping the full-rectangle mapping, so
	// a partially visible marker is cut rather than squeezed.
	draw.NearestNeighbor.Scale(canvas, rect, mark, mark.Bounds(), draw.Src, nil)

	data, err := c.processor.EncodePNG(canvas)
	if err != nil {
		return types.CompositeImage{}, &CompositionError{Reason: "composite cannot be encoded", Err: err}
	}

	return types.CompositeImage{Data: data, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// Purge drops every cached composite.
func (c *Compositor) Purge() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

func (c *Compositor) lookup(key string) (types.CompositeImage, bool) {
	if c.cache == nil {
		return types.CompositeImage{}, false
	}
	return c.cache.Get(key)
}

func (c *Compositor) store(key string, img types.CompositeImage) {
	if c.cache != nil {
		c.cache.Add(key, img)
	}
}

// cloneImage detaches a composite from the cache and from other callers
// sharing the same render.
func cloneImage(img types.CompositeImage) types.CompositeImage {
	img.Data = bytes.Clone(img.Data)
	return img
}

func checkPlacement(p types.MarkerPlacement) error {
	if p.Width <= 0 || p.Height <= 0 {
		return &CompositionError{Reason: fmt.Sprintf("placement %s has no area", p)}
	}
	return nil
}

func cacheKey(design types.DesignAsset, p types.MarkerPlacement, payload string, maxDim int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d,%d,%d,%d\x00%d\x00%s", design.URL, design.Version, p.X, p.Y, p.Width, p.Height, maxDim, payload)
	return hex.EncodeToString(h.Sum(nil))
}
