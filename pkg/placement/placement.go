// Package placement chooses where the scan marker goes when a campaign has
// no explicit placement: a corner square, moved away from busy areas or from
// the primary subject when an analysis backend is available.
package placement

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/detection"
	"github.com/menta2k/ar-target/pkg/types"
	"github.com/menta2k/ar-target/pkg/vision"
)

const (
	DefaultMarkerRatio = 0.25
	DefaultMarginRatio = 0.04
)

// Corner is one of the four candidate marker positions.
type Corner int

const (
	BottomRight Corner = iota
	BottomLeft
	TopRight
	TopLeft
)

// Corners lists the candidates in order of preference.
var Corners = []Corner{BottomRight, BottomLeft, TopRight, TopLeft}

func (c Corner) String() string {
	switch c {
	case BottomRight:
		return "bottom-right"
	case BottomLeft:
		return "bottom-left"
	case TopRight:
		return "top-right"
	case TopLeft:
		return "top-left"
	default:
		return fmt.Sprintf("Corner(%d)", int(c))
	}
}

// Default returns a bottom-right square whose side is markerRatio of the
// shorter design side.
func Default(width, height int, markerRatio float64) types.MarkerPlacement {
	return At(BottomRight, width, height, markerRatio, DefaultMarginRatio)
}

// At returns the square for corner, inset by marginRatio of the shorter side.
func At(corner Corner, width, height int, markerRatio, marginRatio float64) types.MarkerPlacement {
	short := min(width, height)
	if short <= 0 {
		return types.MarkerPlacement{}
	}
	side := max(1, int(float64(short)*markerRatio))
	side = min(side, short)
	margin := int(float64(short) * marginRatio)

	left, top := margin, margin
	right := max(0, width-margin-side)
	bottom := max(0, height-margin-side)

	p := types.MarkerPlacement{Width: side, Height: side}
	switch corner {
	case BottomLeft:
		p.X, p.Y = left, bottom
	case TopRight:
		p.X, p.Y = right, top
	case TopLeft:
		p.X, p.Y = left, top
	default:
		p.X, p.Y = right, bottom
	}
	return p
}

// SubjectLocator finds the primary subject of an image.
type SubjectLocator interface {
	LocateSubject(ctx context.Context, img image.Image) (*types.AnalysisResult, error)
}

// Config holds configuration for the placement planner
type Config struct {
	MarkerRatio float64
	MarginRatio float64
	Saliency    bool          // score corners by edge density when no subject is known
	Timeout     time.Duration // bound on the subject lookup
}

// DefaultConfig returns the planner defaults
func DefaultConfig() Config {
	return Config{
		MarkerRatio: DefaultMarkerRatio,
		MarginRatio: DefaultMarginRatio,
		Saliency:    true,
		Timeout:     2 * time.Minute,
	}
}

// Planner picks a corner for the marker.
type Planner struct {
	config   Config
	locator  SubjectLocator
	detector *vision.FeatureDetector
	log      *slog.Logger
}

// NewPlanner creates a planner. locator may be nil.
func NewPlanner(config Config, locator SubjectLocator, logger *slog.Logger) *Planner {
	if config.MarkerRatio <= 0 {
		config.MarkerRatio = DefaultMarkerRatio
	}
	return &Planner{
		config:   config,
		locator:  locator,
		detector: vision.New(),
		log:      logging.OrDefault(logger).With("component", "placement"),
	}
}

// Plan returns the placement for img. A failing subject lookup falls back to
// saliency, then to Default; only context cancellation is an error.
func (p *Planner) Plan(ctx context.Context, img image.Image) (types.MarkerPlacement, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return types.MarkerPlacement{}, errors.New("placement: empty image")
	}

	if p.locator != nil {
		pl, ok, err := p.awayFromSubject(ctx, img, w, h)
		if err != nil {
			return types.MarkerPlacement{}, err
		}
		if ok {
			return pl, nil
		}
	}
	if p.config.Saliency {
		return p.quietest(img, w, h), nil
	}
	return At(BottomRight, w, h, p.config.MarkerRatio, p.config.MarginRatio), nil
}

func (p *Planner) awayFromSubject(ctx context.Context, img image.Image, w, h int) (types.MarkerPlacement, bool, error) {
	lctx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	res, err := p.locator.LocateSubject(lctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return types.MarkerPlacement{}, false, ctx.Err()
		}
		p.log.Warn("subject lookup failed, falling back", "error", err)
		return types.MarkerPlacement{}, false, nil
	}
	if !detection.Found(res) {
		p.log.Debug("no dominant subject")
		return types.MarkerPlacement{}, false, nil
	}

	box := res.Primary.Box
	subject := image.Rect(
		int(box.X*float64(w)), int(box.Y*float64(h)),
		int(math.Ceil((box.X+box.W)*float64(w))), int(math.Ceil((box.Y+box.H)*float64(h))),
	)
	cx, cy := res.Primary.Cx*float64(w), res.Primary.Cy*float64(h)

	best, bestCorner := types.MarkerPlacement{}, BottomRight
	bestOverlap, bestDist := math.MaxInt, -1.0
	for _, c := range Corners {
		pl := At(c, w, h, p.config.MarkerRatio, p.config.MarginRatio)
		r := pl.Rect()
		overlap := area(r.Intersect(subject))
		mx, my := float64(r.Min.X+r.Max.X)/2, float64(r.Min.Y+r.Max.Y)/2
		dist := math.Hypot(mx-cx, my-cy)
		if overlap < bestOverlap || (overlap == bestOverlap && dist > bestDist) {
			best, bestCorner, bestOverlap, bestDist = pl, c, overlap, dist
		}
	}

	p.log.Info("placed marker away from subject", "subject", res.Primary.Label, "corner", bestCorner, "overlap_px", bestOverlap)
	return best, true, nil
}

func (p *Planner) quietest(img image.Image, w, h int) types.MarkerPlacement {
	candidates := make([]vision.Region, len(Corners))
	for i, c := range Corners {
		pl := At(c, w, h, p.config.MarkerRatio, p.config.MarginRatio)
		candidates[i] = vision.Region{X: pl.X, Y: pl.Y, Width: pl.Width, Height: pl.Height}
	}
	r, _ := p.detector.FindQuietestRegion(img, candidates)
	return types.MarkerPlacement{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
