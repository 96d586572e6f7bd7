package vision

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// FeatureDetector finds high-contrast points and quiet regions in an image.
// It is not a tracker-grade feature extractor; its points seed the degraded
// structural descriptor and its saliency map steers marker placement.
type FeatureDetector struct {
	config DetectionConfig
}

// DetectionConfig holds configuration for feature detection
type DetectionConfig struct {
	EdgeThreshold float64 // minimum normalized edge strength for a point
	CellSize      int     // grid cell used for non-maximum suppression, in pixels
	MaxPoints     int
	MaxDimension  int // images are downscaled to this long side before analysis
}

// New creates a new FeatureDetector with default configuration
func New() *FeatureDetector {
	return &FeatureDetector{
		config: DetectionConfig{
			EdgeThreshold: 0.02,
			CellSize:      16,
			MaxPoints:     500,
			MaxDimension:  512,
		},
	}
}

// NewWithConfig creates a new FeatureDetector with custom configuration
func NewWithConfig(config DetectionConfig) *FeatureDetector {
	return &FeatureDetector{config: config}
}

// Point is a detected feature point in source image coordinates.
type Point struct {
	X     int
	Y     int
	Score float64
}

// Region represents a rectangular region of interest
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
	Score  float64
}

// Center returns the center point of the region
func (r Region) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Area returns the area of the region
func (r Region) Area() int {
	return r.Width * r.Height
}

// DetectPoints returns at most MaxPoints feature points ordered by descending
// score. Ties are broken by position so the result is deterministic.
func (d *FeatureDetector) DetectPoints(img image.Image) []Point {
	gray, scale := d.prepare(img)
	saliency := d.calculateSaliencyMap(gray)
	h := len(saliency)
	if h == 0 {
		return nil
	}
	w := len(saliency[0])

	cell := d.config.CellSize
	if cell < 2 {
		cell = 2
	}

	var points []Point
	for cy := 0; cy < h; cy += cell {
		for cx := 0; cx < w; cx += cell {
			best := Point{Score: -1}
			for y := cy; y < cy+cell && y < h; y++ {
				for x := cx; x < cx+cell && x < w; x++ {
					if saliency[y][x] > best.Score {
						best = Point{X: x, Y: y, Score: saliency[y][x]}
					}
				}
			}
			if best.Score >= d.config.EdgeThreshold {
				best.X = int(float64(best.X)/scale + 0.5)
				best.Y = int(float64(best.Y)/scale + 0.5)
				points = append(points, best)
			}
		}
	}

	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Score != points[j].Score {
			return points[i].Score > points[j].Score
		}
		if points[i].Y != points[j].Y {
			return points[i].Y < points[j].Y
		}
		return points[i].X < points[j].X
	})

	if d.config.MaxPoints > 0 && len(points) > d.config.MaxPoints {
		points = points[:d.config.MaxPoints]
	}
	return points
}

// FindQuietestRegion scores each candidate by its mean saliency and returns
// the least busy one. Candidates are in source image coordinates.
func (d *FeatureDetector) FindQuietestRegion(img image.Image, candidates []Region) (Region, bool) {
	if len(candidates) == 0 {
		return Region{}, false
	}
	gray, scale := d.prepare(img)
	saliency := d.calculateSaliencyMap(gray)

	best := -1
	bestScore := math.MaxFloat64
	for i, c := range candidates {
		score := calculateRegionScore(saliency,
			int(float64(c.X)*scale), int(float64(c.Y)*scale),
			int(math.Max(1, float64(c.Width)*scale)), int(math.Max(1, float64(c.Height)*scale)))
		candidates[i].Score = score
		if score < bestScore {
			bestScore = score
			best = i
		}
	}
	return candidates[best], true
}

func (d *FeatureDetector) prepare(img image.Image) (*image.NRGBA, float64) {
	b := img.Bounds()
	scale := 1.0
	maxDim := d.config.MaxDimension
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		if b.Dx() >= b.Dy() {
			scale = float64(maxDim) / float64(b.Dx())
			img = imaging.Resize(img, maxDim, 0, imaging.Box)
		} else {
			scale = float64(maxDim) / float64(b.Dy())
			img = imaging.Resize(img, 0, maxDim, imaging.Box)
		}
	}
	return imaging.Grayscale(img), scale
}

// calculateSaliencyMap computes a normalized 8-neighbour gradient magnitude.
func (d *FeatureDetector) calculateSaliencyMap(gray *image.NRGBA) [][]float64 {
	width, height := gray.Bounds().Dx(), gray.Bounds().Dy()

	saliencyMap := make([][]float64, height)
	for i := range saliencyMap {
		saliencyMap[i] = make([]float64, width)
	}

	lum := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x*4])
	}

	neighbors := [8][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			center := lum(x, y)
			var edgeStrength float64
			for _, offset := range neighbors {
				edgeStrength += math.Abs(center - lum(x+offset[0], y+offset[1]))
			}
			saliencyMap[y][x] = edgeStrength / (8.0 * 255.0)
		}
	}

	return saliencyMap
}

func calculateRegionScore(saliencyMap [][]float64, x, y, width, height int) float64 {
	var totalScore float64
	count := 0

	for ry := y; ry < y+height && ry < len(saliencyMap); ry++ {
		if ry < 0 {
			continue
		}
		for rx := x; rx < x+width && rx < len(saliencyMap[ry]); rx++ {
			if rx < 0 {
				continue
			}
			totalScore += saliencyMap[ry][rx]
			count++
		}
	}

	if count == 0 {
		return 0
	}

	return totalScore / float64(count)
}
