package placement

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/types"
)

type stubLocator struct {
	result *types.AnalysisResult
	err    error
	calls  int
}

func (s *stubLocator) LocateSubject(ctx context.Context, img image.Image) (*types.AnalysisResult, error) {
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.result, s.err
}

func subjectAt(box types.Box) *types.AnalysisResult {
	return &types.AnalysisResult{Primary: types.Primary{
		Label:      "person",
		Confidence: 0.9,
		Box:        box,
		Cx:         box.X + box.W/2,
		Cy:         box.Y + box.H/2,
	}}
}

// busyQuadrant returns a flat grey image with a checkerboard in the
// bottom-right quadrant.
func busyQuadrant(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBA{128, 128, 128, 255}
			if x >= size/2 && y >= size/2 && ((x/4)+(y/4))%2 == 0 {
				c = color.NRGBA{0, 0, 0, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func flat(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func TestDefault(t *testing.T) {
	assert.Equal(t, types.MarkerPlacement{X: 768, Y: 568, Width: 200, Height: 200}, Default(1000, 800, 0.25))
	assert.Equal(t, types.MarkerPlacement{X: 8, Y: 8, Width: 2, Height: 2}, Default(10, 10, 0.25))
	assert.True(t, Default(0, 100, 0.25).IsZero())
}

func TestAt(t *testing.T) {
	tests := []struct {
		corner Corner
		want   types.MarkerPlacement
	}{
		{BottomRight, types.MarkerPlacement{X: 768, Y: 568, Width: 200, Height: 200}},
		{BottomLeft, types.MarkerPlacement{X: 32, Y: 568, Width: 200, Height: 200}},
		{TopRight, types.MarkerPlacement{X: 768, Y: 32, Width: 200, Height: 200}},
		{TopLeft, types.MarkerPlacement{X: 32, Y: 32, Width: 200, Height: 200}},
	}

	for _, tt := range tests {
		t.Run(tt.corner.String(), func(t *testing.T) {
			got := At(tt.corner, 1000, 800, 0.25, 0.04)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Rect().In(image.Rect(0, 0, 1000, 800)))
		})
	}
}

func TestPlan_Saliency(t *testing.T) {
	p := NewPlanner(DefaultConfig(), nil, logging.Discard())
	got, err := p.Plan(context.Background(), busyQuadrant(400))
	require.NoError(t, err)
	assert.Equal(t, At(BottomLeft, 400, 400, DefaultMarkerRatio, DefaultMarginRatio), got)
}

func TestPlan_NoAnalysis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Saliency = false
	p := NewPlanner(cfg, nil, logging.Discard())
	got, err := p.Plan(context.Background(), busyQuadrant(400))
	require.NoError(t, err)
	assert.Equal(t, Default(400, 400, DefaultMarkerRatio), got)
}

func TestPlan_AwayFromSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject types.Box
		want    Corner
	}{
		{"subject bottom-left", types.Box{X: 0, Y: 0.5, W: 0.5, H: 0.5}, TopRight},
		{"subject right half", types.Box{X: 0.5, Y: 0, W: 0.5, H: 1}, BottomLeft},
		{"subject top", types.Box{X: 0, Y: 0, W: 1, H: 0.4}, BottomRight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := &stubLocator{result: subjectAt(tt.subject)}
			p := NewPlanner(DefaultConfig(), loc, logging.Discard())
			got, err := p.Plan(context.Background(), flat(400, 400))
			require.NoError(t, err)
			assert.Equal(t, At(tt.want, 400, 400, DefaultMarkerRatio, DefaultMarginRatio), got)
			assert.Equal(t, 1, loc.calls)
		})
	}
}

func TestPlan_SubjectFallbacks(t *testing.T) {
	tests := []struct {
		name string
		loc  *stubLocator
	}{
		{"lookup error", &stubLocator{err: errors.New("model not found")}},
		{"no subject", &stubLocator{result: &types.AnalysisResult{Primary: types.Primary{Label: "none"}}}},
		{"nil result", &stubLocator{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlanner(DefaultConfig(), tt.loc, logging.Discard())
			got, err := p.Plan(context.Background(), busyQuadrant(400))
			require.NoError(t, err)
			assert.Equal(t, At(BottomLeft, 400, 400, DefaultMarkerRatio, DefaultMarginRatio), got, "falls back to saliency")
		})
	}
}

func TestPlan_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPlanner(DefaultConfig(), &stubLocator{}, logging.Discard())
	_, err := p.Plan(ctx, flat(100, 100))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlan_EmptyImage(t *testing.T) {
	p := NewPlanner(DefaultConfig(), nil, logging.Discard())
	_, err := p.Plan(context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	assert.Error(t, err)
}
