package animation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEasingEndpoints(t *testing.T) {
	for name, f := range map[string]func(float64) float64{
		"back":    EaseOutBack,
		"cubic":   EaseOutCubic,
		"inout":   EaseInOutCubic,
		"clamp01": Clamp01,
	} {
		assert.Equal(t, 0.0, f(0), name)
		assert.Equal(t, 1.0, f(1), name)
		assert.Equal(t, 0.0, f(-3), name)
		assert.Equal(t, 1.0, f(7), name)
	}
}

func TestEaseOutBackOvershoots(t *testing.T) {
	peak := 0.0
	for i := 0; i <= 100; i++ {
		if v := EaseOutBack(float64(i) / 100); v > peak {
			peak = v
		}
	}
	assert.Greater(t, peak, 1.0)
}

func TestEaseInOutSymmetric(t *testing.T) {
	for i := 0; i <= 50; i++ {
		x := float64(i) / 100
		assert.InDelta(t, 1.0, EaseInOutCubic(x)+EaseInOutCubic(1-x), 1e-12)
	}
	assert.Equal(t, 0.5, EaseInOutCubic(0.5))
}

func TestSampleEndpointsExact(t *testing.T) {
	durations := []time.Duration{time.Millisecond, 1500 * time.Millisecond, 2 * time.Second, 7 * time.Second}
	cfg := DefaultConfig()

	for _, d := range durations {
		cfg.Duration = d

		start := cfg.Sample(0)
		assert.Equal(t, cfg.StartScale, start.Scale)
		assert.Equal(t, 0.0, start.Depth)
		assert.Equal(t, cfg.BaseHeight, start.Height)
		assert.Equal(t, cfg.StartAngle, start.RotationX)
		assert.Equal(t, 0.0, start.Opacity)

		end := cfg.Sample(d)
		assert.Equal(t, 1.0, end.Scale)
		assert.Equal(t, cfg.PopOutDistance, end.Depth)
		assert.Equal(t, cfg.LiftedHeight, end.Height)
		assert.Equal(t, cfg.ViewAngle, end.RotationX)
		assert.Equal(t, 1.0, end.Opacity)

		assert.Equal(t, end, cfg.Sample(d+time.Hour), "progress is clamped")
		assert.Equal(t, end, cfg.End())
		assert.Equal(t, start, cfg.Start())
	}
}

func TestSampleSharedProgress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Duration = 2 * time.Second

	ch := cfg.Sample(time.Second)
	assert.Equal(t, 0.5, ch.Progress)
	// depth, height and rotation follow the same eased progress
	depthShare := ch.Depth / cfg.PopOutDistance
	heightShare := (ch.Height - cfg.BaseHeight) / (cfg.LiftedHeight - cfg.BaseHeight)
	rotShare := (ch.RotationX - cfg.StartAngle) / (cfg.ViewAngle - cfg.StartAngle)
	assert.InDelta(t, depthShare, heightShare, 1e-12)
	assert.InDelta(t, depthShare, rotShare, 1e-12)
	assert.InDelta(t, EaseOutCubic(0.5), depthShare, 1e-12)
}

func TestZeroDurationCompletesImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Duration = 0
	assert.Equal(t, cfg.End(), cfg.Sample(0))
}

func TestControllerCompletesOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Duration = time.Second
	c := New(cfg)

	_, done := c.Step(500 * time.Millisecond)
	assert.False(t, done)
	assert.False(t, c.Done())

	ch, done := c.Step(time.Second)
	assert.True(t, done)
	assert.Equal(t, cfg.End(), ch)

	_, done = c.Step(2 * time.Second)
	assert.False(t, done, "completion is reported exactly once")
	assert.True(t, c.Done())

	c.Reset()
	assert.False(t, c.Done())
	_, done = c.Step(3 * time.Second)
	assert.True(t, done)
}
