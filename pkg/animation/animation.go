// Package animation computes the entrance ("pop-out") animation of the video
// overlay. All channels share one progress value, elapsed/Duration clamped
// to [0, 1], and differ only in their easing curve.
package animation

import (
	"time"
)

// Config holds the animation parameters
type Config struct {
	Duration       time.Duration
	StartScale     float64
	EndScale       float64
	PopOutDistance float64 // depth along the marker normal at the end
	BaseHeight     float64
	LiftedHeight   float64
	StartAngle     float64 // degrees, flat on the marker
	ViewAngle      float64 // degrees, tilted toward the viewer
}

// DefaultConfig returns the animation defaults
func DefaultConfig() Config {
	return Config{
		Duration:       1800 * time.Millisecond,
		StartScale:     0.01,
		EndScale:       1.0,
		PopOutDistance: 0.3,
		BaseHeight:     0,
		LiftedHeight:   0.15,
		StartAngle:     -90,
		ViewAngle:      -20,
	}
}

// Channels is one sample of the animation.
type Channels struct {
	Scale     float64
	Depth     float64
	Height    float64
	RotationX float64 // degrees
	Opacity   float64
	Progress  float64
}

// Progress returns elapsed/Duration clamped to [0, 1]. A non-positive
// duration is complete immediately.
func (c Config) Progress(elapsed time.Duration) float64 {
	if c.Duration <= 0 {
		return 1
	}
	return Clamp01(float64(elapsed) / float64(c.Duration))
}

// Sample evaluates every channel at elapsed.
func (c Config) Sample(elapsed time.Duration) Channels {
	return c.at(c.Progress(elapsed))
}

// Start returns the pre-animation pose: scaled down, flat, transparent.
func (c Config) Start() Channels { return c.at(0) }

// End returns the terminal values the mesh is pinned at while tracking.
func (c Config) End() Channels { return c.at(1) }

func (c Config) at(p float64) Channels {
	move := EaseOutCubic(p)
	return Channels{
		Scale:     Lerp(c.StartScale, c.EndScale, EaseOutBack(p)),
		Depth:     Lerp(0, c.PopOutDistance, move),
		Height:    Lerp(c.BaseHeight, c.LiftedHeight, move),
		RotationX: Lerp(c.StartAngle, c.ViewAngle, move),
		Opacity:   EaseInOutCubic(p),
		Progress:  p,
	}
}

// Controller runs one entrance animation and reports its completion once.
type Controller struct {
	config Config
	done   bool
}

// New creates a controller
func New(config Config) *Controller {
	return &Controller{config: config}
}

// Config returns the animation parameters.
func (c *Controller) Config() Config { return c.config }

// Step samples the animation at elapsed. completed is true on the first call
// that reaches the end and false on every later call until Reset.
func (c *Controller) Step(elapsed time.Duration) (ch Channels, completed bool) {
	ch = c.config.Sample(elapsed)
	if ch.Progress >= 1 && !c.done {
		c.done = true
		return ch, true
	}
	return ch, false
}

// Done reports whether the current run has completed.
func (c *Controller) Done() bool { return c.done }

// Reset rearms the controller for the next detection.
func (c *Controller) Reset() { c.done = false }
