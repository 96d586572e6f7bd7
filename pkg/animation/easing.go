package animation

import "math"

const (
	backC1 = 1.70158
	backC3 = backC1 + 1
)

// Clamp01 limits t to [0, 1].
func Clamp01(t float64) float64 {
	if t <= 0 || math.IsNaN(t) {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t
}

// EaseOutBack overshoots past 1 before settling. Exact at both ends.
func EaseOutBack(t float64) float64 {
	t = Clamp01(t)
	if t == 0 || t == 1 {
		return t
	}
	u := t - 1
	return 1 + backC3*u*u*u + backC1*u*u
}

// EaseOutCubic decelerates to 1.
func EaseOutCubic(t float64) float64 {
	t = Clamp01(t)
	u := 1 - t
	return 1 - u*u*u
}

// EaseInOutCubic is symmetric around t = 0.5.
func EaseInOutCubic(t float64) float64 {
	t = Clamp01(t)
	if t < 0.5 {
		return 4 * t * t * t
	}
	u := -2*t + 2
	return 1 - u*u*u/2
}

// Lerp interpolates from a to b, returning exactly a at t=0 and b at t=1.
func Lerp(a, b, t float64) float64 {
	return a*(1-t) + b*t
}
