package marker

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r := New()

	img, err := r.Render("https://example.com/c/7f1c", 256)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds().Dx(), img.Bounds().Dy())
	assert.LessOrEqual(t, img.Bounds().Dx(), 256)
	assert.Greater(t, img.Bounds().Dx(), 0)
}

func TestRenderDeterministic(t *testing.T) {
	r := New()

	a, err := r.Render("https://example.com/c/7f1c", 128)
	require.NoError(t, err)
	b, err := r.Render("https://example.com/c/7f1c", 128)
	require.NoError(t, err)

	require.Equal(t, a.Bounds(), b.Bounds())
	for y := a.Bounds().Min.Y; y < a.Bounds().Max.Y; y++ {
		for x := a.Bounds().Min.X; x < a.Bounds().Max.X; x++ {
			if a.At(x, y) != b.At(x, y) {
				t.Fatalf("pixel (%d,%d) differs", x, y)
			}
		}
	}
}

func TestRenderErrors(t *testing.T) {
	r := New()

	_, err := r.Render("", 100)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = r.Render("payload", 0)
	assert.Error(t, err)
}

func TestRendererInterface(t *testing.T) {
	var _ Renderer = New()
	var _ Renderer = NewWithConfig(Config{DisableBorder: true})

	img, err := NewWithConfig(Config{DisableBorder: true}).Render("x", 64)
	require.NoError(t, err)
	assert.IsType(t, &image.Paletted{}, img)
}
