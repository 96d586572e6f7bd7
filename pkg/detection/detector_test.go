package detection

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/menta2k/ar-target/pkg/types"
)

type fakeVision struct {
	result *types.AnalysisResult
	err    error
	images [][]byte
	model  string
}

func (f *fakeVision) Query(ctx context.Context, model, prompt string, image []byte) (string, error) {
	f.images = append(f.images, image)
	return "a poster", f.err
}

func (f *fakeVision) LocateSubject(ctx context.Context, model, prompt string, image []byte) (*types.AnalysisResult, error) {
	f.images = append(f.images, image)
	f.model = model
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

func createTestImage(width, height int) image.Image {
	return imaging.New(width, height, color.NRGBA{200, 30, 30, 255})
}

func subject(label string, confidence float64, box types.Box) *types.AnalysisResult {
	return &types.AnalysisResult{Primary: types.Primary{Label: label, Confidence: confidence, Box: box}}
}

func TestLocateSubject(t *testing.T) {
	fake := &fakeVision{result: subject("Bottle", 0.8, types.Box{X: 0.1, Y: 0.2, W: 0.2, H: 0.4})}
	d := NewDetector(fake, DefaultConfig())

	res, err := d.LocateSubject(context.Background(), createTestImage(1600, 800))
	if err != nil {
		t.Fatalf("LocateSubject failed: %v", err)
	}
	if !Found(res) {
		t.Fatalf("expected a subject, got %+v", res.Primary)
	}
	if res.Primary.Cx < 0.199 || res.Primary.Cx > 0.201 || res.Primary.Cy < 0.399 || res.Primary.Cy > 0.401 {
		t.Errorf("center not derived from box: %.3f,%.3f", res.Primary.Cx, res.Primary.Cy)
	}
	if fake.model != "openbmb/minicpm-v4.5" {
		t.Errorf("unexpected model %q", fake.model)
	}

	sent, err := imaging.Decode(bytes.NewReader(fake.images[0]))
	if err != nil {
		t.Fatalf("uploaded image does not decode: %v", err)
	}
	if b := sent.Bounds(); b.Dx() != 768 || b.Dy() != 384 {
		t.Errorf("expected upload downscaled to 768x384, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestLocateSubject_Demotions(t *testing.T) {
	tests := []struct {
		name   string
		result *types.AnalysisResult
	}{
		{"low confidence", subject("person", 0.1, types.Box{X: 0.2, Y: 0.2, W: 0.3, H: 0.3})},
		{"empty box", subject("person", 0.9, types.Box{})},
		{"fallback label", subject("unclear image", 0.9, types.Box{X: 0.2, Y: 0.2, W: 0.3, H: 0.3})},
		{"explicit none", subject("none", 0, types.Box{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(&fakeVision{result: tt.result}, DefaultConfig())
			res, err := d.LocateSubject(context.Background(), createTestImage(100, 100))
			if err != nil {
				t.Fatalf("LocateSubject failed: %v", err)
			}
			if Found(res) || res.Primary.Label != NoSubject || res.Primary.Confidence != 0 {
				t.Errorf("expected no subject, got %+v", res.Primary)
			}
		})
	}
}

func TestLocateSubject_Error(t *testing.T) {
	boom := errors.New("connection refused")
	d := NewDetector(&fakeVision{err: boom}, Config{})
	_, err := d.LocateSubject(context.Background(), createTestImage(50, 50))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
}

func TestNormalizeBox(t *testing.T) {
	got := normalizeBox(types.Box{X: 100, Y: 50, W: 400, H: 300}, 400, 200)
	want := types.Box{X: 0.25, Y: 0.25, W: 0.75, H: 0.75}
	if got != want {
		t.Errorf("pixel box: got %+v, want %+v", got, want)
	}

	got = normalizeBox(types.Box{X: -0.1, Y: 0.5, W: 0.5, H: 0.9}, 0, 0)
	want = types.Box{X: 0, Y: 0.5, W: 0.5, H: 0.5}
	if got != want {
		t.Errorf("clipped box: got %+v, want %+v", got, want)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" Dog", "dog", "", "Park", "a", "b", "c", "d"})
	want := []string{"dog", "park", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tag %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
