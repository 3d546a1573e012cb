package preprocess

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
)

// textLines draws dark horizontal bars on a white page, the way printed lines
// look to the edge heuristic.
func textLines(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for top := 10; top+10 <= h-10; top += 30 {
		for y := top; y < top+10; y++ {
			for x := 10; x < w-10; x++ {
				img.SetGray(x, y, color.Gray{Y: 20})
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// gradientEnhancer sums absolute neighbour differences per row and column
// and inverts the image in place of equalization, so tests can tell it ran.
type gradientEnhancer struct {
	equalized *int
	fail      bool
}

func (e gradientEnhancer) EqualizeContrast(img *image.Gray, _ float64, _ int) (*image.Gray, error) {
	if e.fail {
		return nil, errors.New("equalize failed")
	}
	if e.equalized != nil {
		*e.equalized++
	}
	out := image.NewGray(img.Bounds())
	for i, v := range img.Pix {
		out.Pix[i] = 255 - v
	}
	return out, nil
}

func (e gradientEnhancer) EdgeProfiles(img image.Image) ([]float64, []float64, error) {
	g := toGray(imaging.Grayscale(img))
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	rows, cols := make([]float64, h), make([]float64, w)
	for y := 0; y < h-1; y++ {
		for x := 0; x < w-1; x++ {
			v := int(g.GrayAt(x, y).Y)
			d := absInt(v-int(g.GrayAt(x+1, y).Y)) + absInt(v-int(g.GrayAt(x, y+1).Y))
			rows[y] += float64(d)
			cols[x] += float64(d)
		}
	}
	return rows, cols, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func rotateOnly() Options {
	return Options{AutoRotate: true, Enhancer: gradientEnhancer{}}
}

func TestNormalizeRejectsUndecodableInput(t *testing.T) {
	_, err := Normalize(context.Background(), RawImage{Data: []byte("definitely not an image")}, DefaultOptions())
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestNormalizeRejectsUnsupportedFormat(t *testing.T) {
	opts := DefaultOptions()
	opts.SupportedFormats = []string{"jpeg"}
	_, err := Normalize(context.Background(), RawImage{Data: encodePNG(t, textLines(60, 60))}, opts)
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestNormalizeKeepsUprightText(t *testing.T) {
	out, err := Normalize(context.Background(), RawImage{Data: encodePNG(t, textLines(200, 120))}, rotateOnly())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out.Rotation != 0 {
		t.Fatalf("expected no rotation, got %d", out.Rotation)
	}
	if out.Format != "png" {
		t.Fatalf("expected png, got %q", out.Format)
	}
}

func TestNormalizeIsIdempotentOnceUpright(t *testing.T) {
	sideways := imaging.Rotate90(textLines(200, 120))

	first := NormalizeImage(context.Background(), sideways, rotateOnly())
	if first.Rotation != 90 && first.Rotation != 270 {
		t.Fatalf("expected quarter turn for vertical text, got %d", first.Rotation)
	}
	second := NormalizeImage(context.Background(), first.Image, rotateOnly())
	if second.Rotation != 0 {
		t.Fatalf("second pass rotated again by %d", second.Rotation)
	}
	third := NormalizeImage(context.Background(), second.Image, rotateOnly())
	if third.Rotation != 0 {
		t.Fatalf("third pass rotated again by %d", third.Rotation)
	}
}

type markerProbe struct{}

// Score reads well only when the marker block sits at the top-left corner.
func (markerProbe) Score(_ context.Context, img image.Image) (float64, error) {
	b := img.Bounds()
	g := color.GrayModel.Convert(img.At(b.Min.X+2, b.Min.Y+2)).(color.Gray)
	if g.Y < 128 {
		return 0.9, nil
	}
	return 0.1, nil
}

func TestNormalizeUsesProbeForUpsideDown(t *testing.T) {
	page := textLines(200, 120)
	for y := 113; y < 120; y++ {
		for x := 185; x < 200; x++ {
			page.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	opts := rotateOnly()
	opts.Probe = markerProbe{}

	out := NormalizeImage(context.Background(), page, opts)
	if out.Rotation != 180 {
		t.Fatalf("expected 180, got %d", out.Rotation)
	}
	again := NormalizeImage(context.Background(), out.Image, opts)
	if again.Rotation != 0 {
		t.Fatalf("upright output rotated again by %d", again.Rotation)
	}
}

func TestNormalizeUpscales(t *testing.T) {
	opts := Options{Upscale: true, UpscaleFactor: 2, Denoise: true, ContrastClipLimit: 2}
	out := NormalizeImage(context.Background(), textLines(200, 120), opts)
	b := out.Image.Bounds()
	if b.Dx() != 400 || b.Dy() != 240 {
		t.Fatalf("expected 400x240, got %dx%d", b.Dx(), b.Dy())
	}
	if out.Scale != 2 {
		t.Fatalf("expected scale 2, got %v", out.Scale)
	}
}

func TestNormalizeEqualizesThroughEnhancer(t *testing.T) {
	calls := 0
	opts := Options{ContrastClipLimit: 2, Enhancer: gradientEnhancer{equalized: &calls}}
	src := textLines(60, 60)

	out := NormalizeImage(context.Background(), src, opts)
	if calls != 1 {
		t.Fatalf("expected one equalization, got %d", calls)
	}
	if out.Image.GrayAt(0, 0).Y != 0 {
		t.Fatalf("equalized image not used, corner is %d", out.Image.GrayAt(0, 0).Y)
	}
}

func TestNormalizeKeepsGrayWhenEqualizationFails(t *testing.T) {
	opts := Options{ContrastClipLimit: 2, Enhancer: gradientEnhancer{fail: true}}
	out := NormalizeImage(context.Background(), textLines(60, 60), opts)
	if out.Image == nil || out.Image.GrayAt(0, 0).Y != 255 {
		t.Fatal("expected the plain grayscale image")
	}
}

func TestDetectRotationWithoutEnhancerAssumesHorizontal(t *testing.T) {
	sideways := imaging.Rotate90(textLines(200, 120))
	if got := DetectRotation(context.Background(), sideways, nil, nil); got != 0 {
		t.Fatalf("expected 0 without edge analysis, got %d", got)
	}
}

// failingScorer fails every score, the way a timed out recognition does.
type failingScorer struct{ calls int }

func (f *failingScorer) Score(context.Context, image.Image) (float64, error) {
	f.calls++
	return 0, errors.New("ocr timed out")
}

func TestDetectRotationKeepsCurrentWhenScoringFails(t *testing.T) {
	scorer := &failingScorer{}
	if got := DetectRotation(context.Background(), textLines(200, 120), gradientEnhancer{}, scorer); got != 0 {
		t.Fatalf("expected current orientation, got %d", got)
	}
	if scorer.calls != 1 {
		t.Fatalf("the flip must not be scored once the current orientation fails, got %d calls", scorer.calls)
	}
}
