package vision

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func stripes(w, h int, horizontal bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(255)
			if (horizontal && (y/10)%3 == 0) || (!horizontal && (x/10)%3 == 0) {
				v = 20
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func flat(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestEqualizeContrastSpreadsLowContrast(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			src.SetGray(x, y, color.Gray{Y: uint8(100 + x*40/256)})
		}
	}
	out, err := OpenCV{}.EqualizeContrast(src, 40, 8)
	if err != nil {
		t.Fatalf("equalize: %v", err)
	}
	if out.Bounds() != src.Bounds() {
		t.Fatalf("size changed: %v", out.Bounds())
	}

	lo, hi := uint8(255), uint8(0)
	for _, v := range out.Pix {
		lo, hi = min(lo, v), max(hi, v)
	}
	if int(hi)-int(lo) <= 40 {
		t.Fatalf("expected contrast spread above the input's 40 levels, got %d..%d", lo, hi)
	}
}

func TestEqualizeContrastRejectsEmpty(t *testing.T) {
	if _, err := (OpenCV{}).EqualizeContrast(image.NewGray(image.Rect(0, 0, 0, 0)), 2, 8); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
}

func TestEdgeProfilesFollowTextLines(t *testing.T) {
	rows, cols, err := OpenCV{}.EdgeProfiles(stripes(120, 90, true))
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if len(rows) != 90 || len(cols) != 120 {
		t.Fatalf("unexpected profile lengths %d, %d", len(rows), len(cols))
	}
	// Horizontal stripes put all edge energy on the rows at stripe borders.
	if rows[10] == 0 || rows[5] != 0 {
		t.Fatalf("unexpected row profile around a border: rows[5]=%v rows[10]=%v", rows[5], rows[10])
	}
	if cols[5] != cols[60] {
		t.Fatalf("column profile must be flat for horizontal stripes: %v vs %v", cols[5], cols[60])
	}
}

func TestSharpness(t *testing.T) {
	cv := OpenCV{}
	flatScore, err := cv.Sharpness(flat(64, 64, color.NRGBA{R: 128, G: 128, B: 128, A: 255}))
	if err != nil {
		t.Fatalf("sharpness: %v", err)
	}
	if flatScore != 0 {
		t.Fatalf("flat image must score zero, got %v", flatScore)
	}
	sharp, err := cv.Sharpness(stripes(64, 64, false))
	if err != nil {
		t.Fatalf("sharpness: %v", err)
	}
	if sharp < 100 {
		t.Fatalf("striped image scored only %v", sharp)
	}
}

func TestColour(t *testing.T) {
	cv := OpenCV{}
	sat, glare, err := cv.Colour(flat(32, 32, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	if err != nil {
		t.Fatalf("colour: %v", err)
	}
	if sat != 0 || glare != 1 {
		t.Fatalf("white image: expected no spread and full glare, got %v, %v", sat, glare)
	}

	half := flat(32, 32, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			half.SetNRGBA(x, y, color.NRGBA{R: 120, G: 120, B: 120, A: 255})
		}
	}
	sat, glare, err = cv.Colour(half)
	if err != nil {
		t.Fatalf("colour: %v", err)
	}
	if sat < 0.3 || glare != 0 {
		t.Fatalf("expected wide saturation spread and no glare, got %v, %v", sat, glare)
	}
}
