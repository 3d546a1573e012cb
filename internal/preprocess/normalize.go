// Package preprocess turns uploaded document photos into upright, enlarged,
// contrast-equalized grayscale images ready for recognition.
package preprocess

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Options controls Normalize. The zero value only decodes and converts to
// grayscale.
type Options struct {
	Upscale           bool
	UpscaleFactor     float64
	AutoRotate        bool
	Denoise           bool
	ContrastClipLimit float64
	SupportedFormats  []string

	// Enhancer runs contrast equalization and the edge analysis behind
	// auto-rotation. When nil both are skipped.
	Enhancer Enhancer

	// Probe, when set, separates upright from upside-down text, which the
	// edge heuristic alone cannot tell apart.
	Probe Probe
}

// DefaultOptions mirrors the service defaults.
func DefaultOptions() Options {
	return Options{
		Upscale:           true,
		UpscaleFactor:     2,
		AutoRotate:        true,
		Denoise:           true,
		ContrastClipLimit: 2,
		SupportedFormats:  DefaultFormats,
	}
}

// Enhancer provides the pixel operations that need an image processing
// library.
type Enhancer interface {
	// EqualizeContrast applies contrast-limited adaptive histogram
	// equalization over a tiles×tiles grid.
	EqualizeContrast(img *image.Gray, clipLimit float64, tiles int) (*image.Gray, error)
	// EdgeProfiles sums gradient magnitude per row and per column.
	EdgeProfiles(img image.Image) (rows, cols []float64, err error)
}

// Probe scores how readable an image is, higher meaning more likely upright.
type Probe interface {
	Score(ctx context.Context, img image.Image) (float64, error)
}

// NormalizedImage is the pipeline's working copy of one input image.
type NormalizedImage struct {
	Image    *image.Gray
	Format   string
	Rotation int
	Scale    float64
}

// Normalize decodes raw and runs the preprocessing chain. Only undecodable
// input fails; poor quality is left for confidence scoring to reflect.
func Normalize(ctx context.Context, raw RawImage, opts Options) (*NormalizedImage, error) {
	img, format, err := Decode(raw, opts.SupportedFormats)
	if err != nil {
		return nil, err
	}
	out := NormalizeImage(ctx, img, opts)
	out.Format = format
	return out, nil
}

// NormalizeImage runs rotation, upscaling, denoising and contrast
// equalization, in that order, on an already decoded image.
func NormalizeImage(ctx context.Context, img image.Image, opts Options) *NormalizedImage {
	out := &NormalizedImage{Scale: 1}

	if opts.AutoRotate {
		out.Rotation = DetectRotation(ctx, img, opts.Enhancer, opts.Probe)
		img = Rotate(img, out.Rotation)
	}

	if opts.Upscale && opts.UpscaleFactor > 1 {
		b := img.Bounds()
		w := int(math.Round(float64(b.Dx()) * opts.UpscaleFactor))
		img = imaging.Resize(img, w, 0, imaging.Lanczos)
		out.Scale = opts.UpscaleFactor
	}

	if opts.Denoise {
		img = imaging.Blur(img, denoiseSigma)
	}

	gray := toGray(imaging.Grayscale(img))
	if opts.ContrastClipLimit > 0 && opts.Enhancer != nil {
		if eq, err := opts.Enhancer.EqualizeContrast(gray, opts.ContrastClipLimit, claheTiles); err == nil {
			gray = eq
		}
	}
	out.Image = gray
	return out
}

const (
	denoiseSigma = 0.5
	claheTiles   = 8
)

// Rotate turns img counter-clockwise by deg, which must be a multiple of 90.
func Rotate(img image.Image, deg int) image.Image {
	switch ((deg % 360) + 360) % 360 {
	case 90:
		return imaging.Rotate90(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate270(img)
	default:
		return img
	}
}

func toGray(src *image.NRGBA) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		si := src.PixOffset(b.Min.X, b.Min.Y+y)
		di := dst.PixOffset(0, y)
		for x := 0; x < b.Dx(); x++ {
			dst.Pix[di+x] = src.Pix[si+4*x]
		}
	}
	return dst
}
