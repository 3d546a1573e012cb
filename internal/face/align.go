package face

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// maxLevelAngle bounds the roll correction; anything steeper is more likely a
// bad landmark than a tilted head.
const maxLevelAngle = 45.0

// Align crops a square around the detection, widened by margin on every
// side, levels the eyes when they are known and resizes to size×size.
func Align(img image.Image, det Detection, size int, margin float64) *image.NRGBA {
	box := det.Box
	side := max(box.Dx(), box.Dy())
	side += int(float64(side) * 2 * margin)
	cx := box.Min.X + box.Dx()/2
	cy := box.Min.Y + box.Dy()/2
	square := image.Rect(cx-side/2, cy-side/2, cx-side/2+side, cy-side/2+side).Intersect(img.Bounds())
	crop := imaging.Crop(img, square)

	if det.HasEyes {
		dx := float64(det.RightEye.X - det.LeftEye.X)
		dy := float64(det.RightEye.Y - det.LeftEye.Y)
		angle := math.Atan2(dy, dx) * 180 / math.Pi
		if a := math.Abs(angle); a >= 1 && a < maxLevelAngle {
			w, h := crop.Bounds().Dx(), crop.Bounds().Dy()
			crop = imaging.CropCenter(imaging.Rotate(crop, angle, color.Black), w, h)
		}
	}
	return imaging.Fill(crop, size, size, imaging.Center, imaging.Lanczos)
}

// Stats measures the image properties behind the quality and liveness gates.
type Stats interface {
	// Sharpness is the variance of the Laplacian over the luminance.
	// Blurred or flat crops score near zero.
	Sharpness(img image.Image) (float64, error)
	// Colour returns the standard deviation of HSV saturation in [0,1] and
	// the fraction of near-white, unsaturated glare pixels.
	Colour(img image.Image) (saturationStd, glare float64, err error)
}
