// Package vision implements the pixel statistics used by preprocessing and
// face verification on top of OpenCV. It needs cgo and the OpenCV libraries.
package vision

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ErrEmptyImage is returned for images with no pixels.
var ErrEmptyImage = errors.New("vision: empty image")

const (
	// glareValue and glareSaturation bound the near-white, unsaturated pixels
	// counted as specular glare, on OpenCV's 8-bit HSV scale.
	glareValue      = 250
	glareSaturation = 25
)

// OpenCV is stateless; the zero value is ready to use and safe for concurrent
// use.
type OpenCV struct{}

// EqualizeContrast applies CLAHE over a tiles×tiles grid.
func (OpenCV) EqualizeContrast(img *image.Gray, clipLimit float64, tiles int) (*image.Gray, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	if tiles < 1 {
		tiles = 1
	}
	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, fmt.Errorf("vision: gray to mat: %w", err)
	}
	defer src.Close()

	clahe := gocv.NewCLAHEWithParams(clipLimit, image.Pt(tiles, tiles))
	defer clahe.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	clahe.Apply(src, &dst)
	if dst.Empty() {
		return nil, errors.New("vision: clahe produced no output")
	}

	out, err := dst.ToImage()
	if err != nil {
		return nil, fmt.Errorf("vision: mat to image: %w", err)
	}
	gray, ok := out.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("vision: unexpected clahe output %T", out)
	}
	return gray, nil
}

// EdgeProfiles sums absolute Sobel gradients per row and per column.
func (OpenCV) EdgeProfiles(img image.Image) (rows, cols []float64, err error) {
	gray, err := grayMat(img)
	if err != nil {
		return nil, nil, err
	}
	defer gray.Close()

	var gradients [2]gocv.Mat
	for i, d := range [2][2]int{{1, 0}, {0, 1}} {
		raw := gocv.NewMat()
		gocv.Sobel(gray, &raw, gocv.MatTypeCV32F, d[0], d[1], 3, 1, 0, gocv.BorderDefault)
		gradients[i] = gocv.NewMat()
		gocv.ConvertScaleAbs(raw, &gradients[i], 1, 0)
		raw.Close()
	}
	defer gradients[0].Close()
	defer gradients[1].Close()

	rows = make([]float64, gray.Rows())
	cols = make([]float64, gray.Cols())
	for _, g := range gradients {
		rowSums := gocv.NewMat()
		gocv.Reduce(g, &rowSums, 1, gocv.ReduceSum, gocv.MatTypeCV32F)
		for y := range rows {
			rows[y] += float64(rowSums.GetFloatAt(y, 0))
		}
		rowSums.Close()

		colSums := gocv.NewMat()
		gocv.Reduce(g, &colSums, 0, gocv.ReduceSum, gocv.MatTypeCV32F)
		for x := range cols {
			cols[x] += float64(colSums.GetFloatAt(0, x))
		}
		colSums.Close()
	}
	return rows, cols, nil
}

// Sharpness is the variance of the Laplacian over the luminance.
func (OpenCV) Sharpness(img image.Image) (float64, error) {
	gray, err := grayMat(img)
	if err != nil {
		return 0, err
	}
	defer gray.Close()

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	std := gocv.NewMat()
	defer std.Close()
	gocv.MeanStdDev(lap, &mean, &std)

	sd := std.GetDoubleAt(0, 0)
	return sd * sd, nil
}

// Colour returns the standard deviation of HSV saturation scaled to [0,1]
// and the fraction of glare pixels.
func (OpenCV) Colour(img image.Image) (saturationStd, glare float64, err error) {
	bgr, err := colourMat(img)
	if err != nil {
		return 0, 0, err
	}
	defer bgr.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(bgr, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()
	if len(channels) != 3 {
		return 0, 0, fmt.Errorf("vision: expected 3 HSV channels, got %d", len(channels))
	}

	mean := gocv.NewMat()
	defer mean.Close()
	std := gocv.NewMat()
	defer std.Close()
	gocv.MeanStdDev(channels[1], &mean, &std)
	saturationStd = std.GetDoubleAt(0, 0) / 255

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(0, 0, glareValue, 0),
		gocv.NewScalar(180, glareSaturation, 255, 0),
		&mask)
	total := hsv.Rows() * hsv.Cols()
	glare = float64(gocv.CountNonZero(mask)) / float64(total)
	return saturationStd, glare, nil
}

// colourMat converts img to a BGR Mat.
func colourMat(img image.Image) (gocv.Mat, error) {
	if img == nil || img.Bounds().Empty() {
		return gocv.Mat{}, ErrEmptyImage
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("vision: image to mat: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.Mat{}, ErrEmptyImage
	}
	return mat, nil
}

// grayMat converts img to a single-channel 8-bit Mat.
func grayMat(img image.Image) (gocv.Mat, error) {
	if g, ok := img.(*image.Gray); ok && !g.Bounds().Empty() {
		mat, err := gocv.ImageGrayToMatGray(g)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("vision: gray to mat: %w", err)
		}
		return mat, nil
	}
	bgr, err := colourMat(img)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer bgr.Close()
	gray := gocv.NewMat()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)
	return gray, nil
}
