package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage marks input that cannot be decoded or is not an accepted
// format.
var ErrInvalidImage = errors.New("invalid image")

// DefaultFormats lists the decoders accepted unless configured otherwise.
var DefaultFormats = []string{"jpeg", "png", "bmp", "tiff", "webp"}

// RawImage is an uploaded image as received. The pipeline never mutates it.
type RawImage struct {
	Data     []byte
	Filename string
}

// Decode decodes raw bytes and checks the detected format against
// supported. An empty supported list accepts every registered decoder.
func Decode(raw RawImage, supported []string) (image.Image, string, error) {
	if len(raw.Data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	img, format, err := image.Decode(bytes.NewReader(raw.Data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if !formatAllowed(format, supported) {
		return nil, format, fmt.Errorf("%w: unsupported format %q", ErrInvalidImage, format)
	}
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 1 {
		return nil, format, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	return img, format, nil
}

func formatAllowed(format string, supported []string) bool {
	if len(supported) == 0 {
		return true
	}
	for _, s := range supported {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "jpg" {
			s = "jpeg"
		}
		if s == format {
			return true
		}
	}
	return false
}
