package face

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
)

// errNoStats is returned when texture liveness runs without image statistics.
var errNoStats = errors.New("texture liveness needs image statistics")

// TextureLiveness scores a face crop without a model. Reprinted and replayed
// faces lose fine texture and colour spread and often carry specular glare,
// so the score rewards the first two and penalises the last.
type TextureLiveness struct {
	Stats Stats
	// TextureRef is the Laplacian variance treated as full texture.
	TextureRef float64
	// ColorRef is the saturation standard deviation treated as full colour.
	ColorRef float64
	// GlareRef is the fraction of glare pixels that zeroes the glare cue.
	GlareRef float64
}

const (
	defaultTextureRef = 300
	defaultColorRef   = 0.15
	defaultGlareRef   = 0.05

	textureWeight = 0.5
	colorWeight   = 0.3
	glareWeight   = 0.2
)

// Score returns a value in [0,1]; higher means more likely live.
func (l TextureLiveness) Score(ctx context.Context, face image.Image) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l.Stats == nil {
		return 0, errNoStats
	}
	textureRef, colorRef, glareRef := l.TextureRef, l.ColorRef, l.GlareRef
	if textureRef <= 0 {
		textureRef = defaultTextureRef
	}
	if colorRef <= 0 {
		colorRef = defaultColorRef
	}
	if glareRef <= 0 {
		glareRef = defaultGlareRef
	}

	sharp, err := l.Stats.Sharpness(face)
	if err != nil {
		return 0, fmt.Errorf("sharpness: %w", err)
	}
	satStd, glare, err := l.Stats.Colour(face)
	if err != nil {
		return 0, fmt.Errorf("colour: %w", err)
	}

	texture := math.Min(1, sharp/textureRef)
	colour := math.Min(1, satStd/colorRef)
	reflection := 1 - math.Min(1, glare/glareRef)
	return textureWeight*texture + colorWeight*colour + glareWeight*reflection, nil
}
