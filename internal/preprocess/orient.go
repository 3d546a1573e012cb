package preprocess

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
)

const (
	// analysisSize bounds the copy the orientation heuristic looks at.
	analysisSize = 512
	// axisMargin is how much stronger the column profile must be before the
	// text is taken to run vertically.
	axisMargin = 1.5
	// probeMargin is how much better a flipped orientation must read before
	// it replaces the current one.
	probeMargin = 0.05
)

// DetectRotation returns the counter-clockwise rotation, in degrees, that
// makes text in img run upright. Text lines produce a row profile of edge
// energy with strong peaks and gaps, so the axis with the spikier profile
// gives the line direction. The probe, when present, chooses between the two
// orientations along that axis. The current orientation is preferred on ties
// and whenever it cannot be scored, so an upright image is never rotated
// again. Without an enhancer the text is assumed to run horizontally.
func DetectRotation(ctx context.Context, img image.Image, enhancer Enhancer, probe Probe) int {
	small := imaging.Grayscale(imaging.Fit(img, analysisSize, analysisSize, imaging.Box))

	candidates := [2]int{0, 180}
	if enhancer != nil {
		rows, cols, err := enhancer.EdgeProfiles(small)
		if err == nil && spikiness(cols) > spikiness(rows)*axisMargin {
			candidates = [2]int{90, 270}
		}
	}
	if probe == nil {
		return candidates[0]
	}

	best, bestScore := candidates[0], -1.0
	for i, deg := range candidates {
		if ctx.Err() != nil {
			break
		}
		score, err := probe.Score(ctx, Rotate(small, deg))
		if err != nil {
			if i == 0 {
				// Nothing to compare the flip against.
				return candidates[0]
			}
			continue
		}
		if i == 0 || score > bestScore+probeMargin {
			best, bestScore = deg, score
		}
	}
	return best
}

// spikiness is the squared coefficient of variation of a profile.
func spikiness(p []float64) float64 {
	if len(p) == 0 {
		return 0
	}
	var sum float64
	for _, v := range p {
		sum += v
	}
	mean := sum / float64(len(p))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, v := range p {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(p))
	return variance / (mean * mean)
}
