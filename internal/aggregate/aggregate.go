// Package aggregate reconciles several recognition passes over one region
// into at most one candidate value per field.
package aggregate

import (
	"github.com/example/idverify/internal/ocr"
	"github.com/example/idverify/internal/parse"
	"github.com/example/idverify/internal/schema"
)

// DefaultThreshold is the minimum mean token confidence a value needs.
const DefaultThreshold = 0.60

// Options controls reconciliation.
type Options struct {
	// Threshold drops candidates whose mean token confidence is lower.
	Threshold float64
	// ModeOrder is the preferred pass order, highest priority first.
	ModeOrder []ocr.Mode
}

// Locator finds a field's raw value in recognized text.
type Locator interface {
	Locate(key schema.FieldKey, text string, ordinal int) (parse.Span, bool)
}

// Candidate is the value one pass produced for one field.
type Candidate struct {
	Key        schema.FieldKey
	Raw        string
	Confidence float64
	Mode       ocr.Mode
	RegionID   string
	Labeled    bool
}

// ModesFor returns the passes to run over region: its own list when the
// layout declares one, otherwise the preferred order.
func ModesFor(region schema.Region, preferred []ocr.Mode) []ocr.Mode {
	if len(region.Modes) > 0 {
		return region.Modes
	}
	if len(preferred) == 0 {
		return ocr.DefaultModes()
	}
	return preferred
}

// Fields picks, for every field of region, the best candidate across
// observations. A candidate's confidence is the mean confidence of the
// tokens its value overlaps; candidates under the threshold are discarded,
// and fields with none left are absent from the result. Among survivors the
// higher confidence wins, then the pass earlier in the mode order, then the
// lexically smaller raw text, so the outcome never depends on the order
// observations arrive in.
func Fields(region schema.Region, observations []ocr.Observation, loc Locator, opts Options) map[schema.FieldKey]Candidate {
	order := ModesFor(region, opts.ModeOrder)
	out := make(map[schema.FieldKey]Candidate)
	for _, key := range region.Fields {
		ordinal := region.Ordinal(key)
		for _, obs := range observations {
			if obs.Empty() {
				continue
			}
			span, ok := loc.Locate(key, obs.Text, ordinal)
			if !ok {
				continue
			}
			conf, ok := obs.MeanConfidence(span.Start, span.End)
			if !ok || conf < opts.Threshold {
				continue
			}
			c := Candidate{
				Key:        key,
				Raw:        obs.Text[span.Start:span.End],
				Confidence: conf,
				Mode:       obs.Mode,
				RegionID:   region.ID,
				Labeled:    span.Labeled,
			}
			if cur, exists := out[key]; !exists || Better(c, cur, order) {
				out[key] = c
			}
		}
	}
	return out
}

// Better reports whether a should replace b.
func Better(a, b Candidate, order []ocr.Mode) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if pa, pb := priority(a.Mode, order), priority(b.Mode, order); pa != pb {
		return pa < pb
	}
	return a.Raw < b.Raw
}

func priority(m ocr.Mode, order []ocr.Mode) int {
	for i, o := range order {
		if o == m {
			return i
		}
	}
	return len(order)
}
