// Package ocr defines the uniform text-recognition contract used by the
// extraction pipeline. Concrete engines live in sub-packages.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"
)

// ErrTimeout is returned when a single recognition call exceeds its budget.
var ErrTimeout = errors.New("ocr: recognition timed out")

// DefaultTimeout bounds one Recognize call.
const DefaultTimeout = 30 * time.Second

// Mode selects the engine's segmentation assumption for a crop.
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModeSingleColumn Mode = "single_column"
	ModeUniformBlock Mode = "uniform_block"
	ModeSingleLine   Mode = "single_line"
	ModeSparseText   Mode = "sparse_text"
	ModeMRZ          Mode = "mrz"
)

var knownModes = []Mode{ModeAuto, ModeSingleColumn, ModeUniformBlock, ModeSingleLine, ModeSparseText, ModeMRZ}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range knownModes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("ocr: unknown mode %q", s)
}

// DefaultModes is the preferred pass order when nothing else is configured.
func DefaultModes() []Mode {
	return []Mode{ModeUniformBlock, ModeSingleColumn, ModeSingleLine, ModeAuto}
}

// Request describes one recognition call over a region crop.
type Request struct {
	RegionID  string
	Image     image.Image
	Mode      Mode
	Languages []string
}

// Engine recognizes text in an image crop. Implementations must be safe for
// concurrent use.
type Engine interface {
	Recognize(ctx context.Context, req Request) ([]Observation, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) ([]Observation, error)

func (f EngineFunc) Recognize(ctx context.Context, req Request) ([]Observation, error) {
	return f(ctx, req)
}

// Word is a recognized token before it is placed in an observation.
type Word struct {
	Text       string
	Confidence float64
}

// Token is a word positioned inside Observation.Text by byte offsets.
type Token struct {
	Text       string
	Confidence float64
	Start      int
	End        int
}

// Observation is the text one pass produced for one region.
type Observation struct {
	RegionID string
	Mode     Mode
	Text     string
	Tokens   []Token
}

// NewObservation joins words with spaces and lines with newlines, recording
// each token's offsets. Confidences are clamped to [0,1].
func NewObservation(regionID string, mode Mode, lines [][]Word) Observation {
	var b strings.Builder
	var tokens []Token
	first := true
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if !first {
			b.WriteByte('\n')
		}
		first = false
		for i, w := range line {
			text := strings.TrimSpace(w.Text)
			if text == "" {
				continue
			}
			if i > 0 {
				b.WriteByte(' ')
			}
			start := b.Len()
			b.WriteString(text)
			tokens = append(tokens, Token{
				Text:       text,
				Confidence: clamp01(w.Confidence),
				Start:      start,
				End:        b.Len(),
			})
		}
	}
	return Observation{RegionID: regionID, Mode: mode, Text: b.String(), Tokens: tokens}
}

// Empty reports whether the observation carries no text.
func (o Observation) Empty() bool {
	return strings.TrimSpace(o.Text) == ""
}

// MeanConfidence averages the confidence of tokens overlapping [start,end).
func (o Observation) MeanConfidence(start, end int) (float64, bool) {
	var sum float64
	var n int
	for _, t := range o.Tokens {
		if t.End <= start || t.Start >= end {
			continue
		}
		sum += t.Confidence
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Overall is the mean confidence of every token.
func (o Observation) Overall() float64 {
	c, _ := o.MeanConfidence(0, len(o.Text))
	return c
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// WithTimeout bounds every call to next by d. A call that runs out of time
// returns ErrTimeout; cancellation of the caller's context is passed through.
func WithTimeout(next Engine, d time.Duration) Engine {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutEngine{next: next, timeout: d}
}

type timeoutEngine struct {
	next    Engine
	timeout time.Duration
}

type recognizeResult struct {
	obs []Observation
	err error
}

func (t *timeoutEngine) Recognize(ctx context.Context, req Request) ([]Observation, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ch := make(chan recognizeResult, 1)
	go func() {
		obs, err := t.next.Recognize(callCtx, req)
		ch <- recognizeResult{obs: obs, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, t.timeoutErr(req)
		}
		return r.obs, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, t.timeoutErr(req)
	}
}

func (t *timeoutEngine) timeoutErr(req Request) error {
	return fmt.Errorf("%w: region %s mode %s after %s", ErrTimeout, req.RegionID, req.Mode, t.timeout)
}

// OrientationProbe scores how readable an image is by running a cheap
// recognition pass and averaging token confidence.
type OrientationProbe struct {
	Engine    Engine
	Languages []string
}

func (p OrientationProbe) Score(ctx context.Context, img image.Image) (float64, error) {
	obs, err := p.Engine.Recognize(ctx, Request{RegionID: "orientation", Image: img, Mode: ModeAuto, Languages: p.Languages})
	if err != nil {
		return 0, err
	}
	var best float64
	for _, o := range obs {
		if c := o.Overall(); c > best {
			best = c
		}
	}
	return best, nil
}
