// Package face verifies that two images show the same person: detect one
// primary face per image, align it, gate it on quality and liveness, embed it
// and compare the embeddings under a symmetric distance.
package face

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoFaceDetected = errors.New("no face detected")
	ErrMultipleFaces  = errors.New("multiple faces detected")
	ErrLivenessFailed = errors.New("liveness check failed")
	ErrPoorQuality    = errors.New("face image quality too low")
)

// Detection is one candidate face. Eye centres are optional; when present
// they are used to level the crop.
type Detection struct {
	Box      image.Rectangle
	Score    float64
	LeftEye  image.Point
	RightEye image.Point
	HasEyes  bool
}

// Embedding is a fixed-length face descriptor. It lives for one request.
type Embedding []float32

// Detector finds candidate faces in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// Embedder turns an aligned face crop into an embedding.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) (Embedding, error)
}

// LivenessScorer rates how likely an aligned crop shows a live subject, in [0,1].
type LivenessScorer interface {
	Score(ctx context.Context, face image.Image) (float64, error)
}

// Config holds the verification thresholds.
type Config struct {
	Metric            Metric
	Threshold         float64
	PickLargest       bool
	MinFaceSize       int
	MinDetectionScore float64
	MinSharpness      float64
	TargetSize        int
	Margin            float64
	LivenessEnabled   bool
	LivenessMinScore  float64
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		Metric:            MetricCosine,
		Threshold:         0.4,
		MinFaceSize:       40,
		MinDetectionScore: 0,
		MinSharpness:      20,
		TargetSize:        150,
		Margin:            0.25,
		LivenessMinScore:  0.5,
	}
}

// Face is a located face and its aligned crop.
type Face struct {
	Detection Detection
	Crop      *image.NRGBA
}

// DocumentMatch is the outcome of matching the portrait printed on a document
// against a selfie. The selfie's liveness is always scored and reported.
type DocumentMatch struct {
	Verdict
	Portrait       *image.NRGBA
	LivenessScore  float64
	LivenessPassed bool
}

// Verdict is the outcome of one comparison.
type Verdict struct {
	Match      bool
	Confidence float64
	Distance   float64
	Metric     Metric
}

// Pipeline runs verifications. The detector, embedder and stats are shared
// by every request and must be safe for concurrent use.
type Pipeline struct {
	detector Detector
	embedder Embedder
	liveness LivenessScorer
	stats    Stats
	cfg      Config
	logger   *zap.Logger
}

// NewPipeline builds a pipeline. A nil liveness scorer falls back to the
// texture heuristic over stats. Without stats the sharpness gate is skipped.
func NewPipeline(detector Detector, embedder Embedder, liveness LivenessScorer, stats Stats, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if liveness == nil {
		liveness = TextureLiveness{Stats: stats}
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = DefaultConfig().TargetSize
	}
	return &Pipeline{
		detector: detector,
		embedder: embedder,
		liveness: liveness,
		stats:    stats,
		cfg:      cfg,
		logger:   logger.Named("face"),
	}
}

// Verify compares the primary faces of a and b. Both images are prepared
// concurrently. When both fail, the first image's error is the one reported.
func (p *Pipeline) Verify(ctx context.Context, a, b image.Image) (*Verdict, error) {
	var (
		pa, pb     *prepared
		errA, errB error
		g          errgroup.Group
	)
	g.Go(func() error {
		pa, errA = p.prepare(ctx, a, prepareOptions{pickLargest: p.cfg.PickLargest})
		return nil
	})
	g.Go(func() error {
		pb, errB = p.prepare(ctx, b, prepareOptions{pickLargest: p.cfg.PickLargest})
		return nil
	})
	_ = g.Wait()
	if errA != nil {
		return nil, fmt.Errorf("first image: %w", errA)
	}
	if errB != nil {
		return nil, fmt.Errorf("second image: %w", errB)
	}

	v, err := p.Compare(pa.embedding, pb.embedding)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("faces compared",
		zap.String("metric", string(v.Metric)),
		zap.Float64("distance", v.Distance),
		zap.Bool("match", v.Match),
	)
	return v, nil
}

// MatchDocument compares the portrait on a document with a selfie. The
// largest face on the document is taken, since many documents carry a small
// ghost copy of the portrait. Liveness never gates the printed portrait.
func (p *Pipeline) MatchDocument(ctx context.Context, document, selfie image.Image) (*DocumentMatch, error) {
	var (
		portrait, live    *prepared
		errDoc, errSelfie error
		g                 errgroup.Group
	)
	g.Go(func() error {
		portrait, errDoc = p.prepare(ctx, document, prepareOptions{pickLargest: true, liveness: livenessSkip})
		return nil
	})
	g.Go(func() error {
		live, errSelfie = p.prepare(ctx, selfie, prepareOptions{pickLargest: p.cfg.PickLargest, liveness: livenessReport})
		return nil
	})
	_ = g.Wait()
	if errDoc != nil {
		return nil, fmt.Errorf("document: %w", errDoc)
	}
	if errSelfie != nil {
		return nil, fmt.Errorf("selfie: %w", errSelfie)
	}

	v, err := p.Compare(portrait.embedding, live.embedding)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("document portrait compared",
		zap.Float64("distance", v.Distance),
		zap.Bool("match", v.Match),
		zap.Float64("liveness", live.liveness),
	)
	return &DocumentMatch{
		Verdict:        *v,
		Portrait:       portrait.face.Crop,
		LivenessScore:  live.liveness,
		LivenessPassed: live.liveness >= p.cfg.LivenessMinScore,
	}, nil
}

// ExtractFace locates the primary face in img and returns its aligned crop.
// Documents carrying a ghost portrait resolve to the largest face.
func (p *Pipeline) ExtractFace(ctx context.Context, img image.Image) (*Face, error) {
	return p.locate(ctx, img, true)
}

// Compare turns two embeddings into a verdict. The pair matches when the
// distance is within the threshold; confidence falls linearly from 1 at
// distance zero to 0.5 at the threshold and 0 at twice the threshold.
func (p *Pipeline) Compare(a, b Embedding) (*Verdict, error) {
	d, err := p.cfg.Metric.Distance(a, b)
	if err != nil {
		return nil, err
	}
	return &Verdict{
		Match:      d <= p.cfg.Threshold,
		Confidence: confidence(d, p.cfg.Threshold),
		Distance:   d,
		Metric:     p.cfg.Metric,
	}, nil
}

func confidence(d, threshold float64) float64 {
	if threshold <= 0 {
		if d == 0 {
			return 1
		}
		return 0
	}
	c := 1 - d/(2*threshold)
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// Prepare runs detection, alignment and the gates for one image and returns
// its embedding.
func (p *Pipeline) Prepare(ctx context.Context, img image.Image) (Embedding, error) {
	prep, err := p.prepare(ctx, img, prepareOptions{pickLargest: p.cfg.PickLargest})
	if err != nil {
		return nil, err
	}
	return prep.embedding, nil
}

type livenessMode int

const (
	// livenessGate scores and gates only when liveness is enabled.
	livenessGate livenessMode = iota
	// livenessSkip never scores.
	livenessSkip
	// livenessReport always scores and never gates.
	livenessReport
)

type prepareOptions struct {
	pickLargest bool
	liveness    livenessMode
}

type prepared struct {
	face      *Face
	embedding Embedding
	liveness  float64
}

func (p *Pipeline) prepare(ctx context.Context, img image.Image, opts prepareOptions) (*prepared, error) {
	f, err := p.locate(ctx, img, opts.pickLargest)
	if err != nil {
		return nil, err
	}
	out := &prepared{face: f}

	if p.stats != nil {
		sharp, err := p.stats.Sharpness(f.Crop)
		if err != nil {
			return nil, fmt.Errorf("sharpness: %w", err)
		}
		if sharp < p.cfg.MinSharpness {
			p.logger.Debug("face rejected on sharpness", zap.Float64("sharpness", sharp))
			return nil, ErrPoorQuality
		}
	}

	gate := opts.liveness == livenessGate && p.cfg.LivenessEnabled
	if gate || opts.liveness == livenessReport {
		score, err := p.liveness.Score(ctx, f.Crop)
		if err != nil {
			return nil, fmt.Errorf("liveness: %w", err)
		}
		if gate && score < p.cfg.LivenessMinScore {
			p.logger.Debug("face rejected on liveness", zap.Float64("score", score))
			return nil, ErrLivenessFailed
		}
		out.liveness = score
	}

	emb, err := p.embedder.Embed(ctx, f.Crop)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(emb) == 0 {
		return nil, ErrNoFaceDetected
	}
	out.embedding = emb
	return out, nil
}

func (p *Pipeline) locate(ctx context.Context, img image.Image, pickLargest bool) (*Face, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrNoFaceDetected
	}
	detections, err := p.detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	det, err := p.primary(detections, pickLargest)
	if err != nil {
		return nil, err
	}
	return &Face{Detection: det, Crop: Align(img, det, p.cfg.TargetSize, p.cfg.Margin)}, nil
}

// primary keeps the candidates that clear the size and score minimums and
// picks the single face to use.
func (p *Pipeline) primary(detections []Detection, pickLargest bool) (Detection, error) {
	var kept []Detection
	for _, d := range detections {
		if d.Box.Dx() < p.cfg.MinFaceSize || d.Box.Dy() < p.cfg.MinFaceSize || d.Box.Empty() {
			continue
		}
		if d.Score < p.cfg.MinDetectionScore {
			continue
		}
		kept = append(kept, d)
	}
	switch {
	case len(kept) == 0:
		return Detection{}, ErrNoFaceDetected
	case len(kept) == 1:
		return kept[0], nil
	case !pickLargest:
		return Detection{}, ErrMultipleFaces
	}
	return largest(kept), nil
}

// largest returns the candidate with the biggest box. Equal areas go to the
// topmost, then leftmost, box.
func largest(ds []Detection) Detection {
	best := ds[0]
	for _, d := range ds[1:] {
		a, b := area(d.Box), area(best.Box)
		switch {
		case a > b:
			best = d
		case a == b && (d.Box.Min.Y < best.Box.Min.Y || (d.Box.Min.Y == best.Box.Min.Y && d.Box.Min.X < best.Box.Min.X)):
			best = d
		}
	}
	return best
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
