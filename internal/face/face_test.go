package face

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubDetector struct {
	faces map[image.Image][]Detection
	delay map[image.Image]time.Duration
}

func (s *stubDetector) Detect(_ context.Context, img image.Image) ([]Detection, error) {
	if d := s.delay[img]; d > 0 {
		time.Sleep(d)
	}
	return s.faces[img], nil
}

// lumaStats treats luminance variance as sharpness and reports no colour
// cues, which is enough to separate flat crops from textured ones.
type lumaStats struct{}

func (lumaStats) Sharpness(img image.Image) (float64, error) {
	var sum, sq float64
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
			sum += v
			sq += v * v
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	mean := sum / float64(n)
	return sq/float64(n) - mean*mean, nil
}

func (lumaStats) Colour(image.Image) (float64, float64, error) {
	return 0, 0, nil
}

type fixedStats struct {
	sharpness, saturation, glare float64
	err                          error
}

func (f fixedStats) Sharpness(image.Image) (float64, error) { return f.sharpness, f.err }

func (f fixedStats) Colour(image.Image) (float64, float64, error) {
	return f.saturation, f.glare, f.err
}

// meanColourEmbedder stands in for a recognition model: a person is their
// dominant colour, so lighting changes scale the vector without turning it.
type meanColourEmbedder struct {
	calls atomic.Int32
}

func (e *meanColourEmbedder) Embed(_ context.Context, face image.Image) (Embedding, error) {
	e.calls.Add(1)
	var r, g, b float64
	bounds := face.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(face.At(x, y)).(color.NRGBA)
			r += float64(c.R)
			g += float64(c.G)
			b += float64(c.B)
		}
	}
	return Embedding{float32(r), float32(g), float32(b)}, nil
}

type fixedLiveness float64

func (f fixedLiveness) Score(context.Context, image.Image) (float64, error) {
	return float64(f), nil
}

type countingLiveness struct {
	score float64
	calls atomic.Int32
}

func (c *countingLiveness) Score(context.Context, image.Image) (float64, error) {
	c.calls.Add(1)
	return c.score, nil
}

func checkerboard(fg, bg color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			if (x/10+y/10)%2 == 0 {
				img.SetNRGBA(x, y, fg)
			} else {
				img.SetNRGBA(x, y, bg)
			}
		}
	}
	return img
}

func scaled(c color.NRGBA, f float64) color.NRGBA {
	return color.NRGBA{R: uint8(float64(c.R) * f), G: uint8(float64(c.G) * f), B: uint8(float64(c.B) * f), A: 255}
}

var (
	dark     = color.NRGBA{R: 20, G: 20, B: 20, A: 255}
	personA  = color.NRGBA{R: 255, A: 255}
	personB  = color.NRGBA{R: 40, G: 80, B: 255, A: 255}
	centered = Detection{Box: image.Rect(50, 50, 150, 150), Score: 1}
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinFaceSize = 20
	return cfg
}

func newTestPipeline(det *stubDetector, cfg Config) (*Pipeline, *meanColourEmbedder) {
	emb := &meanColourEmbedder{}
	return NewPipeline(det, emb, nil, lumaStats{}, cfg, zap.NewNop()), emb
}

func TestVerifySamePersonDifferentLighting(t *testing.T) {
	bright := checkerboard(personA, dark)
	dim := checkerboard(scaled(personA, 0.7), scaled(dark, 0.7))
	det := &stubDetector{faces: map[image.Image][]Detection{
		bright: {centered},
		dim:    {centered},
	}}
	p, _ := newTestPipeline(det, testConfig())

	v, err := p.Verify(context.Background(), bright, dim)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Match || v.Confidence < 0.85 {
		t.Fatalf("expected a confident match, got %+v", v)
	}
	if v.Metric != MetricCosine {
		t.Fatalf("expected cosine by default, got %s", v.Metric)
	}
}

func TestVerifyDifferentPeople(t *testing.T) {
	a := checkerboard(personA, dark)
	b := checkerboard(personB, dark)
	det := &stubDetector{faces: map[image.Image][]Detection{a: {centered}, b: {centered}}}
	p, _ := newTestPipeline(det, testConfig())

	v, err := p.Verify(context.Background(), a, b)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Match {
		t.Fatalf("expected no match, got %+v", v)
	}
}

func TestVerifyIsSymmetric(t *testing.T) {
	a := checkerboard(personA, dark)
	b := checkerboard(scaled(personB, 0.9), dark)
	det := &stubDetector{faces: map[image.Image][]Detection{a: {centered}, b: {centered}}}

	for _, metric := range []Metric{MetricCosine, MetricEuclidean, MetricEuclideanL2} {
		cfg := testConfig()
		cfg.Metric = metric
		p, _ := newTestPipeline(det, cfg)

		ab, err := p.Verify(context.Background(), a, b)
		if err != nil {
			t.Fatalf("%s verify(a,b): %v", metric, err)
		}
		ba, err := p.Verify(context.Background(), b, a)
		if err != nil {
			t.Fatalf("%s verify(b,a): %v", metric, err)
		}
		if *ab != *ba {
			t.Fatalf("%s: verdicts differ: %+v vs %+v", metric, ab, ba)
		}
	}
}

func TestVerifyIsDeterministic(t *testing.T) {
	a := checkerboard(personA, dark)
	b := checkerboard(scaled(personA, 0.8), dark)
	det := &stubDetector{faces: map[image.Image][]Detection{a: {centered}, b: {centered}}}
	p, _ := newTestPipeline(det, testConfig())

	first, err := p.Verify(context.Background(), a, b)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	for i := 0; i < 5; i++ {
		v, err := p.Verify(context.Background(), a, b)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if *v != *first {
			t.Fatalf("run %d differs: %+v vs %+v", i, v, first)
		}
	}
}

func TestVerifyNoFace(t *testing.T) {
	a := checkerboard(personA, dark)
	blank := checkerboard(dark, dark)
	det := &stubDetector{faces: map[image.Image][]Detection{a: {centered}}}
	p, emb := newTestPipeline(det, testConfig())

	_, err := p.Verify(context.Background(), a, blank)
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
	if emb.calls.Load() > 1 {
		t.Fatalf("faceless image must never reach the embedder")
	}
}

func TestDetectionsBelowMinimumsAreIgnored(t *testing.T) {
	a := checkerboard(personA, dark)
	det := &stubDetector{faces: map[image.Image][]Detection{a: {
		{Box: image.Rect(0, 0, 10, 10), Score: 1},
		{Box: image.Rect(50, 50, 150, 150), Score: 0.2},
	}}}
	cfg := testConfig()
	cfg.MinDetectionScore = 0.5
	p, _ := newTestPipeline(det, cfg)

	if _, err := p.Prepare(context.Background(), a); !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
}

func TestMultipleFaces(t *testing.T) {
	a := checkerboard(personA, dark)
	det := &stubDetector{faces: map[image.Image][]Detection{a: {
		{Box: image.Rect(10, 10, 60, 60), Score: 1},
		centered,
	}}}

	p, _ := newTestPipeline(det, testConfig())
	if _, err := p.Prepare(context.Background(), a); !errors.Is(err, ErrMultipleFaces) {
		t.Fatalf("expected ErrMultipleFaces, got %v", err)
	}

	cfg := testConfig()
	cfg.PickLargest = true
	p, _ = newTestPipeline(det, cfg)
	d, err := p.primary(det.faces[a], true)
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	if d.Box != centered.Box {
		t.Fatalf("expected the largest face, got %v", d.Box)
	}
	if _, err := p.Prepare(context.Background(), a); err != nil {
		t.Fatalf("prepare with PickLargest: %v", err)
	}
}

func TestPoorQualityRejected(t *testing.T) {
	flat := image.NewNRGBA(image.Rect(0, 0, 200, 200))
	for i := range flat.Pix {
		flat.Pix[i] = 128
	}
	det := &stubDetector{faces: map[image.Image][]Detection{flat: {centered}}}
	p, emb := newTestPipeline(det, testConfig())

	if _, err := p.Prepare(context.Background(), flat); !errors.Is(err, ErrPoorQuality) {
		t.Fatalf("expected ErrPoorQuality, got %v", err)
	}
	if emb.calls.Load() != 0 {
		t.Fatal("rejected crop reached the embedder")
	}
}

func TestLivenessGate(t *testing.T) {
	a := checkerboard(personA, dark)
	det := &stubDetector{faces: map[image.Image][]Detection{a: {centered}}}
	cfg := testConfig()
	cfg.LivenessEnabled = true

	emb := &meanColourEmbedder{}
	p := NewPipeline(det, emb, fixedLiveness(0.1), lumaStats{}, cfg, zap.NewNop())
	if _, err := p.Prepare(context.Background(), a); !errors.Is(err, ErrLivenessFailed) {
		t.Fatalf("expected ErrLivenessFailed, got %v", err)
	}

	p = NewPipeline(det, emb, fixedLiveness(0.9), lumaStats{}, cfg, zap.NewNop())
	if _, err := p.Prepare(context.Background(), a); err != nil {
		t.Fatalf("live face rejected: %v", err)
	}

	cfg.LivenessEnabled = false
	p = NewPipeline(det, emb, fixedLiveness(0), lumaStats{}, cfg, zap.NewNop())
	if _, err := p.Prepare(context.Background(), a); err != nil {
		t.Fatalf("disabled liveness must not gate: %v", err)
	}
}

func TestConfidenceFallsWithDistance(t *testing.T) {
	prev := 2.0
	for d := 0.0; d <= 1.0; d += 0.05 {
		c := confidence(d, 0.4)
		if c > prev || c < 0 || c > 1 {
			t.Fatalf("confidence %v at distance %v breaks monotonicity (prev %v)", c, d, prev)
		}
		prev = c
	}
	if confidence(0, 0.4) != 1 || confidence(0.4, 0.4) != 0.5 {
		t.Fatal("unexpected anchor values")
	}
}

func TestMetricDistances(t *testing.T) {
	x := Embedding{1, 0}
	y := Embedding{0, 1}

	if d, _ := MetricCosine.Distance(x, y); math.Abs(d-1) > 1e-6 {
		t.Fatalf("cosine of orthogonal vectors: %v", d)
	}
	if d, _ := MetricCosine.Distance(x, Embedding{5, 0}); d > 1e-6 {
		t.Fatalf("cosine ignores scale, got %v", d)
	}
	if d, _ := MetricEuclidean.Distance(Embedding{0, 0}, Embedding{3, 4}); math.Abs(d-5) > 1e-6 {
		t.Fatalf("euclidean: %v", d)
	}
	if d, _ := MetricEuclideanL2.Distance(Embedding{2, 0}, Embedding{0, 7}); math.Abs(d-math.Sqrt2) > 1e-6 {
		t.Fatalf("euclidean_l2: %v", d)
	}
	if _, err := MetricCosine.Distance(x, Embedding{1, 2, 3}); !errors.Is(err, ErrEmbeddingMismatch) {
		t.Fatalf("expected ErrEmbeddingMismatch, got %v", err)
	}
	if _, err := MetricCosine.Distance(x, Embedding{0, 0}); !errors.Is(err, ErrDegenerateEmbedding) {
		t.Fatalf("expected ErrDegenerateEmbedding, got %v", err)
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in   string
		want Metric
		ok   bool
	}{
		{"cosine", MetricCosine, true},
		{" Euclidean ", MetricEuclidean, true},
		{"euclidean_l2", MetricEuclideanL2, true},
		{"", MetricCosine, true},
		{"manhattan", "", false},
	}
	for _, tt := range tests {
		got, err := ParseMetric(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("ParseMetric(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestAlignOutputSize(t *testing.T) {
	img := checkerboard(personA, dark)
	det := Detection{
		Box:      image.Rect(40, 60, 120, 160),
		HasEyes:  true,
		LeftEye:  image.Pt(60, 90),
		RightEye: image.Pt(100, 100),
	}
	out := Align(img, det, 96, 0.25)
	if b := out.Bounds(); b.Dx() != 96 || b.Dy() != 96 {
		t.Fatalf("unexpected aligned size %v", b)
	}
}

func TestTextureLiveness(t *testing.T) {
	ctx := context.Background()
	crop := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	cases := []struct {
		name  string
		stats fixedStats
		want  float64
	}{
		{name: "full cues", stats: fixedStats{sharpness: 300, saturation: 0.15}, want: 1},
		{name: "capped", stats: fixedStats{sharpness: 900, saturation: 0.6}, want: 1},
		{name: "washed out", stats: fixedStats{glare: 0.5}, want: 0},
		{name: "half", stats: fixedStats{sharpness: 150, saturation: 0.075, glare: 0.025}, want: 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TextureLiveness{Stats: tc.stats}.Score(ctx, crop)
			if err != nil {
				t.Fatalf("score: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	if _, err := (TextureLiveness{}).Score(ctx, crop); err == nil {
		t.Fatal("expected an error without image statistics")
	}
	failing := TextureLiveness{Stats: fixedStats{err: errors.New("bad mat")}}
	if _, err := failing.Score(ctx, crop); err == nil {
		t.Fatal("expected the measurement error")
	}
}

func TestSharpnessGateNeedsStats(t *testing.T) {
	flat := image.NewNRGBA(image.Rect(0, 0, 200, 200))
	for i := range flat.Pix {
		flat.Pix[i] = 128
	}
	det := &stubDetector{faces: map[image.Image][]Detection{flat: {centered}}}
	p := NewPipeline(det, &meanColourEmbedder{}, nil, nil, testConfig(), zap.NewNop())

	if _, err := p.Prepare(context.Background(), flat); err != nil {
		t.Fatalf("without stats the crop must pass: %v", err)
	}
}

func TestVerifyReportsFirstImageWhenBothFail(t *testing.T) {
	a := checkerboard(personA, dark)
	b := checkerboard(personB, dark)
	det := &stubDetector{
		faces: map[image.Image][]Detection{b: {
			{Box: image.Rect(10, 10, 60, 60), Score: 1},
			centered,
		}},
		delay: map[image.Image]time.Duration{a: 20 * time.Millisecond},
	}
	p, _ := newTestPipeline(det, testConfig())

	for i := 0; i < 5; i++ {
		_, err := p.Verify(context.Background(), a, b)
		if !errors.Is(err, ErrNoFaceDetected) || !strings.HasPrefix(err.Error(), "first image") {
			t.Fatalf("run %d: expected the first image's error, got %v", i, err)
		}
	}
}

func TestExtractFacePicksLargest(t *testing.T) {
	doc := checkerboard(personA, dark)
	det := &stubDetector{faces: map[image.Image][]Detection{doc: {
		{Box: image.Rect(150, 150, 180, 180), Score: 1},
		centered,
	}}}
	cfg := testConfig()
	p, emb := newTestPipeline(det, cfg)

	f, err := p.ExtractFace(context.Background(), doc)
	if err != nil {
		t.Fatalf("extract face: %v", err)
	}
	if f.Detection.Box != centered.Box {
		t.Fatalf("expected the largest face, got %v", f.Detection.Box)
	}
	if b := f.Crop.Bounds(); b.Dx() != cfg.TargetSize || b.Dy() != cfg.TargetSize {
		t.Fatalf("unexpected crop size %v", b)
	}
	if emb.calls.Load() != 0 {
		t.Fatal("extraction must not embed")
	}

	if _, err := p.ExtractFace(context.Background(), checkerboard(dark, dark)); !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
}

func TestMatchDocument(t *testing.T) {
	doc := checkerboard(personA, dark)
	selfie := checkerboard(scaled(personA, 0.8), scaled(dark, 0.8))
	det := &stubDetector{faces: map[image.Image][]Detection{
		doc:    {{Box: image.Rect(150, 150, 180, 180), Score: 1}, centered},
		selfie: {centered},
	}}
	cfg := testConfig()
	cfg.LivenessEnabled = true
	cfg.LivenessMinScore = 0.5
	live := &countingLiveness{score: 0.3}
	p := NewPipeline(det, &meanColourEmbedder{}, live, lumaStats{}, cfg, zap.NewNop())

	m, err := p.MatchDocument(context.Background(), doc, selfie)
	if err != nil {
		t.Fatalf("match document: %v", err)
	}
	if !m.Match || m.Portrait == nil {
		t.Fatalf("expected a match with a portrait, got %+v", m.Verdict)
	}
	if m.LivenessScore != 0.3 || m.LivenessPassed {
		t.Fatalf("liveness must be reported, got %v passed=%v", m.LivenessScore, m.LivenessPassed)
	}
	if n := live.calls.Load(); n != 1 {
		t.Fatalf("only the selfie is scored for liveness, got %d calls", n)
	}
}

func TestMatchDocumentWithoutPortrait(t *testing.T) {
	doc := checkerboard(dark, dark)
	selfie := checkerboard(personA, dark)
	det := &stubDetector{faces: map[image.Image][]Detection{selfie: {centered}}}
	p := NewPipeline(det, &meanColourEmbedder{}, fixedLiveness(0.9), lumaStats{}, testConfig(), zap.NewNop())

	_, err := p.MatchDocument(context.Background(), doc, selfie)
	if !errors.Is(err, ErrNoFaceDetected) || !strings.HasPrefix(err.Error(), "document") {
		t.Fatalf("expected a document ErrNoFaceDetected, got %v", err)
	}
}
