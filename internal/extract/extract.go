// Package extract runs the document pipeline: normalize each supplied side,
// recognize its regions with several passes, reconcile the passes, parse the
// winning values and merge the sides into one field map.
package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/idverify/internal/aggregate"
	"github.com/example/idverify/internal/mrz"
	"github.com/example/idverify/internal/ocr"
	"github.com/example/idverify/internal/parse"
	"github.com/example/idverify/internal/preprocess"
	"github.com/example/idverify/internal/schema"
)

// ErrNoInput is returned when a request carries neither side.
var ErrNoInput = errors.New("no document image supplied")

// Config is the immutable extraction configuration shared by all requests.
type Config struct {
	Preprocess preprocess.Options
	MultiPass  bool
	Threshold  float64
	ModeOrder  []ocr.Mode
	Languages  []string
	Workers    int
	OCRTimeout time.Duration
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		Preprocess: preprocess.DefaultOptions(),
		MultiPass:  true,
		Threshold:  aggregate.DefaultThreshold,
		ModeOrder:  ocr.DefaultModes(),
		Languages:  []string{"eng", "ara"},
		Workers:    4,
		OCRTimeout: ocr.DefaultTimeout,
	}
}

// Request is one extraction call. Either side may be nil.
type Request struct {
	DocumentType schema.DocumentType
	Front        *preprocess.RawImage
	Back         *preprocess.RawImage
}

// Field is one extracted attribute.
type Field struct {
	Key        schema.FieldKey
	Value      string
	Name       *parse.Name
	Confidence float64
	Sources    []string
	Valid      bool
}

// SideResult is the outcome of one side's pipeline.
type SideResult struct {
	Side          schema.Side
	Filename      string
	Fields        map[schema.FieldKey]Field
	Trace         []State
	Rotation      int
	RegionsFailed int
	MRZUsed       bool
}

// DocumentResult is the merged outcome of a request.
type DocumentResult struct {
	Type     schema.DocumentType
	Document *schema.Document
	Front    *SideResult
	Back     *SideResult
	Fields   map[schema.FieldKey]Field
	State    State
	Duration time.Duration
}

// MRZUsed reports whether any field came from a machine readable zone.
func (r *DocumentResult) MRZUsed() bool {
	return (r.Front != nil && r.Front.MRZUsed) || (r.Back != nil && r.Back.MRZUsed)
}

// Extractor runs extractions. It holds only read-only state and is safe for
// concurrent use.
type Extractor struct {
	registry *schema.Registry
	engine   ocr.Engine
	cfg      Config
	logger   *zap.Logger
	parsers  map[schema.DocumentType]*parse.Parser
}

// New builds an extractor. Every engine call and every orientation score is
// bounded by cfg.OCRTimeout.
func New(registry *schema.Registry, engine ocr.Engine, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Preprocess.Probe != nil {
		cfg.Preprocess.Probe = boundedProbe{next: cfg.Preprocess.Probe, timeout: cfg.OCRTimeout}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if len(cfg.ModeOrder) == 0 {
		cfg.ModeOrder = ocr.DefaultModes()
	}
	parsers := make(map[schema.DocumentType]*parse.Parser)
	for _, t := range registry.Types() {
		doc, _ := registry.Document(t)
		parsers[t] = parse.New(doc)
	}
	return &Extractor{
		registry: registry,
		engine:   ocr.WithTimeout(engine, cfg.OCRTimeout),
		cfg:      cfg,
		logger:   logger.Named("extract"),
		parsers:  parsers,
	}
}

// boundedProbe stops waiting for an orientation score after timeout. A late
// score is dropped and rotation keeps the current orientation.
type boundedProbe struct {
	next    preprocess.Probe
	timeout time.Duration
}

type scoreResult struct {
	score float64
	err   error
}

func (b boundedProbe) Score(ctx context.Context, img image.Image) (float64, error) {
	timeout := b.timeout
	if timeout <= 0 {
		timeout = ocr.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan scoreResult, 1)
	go func() {
		score, err := b.next.Score(callCtx, img)
		ch <- scoreResult{score: score, err: err}
	}()

	select {
	case r := <-ch:
		return r.score, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: orientation after %s", ocr.ErrTimeout, timeout)
	}
}

// Extract runs the pipeline for every supplied side concurrently and merges
// the results. Only unknown document types, unknown sides, undecodable
// images and cancellation fail the call; unreadable regions just contribute
// nothing.
func (e *Extractor) Extract(ctx context.Context, req Request) (*DocumentResult, error) {
	start := time.Now()
	doc, err := e.registry.Document(req.DocumentType)
	if err != nil {
		return nil, err
	}
	if req.Front == nil && req.Back == nil {
		return nil, ErrNoInput
	}

	res := &DocumentResult{Type: req.DocumentType, Document: doc, State: StateAwaitingInput}
	g, gctx := errgroup.WithContext(ctx)
	if req.Front != nil {
		raw := *req.Front
		g.Go(func() error {
			side, err := e.extractSide(gctx, doc, schema.SideFront, raw)
			res.Front = side
			return err
		})
	}
	if req.Back != nil {
		raw := *req.Back
		g.Go(func() error {
			side, err := e.extractSide(gctx, doc, schema.SideBack, raw)
			res.Back = side
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var front, back map[schema.FieldKey]Field
	if res.Front != nil {
		front = res.Front.Fields
	}
	if res.Back != nil {
		back = res.Back.Fields
	}
	res.Fields = Merge(front, back)
	res.State = StateMerged
	res.Duration = time.Since(start)

	e.logger.Debug("document extracted",
		zap.String("document_type", string(req.DocumentType)),
		zap.Int("fields", len(res.Fields)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// regionRun is what the passes over one region produced.
type regionRun struct {
	observations []ocr.Observation
	failed       bool
}

func (e *Extractor) extractSide(ctx context.Context, doc *schema.Document, side schema.Side, raw preprocess.RawImage) (*SideResult, error) {
	regions, err := e.registry.RegionsFor(doc.Type, side)
	if err != nil {
		return nil, err
	}
	res := &SideResult{Side: side, Filename: raw.Filename}
	logger := e.logger.With(zap.String("document_type", string(doc.Type)), zap.String("side", string(side)))
	enter := func(s State) {
		res.Trace = append(res.Trace, s)
		logger.Debug("state", zap.Stringer("state", s))
	}

	enter(StateNormalizing)
	norm, err := preprocess.Normalize(ctx, raw, e.cfg.Preprocess)
	if err != nil {
		return nil, fmt.Errorf("%s side: %w", side, err)
	}
	res.Rotation = norm.Rotation

	enter(StateExtracting)
	runs, err := e.recognizeRegions(ctx, logger, norm.Image, regions)
	if err != nil {
		return nil, err
	}

	enter(StateAggregating)
	parser := e.parsers[doc.Type]
	opts := aggregate.Options{Threshold: e.cfg.Threshold, ModeOrder: e.cfg.ModeOrder}
	candidates := make(map[schema.FieldKey]aggregate.Candidate)
	for i, region := range regions {
		if runs[i].failed {
			res.RegionsFailed++
		}
		if region.MRZ {
			continue
		}
		for k, c := range aggregate.Fields(region, runs[i].observations, parser, opts) {
			candidates[k] = c
		}
	}

	enter(StateParsing)
	res.Fields = make(map[schema.FieldKey]Field, len(candidates))
	for k, c := range candidates {
		v, ok := parser.Normalize(k, c.Raw)
		if !ok {
			continue
		}
		res.Fields[k] = Field{
			Key:        k,
			Value:      v.Text,
			Name:       v.Name,
			Confidence: c.Confidence * v.Multiplier(),
			Sources:    []string{c.RegionID},
			Valid:      v.Valid,
		}
	}
	for i, region := range regions {
		if region.MRZ {
			if e.fillFromMRZ(res, doc.Fields(side), parser, region, runs[i].observations) {
				res.MRZUsed = true
			}
		}
	}

	enter(StateParsed)
	return res, nil
}

// recognizeRegions runs every pass over every region on a bounded pool.
// Results are stored by region index, so completion order is irrelevant.
func (e *Extractor) recognizeRegions(ctx context.Context, logger *zap.Logger, img *image.Gray, regions []schema.Region) ([]regionRun, error) {
	runs := make([]regionRun, len(regions))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	for i, region := range regions {
		crop := region.Rect.Bounds(img.Bounds())
		if crop.Empty() {
			runs[i].failed = true
			continue
		}
		sub := img.SubImage(crop)
		modes := aggregate.ModesFor(region, e.cfg.ModeOrder)
		if !e.cfg.MultiPass {
			modes = modes[:1]
		}
		g.Go(func() error {
			for _, mode := range modes {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				obs, err := e.engine.Recognize(ctx, ocr.Request{
					RegionID:  region.ID,
					Image:     sub,
					Mode:      mode,
					Languages: e.cfg.Languages,
				})
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					runs[i].failed = true
					logger.Warn("region pass failed",
						zap.String("region", region.ID),
						zap.String("mode", string(mode)),
						zap.Bool("timeout", errors.Is(err, ocr.ErrTimeout)),
						zap.Error(err),
					)
					continue
				}
				runs[i].observations = append(runs[i].observations, obs...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

// fillFromMRZ adds fields decoded from a machine readable zone that the
// visual zone left absent. MRZ values face the same threshold and parsing
// as any other candidate.
func (e *Extractor) fillFromMRZ(res *SideResult, declared []schema.FieldKey, parser *parse.Parser, region schema.Region, observations []ocr.Observation) bool {
	want := make(map[schema.FieldKey]bool, len(declared))
	for _, k := range declared {
		if _, have := res.Fields[k]; !have {
			want[k] = true
		}
	}
	if len(want) == 0 {
		return false
	}

	order := aggregate.ModesFor(region, e.cfg.ModeOrder)
	best := make(map[schema.FieldKey]aggregate.Candidate)
	for _, obs := range observations {
		zone, err := mrz.Parse(obs.Text)
		if err != nil {
			continue
		}
		for k, raw := range zone.Fields() {
			if !want[k] {
				continue
			}
			line := zone.Line2
			if mrz.LineOf(k) == 1 {
				line = zone.Line1
			}
			conf, ok := obs.MeanConfidence(line.Start, line.End)
			if !ok || conf < e.cfg.Threshold {
				continue
			}
			c := aggregate.Candidate{Key: k, Raw: raw, Confidence: conf, Mode: obs.Mode, RegionID: region.ID}
			if cur, exists := best[k]; !exists || aggregate.Better(c, cur, order) {
				best[k] = c
			}
		}
	}

	used := false
	for k, c := range best {
		v, ok := parser.Normalize(k, c.Raw)
		if !ok {
			continue
		}
		res.Fields[k] = Field{
			Key:        k,
			Value:      v.Text,
			Name:       v.Name,
			Confidence: c.Confidence * v.Multiplier(),
			Sources:    []string{c.RegionID},
			Valid:      v.Valid,
		}
		used = true
	}
	return used
}

// Merge unions the two sides. On a shared key the front value wins unless
// it is empty.
func Merge(front, back map[schema.FieldKey]Field) map[schema.FieldKey]Field {
	out := make(map[schema.FieldKey]Field, len(front)+len(back))
	for k, f := range back {
		out[k] = f
	}
	for k, f := range front {
		if b, ok := out[k]; ok && f.Value == "" && b.Value != "" {
			continue
		}
		out[k] = f
	}
	return out
}
