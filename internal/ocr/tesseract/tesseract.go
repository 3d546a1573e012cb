// Package tesseract implements ocr.Engine on top of libtesseract through
// gosseract. It needs cgo and the tesseract/leptonica libraries, which is why
// it is kept apart from the engine-agnostic ocr package.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/otiai10/gosseract/v2"

	"github.com/example/idverify/internal/ocr"
)

// MRZCharset is the character whitelist for machine readable zones.
const MRZCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789<"

// Config holds engine location settings.
type Config struct {
	// TessdataPrefix points at the installed language data. Empty uses the
	// library default.
	TessdataPrefix string
}

// Engine creates a fresh gosseract client per call, so concurrent calls share
// nothing but the read-only language data.
type Engine struct {
	cfg       Config
	newClient func() *gosseract.Client
}

// New constructs a Tesseract-backed engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, newClient: gosseract.NewClient}
}

// Recognize runs one pass over the request crop and returns a single
// observation built from word-level boxes.
func (e *Engine) Recognize(ctx context.Context, req ocr.Request) ([]ocr.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Image == nil {
		return nil, fmt.Errorf("tesseract: region %s has no image", req.RegionID)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, req.Image); err != nil {
		return nil, fmt.Errorf("tesseract: encode region %s: %w", req.RegionID, err)
	}

	client := e.newClient()
	defer client.Close()

	if e.cfg.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(e.cfg.TessdataPrefix); err != nil {
			return nil, fmt.Errorf("tesseract: set tessdata prefix: %w", err)
		}
	}
	if len(req.Languages) > 0 {
		if err := client.SetLanguage(req.Languages...); err != nil {
			return nil, fmt.Errorf("tesseract: set languages: %w", err)
		}
	}
	psm, whitelist := pageSegMode(req.Mode)
	if err := client.SetPageSegMode(psm); err != nil {
		return nil, fmt.Errorf("tesseract: set page seg mode: %w", err)
	}
	if whitelist != "" {
		if err := client.SetWhitelist(whitelist); err != nil {
			return nil, fmt.Errorf("tesseract: set whitelist: %w", err)
		}
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("tesseract: set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxesVerbose()
	if err != nil {
		return nil, fmt.Errorf("tesseract: recognize region %s: %w", req.RegionID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return []ocr.Observation{ocr.NewObservation(req.RegionID, req.Mode, groupLines(boxes))}, nil
}

type lineKey struct{ block, par, line int }

// groupLines turns word boxes into lines, keeping the engine's reading order.
func groupLines(boxes []gosseract.BoundingBox) [][]ocr.Word {
	var lines [][]ocr.Word
	var current lineKey
	for i, b := range boxes {
		if b.Word == "" {
			continue
		}
		key := lineKey{b.BlockNum, b.ParNum, b.LineNum}
		if i == 0 || len(lines) == 0 || key != current {
			lines = append(lines, nil)
			current = key
		}
		lines[len(lines)-1] = append(lines[len(lines)-1], ocr.Word{
			Text:       b.Word,
			Confidence: b.Confidence / 100.0,
		})
	}
	return lines
}

func pageSegMode(mode ocr.Mode) (gosseract.PageSegMode, string) {
	switch mode {
	case ocr.ModeSingleColumn:
		return gosseract.PSM_SINGLE_COLUMN, ""
	case ocr.ModeUniformBlock:
		return gosseract.PSM_SINGLE_BLOCK, ""
	case ocr.ModeSingleLine:
		return gosseract.PSM_SINGLE_LINE, ""
	case ocr.ModeSparseText:
		return gosseract.PSM_SPARSE_TEXT, ""
	case ocr.ModeMRZ:
		return gosseract.PSM_SINGLE_BLOCK, MRZCharset
	default:
		return gosseract.PSM_AUTO, ""
	}
}
