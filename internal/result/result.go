// Package result shapes pipeline outcomes into the response documents the
// service returns and persists.
package result

import (
	"errors"
	"math"
	"time"

	"github.com/example/idverify/internal/extract"
	"github.com/example/idverify/internal/face"
	"github.com/example/idverify/internal/parse"
	"github.com/example/idverify/internal/schema"
)

// Metadata summarises an extraction.
type Metadata struct {
	ExtractionScore  float64  `json:"extraction_score"`
	FieldsExtracted  int      `json:"fields_extracted"`
	FieldsExpected   int      `json:"fields_expected"`
	MRZUsed          bool     `json:"mrz_used"`
	Sides            []string `json:"sides"`
	Rotation         []int    `json:"rotation"`
	RegionsFailed    int      `json:"regions_failed"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// DocumentResponse is the extraction output. Data and ConfidenceScores are
// keyed by the document's canonical script and always carry the same keys.
type DocumentResponse struct {
	Success          bool                  `json:"success"`
	ID               string                `json:"id,omitempty"`
	DocumentType     string                `json:"document_type"`
	FrontFilename    *string               `json:"front_filename"`
	BackFilename     *string               `json:"back_filename"`
	Data             map[string]string     `json:"data"`
	Names            map[string]parse.Name `json:"names,omitempty"`
	ConfidenceScores map[string]float64    `json:"confidence_scores"`
	Metadata         Metadata              `json:"metadata"`
	Message          string                `json:"message,omitempty"`
}

// FaceResponse is the verification output.
type FaceResponse struct {
	Success    bool    `json:"success"`
	ID         string  `json:"id,omitempty"`
	Match      bool    `json:"match"`
	Confidence float64 `json:"confidence"`
	Distance   float64 `json:"distance"`
	Metric     string  `json:"metric,omitempty"`
	Message    string  `json:"message"`
}

const noFieldsMessage = "no field could be extracted from the supplied images"

// Document assembles the response for a finished extraction. It succeeds
// when at least one field survived.
func Document(res *extract.DocumentResult) *DocumentResponse {
	resp := &DocumentResponse{
		DocumentType:     string(res.Type),
		Data:             make(map[string]string, len(res.Fields)),
		ConfidenceScores: make(map[string]float64, len(res.Fields)),
	}
	script := schema.ScriptLatin
	if res.Document != nil {
		script = res.Document.CanonicalScript
	}

	for k, f := range res.Fields {
		key := k.In(script)
		resp.Data[key] = f.Value
		resp.ConfidenceScores[key] = Round(f.Confidence)
		if f.Name != nil {
			if resp.Names == nil {
				resp.Names = make(map[string]parse.Name)
			}
			resp.Names[key] = *f.Name
		}
	}

	var expected []schema.FieldKey
	for _, side := range []*extract.SideResult{res.Front, res.Back} {
		if side == nil {
			continue
		}
		name := side.Filename
		if side.Side == schema.SideBack {
			resp.BackFilename = &name
		} else {
			resp.FrontFilename = &name
		}
		resp.Metadata.Sides = append(resp.Metadata.Sides, string(side.Side))
		resp.Metadata.Rotation = append(resp.Metadata.Rotation, side.Rotation)
		resp.Metadata.RegionsFailed += side.RegionsFailed
		if res.Document != nil {
			expected = append(expected, res.Document.Fields(side.Side)...)
		}
	}

	resp.Metadata.FieldsExtracted = len(res.Fields)
	resp.Metadata.FieldsExpected = len(expected)
	resp.Metadata.ExtractionScore = Score(res, expected)
	resp.Metadata.MRZUsed = res.MRZUsed()
	resp.Metadata.ProcessingTimeMS = res.Duration.Milliseconds()

	resp.Success = len(res.Fields) > 0
	if !resp.Success {
		resp.Message = noFieldsMessage
	}
	return resp
}

// DocumentFailure is the response for an extraction that could not run.
func DocumentFailure(docType string, err error, elapsed time.Duration) *DocumentResponse {
	return &DocumentResponse{
		DocumentType:     docType,
		Data:             map[string]string{},
		ConfidenceScores: map[string]float64{},
		Metadata:         Metadata{ProcessingTimeMS: elapsed.Milliseconds()},
		Message:          err.Error(),
	}
}

// Score is the percentage of the document's important fields, among those
// the supplied sides declare, that were extracted. Documents without an
// important list count every declared field.
func Score(res *extract.DocumentResult, declared []schema.FieldKey) float64 {
	inScope := make(map[schema.FieldKey]bool, len(declared))
	for _, k := range declared {
		inScope[k] = true
	}
	var pool []schema.FieldKey
	if res.Document != nil {
		for _, k := range res.Document.Important {
			if inScope[k] {
				pool = append(pool, k)
			}
		}
	}
	if len(pool) == 0 {
		pool = declared
	}
	if len(pool) == 0 {
		return 0
	}
	got := 0
	for _, k := range pool {
		if f, ok := res.Fields[k]; ok && f.Value != "" {
			got++
		}
	}
	return Round(float64(got) / float64(len(pool)) * 100)
}

// Face assembles the response for a finished comparison.
func Face(v *face.Verdict) *FaceResponse {
	msg := "faces do not match"
	if v.Match {
		msg = "faces match"
	}
	return &FaceResponse{
		Success:    true,
		Match:      v.Match,
		Confidence: Round(v.Confidence),
		Distance:   math.Round(v.Distance*1e4) / 1e4,
		Metric:     string(v.Metric),
		Message:    msg,
	}
}

// FaceFailure is the response for a verification that failed a step.
func FaceFailure(err error) *FaceResponse {
	msg := err.Error()
	switch {
	case errors.Is(err, face.ErrNoFaceDetected):
		msg = "no face detected in one of the images"
	case errors.Is(err, face.ErrMultipleFaces):
		msg = "more than one face detected in one of the images"
	case errors.Is(err, face.ErrLivenessFailed):
		msg = "liveness check failed"
	case errors.Is(err, face.ErrPoorQuality):
		msg = "face image is too blurred to verify"
	}
	return &FaceResponse{Message: msg}
}

// Round rounds to two decimals.
func Round(v float64) float64 {
	return math.Round(v*100) / 100
}
