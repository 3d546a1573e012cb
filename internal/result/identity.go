package result

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/example/idverify/internal/face"
)

// MinIdentityOCRScore is the extraction score an identity check must exceed
// on top of a face match.
const MinIdentityOCRScore = 70

// Overall identity statuses.
const (
	StatusVerified = "VERIFIED"
	StatusFailed   = "FAILED"
)

const faceJPEGQuality = 90

// Box is a face bounding box in source image pixels.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FaceExtractionResponse carries the face cropped from a document photo.
type FaceExtractionResponse struct {
	Success        bool    `json:"success"`
	ID             string  `json:"id,omitempty"`
	FaceImage      string  `json:"face_image,omitempty"`
	Box            *Box    `json:"box,omitempty"`
	DetectionScore float64 `json:"detection_score"`
	Size           int     `json:"size"`
	Message        string  `json:"message,omitempty"`
}

// IdentityFace is the face half of an identity check.
type IdentityFace struct {
	Verified       bool    `json:"verified"`
	Confidence     float64 `json:"confidence"`
	Distance       float64 `json:"distance"`
	Metric         string  `json:"metric,omitempty"`
	LivenessScore  float64 `json:"liveness_score"`
	LivenessPassed bool    `json:"liveness_passed"`
}

// Overall is the combined identity verdict.
type Overall struct {
	Status        string  `json:"status"`
	Verified      bool    `json:"verified"`
	OCRScore      float64 `json:"ocr_score"`
	FaceMatch     bool    `json:"face_match"`
	LivenessCheck bool    `json:"liveness_check"`
}

// IdentityResponse is the outcome of checking a document against a selfie.
type IdentityResponse struct {
	Success       bool              `json:"success"`
	ID            string            `json:"id,omitempty"`
	Document      *DocumentResponse `json:"document"`
	Face          *IdentityFace     `json:"face_verification,omitempty"`
	Overall       Overall           `json:"overall_verification"`
	ExtractedFace string            `json:"extracted_face,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// FaceExtraction assembles the response for a located face. The crop is
// returned as a base64 JPEG.
func FaceExtraction(f *face.Face) (*FaceExtractionResponse, error) {
	encoded, err := EncodeFace(f.Crop)
	if err != nil {
		return nil, err
	}
	b := f.Detection.Box
	return &FaceExtractionResponse{
		Success:        true,
		FaceImage:      encoded,
		Box:            &Box{X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()},
		DetectionScore: Round(f.Detection.Score),
		Size:           f.Crop.Bounds().Dx(),
		Message:        "face extracted",
	}, nil
}

// FaceExtractionFailure is the response when no usable face was found.
func FaceExtractionFailure(err error) *FaceExtractionResponse {
	return &FaceExtractionResponse{Message: FaceFailure(err).Message}
}

// Identity combines an extraction with a document portrait match. The check
// passes when the faces match and the extraction score exceeds
// MinIdentityOCRScore; liveness is reported alongside.
func Identity(doc *DocumentResponse, m *face.DocumentMatch) (*IdentityResponse, error) {
	portrait, err := EncodeFace(m.Portrait)
	if err != nil {
		return nil, err
	}
	f := Face(&m.Verdict)
	verified := m.Match && doc.Metadata.ExtractionScore > MinIdentityOCRScore

	resp := &IdentityResponse{
		Success:  true,
		Document: doc,
		Face: &IdentityFace{
			Verified:       m.Match,
			Confidence:     f.Confidence,
			Distance:       f.Distance,
			Metric:         f.Metric,
			LivenessScore:  Round(m.LivenessScore),
			LivenessPassed: m.LivenessPassed,
		},
		Overall: Overall{
			Status:        StatusFailed,
			Verified:      verified,
			OCRScore:      doc.Metadata.ExtractionScore,
			FaceMatch:     m.Match,
			LivenessCheck: m.LivenessPassed,
		},
		ExtractedFace: portrait,
		Message:       "identity not verified",
	}
	if verified {
		resp.Overall.Status = StatusVerified
		resp.Message = "identity verified"
	}
	return resp, nil
}

// IdentityFailure is the response when the face half could not run. The
// extraction, when there is one, is still returned.
func IdentityFailure(doc *DocumentResponse, err error) *IdentityResponse {
	resp := &IdentityResponse{
		Document: doc,
		Overall:  Overall{Status: StatusFailed},
		Message:  FaceFailure(err).Message,
	}
	if doc != nil {
		resp.Overall.OCRScore = doc.Metadata.ExtractionScore
	}
	return resp
}

// EncodeFace renders a face crop as a base64 JPEG.
func EncodeFace(img image.Image) (string, error) {
	if img == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(faceJPEGQuality)); err != nil {
		return "", fmt.Errorf("encode face: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
