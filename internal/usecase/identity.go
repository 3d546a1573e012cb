package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/idverify/internal/extract"
	"github.com/example/idverify/internal/face"
	"github.com/example/idverify/internal/logging"
	"github.com/example/idverify/internal/preprocess"
	"github.com/example/idverify/internal/repository"
	"github.com/example/idverify/internal/result"
	"github.com/example/idverify/internal/schema"
)

// ExtractFace crops the primary face out of a document photo. The crop is
// returned to the caller only; the persisted response omits it.
func (s *Service) ExtractFace(ctx context.Context, userID string, raw *preprocess.RawImage) (*result.FaceExtractionResponse, error) {
	start := time.Now()
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(s.logger, "usecase.extract_face", requestID)

	if raw == nil {
		return nil, extract.ErrNoInput
	}
	img, _, err := preprocess.Decode(*raw, s.formats)
	if err != nil {
		return nil, err
	}

	if err := s.markProcessing(ctx, requestID); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	rec := s.newRecord(requestID, userID, repository.KindFaceExtraction, raw, nil)
	found, ferr := s.verifier.ExtractFace(ctx, img)
	var resp *result.FaceExtractionResponse
	switch {
	case ferr == nil:
		resp, err = result.FaceExtraction(found)
		if err != nil {
			return nil, logging.NewOperationError("usecase.extract_face", requestID, err)
		}
		rec.Success = true
		rec.Score = found.Detection.Score
	case isFaceFailure(ferr):
		resp = result.FaceExtractionFailure(ferr)
	default:
		return nil, logging.NewOperationError("usecase.extract_face", requestID, ferr)
	}
	resp.ID = requestID

	stored := *resp
	stored.FaceImage = ""
	if err := s.persist(ctx, rec, &stored, time.Since(start)); err != nil {
		opLogger.Error("failed to persist face extraction", zap.Error(err))
		return nil, err
	}
	if ferr != nil {
		opLogger.Info("face extraction rejected", zap.Error(ferr))
		return resp, ferr
	}
	opLogger.Info("face extracted", zap.Float64("detection_score", found.Detection.Score))
	return resp, nil
}

// VerifyIdentity checks a document against a selfie: the document is
// extracted while the portrait printed on it is matched with the selfie.
// The portrait is taken from the front when supplied, else from the back.
func (s *Service) VerifyIdentity(ctx context.Context, userID string, docType schema.DocumentType, front, back, selfie *preprocess.RawImage) (*result.IdentityResponse, error) {
	start := time.Now()
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(s.logger, "usecase.verify_identity", requestID)

	if selfie == nil || (front == nil && back == nil) {
		return nil, extract.ErrNoInput
	}
	source := front
	if source == nil {
		source = back
	}
	document, _, err := preprocess.Decode(*source, s.formats)
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	selfieImg, _, err := preprocess.Decode(*selfie, s.formats)
	if err != nil {
		return nil, fmt.Errorf("selfie: %w", err)
	}

	if err := s.markProcessing(ctx, requestID); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	var (
		extracted        *extract.DocumentResult
		match            *face.DocumentMatch
		extErr, matchErr error
		g                errgroup.Group
	)
	g.Go(func() error {
		extracted, extErr = s.extractor.Extract(ctx, extract.Request{DocumentType: docType, Front: front, Back: back})
		return nil
	})
	g.Go(func() error {
		match, matchErr = s.verifier.MatchDocument(ctx, document, selfieImg)
		return nil
	})
	_ = g.Wait()

	if extErr != nil {
		if errors.Is(extErr, preprocess.ErrInvalidImage) || isClientError(extErr) {
			return nil, extErr
		}
		return nil, logging.NewOperationError("usecase.verify_identity", requestID, extErr)
	}
	if matchErr != nil && !isFaceFailure(matchErr) {
		return nil, logging.NewOperationError("usecase.verify_identity", requestID, matchErr)
	}

	docResp := result.Document(extracted)
	rec := s.newRecord(requestID, userID, repository.KindIdentity, source, selfie)
	rec.DocumentType = string(docType)
	rec.FieldsExtracted = docResp.Metadata.FieldsExtracted

	var resp *result.IdentityResponse
	if matchErr != nil {
		resp = result.IdentityFailure(docResp, matchErr)
	} else {
		resp, err = result.Identity(docResp, match)
		if err != nil {
			return nil, logging.NewOperationError("usecase.verify_identity", requestID, err)
		}
		rec.Success = resp.Overall.Verified
		rec.Score = match.Confidence
	}
	resp.ID = requestID

	stored := *resp
	stored.ExtractedFace = ""
	if err := s.persist(ctx, rec, &stored, time.Since(start)); err != nil {
		opLogger.Error("failed to persist identity verification", zap.Error(err))
		return nil, err
	}
	if matchErr != nil {
		opLogger.Info("identity verification rejected", zap.Error(matchErr))
		return resp, matchErr
	}
	opLogger.Info("identity checked",
		zap.String("status", resp.Overall.Status),
		zap.Float64("ocr_score", resp.Overall.OCRScore),
		zap.Bool("face_match", resp.Overall.FaceMatch),
	)
	return resp, nil
}

func isClientError(err error) bool {
	return errors.Is(err, schema.ErrUnknownDocumentType) ||
		errors.Is(err, schema.ErrUnknownSide) ||
		errors.Is(err, extract.ErrNoInput)
}
