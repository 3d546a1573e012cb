// Package grpcclient talks to a remote face-embedding service. The service
// exposes one unary method taking the JPEG bytes of an aligned face crop and
// returning the descriptor as a list of numbers, so only well-known protobuf
// types cross the wire.
package grpcclient

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/idverify/internal/face"
	"github.com/example/idverify/internal/logging"
)

// EmbedMethod is the full gRPC method name of the embedding call.
const EmbedMethod = "/idverify.face.v1.Embedder/Embed"

// DialFaceEmbedder returns a ready-to-use embedder backed by the service at addr.
func DialFaceEmbedder(ctx context.Context, addr string, logger *zap.Logger) (*FaceEmbedder, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_embedder", "", err)
		logger.Error("failed to dial face embedder", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewFaceEmbedder(conn, logger), conn, nil
}

// FaceEmbedder implements face.Embedder over a client connection.
type FaceEmbedder struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewFaceEmbedder wraps an existing connection.
func NewFaceEmbedder(conn grpc.ClientConnInterface, logger *zap.Logger) *FaceEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FaceEmbedder{conn: conn, logger: logger}
}

// Embed sends the crop to the service and returns its descriptor.
func (f *FaceEmbedder) Embed(ctx context.Context, crop image.Image) (face.Embedding, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: 95}); err != nil {
		return nil, logging.NewOperationError("grpcclient.embed", logging.RequestID(ctx), fmt.Errorf("encode crop: %w", err))
	}

	resp := new(structpb.ListValue)
	if err := f.conn.Invoke(ctx, EmbedMethod, wrapperspb.Bytes(buf.Bytes()), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.embed", logging.RequestID(ctx), err)
		f.logger.Error("face embedder call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	values := resp.GetValues()
	if len(values) == 0 {
		return nil, face.ErrNoFaceDetected
	}
	emb := make(face.Embedding, len(values))
	for i, v := range values {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, logging.NewOperationError("grpcclient.embed", logging.RequestID(ctx),
				fmt.Errorf("descriptor element %d is not a number", i))
		}
		emb[i] = float32(n.NumberValue)
	}
	return emb, nil
}
