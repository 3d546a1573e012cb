package grpcclient

import (
	"context"
	"errors"
	"image"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/idverify/internal/face"
)

// serveEmbedder starts an in-memory server whose Embed method answers with
// reply, and returns a client connection to it.
func serveEmbedder(t *testing.T, reply func(*wrapperspb.BytesValue) (*structpb.ListValue, error)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "idverify.face.v1.Embedder",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Embed",
			Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(wrapperspb.BytesValue)
				if err := dec(in); err != nil {
					return nil, err
				}
				return reply(in)
			},
		}},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func crop() image.Image {
	return image.NewGray(image.Rect(0, 0, 16, 16))
}

func TestEmbedReturnsDescriptor(t *testing.T) {
	var got int
	conn := serveEmbedder(t, func(in *wrapperspb.BytesValue) (*structpb.ListValue, error) {
		got = len(in.GetValue())
		return structpb.NewList([]any{0.25, -0.5, 1.0})
	})

	emb, err := NewFaceEmbedder(conn, zap.NewNop()).Embed(context.Background(), crop())
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if got == 0 {
		t.Fatal("server received no image bytes")
	}
	want := face.Embedding{0.25, -0.5, 1}
	if len(emb) != len(want) {
		t.Fatalf("expected %v, got %v", want, emb)
	}
	for i := range want {
		if emb[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, emb)
		}
	}
}

func TestEmbedEmptyDescriptorMeansNoFace(t *testing.T) {
	conn := serveEmbedder(t, func(*wrapperspb.BytesValue) (*structpb.ListValue, error) {
		return &structpb.ListValue{}, nil
	})
	_, err := NewFaceEmbedder(conn, zap.NewNop()).Embed(context.Background(), crop())
	if !errors.Is(err, face.ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
}

func TestEmbedRejectsNonNumericDescriptor(t *testing.T) {
	conn := serveEmbedder(t, func(*wrapperspb.BytesValue) (*structpb.ListValue, error) {
		return structpb.NewList([]any{1.0, "x"})
	})
	if _, err := NewFaceEmbedder(conn, zap.NewNop()).Embed(context.Background(), crop()); err == nil {
		t.Fatal("expected an error for a non-numeric element")
	}
}

func TestEmbedPropagatesServerErrors(t *testing.T) {
	conn := serveEmbedder(t, func(*wrapperspb.BytesValue) (*structpb.ListValue, error) {
		return nil, errors.New("model unavailable")
	})
	if _, err := NewFaceEmbedder(conn, zap.NewNop()).Embed(context.Background(), crop()); err == nil {
		t.Fatal("expected the server error")
	}
}
