package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/recycle-check/internal/imageprocessor"
)

type fakeClassifierServer struct {
	resp     *structpb.Struct
	err      error
	received []byte
}

func (s *fakeClassifierServer) classify(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	s.received = req.GetValue()
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

var fakeServiceDesc = grpc.ServiceDesc{
	ServiceName: "recycling.v1.Classifier",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Classify",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			req := &wrapperspb.BytesValue{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(*fakeClassifierServer).classify(ctx, req)
		},
	}},
}

func startFakeServer(t *testing.T, fake *fakeClassifierServer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&fakeServiceDesc, fake)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	_, conn, err := DialClassifier(context.Background(), "bufnet", 3, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("failed to build struct: %v", err)
	}
	return s
}

func TestClassifyDecodesAndRanksPredictions(t *testing.T) {
	fake := &fakeClassifierServer{resp: mustStruct(t, map[string]interface{}{
		"predictions": []interface{}{
			map[string]interface{}{"class_id": "n03983396", "label": "pop_bottle", "confidence": 0.2},
			map[string]interface{}{"class_id": "n04557648", "label": "water_bottle", "confidence": 0.7},
			map[string]interface{}{"class_id": "n02823428", "label": "beer_bottle", "confidence": 0.05},
			map[string]interface{}{"class_id": "n07930864", "label": "cup", "confidence": 0.01},
		},
	})}
	conn := startFakeServer(t, fake)
	client := NewClassifier(conn, 3, zap.NewNop())

	preds, err := client.Classify(context.Background(), []byte("image-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(fake.received) != "image-bytes" {
		t.Fatalf("server received %q", fake.received)
	}
	if len(preds) != 3 {
		t.Fatalf("expected top-3, got %d", len(preds))
	}
	if preds[0].Label != "water_bottle" || preds[0].ClassID != "n04557648" {
		t.Fatalf("unexpected top prediction: %+v", preds[0])
	}
	if preds[2].Label != "beer_bottle" {
		t.Fatalf("unexpected third prediction: %+v", preds[2])
	}
}

func TestClassifyWrapsRemoteErrorsAsInferenceFailure(t *testing.T) {
	fake := &fakeClassifierServer{err: status.Error(codes.ResourceExhausted, "out of memory")}
	conn := startFakeServer(t, fake)
	client := NewClassifier(conn, 3, zap.NewNop())

	_, err := client.Classify(context.Background(), []byte("x"))
	var inferErr *imageprocessor.InferenceFailure
	if !errors.As(err, &inferErr) {
		t.Fatalf("expected InferenceFailure, got %v", err)
	}
	if status.Code(errors.Unwrap(errors.Unwrap(inferErr))) != codes.ResourceExhausted {
		t.Fatalf("expected status to be preserved, got %v", err)
	}
}

func TestClassifyRejectsMalformedResponse(t *testing.T) {
	fake := &fakeClassifierServer{resp: mustStruct(t, map[string]interface{}{
		"predictions": []interface{}{
			map[string]interface{}{"label": "can", "confidence": 1.5},
		},
	})}
	conn := startFakeServer(t, fake)
	client := NewClassifier(conn, 3, zap.NewNop())

	_, err := client.Classify(context.Background(), []byte("x"))
	if !imageprocessor.IsClassificationFailure(err) {
		t.Fatalf("expected classification failure, got %v", err)
	}
}

func TestClassifyEmptyInputIsDecodeFailure(t *testing.T) {
	client := NewClassifier(nil, 3, zap.NewNop())

	_, err := client.Classify(context.Background(), nil)
	var decodeErr *imageprocessor.DecodeFailure
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeFailure, got %v", err)
	}
}
