package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/recycle-check/internal/imageprocessor"
	"github.com/example/recycle-check/internal/logging"
)

// ClassifyMethod is the full gRPC method name served by the inference sidecar.
// The request is a BytesValue holding the raw image; the response is a Struct
// of the form {"predictions": [{"class_id": "...", "label": "...", "confidence": 0.9}]}.
const ClassifyMethod = "/recycling.v1.Classifier/Classify"

const backendName = "grpc"

// DialClassifier returns a ready-to-use classifier backed by a remote inference service.
func DialClassifier(ctx context.Context, addr string, topK int, logger *zap.Logger, opts ...grpc.DialOption) (imageprocessor.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClassifier(conn, topK, logger), conn, nil
}

// NewClassifier wraps an existing connection.
func NewClassifier(conn grpc.ClientConnInterface, topK int, logger *zap.Logger) imageprocessor.Client {
	if topK <= 0 {
		topK = imageprocessor.DefaultTopK
	}
	return &grpcClassifier{conn: conn, topK: topK, logger: logger.Named("grpc_classifier")}
}

type grpcClassifier struct {
	conn   grpc.ClientConnInterface
	topK   int
	logger *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, imageBytes []byte) ([]imageprocessor.Prediction, error) {
	if len(imageBytes) == 0 {
		return nil, &imageprocessor.DecodeFailure{Err: errors.New("empty input")}
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, wrapperspb.Bytes(imageBytes), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		g.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, imageprocessor.NewInferenceFailure(backendName, wrapped)
	}

	preds, err := decodePredictions(resp)
	if err != nil {
		return nil, imageprocessor.NewInferenceFailure(backendName, err)
	}
	if len(preds) > g.topK {
		preds = preds[:g.topK]
	}
	return preds, nil
}

func decodePredictions(resp *structpb.Struct) ([]imageprocessor.Prediction, error) {
	field, ok := resp.GetFields()["predictions"]
	if !ok {
		return nil, errors.New("response has no predictions field")
	}
	list := field.GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, errors.New("response has no predictions")
	}

	preds := make([]imageprocessor.Prediction, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		entry := v.GetStructValue()
		if entry == nil {
			return nil, fmt.Errorf("prediction %d is not an object", i)
		}
		fields := entry.GetFields()
		label := fields["label"].GetStringValue()
		if label == "" {
			return nil, fmt.Errorf("prediction %d has no label", i)
		}
		confidence := fields["confidence"].GetNumberValue()
		if confidence < 0 || confidence > 1 {
			return nil, fmt.Errorf("prediction %d confidence %v outside [0,1]", i, confidence)
		}
		preds = append(preds, imageprocessor.Prediction{
			ClassID:    fields["class_id"].GetStringValue(),
			Label:      label,
			Confidence: confidence,
		})
	}

	sort.SliceStable(preds, func(a, b int) bool {
		return preds[a].Confidence > preds[b].Confidence
	})
	return preds, nil
}
