package imageprocessor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const onnxBackend = "onnx"

// ortEnv guards process-wide ONNX Runtime initialization.
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNXOptions configures the local ResNet50 backend.
type ONNXOptions struct {
	ModelPath      string
	RuntimeLibPath string
	ClassIndex     ClassIndex
	TopK           int
	IntraOpThreads int
}

// ONNXClient runs a ResNet50 classifier exported to ONNX. The session is
// read-only after construction and ONNX Runtime allows concurrent Run calls
// on one session, so a single ONNXClient may be shared across requests.
type ONNXClient struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	layout     Layout
	numClasses int64
	index      ClassIndex
	topK       int
}

// NewONNXClient loads the model and validates its input and output shapes.
func NewONNXClient(opts ONNXOptions) (*ONNXClient, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("onnx: model weights unavailable: %w", err)
	}
	if err := initORT(opts.RuntimeLibPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("onnx: expected a single image input, got %d", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, errors.New("onnx: model has no outputs")
	}

	layout, err := detectLayout(inputs[0].Dimensions)
	if err != nil {
		return nil, err
	}

	outDims := outputs[0].Dimensions
	if len(outDims) != 2 {
		return nil, fmt.Errorf("onnx: expected 2D output tensor, got %v", outDims)
	}
	numClasses := outDims[1]
	if numClasses <= 0 {
		numClasses = int64(len(opts.ClassIndex))
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("onnx: cannot determine class count from output %v", outDims)
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("onnx: failed to set thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		opts.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		sessOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	return &ONNXClient{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		layout:     layout,
		numClasses: numClasses,
		index:      opts.ClassIndex,
		topK:       topK,
	}, nil
}

// detectLayout accepts [N,224,224,3] or [N,3,224,224] inputs. Dynamic
// dimensions (-1) are tolerated anywhere except the channel axis.
func detectLayout(dims ort.Shape) (Layout, error) {
	if len(dims) != 4 {
		return 0, fmt.Errorf("onnx: expected 4D image input, got %v", dims)
	}
	switch {
	case dims[3] == 3:
		return LayoutNHWC, nil
	case dims[1] == 3:
		return LayoutNCHW, nil
	default:
		return 0, fmt.Errorf("onnx: cannot find a 3-channel axis in input %v", dims)
	}
}

// Classify implements Client.
func (c *ONNXClient) Classify(ctx context.Context, imageBytes []byte) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewInferenceFailure(onnxBackend, err)
	}

	data, err := Preprocess(imageBytes, c.layout)
	if err != nil {
		return nil, err
	}

	scores, err := c.infer(data)
	if err != nil {
		return nil, NewInferenceFailure(onnxBackend, err)
	}

	preds := TopK(scores, c.topK, c.index)
	if len(preds) == 0 {
		return nil, NewInferenceFailure(onnxBackend, errors.New("model returned no scores"))
	}
	return preds, nil
}

func (c *ONNXClient) infer(data []float32) ([]float32, error) {
	shape := ort.NewShape(1, InputSize, InputSize, 3)
	if c.layout == LayoutNCHW {
		shape = ort.NewShape(1, 3, InputSize, InputSize)
	}

	input, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, c.numClasses))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := c.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, err
	}

	src := output.GetData()
	scores := make([]float32, len(src))
	copy(scores, src)
	return scores, nil
}

// Close releases the ONNX session.
func (c *ONNXClient) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Destroy()
}
