package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

type ONNXConfig struct {
	ModelPath string
	// LibraryPath locates the ONNX Runtime shared library. Empty uses the
	// platform default search.
	LibraryPath string
	InputName   string
	OutputName  string
	// IntraOpThreads limits the runtime's per-session thread pool; 0 keeps
	// the runtime default.
	IntraOpThreads int
}

var (
	ortOnce    sync.Once
	ortInitErr error
)

func initRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXExecutor runs a CTC acoustic model exported to ONNX with input
// [batch, samples] and output [batch, rows, vocab]. One session is shared by
// all callers.
type ONNXExecutor struct {
	session *ort.DynamicAdvancedSession
	cfg     ONNXConfig
	logger  *zap.Logger
}

func NewONNXExecutor(cfg ONNXConfig, logger *zap.Logger) (*ONNXExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}

	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
	}

	var options *ort.SessionOptions
	if cfg.IntraOpThreads > 0 {
		opts, err := ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("onnx: session options: %w", err)
		}
		defer opts.Destroy()
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("onnx: set intra-op threads: %w", err)
		}
		options = opts
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("onnx: load model %s: %w", cfg.ModelPath, err)
	}

	logger.Debug("onnx session ready",
		zap.String("model", cfg.ModelPath),
		zap.String("input", cfg.InputName),
		zap.String("output", cfg.OutputName))

	return &ONNXExecutor{session: session, cfg: cfg, logger: logger}, nil
}

func (e *ONNXExecutor) Infer(ctx context.Context, batch [][]float32) ([]Logits, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples := len(batch[0])
	data := make([]float32, 0, len(batch)*samples)
	for i, w := range batch {
		if len(w) != samples {
			return nil, fmt.Errorf("onnx: window %d has %d samples, want %d", i, len(w), samples)
		}
		data = append(data, w...)
	}

	input, err := ort.NewTensor(ort.NewShape(int64(len(batch)), int64(samples)), data)
	if err != nil {
		return nil, fmt.Errorf("onnx: input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: output %q is not a float32 tensor", ErrShapeMismatch, e.cfg.OutputName)
	}
	shape := tensor.GetShape()
	if len(shape) != 3 || shape[0] != int64(len(batch)) {
		return nil, fmt.Errorf("%w: output shape %v for batch of %d", ErrShapeMismatch, shape, len(batch))
	}

	rows, vocab := int(shape[1]), int(shape[2])
	values := tensor.GetData()
	per := rows * vocab
	if len(values) != per*len(batch) {
		return nil, fmt.Errorf("%w: %d output values for shape %v", ErrShapeMismatch, len(values), shape)
	}

	result := make([]Logits, len(batch))
	for i := range result {
		result[i] = Logits{
			Rows:  rows,
			Vocab: vocab,
			Data:  append([]float32(nil), values[i*per:(i+1)*per]...),
		}
	}
	return result, nil
}

func (e *ONNXExecutor) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}
