package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// The onnxruntime environment is process-wide; sessions reference-count it.
var (
	ortMu      sync.Mutex
	ortLibPath string
	ortRefs    int
)

// SetONNXRuntimeLibrary sets the shared library used when the first ONNX
// artifact is opened.
func SetONNXRuntimeLibrary(path string) {
	ortMu.Lock()
	ortLibPath = path
	ortMu.Unlock()
}

func acquireORT() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortRefs == 0 && !ort.IsInitialized() {
		if ortLibPath != "" {
			ort.SetSharedLibraryPath(ortLibPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	ortRefs++
	return nil
}

func releaseORT() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	ortRefs--
	if ortRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

type onnxRunner struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
}

// OpenONNX creates an onnxruntime session from the artifact's model file.
func OpenONNX(ctx context.Context, src Source, artifact string, meta Metadata) (Runner, error) {
	data, err := src.Fetch(ctx, artifact, meta.ModelFile)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", meta.ModelFile, err)
	}
	if err := acquireORT(); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data,
		[]string{meta.InputName}, []string{meta.OutputName}, nil)
	if err != nil {
		_ = releaseORT()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxRunner{
		session:     session,
		inputShape:  batchOfOne(meta.InputShape),
		outputShape: batchOfOne(meta.OutputShape),
	}, nil
}

// batchOfOne replaces a dynamic leading dimension with 1.
func batchOfOne(dims []int64) ort.Shape {
	s := append([]int64(nil), dims...)
	if len(s) > 0 && s[0] <= 0 {
		s[0] = 1
	}
	return ort.NewShape(s...)
}

// Run allocates input and output tensors for this call only and destroys
// them before returning.
func (r *onnxRunner) Run(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewTensor(r.inputShape, append([]float32(nil), input...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](r.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := r.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, err
	}
	return append([]float32(nil), outputTensor.GetData()...), nil
}

func (r *onnxRunner) Close() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Destroy()
	r.session = nil
	if rerr := releaseORT(); err == nil {
		err = rerr
	}
	return err
}
