package objectPredict

import (
	"fmt"
	"image"
	"os"
	"runtime"

	onnx "github.com/8ff/onnxruntime_go"
)

type Config struct {
	ModelPath    string // YOLOv8 ONNX export, e.g. yolov8s.onnx
	LibPath      string // onnxruntime shared library. Empty picks the platform default name.
	ModelWidth   int
	ModelHeight  int
	NumClasses   int
	EnableCuda   bool
	EnableCoreMl bool
}

// Client runs a YOLOv8 model through onnxruntime.
// A Client owns a single session with fixed input and output buffers, so it is
// not safe for concurrent use. Wrap it in a SerialBackend to share it.
type Client struct {
	ModelPath      string
	ModelWidth     int
	ModelHeight    int
	NumClasses     int
	LibPath        string
	RuntimeSession ModelSession
	EnableCuda     bool
	EnableCoreMl   bool
}

type ModelSession struct {
	Session *onnx.AdvancedSession
	Input   *onnx.Tensor[float32]
	Output  *onnx.Tensor[float32]
}

func Init(opt Config) (*Client, error) {
	client := Client{
		ModelPath:    opt.ModelPath,
		ModelWidth:   opt.ModelWidth,
		ModelHeight:  opt.ModelHeight,
		NumClasses:   opt.NumClasses,
		LibPath:      opt.LibPath,
		EnableCuda:   opt.EnableCuda,
		EnableCoreMl: opt.EnableCoreMl,
	}

	libName, err := platformLibrary(runtime.GOOS, runtime.GOARCH, opt.EnableCuda, opt.EnableCoreMl)
	if err != nil {
		return nil, err
	}
	if client.LibPath == "" {
		client.LibPath = libName
	} else if _, err := os.Stat(client.LibPath); err != nil {
		return nil, fmt.Errorf("onnxruntime library does not exist: %s", client.LibPath)
	}

	// Check if model file exists
	if _, err := os.Stat(client.ModelPath); err != nil {
		return nil, fmt.Errorf("model does not exist: %s", client.ModelPath)
	}

	// If model width/height not provided default to 640x640
	if client.ModelWidth == 0 {
		client.ModelWidth = 640
	}
	if client.ModelHeight == 0 {
		client.ModelHeight = 640
	}
	if client.NumClasses == 0 {
		client.NumClasses = len(Yolo_classes)
	}

	ses, err := client.initSession()
	if err != nil {
		return nil, err
	}
	client.RuntimeSession = ses
	return &client, nil
}

// platformLibrary validates the accelerator options against the host and returns
// the default onnxruntime library name for it.
func platformLibrary(hostOs, hostArch string, cuda, coreml bool) (string, error) {
	switch {
	case hostOs == "darwin" && hostArch == "arm64":
		if cuda {
			return "", fmt.Errorf("cuda not supported on darwin/arm64")
		}
		return "libonnxruntime.dylib", nil
	case hostOs == "linux" && hostArch == "amd64":
		if coreml {
			return "", fmt.Errorf("coreml not supported on linux/amd64")
		}
		return "libonnxruntime.so", nil
	case hostOs == "linux" && hostArch == "arm64":
		if cuda || coreml {
			return "", fmt.Errorf("cuda and coreml not supported on linux/arm64")
		}
		return "libonnxruntime.so", nil
	}
	return "", fmt.Errorf("unsupported OS or architecture: %s/%s", hostOs, hostArch)
}

// Anchors is the number of candidate boxes YOLOv8 emits for an input size
// (one per cell of the stride 8, 16 and 32 grids).
func Anchors(width, height int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (width / stride) * (height / stride)
	}
	return n
}

// Infer letterboxes img, runs one forward pass and returns a copy of the raw
// output tensor along with the letterbox scale ratio.
func (c *Client) Infer(img image.Image) (Tensor, float64, error) {
	input, ratio := Letterbox(img, c.ModelWidth, c.ModelHeight)
	copy(c.RuntimeSession.Input.GetData(), input)

	if err := c.RuntimeSession.Session.Run(); err != nil {
		return Tensor{}, 0, fmt.Errorf("error running session: %w", err)
	}

	// The output buffer is reused by the next Run, so hand out a copy
	raw := c.RuntimeSession.Output.GetData()
	out := make([]float32, len(raw))
	copy(out, raw)

	attrs := 4 + c.NumClasses
	return Tensor{Data: out, Rows: attrs, Cols: len(out) / attrs, Attrs: attrs}, ratio, nil
}

func (c *Client) initSession() (ModelSession, error) {
	onnx.SetSharedLibraryPath(c.LibPath)
	if err := onnx.InitializeEnvironment(); err != nil {
		return ModelSession{}, fmt.Errorf("error initializing onnxruntime: %w", err)
	}

	options, err := onnx.NewSessionOptions()
	if err != nil {
		return ModelSession{}, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if c.EnableCoreMl { // If CoreML is enabled, append the CoreML execution provider
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return ModelSession{}, fmt.Errorf("error enabling coreml: %w", err)
		}
	}
	if c.EnableCuda {
		if err := appendCUDA(options); err != nil {
			return ModelSession{}, err
		}
	}

	inputShape := onnx.NewShape(1, 3, int64(c.ModelHeight), int64(c.ModelWidth))
	inputTensor, err := onnx.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return ModelSession{}, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputShape := onnx.NewShape(1, int64(4+c.NumClasses), int64(Anchors(c.ModelWidth, c.ModelHeight)))
	outputTensor, err := onnx.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return ModelSession{}, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := onnx.NewAdvancedSession(c.ModelPath,
		[]string{"images"}, []string{"output0"},
		[]onnx.ArbitraryTensor{inputTensor}, []onnx.ArbitraryTensor{outputTensor}, options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return ModelSession{}, fmt.Errorf("error creating session: %w", err)
	}

	return ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// appendCUDA puts the CUDA execution provider on device 0 in front of the CPU one.
// It fails when the loaded onnxruntime build or the host has no CUDA support.
func appendCUDA(options *onnx.SessionOptions) error {
	cudaOptions, err := onnx.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("error creating cuda options, the onnxruntime library may be a CPU build: %w", err)
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
		return fmt.Errorf("error configuring cuda device 0: %w", err)
	}
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return fmt.Errorf("error enabling cuda: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	c.RuntimeSession.Session.Destroy() // Cleanup session
	c.RuntimeSession.Input.Destroy()   // Cleanup input
	c.RuntimeSession.Output.Destroy()  // Cleanup output
	onnx.DestroyEnvironment()
}
