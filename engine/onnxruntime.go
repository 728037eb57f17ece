package engine

import (
	"MeterDetServer/engine/yolo"
	iface "MeterDetServer/interface"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initOrt(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return ortErr
}

// OrtDetector runs the model with onnxruntime. Tensors are allocated once
// at LoadModel and reused for every Detect.
type OrtDetector struct {
	detector
	LibPath      string
	inputName    string
	outputName   string
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (d *OrtDetector) New() bool {
	d.backend = BackendOnnxRuntime
	d.inputName = "images"
	d.outputName = "output0"
	d.register()
	return true
}

// SetBlobName overrides the model's input and output tensor names.
func (d *OrtDetector) SetBlobName(inputName, outputName string) {
	if inputName != "" {
		d.inputName = inputName
	}
	if outputName != "" {
		d.outputName = outputName
	}
}

func (d *OrtDetector) LoadModel(modelPath string, names iface.NamesConf, conf float32, iou float32, useGPU bool) error {
	if err := d.configure(modelPath, names, conf, iou, useGPU); err != nil {
		return err
	}
	if err := initOrt(d.LibPath); err != nil {
		return err
	}
	d.destroyTensors()

	size := int64(d.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	rows := int64(4 + len(d.Names))
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, rows, int64(yolo.Anchors(d.InputSize))))
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	var opts *ort.SessionOptions
	if useGPU {
		opts, err = cudaOptions()
		if err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return err
		}
		defer opts.Destroy()
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{d.inputName}, []string{d.outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		opts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}
	d.session = session
	d.inputTensor = inputTensor
	d.outputTensor = outputTensor
	d.State = IDLE
	return nil
}

func cudaOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to create CUDA options: %w", err)
	}
	defer cuda.Destroy()
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to enable CUDA: %w", err)
	}
	return opts, nil
}

func (d *OrtDetector) Detect(img gocv.Mat) ([]iface.Result, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()
	if img.Empty() {
		return nil, fmt.Errorf("onnxruntime: empty image")
	}
	src, err := img.ToImage()
	if err != nil {
		return nil, fmt.Errorf("onnxruntime: convert image: %w", err)
	}
	lb := yolo.FillTensor(src, d.InputSize, d.inputTensor.GetData())
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	shape := d.outputTensor.GetShape()
	cands := yolo.Decode(d.outputTensor.GetData(), int(shape[1]), int(shape[2]), d.Conf)
	return d.results(cands, lb), nil
}

func (d *OrtDetector) destroyTensors() {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
		d.inputTensor = nil
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
		d.outputTensor = nil
	}
}

func (d *OrtDetector) Destroy() {
	d.destroyTensors()
	d.reset()
}
