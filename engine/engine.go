package engine

import (
	"MeterDetServer/engine/yolo"
	iface "MeterDetServer/interface"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

const (
	BackendOpenCV      = "opencv"
	BackendOnnxRuntime = "onnxruntime"
)

const DefaultInputSize = 640

var (
	ErrNotRegistered  = errors.New("detector not registered")
	ErrModelNotLoaded = errors.New("model not loaded")
	ErrBusy           = errors.New("detector is busy")
)

// Backend is one loaded detector. Implementations are not safe for
// concurrent Detect calls; the pipeline gives each worker its own.
type Backend interface {
	LoadModel(modelPath string, names iface.NamesConf, conf float32, iou float32, useGPU bool) error
	Detect(img gocv.Mat) ([]iface.Result, error)
	Destroy()
	CheckConfig() iface.EngineConfig
	SetInputSize(size int)
}

// DigitNames is used when no names are configured: class i is digit i.
func DigitNames() []string {
	names := make([]string, 10)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return names
}

// ReadLinesReadFile reads a names file, one class per line. CRLF endings and
// blank lines are dropped.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func resolveNames(names iface.NamesConf) ([]string, error) {
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, fmt.Errorf("names file must be a path, got %T", names.Data)
		}
		return ReadLinesReadFile(path)
	}
	if names.Data == nil {
		return DigitNames(), nil
	}
	rv := reflect.ValueOf(names.Data)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("names must be a slice or a file path, got %T", names.Data)
	}
	n := rv.Len()
	if n == 0 {
		return DigitNames(), nil
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		s, ok := rv.Index(i).Interface().(string)
		if !ok {
			return nil, fmt.Errorf("names[%d] is %T, not string", i, rv.Index(i).Interface())
		}
		out[i] = s
	}
	return out, nil
}

// detector holds what every backend shares: parameters, class names and
// the UNREGISTERED/REGISTERED/IDLE/BUSY state machine.
type detector struct {
	backend   string
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	UseGPU    bool
	InputSize int
	State     int
}

func (d *detector) register() {
	if d.InputSize <= 0 {
		d.InputSize = DefaultInputSize
	}
	d.State = REGISTERED
}

func (d *detector) configure(modelPath string, names iface.NamesConf, conf, iou float32, useGPU bool) error {
	if d.State == UNREGISTERED {
		return ErrNotRegistered
	}
	if !strings.HasSuffix(strings.ToLower(modelPath), ".onnx") {
		return fmt.Errorf("%s backend only supports .onnx models, got %q", d.backend, modelPath)
	}
	if iou > 1.0 || iou < 0.0 {
		return fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", iou)
	}
	if conf > 1.0 || conf < 0.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", conf)
	}
	resolved, err := resolveNames(names)
	if err != nil {
		return err
	}
	d.Names = resolved
	d.ModelPath = modelPath
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	return nil
}

// acquire moves an IDLE detector to BUSY.
func (d *detector) acquire() error {
	switch d.State {
	case UNREGISTERED:
		return ErrNotRegistered
	case REGISTERED:
		return ErrModelNotLoaded
	case BUSY:
		return ErrBusy
	}
	d.State = BUSY
	return nil
}

func (d *detector) release() {
	if d.State == BUSY {
		d.State = IDLE
	}
}

func (d *detector) reset() {
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}

func (d *detector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   d.backend,
		ModelPath: d.ModelPath,
		Conf:      d.Conf,
		Iou:       d.Iou,
		UseGPU:    d.UseGPU,
		InputSize: d.InputSize,
		Names: iface.NamesConf{
			IsFile: false,
			Data:   d.Names,
		},
	}
}

func (d *detector) SetInputSize(size int) {
	if size > 0 {
		d.InputSize = size
	}
}

// results turns suppressed candidates into source-image results.
func (d *detector) results(cands []yolo.Candidate, lb yolo.Letterbox) []iface.Result {
	kept := yolo.NMS(cands, d.Iou)
	results := make([]iface.Result, 0, len(kept))
	for _, c := range kept {
		c = lb.Unscale(c)
		name := strconv.Itoa(c.Class)
		if c.Class < len(d.Names) {
			name = d.Names[c.Class]
		}
		results = append(results, iface.NewResult(c.Class, name, c.Score, iface.NewBox(c.X1, c.Y1, c.X2, c.Y2)))
	}
	return results
}

// Options configures NewBackend beyond what LoadModel takes.
type Options struct {
	InputSize   int
	OnnxLibPath string
	InputName   string
	OutputName  string
}

// NewBackend creates an unloaded detector for the named backend.
func NewBackend(kind string, opts Options) (Backend, error) {
	switch kind {
	case BackendOpenCV, "":
		d := &OpenCVDetector{}
		d.New()
		d.SetInputSize(opts.InputSize)
		return d, nil
	case BackendOnnxRuntime:
		d := &OrtDetector{LibPath: opts.OnnxLibPath}
		d.New()
		d.SetInputSize(opts.InputSize)
		d.SetBlobName(opts.InputName, opts.OutputName)
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", kind)
	}
}
