package engine

import (
	"MeterDetServer/engine/yolo"
	iface "MeterDetServer/interface"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// OpenCVDetector runs the ONNX model through OpenCV's DNN module.
type OpenCVDetector struct {
	detector
	net *gocv.Net
}

func (d *OpenCVDetector) New() bool {
	d.backend = BackendOpenCV
	d.register()
	return true
}

func (d *OpenCVDetector) LoadModel(modelPath string, names iface.NamesConf, conf float32, iou float32, useGPU bool) error {
	if err := d.configure(modelPath, names, conf, iou, useGPU); err != nil {
		return err
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return fmt.Errorf("opencv: failed to read model %s", modelPath)
	}
	if useGPU {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	if d.net != nil {
		_ = d.net.Close()
	}
	d.net = &net
	d.State = IDLE
	return nil
}

func (d *OpenCVDetector) Detect(img gocv.Mat) ([]iface.Result, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()
	if img.Empty() {
		return nil, fmt.Errorf("opencv: empty image")
	}

	size := d.InputSize
	lb := yolo.NewLetterbox(img.Cols(), img.Rows(), size)
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(lb.NewW, lb.NewH), 0, 0, gocv.InterpolationLinear)
	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(resized, &padded,
		lb.PadY, size-lb.NewH-lb.PadY,
		lb.PadX, size-lb.NewW-lb.PadX,
		gocv.BorderConstant, yolo.PadColor)

	blob := gocv.BlobFromImage(padded, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("opencv: unexpected output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("opencv: read output: %w", err)
	}
	cands := yolo.Decode(data, dims[1], dims[2], d.Conf)
	return d.results(cands, lb), nil
}

func (d *OpenCVDetector) Destroy() {
	if d.net != nil {
		_ = d.net.Close()
		d.net = nil
	}
	d.reset()
}
