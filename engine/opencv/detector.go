// Package opencv runs exported ONNX detection models through OpenCV's DNN module.
// It can only predict; training and non-ONNX export stay with the toolkit engine.
package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"bsort/engine"
	iface "bsort/interface"
	"bsort/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type Detector struct {
	ModelPath string
	InputSize int
	Iou       float32
	net       gocv.Net
	loaded    bool
	log       *zap.Logger
}

func New(inputSize int, l *zap.Logger) *Detector {
	if l == nil {
		l = logger.Named("opencv")
	}
	return &Detector{
		InputSize: inputSize,
		Iou:       engine.DefaultIoU,
		log:       l,
	}
}

func (d *Detector) Load(_ context.Context, path string) error {
	if d.loaded && d.ModelPath == path {
		return nil
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return fmt.Errorf("model %s: %w", path, iface.ErrNotFound)
	}
	if !strings.EqualFold(filepath.Ext(path), ".onnx") {
		return fmt.Errorf("model %s: only .onnx models load in OpenCV: %w", path, iface.ErrUnsupported)
	}

	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return fmt.Errorf("model %s: %w: OpenCV could not read the network", path, iface.ErrFormat)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		d.log.Warn("set preferable backend", zap.Error(err))
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		d.log.Warn("set preferable target", zap.Error(err))
	}

	d.Destroy()
	d.net = net
	d.ModelPath = path
	d.loaded = true
	d.log.Info("model loaded", zap.String("path", path), zap.Int("input_size", d.InputSize))
	return nil
}

func (d *Detector) Predict(ctx context.Context, source string, conf float32) ([]iface.RawImage, error) {
	if !d.loaded {
		return nil, fmt.Errorf("predict: no model loaded: %w", iface.ErrNotFound)
	}
	images, err := engine.ListImages(source)
	if err != nil {
		return nil, err
	}
	out := make([]iface.RawImage, 0, len(images))
	for _, path := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		boxes, err := d.detect(path, conf)
		if err != nil {
			return nil, err
		}
		out = append(out, iface.RawImage{Source: path, Boxes: boxes})
	}
	return out, nil
}

func (d *Detector) detect(path string, conf float32) ([]iface.RawBox, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("image %s: %w: decoded image is empty or unsupported format", path, iface.ErrFormat)
	}

	size := d.InputSize
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w: %v", iface.ErrFormat, err)
	}
	scaleX := float32(img.Cols()) / float32(size)
	scaleY := float32(img.Rows()) / float32(size)
	boxes, err := engine.DecodeYOLO(data, output.Size(), conf, scaleX, scaleY)
	if err != nil {
		return nil, err
	}
	boxes = suppress(boxes, conf, d.Iou)
	for i := range boxes {
		boxes[i].Box = engine.ClampBox(boxes[i].Box, img.Cols(), img.Rows())
	}
	return boxes, nil
}

func (d *Detector) Train(context.Context, string, iface.Hyperparameters) (map[string]float64, error) {
	return nil, fmt.Errorf("train: %w", iface.ErrUnsupported)
}

// Export only knows the format the model is already in.
func (d *Detector) Export(_ context.Context, format string) (string, error) {
	if d.loaded && strings.EqualFold(format, "onnx") {
		return d.ModelPath, nil
	}
	return "", fmt.Errorf("export %s: %w", format, iface.ErrUnsupported)
}

func (d *Detector) Save(_ context.Context, path string) error {
	if !d.loaded {
		return fmt.Errorf("save: no model loaded: %w", iface.ErrNotFound)
	}
	return engine.CopyFile(d.ModelPath, path)
}

func (d *Detector) Destroy() {
	if d.loaded {
		_ = d.net.Close()
	}
	d.loaded = false
	d.ModelPath = ""
}
