package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	iface "bsort/interface"

	"go.uber.org/zap"
)

// Runner executes the toolkit command line. It blocks until the process exits.
type Runner func(ctx context.Context, name string, args ...string) error

type Option func(*Yolo)

// WithRunner replaces the subprocess runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(y *Yolo) { y.run = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(y *Yolo) { y.log = l }
}

// WithImageSize sets the input size used for export and prediction before any training.
func WithImageSize(size int) Option {
	return func(y *Yolo) { y.imageSize = size }
}

// exportSuffix maps an export format to what the toolkit appends to the weights stem.
// Directory formats end in "_model" and are returned as directories.
var exportSuffix = map[string]string{
	"torchscript": ".torchscript",
	"onnx":        ".onnx",
	"openvino":    "_openvino_model",
	"engine":      ".engine",
	"coreml":      ".mlpackage",
	"saved_model": "_saved_model",
	"pb":          ".pb",
	"tflite":      "_saved_model/%s_float32.tflite",
	"tfjs":        "_web_model",
	"paddle":      "_paddle_model",
	"mnn":         ".mnn",
	"ncnn":        "_ncnn_model",
}

// ArtifactPath returns where the toolkit writes the export of weights in format.
func ArtifactPath(weights, format string) (string, error) {
	suffix, ok := exportSuffix[strings.ToLower(format)]
	if !ok {
		return "", fmt.Errorf("export format %q: %w", format, iface.ErrUnsupported)
	}
	stem := strings.TrimSuffix(weights, filepath.Ext(weights))
	if strings.Contains(suffix, "%s") {
		suffix = fmt.Sprintf(suffix, filepath.Base(stem))
	}
	return filepath.FromSlash(stem + suffix), nil
}

// imageExts are the file types the toolkit accepts as prediction sources.
var imageExts = map[string]bool{
	".bmp":  true,
	".dng":  true,
	".jpeg": true,
	".jpg":  true,
	".mpo":  true,
	".png":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}
