package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	iface "bsort/interface"
	"bsort/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Yolo drives the ultralytics `yolo` command line. It remembers the weights of the
// last training run or Load call; Export, Save and Predict act on those weights.
type Yolo struct {
	command   string
	imageSize int
	weights   string
	run       Runner
	log       *zap.Logger
}

// NewYolo returns an engine invoking command, usually "yolo".
func NewYolo(command string, opts ...Option) *Yolo {
	y := &Yolo{
		command:   command,
		imageSize: 640,
		log:       logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(y)
	}
	if y.run == nil {
		y.run = y.exec
	}
	return y
}

// Weights is the model file the engine currently acts on.
func (y *Yolo) Weights() string {
	return y.weights
}

func (y *Yolo) Train(ctx context.Context, manifest string, hp iface.Hyperparameters) (map[string]float64, error) {
	project, err := filepath.Abs(hp.Project)
	if err != nil {
		return nil, err
	}
	args := []string{
		"detect", "train",
		"model=" + hp.BaseModel,
		"data=" + manifest,
		fmt.Sprintf("epochs=%d", hp.Epochs),
		fmt.Sprintf("imgsz=%d", hp.ImageSize),
		fmt.Sprintf("batch=%d", hp.BatchSize),
		fmt.Sprintf("lr0=%g", hp.LearningRate),
		"project=" + project,
		"name=" + hp.Name,
		"exist_ok=True",
	}
	if err := y.run(ctx, y.command, args...); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}

	runDir := filepath.Join(project, hp.Name)
	weights, err := findWeights(runDir)
	if err != nil {
		return nil, err
	}
	y.weights = weights
	y.imageSize = hp.ImageSize
	y.log.Info("training finished", zap.String("weights", weights))

	metrics, err := ReadResultsCSV(filepath.Join(runDir, "results.csv"))
	if errors.Is(err, fs.ErrNotExist) {
		y.log.Warn("no results.csv in run directory", zap.String("run", runDir))
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func findWeights(runDir string) (string, error) {
	for _, name := range []string{"best.pt", "last.pt"} {
		p := filepath.Join(runDir, "weights", name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("weights in %s: %w", runDir, iface.ErrNotFound)
}

func (y *Yolo) Export(ctx context.Context, format string) (string, error) {
	if y.weights == "" {
		return "", fmt.Errorf("export %s: no model trained or loaded: %w", format, iface.ErrNotFound)
	}
	artifact, err := ArtifactPath(y.weights, format)
	if err != nil {
		return "", err
	}
	err = y.run(ctx, y.command,
		"export",
		"model="+y.weights,
		"format="+format,
		fmt.Sprintf("imgsz=%d", y.imageSize),
	)
	if err != nil {
		return "", fmt.Errorf("export %s: %w", format, err)
	}
	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("export %s: artifact %s: %w", format, artifact, iface.ErrNotFound)
	}
	return artifact, nil
}

func (y *Yolo) Save(_ context.Context, path string) error {
	if y.weights == "" {
		return fmt.Errorf("save: no model trained or loaded: %w", iface.ErrNotFound)
	}
	return CopyFile(y.weights, path)
}

func (y *Yolo) Load(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("model %s: %w", path, iface.ErrNotFound)
	}
	y.weights = path
	return nil
}

func (y *Yolo) Predict(ctx context.Context, source string, conf float32) ([]iface.RawImage, error) {
	if y.weights == "" {
		return nil, fmt.Errorf("predict: no model loaded: %w", iface.ErrNotFound)
	}
	images, err := ListImages(source)
	if err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "bsort-predict-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	err = y.run(ctx, y.command,
		"detect", "predict",
		"model="+y.weights,
		"source="+source,
		fmt.Sprintf("conf=%g", conf),
		fmt.Sprintf("imgsz=%d", y.imageSize),
		"save=False",
		"save_txt=True",
		"save_conf=True",
		"project="+tmp,
		"name=predict",
		"exist_ok=True",
	)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	labels := filepath.Join(tmp, "predict", "labels")
	out := make([]iface.RawImage, 0, len(images))
	for _, img := range images {
		width, height, err := imageSize(img)
		if err != nil {
			return nil, err
		}
		stem := strings.TrimSuffix(filepath.Base(img), filepath.Ext(img))
		boxes, err := ReadLabels(filepath.Join(labels, stem+".txt"), width, height)
		if err != nil {
			return nil, err
		}
		out = append(out, iface.RawImage{Source: img, Boxes: boxes})
	}
	return out, nil
}

// ListImages expands a directory source into its image files in name order; a file
// source is returned as is.
func ListImages(source string) ([]string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source, iface.ErrNotFound)
	}
	if !info.IsDir() {
		return []string{source}, nil
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, err
	}
	images := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsImage(e.Name()) {
			images = append(images, filepath.Join(source, e.Name()))
		}
	}
	sort.Strings(images)
	return images, nil
}

func CopyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// exec runs the command, forwarding its output line by line to the logger.
func (y *Yolo) exec(ctx context.Context, name string, args ...string) error {
	y.log.Info("running engine command", zap.String("cmd", name), zap.Strings("args", args))
	cmd := exec.CommandContext(ctx, name, args...)
	stdout := &lineLogger{log: y.log, level: zap.DebugLevel}
	stderr := &lineLogger{log: y.log, level: zap.InfoLevel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s %s exited with code %d", name, args[0], exitErr.ExitCode())
		}
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// lineLogger writes each complete output line as one log entry. Progress bars
// redraw with '\r', so both '\r' and '\n' end a line.
type lineLogger struct {
	mu    sync.Mutex
	log   *zap.Logger
	level zapcore.Level
	buf   bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		data := l.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		l.emit(string(data[:i]))
		l.buf.Next(i + 1)
	}
	return len(p), nil
}

func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc := bufio.NewScanner(&l.buf)
	for sc.Scan() {
		l.emit(sc.Text())
	}
	l.buf.Reset()
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if ce := l.log.Check(l.level, line); ce != nil {
		ce.Write()
	}
}
