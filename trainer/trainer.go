// Package trainer orchestrates one training run: dataset fetch, engine training,
// per-format export and saving the final model.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"bsort/config"
	"bsort/dataset"
	iface "bsort/interface"
	"bsort/logger"
	"bsort/monitor"

	"go.uber.org/zap"
)

type Trainer struct {
	engine  iface.Engine
	fetcher *dataset.Fetcher
	mon     *monitor.Monitor
	project string
	log     *zap.Logger
}

type Option func(*Trainer)

func WithFetcher(f *dataset.Fetcher) Option {
	return func(t *Trainer) { t.fetcher = f }
}

func WithMonitor(m *monitor.Monitor) Option {
	return func(t *Trainer) { t.mon = m }
}

// WithProject overrides the directory the engine writes its run into.
func WithProject(dir string) Option {
	return func(t *Trainer) { t.project = dir }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Trainer) { t.log = l }
}

func New(e iface.Engine, opts ...Option) *Trainer {
	t := &Trainer{engine: e, project: iface.ProjectName}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logger.Or(t.log).Named("trainer")
	if t.fetcher == nil {
		t.fetcher = dataset.New(dataset.WithLogger(t.log))
	}
	return t
}

// Run trains, exports and saves a model as described by cfg. tracker may be nil.
// A failed export is logged and left out of ExportPaths; every other failure
// aborts the run. An opened tracking session is always closed.
func (t *Trainer) Run(ctx context.Context, cfg *config.Config, tracker iface.Tracker) (outcome *iface.TrainingOutcome, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("train: %w: nil config", iface.ErrParse)
	}
	if err := t.setupDirectories(cfg); err != nil {
		return nil, err
	}

	var session iface.Session = noopSession{}
	if tracker != nil {
		s, err := tracker.Start(ctx, cfg.Tracking.RunName, Params(cfg))
		if err != nil {
			return nil, fmt.Errorf("start tracking session: %w", err)
		}
		session = s
	}
	defer func() {
		status := iface.RunStatusFinished
		if err != nil {
			status = iface.RunStatusFailed
		}
		if cerr := session.Close(ctx, status); cerr != nil {
			t.log.Warn("close tracking session", zap.Error(cerr))
		}
	}()

	done := t.mon.Stage("fetch")
	root, err := t.fetcher.Fetch(ctx, cfg.DatasetURL, cfg.DatasetPath)
	done()
	if err != nil {
		return nil, fmt.Errorf("fetch dataset: %w", err)
	}

	manifest := filepath.Join(root, iface.Manifest)
	if info, statErr := os.Stat(manifest); statErr != nil || info.IsDir() {
		return nil, fmt.Errorf("%s not found at %s: %w", iface.Manifest, manifest, iface.ErrNotFound)
	}

	t.log.Info("training started", zap.String("manifest", manifest), zap.String("model", cfg.ModelName), zap.Int("epochs", cfg.Epochs))
	done = t.mon.Stage("train")
	metrics, err := t.engine.Train(ctx, manifest, t.hyperparameters(cfg))
	done()
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	if metrics == nil {
		metrics = map[string]float64{}
	}
	t.mon.TrainingMetrics(metrics)
	if lerr := session.LogMetrics(ctx, metrics); lerr != nil {
		t.log.Warn("log metrics", zap.Error(lerr))
	}

	exports, err := t.export(ctx, cfg.ExportFormats)
	if err != nil {
		return nil, err
	}

	done = t.mon.Stage("save")
	err = t.engine.Save(ctx, cfg.ModelPath)
	done()
	if err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}
	t.log.Info("model saved", zap.String("path", cfg.ModelPath))

	for _, p := range artifacts(cfg.ModelPath, exports) {
		if lerr := session.LogArtifact(ctx, p); lerr != nil {
			t.log.Warn("log artifact", zap.String("path", p), zap.Error(lerr))
		}
	}

	return &iface.TrainingOutcome{
		Success:     true,
		ModelPath:   cfg.ModelPath,
		ExportPaths: exports,
		Metrics:     metrics,
	}, nil
}

// export tries every format independently. Only cancellation stops the loop.
func (t *Trainer) export(ctx context.Context, formats []string) (map[string]string, error) {
	out := make(map[string]string, len(formats))
	for _, format := range formats {
		done := t.mon.Stage("export")
		path, err := t.engine.Export(ctx, format)
		done()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("export %s: %w", format, ctxErr)
			}
			t.mon.Export(format, false)
			t.log.Warn("export failed", zap.String("format", format), zap.Error(err))
			continue
		}
		t.mon.Export(format, true)
		t.log.Info("model exported", zap.String("format", format), zap.String("path", path))
		out[format] = path
	}
	return out, nil
}

func (t *Trainer) setupDirectories(cfg *config.Config) error {
	dirs := []string{cfg.DatasetPath, t.project}
	if dir := filepath.Dir(cfg.ModelPath); dir != "." {
		dirs = append(dirs, dir)
	}
	var errs []error
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w: %v", dir, iface.ErrIO, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Trainer) hyperparameters(cfg *config.Config) iface.Hyperparameters {
	return iface.Hyperparameters{
		BaseModel:    cfg.ModelName,
		Epochs:       cfg.Epochs,
		ImageSize:    cfg.ImageSize,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Project:      t.project,
		Name:         iface.RunName,
	}
}

// Params is the hyperparameter set recorded with a tracking session.
func Params(cfg *config.Config) map[string]string {
	return map[string]string{
		"dataset_url":    cfg.DatasetURL,
		"model_name":     cfg.ModelName,
		"epochs":         strconv.Itoa(cfg.Epochs),
		"image_size":     strconv.Itoa(cfg.ImageSize),
		"batch_size":     strconv.Itoa(cfg.BatchSize),
		"learning_rate":  strconv.FormatFloat(cfg.LearningRate, 'g', -1, 64),
		"export_formats": strings.Join(cfg.ExportFormats, ","),
		"engine":         cfg.Engine,
	}
}

// artifacts lists the saved model followed by exports in format order.
func artifacts(model string, exports map[string]string) []string {
	out := []string{model}
	for _, format := range sortedKeys(exports) {
		out = append(out, exports[format])
	}
	return out
}
