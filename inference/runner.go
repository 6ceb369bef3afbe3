// Package inference loads a trained model and turns engine predictions into
// DetectionResult records.
package inference

import (
	"context"
	"fmt"

	"bsort/config"
	iface "bsort/interface"
	"bsort/logger"
	"bsort/monitor"

	"go.uber.org/zap"
)

type Runner struct {
	engine iface.Engine
	mon    *monitor.Monitor
	log    *zap.Logger
}

type Option func(*Runner)

func WithMonitor(m *monitor.Monitor) Option {
	return func(r *Runner) { r.mon = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

func New(e iface.Engine, opts ...Option) *Runner {
	r := &Runner{engine: e}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.Or(r.log).Named("inference")
	return r
}

// Run loads cfg.InferModelPath and predicts on imagePath, a file or a directory
// of images, with the fixed confidence threshold.
func (r *Runner) Run(ctx context.Context, cfg *config.Config, imagePath string) ([]iface.DetectionResult, error) {
	results, err := r.run(ctx, cfg, imagePath)
	r.mon.Inference(err == nil)
	return results, err
}

func (r *Runner) run(ctx context.Context, cfg *config.Config, imagePath string) ([]iface.DetectionResult, error) {
	if err := r.Load(ctx, cfg); err != nil {
		return nil, err
	}
	return r.Predict(ctx, imagePath)
}

// Load hands cfg.InferModelPath to the engine.
func (r *Runner) Load(ctx context.Context, cfg *config.Config) error {
	if cfg == nil || cfg.InferModelPath == "" {
		return fmt.Errorf("no trained model configured for inference: %w", iface.ErrNotFound)
	}
	if err := r.engine.Load(ctx, cfg.InferModelPath); err != nil {
		return fmt.Errorf("load %s: %w", cfg.InferModelPath, err)
	}
	r.log.Info("model loaded", zap.String("path", cfg.InferModelPath))
	return nil
}

// Predict runs the already loaded model.
func (r *Runner) Predict(ctx context.Context, imagePath string) ([]iface.DetectionResult, error) {
	done := r.mon.Stage("predict")
	raw, err := r.engine.Predict(ctx, imagePath, iface.Confidence)
	done()
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", imagePath, err)
	}
	results := Normalize(raw)
	r.log.Info("inference finished", zap.String("source", imagePath), zap.Int("images", len(results)))
	return results, nil
}

// Normalize assigns image indices in engine order and 1-based object ids by position.
func Normalize(raw []iface.RawImage) []iface.DetectionResult {
	out := make([]iface.DetectionResult, 0, len(raw))
	for i, img := range raw {
		res := iface.DetectionResult{
			ImageIndex:    i,
			NumDetections: len(img.Boxes),
			Detections:    make([]iface.Detection, 0, len(img.Boxes)),
		}
		for j, b := range img.Boxes {
			res.Detections = append(res.Detections, iface.Detection{
				ObjectID:   j + 1,
				Class:      b.Class,
				Confidence: b.Conf,
				BBox:       b.Box,
			})
		}
		out = append(out, res)
	}
	return out
}
