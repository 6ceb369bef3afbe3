package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"

	"bsort/config"
	"bsort/engine"
	"bsort/engine/opencv"
	"bsort/inference"
	iface "bsort/interface"
	"bsort/logger"
	"bsort/monitor"
	"bsort/server"
	"bsort/tracking"
	"bsort/trainer"

	"go.uber.org/zap"
)

const usage = `bsort - object detection training and inference

Usage:
  bsort train --config <path> [--debug]
  bsort infer --config <path> --image <path> [--debug]
  bsort serve --config <path> [--addr :8080] [--debug]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	logger.Sync()
	os.Exit(code)
}

// run dispatches one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 1
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config YAML file")
	fs.StringVar(configPath, "c", "", "shorthand for --config")
	debug := fs.Bool("debug", false, "console logging at debug level")
	var image, addr *string
	switch cmd {
	case "train":
	case "infer":
		image = fs.String("image", "", "image file or directory for inference")
		fs.StringVar(image, "i", "", "shorthand for --image")
	case "serve":
		addr = fs.String("addr", ":8080", "listen address")
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 1
	}
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(stderr, "--config is required")
		return 1
	}
	if image != nil && *image == "" {
		fmt.Fprintln(stderr, "--image is required")
		return 1
	}

	if err := logger.Init(*debug); err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return 1
	}
	log := logger.Log()
	log.Debug("starting", zap.String("command", cmd), zap.Int("cpus", runtime.NumCPU()))

	cfg, err := config.FromSource(*configPath)
	if err != nil {
		return fail(stderr, log, err)
	}

	eng, release := newEngine(cfg)
	defer release()

	var mon *monitor.Monitor
	if cfg.MetricsPort > 0 {
		mon = monitor.New(nil)
		monCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			mon.Start(monCtx, cfg.MetricsPort)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	switch cmd {
	case "train":
		fmt.Fprintln(stdout, "Starting training process...")
		outcome, err := trainer.New(eng, trainer.WithMonitor(mon)).Run(ctx, cfg, newTracker(cfg))
		if err != nil {
			return fail(stderr, log, err)
		}
		PrintTraining(stdout, cfg.ExportFormats, outcome)
	case "infer":
		fmt.Fprintln(stdout, "Running inference...")
		results, err := inference.New(eng, inference.WithMonitor(mon)).Run(ctx, cfg, *image)
		if err != nil {
			return fail(stderr, log, err)
		}
		PrintDetections(stdout, results)
	case "serve":
		runner := inference.New(eng, inference.WithMonitor(mon))
		if err := runner.Load(ctx, cfg); err != nil {
			return fail(stderr, log, err)
		}
		if err := server.New(cfg, runner, server.WithMonitor(mon)).Run(ctx, *addr); err != nil {
			return fail(stderr, log, err)
		}
	}
	return 0
}

func fail(stderr io.Writer, log *zap.Logger, err error) int {
	log.Error("command failed", zap.Error(err))
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// newEngine selects the engine named in cfg. The returned func frees native resources.
func newEngine(cfg *config.Config) (iface.Engine, func()) {
	if cfg.Engine == config.EngineOpenCV {
		d := opencv.New(cfg.ImageSize, nil)
		return d, d.Destroy
	}
	return engine.NewYolo(cfg.EngineCommand, engine.WithImageSize(cfg.ImageSize)), func() {}
}

// newTracker returns nil when tracking is off.
func newTracker(cfg *config.Config) iface.Tracker {
	if !cfg.Tracking.Enabled {
		return nil
	}
	return tracking.NewMLflow(cfg.Tracking.URI, cfg.Tracking.ExperimentID, nil)
}

// PrintTraining reports each configured export format, the saved model and the
// final metrics.
func PrintTraining(w io.Writer, formats []string, outcome *iface.TrainingOutcome) {
	for _, format := range formats {
		if p, ok := outcome.ExportPaths[format]; ok {
			fmt.Fprintf(w, "✓ Model exported to %s format: %s\n", strings.ToUpper(format), p)
		} else {
			fmt.Fprintf(w, "✗ Failed to export to %s\n", format)
		}
	}
	fmt.Fprintf(w, "✓ Model saved: %s\n", outcome.ModelPath)
	if len(outcome.Metrics) == 0 {
		return
	}
	fmt.Fprintln(w, "Metrics:")
	for _, name := range slices.Sorted(maps.Keys(outcome.Metrics)) {
		fmt.Fprintf(w, "  %s: %.4f\n", name, outcome.Metrics[name])
	}
}

func PrintDetections(w io.Writer, results []iface.DetectionResult) {
	for _, res := range results {
		fmt.Fprintf(w, "Image %d:\n", res.ImageIndex+1)
		fmt.Fprintf(w, "  Detected %d objects\n", res.NumDetections)
		for _, d := range res.Detections {
			fmt.Fprintf(w, "    Object %d: Class %d, Confidence: %.4f\n", d.ObjectID, d.Class, d.Confidence)
		}
	}
}
