package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"slices"
	"strings"

	iface "bsort/interface"

	"gopkg.in/yaml.v3"
)

const (
	EngineUltralytics = "ultralytics"
	EngineOpenCV      = "opencv"
)

// Keys lists the accepted top-level keys in declaration order.
var Keys = []string{
	"dataset_url",
	"dataset_path",
	"image_size",
	"epochs",
	"batch_size",
	"learning_rate",
	"model_name",
	"model_path",
	"infer_model_path",
	"export_formats",
	"engine",
	"engine_command",
	"metrics_port",
	"tracking",
}

// RequiredKeys must be present in every config file.
var RequiredKeys = []string{"dataset_url"}

// TrainingKeys must be present in a raw mapping handed to ValidateMapping, which
// checks a mapping is complete enough to train without relying on defaults.
var TrainingKeys = []string{"dataset_url", "epochs", "batch_size", "learning_rate"}

// Tracking configures the optional experiment-tracking server.
type Tracking struct {
	Enabled      bool   `yaml:"enabled"`
	URI          string `yaml:"uri"`
	ExperimentID string `yaml:"experiment_id"`
	RunName      string `yaml:"run_name"`
}

// Config is built once per invocation and treated as read-only afterwards.
type Config struct {
	DatasetURL     string   `yaml:"dataset_url"`
	DatasetPath    string   `yaml:"dataset_path"`
	ImageSize      int      `yaml:"image_size"`
	Epochs         int      `yaml:"epochs"`
	BatchSize      int      `yaml:"batch_size"`
	LearningRate   float64  `yaml:"learning_rate"`
	ModelName      string   `yaml:"model_name"`
	ModelPath      string   `yaml:"model_path"`
	InferModelPath string   `yaml:"infer_model_path"`
	ExportFormats  []string `yaml:"export_formats"`
	Engine         string   `yaml:"engine"`
	EngineCommand  string   `yaml:"engine_command"`
	MetricsPort    int      `yaml:"metrics_port"`
	Tracking       Tracking `yaml:"tracking"`
}

func DefaultExportFormats() []string {
	return []string{"onnx", "torchscript"}
}

// Default returns a Config holding every default; DatasetURL is left empty.
func Default() Config {
	return Config{
		DatasetPath:    "data",
		ImageSize:      320,
		Epochs:         100,
		BatchSize:      16,
		LearningRate:   0.01,
		ModelName:      "yolo11n.pt",
		ModelPath:      "bsort_custom_model.pt",
		InferModelPath: "bsort_custom_model.pt",
		ExportFormats:  DefaultExportFormats(),
		Engine:         EngineUltralytics,
		EngineCommand:  "yolo",
		Tracking: Tracking{
			ExperimentID: "0",
			RunName:      iface.RunName,
		},
	}
}

// FromSource reads and validates the YAML file at path.
func FromSource(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, iface.ErrNotFound)
		}
		return nil, fmt.Errorf("read config %s: %w: %v", path, iface.ErrIO, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document strictly against the declared field set.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", iface.ErrParse, err)
	}
	if err := checkMapping(raw, RequiredKeys); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", iface.ErrParse, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateMapping reports missing TrainingKeys and unknown keys of a raw mapping.
func ValidateMapping(m map[string]any) error {
	return checkMapping(m, TrainingKeys)
}

func checkMapping(m map[string]any, required []string) error {
	var errs []error
	for _, key := range required {
		if _, ok := m[key]; !ok {
			errs = append(errs, fmt.Errorf("%w: missing required field %q", iface.ErrParse, key))
		}
	}
	unknown := make([]string, 0)
	for key := range m {
		if !slices.Contains(Keys, key) {
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	for _, key := range unknown {
		errs = append(errs, fmt.Errorf("%w: unknown field %q", iface.ErrParse, key))
	}
	return errors.Join(errs...)
}

// applyDefaults fills fields whose explicit value means "use the default".
func (c *Config) applyDefaults() {
	if len(c.ExportFormats) == 0 {
		c.ExportFormats = DefaultExportFormats()
	}
	if c.Tracking.ExperimentID == "" {
		c.Tracking.ExperimentID = "0"
	}
	if c.Tracking.RunName == "" {
		c.Tracking.RunName = iface.RunName
	}
}

func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{iface.ErrParse}, args...)...))
	}
	if strings.TrimSpace(c.DatasetURL) == "" {
		fail("dataset_url must not be empty")
	}
	if strings.TrimSpace(c.DatasetPath) == "" {
		fail("dataset_path must not be empty")
	}
	if c.ImageSize <= 0 {
		fail("image_size must be > 0, got %d", c.ImageSize)
	}
	if c.Epochs <= 0 {
		fail("epochs must be > 0, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		fail("batch_size must be > 0, got %d", c.BatchSize)
	}
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		fail("learning_rate must be a finite number > 0, got %g", c.LearningRate)
	}
	if strings.TrimSpace(c.ModelName) == "" {
		fail("model_name must not be empty")
	}
	for i, f := range c.ExportFormats {
		if strings.TrimSpace(f) == "" {
			fail("export_formats[%d] must not be empty", i)
		}
	}
	switch c.Engine {
	case EngineUltralytics:
		if strings.TrimSpace(c.EngineCommand) == "" {
			fail("engine_command must not be empty for engine %q", c.Engine)
		}
	case EngineOpenCV:
	default:
		fail("engine must be %q or %q, got %q", EngineUltralytics, EngineOpenCV, c.Engine)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		fail("metrics_port must be between 0 and 65535, got %d", c.MetricsPort)
	}
	if c.Tracking.Enabled && strings.TrimSpace(c.Tracking.URI) == "" {
		fail("tracking.uri is required when tracking is enabled")
	}
	return errors.Join(errs...)
}

// ToMapping returns every field keyed by its YAML name.
func (c *Config) ToMapping() map[string]any {
	return map[string]any{
		"dataset_url":      c.DatasetURL,
		"dataset_path":     c.DatasetPath,
		"image_size":       c.ImageSize,
		"epochs":           c.Epochs,
		"batch_size":       c.BatchSize,
		"learning_rate":    c.LearningRate,
		"model_name":       c.ModelName,
		"model_path":       c.ModelPath,
		"infer_model_path": c.InferModelPath,
		"export_formats":   slices.Clone(c.ExportFormats),
		"engine":           c.Engine,
		"engine_command":   c.EngineCommand,
		"metrics_port":     c.MetricsPort,
		"tracking": map[string]any{
			"enabled":       c.Tracking.Enabled,
			"uri":           c.Tracking.URI,
			"experiment_id": c.Tracking.ExperimentID,
			"run_name":      c.Tracking.RunName,
		},
	}
}
