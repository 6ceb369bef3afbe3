package iface

import "context"

// Fixed inference and run-naming parameters shared by the engines.
const (
	Confidence  = 0.5
	ProjectName = "bsort-training"
	RunName     = "run"
	Manifest    = "data.yaml"
)

// Box is an axis-aligned bounding box in pixel coordinates, X1<=X2 and Y1<=Y2.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// RawBox is a single prediction as reported by an engine.
type RawBox struct {
	Class int
	Conf  float32
	Box   Box
}

// RawImage holds the predictions an engine produced for one image, in engine order.
type RawImage struct {
	Source string
	Boxes  []RawBox
}

type Detection struct {
	ObjectID   int     `json:"object_id"`
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	BBox       Box     `json:"bbox"`
}

// DetectionResult is the normalized per-image inference record.
type DetectionResult struct {
	ImageIndex    int         `json:"image_index"`
	NumDetections int         `json:"num_detections"`
	Detections    []Detection `json:"detections"`
}

type TrainingOutcome struct {
	Success     bool               `json:"success"`
	ModelPath   string             `json:"model_path"`
	ExportPaths map[string]string  `json:"export_paths"`
	Metrics     map[string]float64 `json:"metrics"`
}

type Hyperparameters struct {
	BaseModel    string
	Epochs       int
	ImageSize    int
	BatchSize    int
	LearningRate float64
	Project      string
	Name         string
}

// Engine is the boundary to the external model toolkit. Implementations keep the
// currently trained or loaded model as state between calls.
type Engine interface {
	Train(ctx context.Context, manifest string, hp Hyperparameters) (map[string]float64, error)
	Export(ctx context.Context, format string) (string, error)
	Save(ctx context.Context, path string) error
	Load(ctx context.Context, path string) error
	Predict(ctx context.Context, source string, conf float32) ([]RawImage, error)
}

type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

// Tracker opens experiment-tracking sessions, one per training run.
type Tracker interface {
	Start(ctx context.Context, runName string, params map[string]string) (Session, error)
}

// Session is an open tracking run. Close must be called exactly once on every path;
// implementations tolerate repeated calls.
type Session interface {
	LogMetrics(ctx context.Context, metrics map[string]float64) error
	LogArtifact(ctx context.Context, path string) error
	Close(ctx context.Context, status RunStatus) error
}
