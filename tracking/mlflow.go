// Package tracking records training runs on an MLflow-compatible tracking server.
package tracking

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	iface "bsort/interface"
	"bsort/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	createRunPath  = "/api/2.0/mlflow/runs/create"
	logBatchPath   = "/api/2.0/mlflow/runs/log-batch"
	updateRunPath  = "/api/2.0/mlflow/runs/update"
	artifactPrefix = "/api/2.0/mlflow-artifacts/artifacts"
	TimeOutSeconds = 30
)

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type createRunRequest struct {
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	StartTime    int64  `json:"start_time"`
	Tags         []tag  `json:"tags,omitempty"`
}

type createRunResponse struct {
	Run struct {
		Info struct {
			RunID        string `json:"run_id"`
			ExperimentID string `json:"experiment_id"`
			ArtifactURI  string `json:"artifact_uri"`
		} `json:"info"`
	} `json:"run"`
}

type logBatchRequest struct {
	RunID   string   `json:"run_id"`
	Metrics []metric `json:"metrics,omitempty"`
	Params  []tag    `json:"params,omitempty"`
}

type updateRunRequest struct {
	RunID   string          `json:"run_id"`
	Status  iface.RunStatus `json:"status"`
	EndTime int64           `json:"end_time"`
}

// MLflow opens runs on the server at its base URI.
type MLflow struct {
	client       *resty.Client
	experimentID string
	log          *zap.Logger
}

func NewMLflow(uri, experimentID string, l *zap.Logger) *MLflow {
	if l == nil {
		l = logger.Named("tracking")
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(uri, "/")).
		SetTimeout(TimeOutSeconds * time.Second).
		SetRetryCount(0).
		SetLogger(l.Sugar())
	return &MLflow{client: client, experimentID: experimentID, log: l}
}

func (m *MLflow) Start(ctx context.Context, runName string, params map[string]string) (iface.Session, error) {
	var created createRunResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(createRunRequest{
			ExperimentID: m.experimentID,
			RunName:      runName,
			StartTime:    time.Now().UnixMilli(),
			Tags: []tag{
				{Key: "mlflow.runName", Value: runName},
				{Key: "bsort.session", Value: uuid.NewString()},
			},
		}).
		SetResult(&created).
		Post(createRunPath)
	if err := checkResponse("create run", resp, err); err != nil {
		return nil, err
	}
	if created.Run.Info.RunID == "" {
		return nil, fmt.Errorf("create run: %w: response has no run_id", iface.ErrFormat)
	}

	s := &session{
		client:       m.client,
		runID:        created.Run.Info.RunID,
		experimentID: firstNonEmpty(created.Run.Info.ExperimentID, m.experimentID),
		log:          m.log.With(zap.String("run_id", created.Run.Info.RunID)),
	}
	s.log.Info("tracking session started", zap.String("run_name", runName))
	if len(params) > 0 {
		if err := s.logBatch(ctx, logBatchRequest{RunID: s.runID, Params: sortedParams(params)}); err != nil {
			_ = s.Close(ctx, iface.RunStatusFailed)
			return nil, err
		}
	}
	return s, nil
}

type session struct {
	client       *resty.Client
	runID        string
	experimentID string
	log          *zap.Logger
	step         int64
	closeOnce    sync.Once
	closeErr     error
}

func (s *session) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := logBatchRequest{RunID: s.runID}
	for _, k := range keys {
		batch.Metrics = append(batch.Metrics, metric{Key: MetricKey(k), Value: metrics[k], Timestamp: now, Step: s.step})
	}
	s.step++
	return s.logBatch(ctx, batch)
}

func (s *session) logBatch(ctx context.Context, batch logBatchRequest) error {
	resp, err := s.client.R().SetContext(ctx).SetBody(batch).Post(logBatchPath)
	return checkResponse("log batch", resp, err)
}

// LogArtifact uploads a file, or every file below a directory, under the run.
func (s *session) LogArtifact(ctx context.Context, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", p, iface.ErrNotFound)
	}
	if !info.IsDir() {
		return s.upload(ctx, p, filepath.Base(p))
	}
	root := filepath.Base(p)
	return filepath.WalkDir(p, func(file string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(p, file)
		if err != nil {
			return err
		}
		return s.upload(ctx, file, path.Join(root, filepath.ToSlash(rel)))
	})
}

func (s *session) upload(ctx context.Context, file, name string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	url := fmt.Sprintf("%s/%s/%s/artifacts/%s", artifactPrefix, s.experimentID, s.runID, name)
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(f).
		Put(url)
	if err := checkResponse("upload "+name, resp, err); err != nil {
		return err
	}
	s.log.Info("artifact uploaded", zap.String("artifact", name))
	return nil
}

// Close marks the run terminated. Only the first call talks to the server.
func (s *session) Close(ctx context.Context, status iface.RunStatus) error {
	s.closeOnce.Do(func() {
		resp, err := s.client.R().
			SetContext(context.WithoutCancel(ctx)).
			SetBody(updateRunRequest{RunID: s.runID, Status: status, EndTime: time.Now().UnixMilli()}).
			Post(updateRunPath)
		s.closeErr = checkResponse("update run", resp, err)
		s.log.Info("tracking session closed", zap.String("status", string(status)), zap.Error(s.closeErr))
	})
	return s.closeErr
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, iface.ErrIO, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %w: server returned %s: %s", op, iface.ErrIO, resp.Status(), resp.String())
	}
	return nil
}

var invalidKeyChars = regexp.MustCompile(`[^A-Za-z0-9_\-./ ]`)

// MetricKey drops characters the tracking server rejects, e.g. "metrics/mAP50(B)"
// becomes "metrics/mAP50B".
func MetricKey(k string) string {
	return invalidKeyChars.ReplaceAllString(k, "")
}

func sortedParams(params map[string]string) []tag {
	out := make([]tag, 0, len(params))
	for k, v := range params {
		out = append(out, tag{Key: MetricKey(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
