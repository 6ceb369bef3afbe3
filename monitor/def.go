package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"bsort/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const SampleInterval = 500 * time.Millisecond

// Monitor owns a private registry. A nil *Monitor records nothing, so callers
// never need to check whether metrics are enabled.
type Monitor struct {
	registry  *prometheus.Registry
	memUsage  prometheus.Gauge
	cpuUsage  prometheus.Gauge
	exports   *prometheus.CounterVec
	training  *prometheus.GaugeVec
	stages    *prometheus.HistogramVec
	inference *prometheus.CounterVec
	proc      *process.Process
	log       *zap.Logger
}

func New(l *zap.Logger) *Monitor {
	if l == nil {
		l = logger.Named("monitor")
	}
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bsort_memory_usage_megabytes",
			Help: "Resident memory of bsort and its engine processes in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bsort_cpu_usage_percent",
			Help: "CPU usage of bsort and its engine processes in percent",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bsort_exports_total",
			Help: "Model export attempts by format and status",
		}, []string{"format", "status"}),
		training: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bsort_training_metric",
			Help: "Final metrics reported by the last training run",
		}, []string{"name"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bsort_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"stage"}),
		inference: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bsort_inference_requests_total",
			Help: "Inference requests by status",
		}, []string{"status"}),
		log: l,
	}
	m.registry.MustRegister(m.memUsage, m.cpuUsage, m.exports, m.training, m.stages, m.inference)
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	} else {
		m.log.Warn("process sampling disabled", zap.Error(err))
	}
	return m
}

func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Start serves /metrics on port and samples the process tree until ctx is done.
// It returns once the listener is shut down.
func (m *Monitor) Start(ctx context.Context, port int) {
	if m == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	m.log.Info("metrics server started", zap.Int("port", port))

	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
sample:
	for {
		select {
		case <-ctx.Done():
			break sample
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.log.Warn("metrics server shutdown", zap.Error(err))
	}
}

// CheckProcessInfo samples memory and CPU of this process and its children,
// which include the toolkit subprocess during training.
func (m *Monitor) CheckProcessInfo() {
	if m == nil || m.proc == nil {
		return
	}
	procs := []*process.Process{m.proc}
	if children, err := m.proc.Children(); err == nil {
		procs = append(procs, children...)
	}
	var rss uint64
	var cpu float64
	for _, p := range procs {
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			rss += mem.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			cpu += pct
		}
	}
	m.memUsage.Set(float64(rss / 1024 / 1024))
	m.cpuUsage.Set(math.Round(cpu*100) / 100)
}

func (m *Monitor) Export(format string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.exports.WithLabelValues(format, status).Inc()
}

func (m *Monitor) TrainingMetrics(metrics map[string]float64) {
	if m == nil {
		return
	}
	for k, v := range metrics {
		m.training.WithLabelValues(k).Set(v)
	}
}

// Stage returns a func that observes the elapsed time of stage when called.
func (m *Monitor) Stage(stage string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.stages.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (m *Monitor) Inference(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.inference.WithLabelValues(status).Inc()
}
