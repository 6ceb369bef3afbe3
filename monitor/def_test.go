package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitor_Records(t *testing.T) {
	m := New(zap.NewNop())

	m.Export("onnx", true)
	m.Export("onnx", true)
	m.Export("coreml", false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.exports.WithLabelValues("onnx", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exports.WithLabelValues("coreml", "failure")))

	m.TrainingMetrics(map[string]float64{"metrics/mAP50(B)": 0.75})
	assert.Equal(t, 0.75, testutil.ToFloat64(m.training.WithLabelValues("metrics/mAP50(B)")))

	m.Inference(true)
	m.Inference(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inference.WithLabelValues("failure")))

	done := m.Stage("train")
	done()
	assert.Equal(t, 1, testutil.CollectAndCount(m.stages, "bsort_stage_duration_seconds"))

	m.CheckProcessInfo()
	assert.Greater(t, testutil.ToFloat64(m.memUsage), 0.0)
}

func TestMonitor_Handler(t *testing.T) {
	m := New(zap.NewNop())
	m.Export("onnx", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `bsort_exports_total{format="onnx",status="success"} 1`))
}

func TestMonitor_NilSafe(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.Export("onnx", false)
		m.TrainingMetrics(map[string]float64{"a": 1})
		m.Inference(true)
		m.Stage("fetch")()
		m.CheckProcessInfo()
		assert.Nil(t, m.Registry())
	})
}
