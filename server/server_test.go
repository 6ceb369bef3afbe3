package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"bsort/config"
	"bsort/inference"
	iface "bsort/interface"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockEngine struct {
	mu      sync.Mutex
	sources []string
	delay   time.Duration
}

func (m *mockEngine) Train(context.Context, string, iface.Hyperparameters) (map[string]float64, error) {
	return nil, iface.ErrUnsupported
}
func (m *mockEngine) Export(context.Context, string) (string, error) { return "", iface.ErrUnsupported }
func (m *mockEngine) Save(context.Context, string) error             { return iface.ErrUnsupported }
func (m *mockEngine) Load(context.Context, string) error             { return nil }

func (m *mockEngine) Predict(_ context.Context, source string, conf float32) ([]iface.RawImage, error) {
	if _, err := os.Stat(source); err != nil {
		return nil, iface.ErrNotFound
	}
	time.Sleep(m.delay)
	m.mu.Lock()
	m.sources = append(m.sources, source)
	m.mu.Unlock()
	return []iface.RawImage{{Source: source, Boxes: []iface.RawBox{
		{Class: 1, Conf: conf + 0.25, Box: iface.Box{X1: 1, Y1: 1, X2: 4, Y2: 4}},
	}}}, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func newTestServer(t *testing.T, idle time.Duration) (*Server, *mockEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.DatasetURL = "https://example.com/d.zip"
	eng := &mockEngine{}
	runner := inference.New(eng, inference.WithLogger(zap.NewNop()))
	s := New(&cfg, runner,
		WithLogger(zap.NewNop()),
		WithIdleTimeout(idle),
		WithTempDir(t.TempDir()),
	)
	return s, eng
}

func TestServer_Ping(t *testing.T) {
	s, _ := newTestServer(t, time.Second)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
}

func TestServer_Config(t *testing.T) {
	s, _ := newTestServer(t, time.Second)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://example.com/d.zip", body.Data["dataset_url"])
	assert.Equal(t, float64(320), body.Data["image_size"])
}

func upload(t *testing.T, s *Server, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/infer", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_InferUpload(t *testing.T) {
	s, eng := newTestServer(t, time.Second)

	rec := upload(t, s, "a.png", pngBytes(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data []iface.DetectionResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, 1, body.Data[0].NumDetections)
	assert.Equal(t, 1, body.Data[0].Detections[0].ObjectID)
	assert.Equal(t, float32(0.75), body.Data[0].Detections[0].Confidence)

	require.Len(t, eng.sources, 1)
	assert.True(t, strings.HasSuffix(eng.sources[0], ".png"))
	assert.NoFileExists(t, eng.sources[0])
}

func TestServer_InferUploadErrors(t *testing.T) {
	s, _ := newTestServer(t, time.Second)

	rec := upload(t, s, "notes.txt", []byte("plain text, not an image"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/infer", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/infer", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServer_Stream(t *testing.T) {
	s, _ := newTestServer(t, 5*time.Second)
	conn := dial(t, s)

	msg := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.NotEmpty(t, reply.SessionID)
	assert.Empty(t, reply.Error)
	require.Len(t, reply.Results, 1)
	assert.Equal(t, 1, reply.Results[0].NumDetections)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("%%%not base64")))
	var bad Reply
	require.NoError(t, conn.ReadJSON(&bad))
	assert.Equal(t, reply.SessionID, bad.SessionID)
	assert.Contains(t, bad.Error, iface.ErrFormat.Error())

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	var unsupported Reply
	require.NoError(t, conn.ReadJSON(&unsupported))
	assert.Equal(t, "unsupported message type", unsupported.Error)
}

func TestServer_StreamIdleTimeout(t *testing.T) {
	s, _ := newTestServer(t, 100*time.Millisecond)
	conn := dial(t, s)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())

	assert.Eventually(t, func() bool {
		s.sessionMu.RLock()
		defer s.sessionMu.RUnlock()
		return len(s.sessions) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServer_StreamSlowInferenceKeepsSession(t *testing.T) {
	s, eng := newTestServer(t, 100*time.Millisecond)
	eng.delay = 400 * time.Millisecond
	conn := dial(t, s)

	msg := base64.StdEncoding.EncodeToString(pngBytes(t))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Empty(t, reply.Error)
	assert.Len(t, reply.Results, 1)
}

func TestDecodeBase64Image(t *testing.T) {
	data, err := DecodeBase64Image("data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = DecodeBase64Image("aGVsbG8=\n")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = DecodeBase64Image("***")
	assert.ErrorIs(t, err, iface.ErrFormat)
}
