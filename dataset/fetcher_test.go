package dataset

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	iface "bsort/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serve(t *testing.T, status int, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher() *Fetcher {
	return New(WithLogger(zap.NewNop()))
}

func TestFetch_SingleTopLevelDirectory(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"foo/data.yaml":          "names: [bottle]\n",
		"foo/train/images/a.jpg": "jpg",
	})
	srv := serve(t, http.StatusOK, archive)
	dest := filepath.Join(t.TempDir(), "nested", "data")

	root, err := newFetcher().Fetch(context.Background(), srv.URL+"/d.zip", dest)
	require.NoError(t, err)

	assert.Equal(t, "foo", filepath.Base(root))
	assert.FileExists(t, filepath.Join(root, "data.yaml"))
	assert.FileExists(t, filepath.Join(root, "train", "images", "a.jpg"))
	assert.FileExists(t, filepath.Join(dest, ArchiveName))
}

func TestFetch_FilesAtRoot(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"data.yaml":        "names: [bottle]\n",
		"train/labels/a.t": "0 0.5 0.5 0.1 0.1",
	})
	srv := serve(t, http.StatusOK, archive)
	dest := t.TempDir()

	root, err := newFetcher().Fetch(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, root)
	assert.FileExists(t, filepath.Join(dest, "data.yaml"))
}

func TestFetch_SingleFileAtRootIsNotARoot(t *testing.T) {
	srv := serve(t, http.StatusOK, buildZip(t, map[string]string{"data.yaml": "x"}))
	dest := t.TempDir()

	root, err := newFetcher().Fetch(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, root)
}

func TestFetch_RefetchOverwrites(t *testing.T) {
	dest := t.TempDir()
	first := serve(t, http.StatusOK, buildZip(t, map[string]string{"ds/data.yaml": "v1"}))
	second := serve(t, http.StatusOK, buildZip(t, map[string]string{"ds/data.yaml": "v2"}))

	f := newFetcher()
	_, err := f.Fetch(context.Background(), first.URL, dest)
	require.NoError(t, err)
	root, err := f.Fetch(context.Background(), second.URL, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "data.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestFetch_Errors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		srv := serve(t, http.StatusNotFound, []byte("missing"))
		_, err := newFetcher().Fetch(context.Background(), srv.URL, t.TempDir())
		assert.ErrorIs(t, err, iface.ErrIO)
	})

	t.Run("server error is not retried", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)
		_, err := newFetcher().Fetch(context.Background(), srv.URL, t.TempDir())
		assert.ErrorIs(t, err, iface.ErrIO)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := serve(t, http.StatusOK, nil)
		url := srv.URL
		srv.Close()
		_, err := newFetcher().Fetch(context.Background(), url, t.TempDir())
		assert.ErrorIs(t, err, iface.ErrIO)
	})

	t.Run("corrupt archive", func(t *testing.T) {
		srv := serve(t, http.StatusOK, []byte("this is not a zip file"))
		_, err := newFetcher().Fetch(context.Background(), srv.URL, t.TempDir())
		assert.ErrorIs(t, err, iface.ErrFormat)
	})

	t.Run("entry escaping destination", func(t *testing.T) {
		srv := serve(t, http.StatusOK, buildZip(t, map[string]string{"../evil.txt": "x"}))
		dest := filepath.Join(t.TempDir(), "data")
		_, err := newFetcher().Fetch(context.Background(), srv.URL, dest)
		assert.ErrorIs(t, err, iface.ErrFormat)
		assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil.txt"))
	})
}

func TestExtract_TopLevelEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(archive, buildZip(t, map[string]string{
		"b/x.txt":   "x",
		"a.txt":     "a",
		"b/c/y.txt": "y",
	}), 0o644))

	entries, err := Extract(archive, filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "a.txt"}, {Name: "b", IsDir: true}}, entries)
}
