package opencv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	iface "bsort/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDetector_WithoutModel(t *testing.T) {
	d := New(320, zap.NewNop())
	ctx := context.Background()

	t.Run("Load missing", func(t *testing.T) {
		err := d.Load(ctx, filepath.Join(t.TempDir(), "best.onnx"))
		assert.ErrorIs(t, err, iface.ErrNotFound)
	})

	t.Run("Load non onnx", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "best.pt")
		require.NoError(t, os.WriteFile(path, []byte("w"), 0o644))
		assert.ErrorIs(t, d.Load(ctx, path), iface.ErrUnsupported)
	})

	t.Run("Predict before load", func(t *testing.T) {
		_, err := d.Predict(ctx, "img.jpg", iface.Confidence)
		assert.ErrorIs(t, err, iface.ErrNotFound)
	})

	t.Run("Unsupported capabilities", func(t *testing.T) {
		_, err := d.Train(ctx, "data.yaml", iface.Hyperparameters{})
		assert.ErrorIs(t, err, iface.ErrUnsupported)
		_, err = d.Export(ctx, "torchscript")
		assert.ErrorIs(t, err, iface.ErrUnsupported)
		assert.ErrorIs(t, d.Save(ctx, filepath.Join(t.TempDir(), "m.onnx")), iface.ErrNotFound)
	})

	t.Run("Destroy", func(t *testing.T) {
		d.Destroy()
		assert.Equal(t, "", d.ModelPath)
		assert.False(t, d.loaded)
	})
}

func TestSuppress(t *testing.T) {
	boxes := []iface.RawBox{
		{Class: 0, Conf: 0.6, Box: iface.Box{X1: 1, Y1: 1, X2: 11, Y2: 11}},
		{Class: 0, Conf: 0.9, Box: iface.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		{Class: 1, Conf: 0.7, Box: iface.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		{Class: 0, Conf: 0.8, Box: iface.Box{X1: 50, Y1: 50, X2: 60, Y2: 60}},
	}

	kept := suppress(boxes, iface.Confidence, 0.45)
	require.Len(t, kept, 3)
	assert.InDelta(t, 0.9, kept[0].Conf, 1e-6)
	assert.InDelta(t, 0.8, kept[1].Conf, 1e-6)
	assert.Equal(t, 1, kept[2].Class)
	assert.Equal(t, kept, suppress(boxes, iface.Confidence, 0.45))

	assert.Empty(t, suppress(nil, iface.Confidence, 0.45))
}
