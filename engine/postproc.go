package engine

import (
	"fmt"

	iface "bsort/interface"
)

// DefaultIoU is the overlap above which a lower-scored box of the same class is
// suppressed.
const DefaultIoU = 0.45

// DecodeYOLO reads a detection head output of shape [1, 4+classes, anchors], stored
// channel-major (cx, cy, w, h rows first, then one row per class score). Boxes are
// scaled from network input pixels to image pixels by scaleX/scaleY.
func DecodeYOLO(data []float32, dims []int, conf, scaleX, scaleY float32) ([]iface.RawBox, error) {
	if len(dims) != 3 || dims[0] != 1 || dims[1] < 5 || dims[2] <= 0 {
		return nil, fmt.Errorf("output shape %v: %w", dims, iface.ErrFormat)
	}
	channels, anchors := dims[1], dims[2]
	if len(data) < channels*anchors {
		return nil, fmt.Errorf("output has %d values, shape %v needs %d: %w", len(data), dims, channels*anchors, iface.ErrFormat)
	}

	boxes := make([]iface.RawBox, 0)
	for i := 0; i < anchors; i++ {
		class, score := -1, float32(0)
		for c := 4; c < channels; c++ {
			if v := data[c*anchors+i]; v > score {
				class, score = c-4, v
			}
		}
		if class < 0 || score < conf {
			continue
		}
		cx, cy := data[i], data[anchors+i]
		w, h := data[2*anchors+i], data[3*anchors+i]
		boxes = append(boxes, iface.RawBox{
			Class: class,
			Conf:  score,
			Box: iface.Box{
				X1: (cx - w/2) * scaleX,
				Y1: (cy - h/2) * scaleY,
				X2: (cx + w/2) * scaleX,
				Y2: (cy + h/2) * scaleY,
			},
		})
	}
	return boxes, nil
}

// ClampBox limits b to the image rectangle and restores X1<=X2, Y1<=Y2.
func ClampBox(b iface.Box, width, height int) iface.Box {
	w, h := float32(width), float32(height)
	clamp := func(v, hi float32) float32 { return min(max(v, 0), hi) }
	b.X1, b.X2 = clamp(b.X1, w), clamp(b.X2, w)
	b.Y1, b.Y2 = clamp(b.Y1, h), clamp(b.Y2, h)
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}
