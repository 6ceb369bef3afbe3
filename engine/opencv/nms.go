package opencv

import (
	"image"

	iface "bsort/interface"

	"gocv.io/x/gocv"
)

// maxWH shifts each class into its own coordinate band so one NMSBoxes call
// never suppresses across classes.
const maxWH = 7680

// suppress runs class-aware non-maximum suppression. Kept boxes come back in
// descending score order as reported by OpenCV.
func suppress(boxes []iface.RawBox, conf, iou float32) []iface.RawBox {
	if len(boxes) == 0 {
		return boxes
	}
	rects := make([]image.Rectangle, len(boxes))
	scores := make([]float32, len(boxes))
	for i, b := range boxes {
		off := float32(b.Class * maxWH)
		rects[i] = image.Rect(
			int(b.Box.X1+off), int(b.Box.Y1+off),
			int(b.Box.X2+off), int(b.Box.Y2+off),
		)
		scores[i] = b.Conf
	}
	indices := make([]int, len(boxes))
	for i := range indices {
		indices[i] = -1
	}
	gocv.NMSBoxes(rects, scores, conf, iou, indices)

	kept := make([]iface.RawBox, 0, len(boxes))
	for _, idx := range indices {
		if idx >= 0 && idx < len(boxes) {
			kept = append(kept, boxes[idx])
		}
	}
	return kept
}
