package engine

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	iface "bsort/interface"

	"github.com/disintegration/imaging"
)

// ReadResultsCSV returns the numeric columns of the last epoch row of a training
// results.csv, keyed by trimmed column name.
func ReadResultsCSV(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("results %s: %w: %v", path, iface.ErrFormat, err)
	}
	var last []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("results %s: %w: %v", path, iface.ErrFormat, err)
		}
		if len(rec) > 0 && strings.TrimSpace(strings.Join(rec, "")) != "" {
			last = rec
		}
	}

	metrics := make(map[string]float64)
	for i, name := range header {
		if i >= len(last) {
			break
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(last[i]), 64)
		if err != nil {
			continue
		}
		metrics[strings.TrimSpace(name)] = v
	}
	return metrics, nil
}

// ReadLabels converts a prediction label file ("cls cx cy w h conf", normalized) to
// pixel boxes clamped to the image. A missing file means no detections.
func ReadLabels(path string, width, height int) ([]iface.RawBox, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []iface.RawBox{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	boxes := make([]iface.RawBox, 0)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 6 {
			return nil, fmt.Errorf("%s:%d: %w: want 6 fields, got %d", path, line, iface.ErrFormat, len(fields))
		}
		vals := make([]float64, 6)
		for i := range vals {
			vals[i], err = strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w: %v", path, line, iface.ErrFormat, err)
			}
		}
		w, h := float64(width), float64(height)
		cx, cy, bw, bh := vals[1]*w, vals[2]*h, vals[3]*w, vals[4]*h
		boxes = append(boxes, iface.RawBox{
			Class: int(vals[0]),
			Conf:  float32(vals[5]),
			Box: ClampBox(iface.Box{
				X1: float32(cx - bw/2),
				Y1: float32(cy - bh/2),
				X2: float32(cx + bw/2),
				Y2: float32(cy + bh/2),
			}, width, height),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return boxes, nil
}

// imageSize decodes the image the way the toolkit does, honouring EXIF orientation.
func imageSize(path string) (int, int, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, fmt.Errorf("image %s: %w: %v", path, iface.ErrFormat, err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}
