// Package dataset downloads dataset archives and unpacks them for training.
package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	iface "bsort/interface"
	"bsort/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ArchiveName is the file the download is written to inside the destination.
const ArchiveName = "dataset.zip"

type Fetcher struct {
	client *resty.Client
	log    *zap.Logger
}

type Option func(*Fetcher)

// WithClient replaces the default resty client.
func WithClient(c *resty.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.log = l }
}

// New builds a Fetcher whose client never retries and has no overall timeout.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{log: logger.Named("dataset")}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = resty.New().
			SetRetryCount(0).
			SetLogger(f.log.Sugar())
	}
	return f
}

// Fetch downloads url into destination/dataset.zip, extracts it into destination and
// returns the dataset root. The root is the archive's single top-level directory when
// there is exactly one, destination otherwise.
func (f *Fetcher) Fetch(ctx context.Context, url, destination string) (string, error) {
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w: %v", destination, iface.ErrIO, err)
	}
	archive := filepath.Join(destination, ArchiveName)

	f.log.Info("downloading dataset", zap.String("url", url), zap.String("archive", archive))
	resp, err := f.client.R().
		SetContext(ctx).
		SetOutput(archive).
		Get(url)
	if err != nil {
		return "", fmt.Errorf("download %s: %w: %v", url, iface.ErrIO, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("download %s: %w: server returned %s", url, iface.ErrIO, resp.Status())
	}
	if info, err := os.Stat(archive); err == nil {
		f.log.Info("dataset downloaded", zap.Int64("bytes", info.Size()), zap.Duration("took", resp.Time()))
	}

	top, err := Extract(archive, destination)
	if err != nil {
		return "", err
	}
	root := destination
	if len(top) == 1 && top[0].IsDir {
		root = filepath.Join(destination, top[0].Name)
	}
	f.log.Info("dataset extracted", zap.String("root", root), zap.Int("top_level_entries", len(top)))
	return root, nil
}
