// Package local mirrors stored artifacts into a second directory, for setups
// that replicate the output to a mounted volume instead of a bucket.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// Config captures the parameters for the local filesystem mirror.
type Config struct {
	// BaseDir is the root directory where mirrored files are written.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "local mirror", errors.New("base directory is required"))
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, crawler.NewError(crawler.KindConfiguration, "create mirror directory", mkErr)
		}
	case err != nil:
		return nil, crawler.NewError(crawler.KindConfiguration, "stat mirror directory", err)
	case !info.IsDir():
		return nil, crawler.NewError(crawler.KindConfiguration, "local mirror", fmt.Errorf("%s is not a directory", cfg.BaseDir))
	}

	scratch, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "mirror directory is not writable", err)
	}
	_ = scratch.Close()
	if err := os.Remove(scratch.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up scratch file: %w", err)
	}
	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutObject streams data into baseDir/name through a temp file and returns a
// file:// URI.
func (s *BlobStore) PutObject(_ context.Context, name string, _ string, data io.Reader) (uri string, err error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(s.baseDir, name)
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", crawler.NewError(crawler.KindFileIO, "create mirror parent", err)
	}
	tmp, err := os.CreateTemp(dir, ".mirror-*")
	if err != nil {
		return "", crawler.NewError(crawler.KindFileIO, "create mirror temp file", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, data); err != nil {
		return "", crawler.NewError(crawler.KindFileIO, "write mirror file", err)
	}
	if err = tmp.Close(); err != nil {
		return "", crawler.NewError(crawler.KindFileIO, "close mirror file", err)
	}
	if err = os.Rename(tmp.Name(), fullPath); err != nil {
		return "", crawler.NewError(crawler.KindFileIO, "rename mirror file", err)
	}
	return "file://" + fullPath, nil
}
