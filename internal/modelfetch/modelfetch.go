// Package modelfetch downloads detector weights on first start. A download
// lands in a temporary file next to the target, is verified against the
// configured SHA-256 checksum when one is set, and is then renamed into place.
package modelfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const userAgent = "jetvision-modelfetch"

// ErrChecksum is returned when downloaded weights do not match the expected digest.
var ErrChecksum = errors.New("checksum mismatch")

// Fetcher downloads model files over HTTP.
type Fetcher struct {
	client *http.Client
	logger *zap.Logger
}

// New creates a Fetcher with the given overall download timeout.
func New(timeout time.Duration, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("modelfetch"),
	}
}

// Ensure makes sure path exists. When it is missing and url is set the file
// is downloaded. An existing file is never re-downloaded, but it is checked
// against sha256 when one is given.
func (f *Fetcher) Ensure(ctx context.Context, path, url, sha string) error {
	sha = strings.ToLower(strings.TrimSpace(sha))

	if _, err := os.Stat(path); err == nil {
		if sha == "" {
			return nil
		}
		return verify(path, sha)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat model: %w", err)
	}

	if url == "" {
		return fmt.Errorf("model %s not found and no download url configured", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	f.logger.Info("Downloading model", zap.String("url", url), zap.String("path", path))
	start := time.Now()

	n, err := f.download(ctx, url, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("download model: %w", err)
	}
	if sha != "" {
		if err := verify(tmpPath, sha); err != nil {
			os.Remove(tmpPath)
			return err
		}
		f.logger.Info("Checksum verified", zap.String("sha256", sha))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("install model: %w", err)
	}

	f.logger.Info("Model downloaded",
		zap.String("path", path),
		zap.Int64("bytes", n),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (f *Fetcher) download(ctx context.Context, url, destPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func verify(path, want string) error {
	got, err := fileChecksum(path)
	if err != nil {
		return fmt.Errorf("compute checksum: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksum, want, got)
	}
	return nil
}

// fileChecksum computes the SHA-256 checksum of a file.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
