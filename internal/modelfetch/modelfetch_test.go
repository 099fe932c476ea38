package modelfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var weights = []byte("onnx weights")

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func serveWeights(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(status)
		_, _ = w.Write(weights)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestEnsure(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sha      string
		wantErr  bool
		wantFile bool
	}{
		{"no checksum", http.StatusOK, "", false, true},
		{"matching checksum", http.StatusOK, digest(weights), false, true},
		{"uppercase checksum", http.StatusOK, "  " + strings.ToUpper(digest(weights)), false, true},
		{"mismatch", http.StatusOK, digest([]byte("other")), true, false},
		{"not found", http.StatusNotFound, "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := serveWeights(t, tt.status)
			dir := t.TempDir()
			path := filepath.Join(dir, "models", "yolo.onnx")

			err := New(5*time.Second, nil).Ensure(context.Background(), path, srv.URL, tt.sha)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Ensure() error = %v, wantErr %v", err, tt.wantErr)
			}

			data, readErr := os.ReadFile(path)
			if tt.wantFile && (readErr != nil || string(data) != string(weights)) {
				t.Errorf("model = %q, %v", data, readErr)
			}
			if !tt.wantFile && readErr == nil {
				t.Error("model installed after a failed download")
			}

			// No temp files are left behind.
			entries, _ := os.ReadDir(filepath.Dir(path))
			for _, e := range entries {
				if e.Name() != "yolo.onnx" {
					t.Errorf("leftover file %s", e.Name())
				}
			}
		})
	}
}

func TestEnsure_ExistingFileNotDownloaded(t *testing.T) {
	srv, hits := serveWeights(t, http.StatusOK)
	path := filepath.Join(t.TempDir(), "yolo.onnx")
	if err := os.WriteFile(path, weights, 0644); err != nil {
		t.Fatal(err)
	}

	f := New(5*time.Second, nil)
	if err := f.Ensure(context.Background(), path, srv.URL, ""); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("hits = %d, want 0", hits.Load())
	}

	err := f.Ensure(context.Background(), path, srv.URL, digest([]byte("other")))
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("Ensure() on a stale file error = %v, want ErrChecksum", err)
	}
}

func TestEnsure_MissingWithoutURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yolo.onnx")
	if err := New(time.Second, nil).Ensure(context.Background(), path, "", ""); err == nil {
		t.Error("expected error for a missing model without url")
	}
}

func TestEnsure_Cancelled(t *testing.T) {
	srv, _ := serveWeights(t, http.StatusOK)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(t.TempDir(), "yolo.onnx")
	if err := New(time.Second, nil).Ensure(ctx, path, srv.URL, ""); err == nil {
		t.Error("expected error for a cancelled context")
	}
}

