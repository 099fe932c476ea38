package capture

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jetvision/agent/internal/config"
)

func TestOpen_MissingFile(t *testing.T) {
	o := NewOpener(nil)
	_, err := o.Open(context.Background(), config.StreamConfig{
		Source: config.SourceMountedFile,
		Path:   filepath.Join(t.TempDir(), "absent.mp4"),
	})
	if err == nil {
		t.Fatal("expected error opening a missing file")
	}
}

func TestOpen_UnknownSource(t *testing.T) {
	o := NewOpener(nil)
	_, err := o.Open(context.Background(), config.StreamConfig{Source: "webcam"})
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("Open() error = %v, want ErrInvalid", err)
	}
}

func TestOpen_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOpener(nil)
	_, err := o.Open(ctx, config.StreamConfig{Source: config.SourceMountedFile, Path: "/videos/a.mp4"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Open() error = %v, want context.Canceled", err)
	}
}

func TestOpen_NegativeDevice(t *testing.T) {
	o := NewOpener(nil)
	_, err := o.Open(context.Background(), config.StreamConfig{Source: config.SourceDevice, Device: -1})
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("Open() error = %v, want ErrInvalid", err)
	}
}
