package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestListVideos(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.mp4", "a.MKV", "notes.txt", "c.avi", "d.mov"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.mp4"), 0o750); err != nil {
		t.Fatal(err)
	}

	files, err := ListVideos(dir)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"a.MKV", "b.mp4", "c.avi", "d.mov"}
	if len(files) != len(want) {
		t.Fatalf("ListVideos() = %v, want %d files", files, len(want))
	}
	for i, name := range want {
		if files[i] != filepath.Join(dir, name) {
			t.Errorf("files[%d] = %q, want %q", i, files[i], name)
		}
	}
}

func TestListVideos_MissingDir(t *testing.T) {
	files, err := ListVideos(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("expected empty list, got %v", files)
	}
}

func TestSaveUpload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")

	path, err := SaveUpload(dir, "clip.MP4", strings.NewReader("video-bytes"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("upload saved to %q, want under %q", path, dir)
	}
	if filepath.Ext(path) != ".mp4" {
		t.Errorf("extension = %q, want .mp4", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "video-bytes" {
		t.Errorf("content = %q", data)
	}
}

func TestSaveUpload_RejectsUnknownType(t *testing.T) {
	if _, err := SaveUpload(t.TempDir(), "payload.sh", strings.NewReader("#!"), 0); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestSaveUpload_EnforcesLimit(t *testing.T) {
	dir := t.TempDir()
	if _, err := SaveUpload(dir, "big.mkv", strings.NewReader("0123456789"), 4); err == nil {
		t.Fatal("expected error for oversized upload")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("oversized upload left %d files behind", len(entries))
	}
}

func TestCleanUploads(t *testing.T) {
	dir := t.TempDir()
	stale, err := SaveUpload(dir, "clip.mp4", strings.NewReader("x"), 0)
	if err != nil {
		t.Fatal(err)
	}
	keep := []string{"notes.txt", "holiday.mp4", "upload-readme.txt"}
	for _, name := range keep {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := CleanUploads(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale upload still present")
	}
	for _, name := range keep {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s removed: %v", name, err)
		}
	}

	if n, err := CleanUploads(filepath.Join(dir, "missing")); err != nil || n != 0 {
		t.Errorf("CleanUploads(missing) = %d, %v", n, err)
	}
}
