package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// videoExtensions are the container formats accepted for mounted and uploaded videos.
var videoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
	".mkv": true,
}

// IsVideoFile reports whether name has a recognised video extension.
func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// ListVideos returns the video files directly under dir, sorted by path.
// A missing directory yields an empty list.
func ListVideos(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("listing videos in %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsVideoFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// SaveUpload writes an uploaded video blob into dir and returns its path.
// The original file name is only used for its extension; each upload gets a
// unique name so concurrent uploads never clobber a file that is being read.
func SaveUpload(dir, name string, r io.Reader, maxBytes int64) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !videoExtensions[ext] {
		return "", fmt.Errorf("unsupported video type %q", ext)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "upload-*"+ext)
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = fmt.Errorf("upload exceeds %d bytes", maxBytes)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing upload: %w", err)
	}
	return f.Name(), nil
}

// CleanUploads removes upload blobs left in dir by an earlier process and
// returns how many were removed. Other files are left alone.
func CleanUploads(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "upload-*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if !IsVideoFile(m) {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing stale upload: %w", err)
		}
		removed++
	}
	return removed, nil
}
