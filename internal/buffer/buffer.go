// Package buffer is a file-based spool for sink messages that could not be
// delivered. Entries persist across restarts; the oldest are dropped once the
// spool reaches its size limit.
package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const ext = ".msgpack"

// Entry is one spooled message.
type Entry struct {
	Topic    string    `msgpack:"topic"`
	Payload  []byte    `msgpack:"payload"`
	StoredAt time.Time `msgpack:"stored_at"`
}

// Buffer stores each entry as a separate timestamped file in dir.
type Buffer struct {
	dir       string
	maxSizeMB int
	logger    *zap.Logger
	mu        sync.Mutex
	seq       uint64
}

// New creates a new file-based buffer at the given directory path.
// The directory is created if it does not exist.
func New(dir string, maxSizeMB int, logger *zap.Logger) (*Buffer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	return &Buffer{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		logger:    logger.Named("buffer"),
	}, nil
}

// Store spools payload for topic. If the buffer exceeds the configured size
// limit, the oldest entry is dropped first.
func (b *Buffer) Store(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentSizeMB() >= b.maxSizeMB {
		b.logger.Warn("Buffer full, dropping oldest entry")
		b.dropOldest()
	}

	now := time.Now().UTC()
	data, err := msgpack.Marshal(&Entry{Topic: topic, Payload: payload, StoredAt: now})
	if err != nil {
		return err
	}

	// The sequence keeps names unique and ordered within one timestamp.
	b.seq++
	name := fmt.Sprintf("%s-%08d%s", now.Format("20060102T150405.000000000"), b.seq%100000000, ext)
	return os.WriteFile(filepath.Join(b.dir, name), data, 0640)
}

// RetrieveAll reads all spooled entries and removes their files. Corrupted
// files are removed and logged. Entries come back in chronological order.
func (b *Buffer) RetrieveAll() ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ext {
			continue
		}

		path := filepath.Join(b.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("Failed to read buffer file",
				zap.String("file", path),
				zap.Error(err))
			continue
		}

		var e Entry
		if err := msgpack.Unmarshal(data, &e); err != nil {
			b.logger.Warn("Failed to parse buffer file, removing corrupted file",
				zap.String("file", path),
				zap.Error(err))
			os.Remove(path)
			continue
		}

		out = append(out, e)
		os.Remove(path)
	}

	return out, nil
}

// Count returns the number of spooled entries.
func (b *Buffer) Count() int {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ext {
			count++
		}
	}
	return count
}

// currentSizeMB returns the total size of all buffer files in megabytes.
// Must be called with b.mu held.
func (b *Buffer) currentSizeMB() int {
	var totalSize int64
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil {
			totalSize += info.Size()
		}
	}
	return int(totalSize / (1024 * 1024))
}

// dropOldest removes the oldest buffer file to free space.
// Must be called with b.mu held.
func (b *Buffer) dropOldest() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ext {
			path := filepath.Join(b.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				b.logger.Warn("Failed to remove oldest buffer file",
					zap.String("file", path),
					zap.Error(err))
			}
			return
		}
	}
}
