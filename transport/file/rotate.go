package file

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// RotateConfig controls size-based rotation.
type RotateConfig struct {
	// Path is the active file (required).
	Path string

	// MaxBytes rotates the file before a write would take it past this
	// size. Zero disables rotation.
	MaxBytes int64

	// MaxBackups is the number of rotated files kept as Path.1 … Path.N,
	// newest first. Zero keeps one backup.
	MaxBackups int
}

// RotatingFile is an io.WriteCloser that rotates its file by size. It is safe
// for concurrent use, so one RotatingFile can back several Sink routes.
type RotatingFile struct {
	mu     sync.Mutex
	cfg    RotateConfig
	f      *os.File
	size   int64
	logger *slog.Logger
}

// OpenRotating opens cfg.Path for appending, creating it and its directory
// when missing.
func OpenRotating(cfg RotateConfig, logger *slog.Logger) (*RotatingFile, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("transport/file: rotate: path is required")
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("transport/file: rotate: mkdir: %w", err)
	}
	rf := &RotatingFile{cfg: cfg, logger: logger}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write appends p, rotating first when p would not fit. A record is never
// split across two files.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.f == nil {
		return 0, os.ErrClosed
	}
	if rf.cfg.MaxBytes > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.cfg.MaxBytes {
		if err := rf.rotate(); err != nil {
			// Keep appending to the current file.
			rf.logger.Error("transport/file: rotate failed", "file", rf.cfg.Path, "error", err.Error())
		}
	}
	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the active file. Later writes fail with os.ErrClosed.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f == nil {
		return nil
	}
	err := rf.f.Close()
	rf.f = nil
	return err
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transport/file: rotate: open %s: %w", rf.cfg.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("transport/file: rotate: stat %s: %w", rf.cfg.Path, err)
	}
	rf.f = f
	rf.size = info.Size()
	return nil
}

// rotate shifts Path.i to Path.i+1, drops the oldest backup, moves the active
// file to Path.1 and reopens Path. If the active file cannot be moved the
// old file is reopened.
func (rf *RotatingFile) rotate() error {
	if err := rf.f.Close(); err != nil {
		rf.logger.Warn("transport/file: close before rotate failed", "file", rf.cfg.Path, "error", err.Error())
	}
	rf.f = nil

	backup := func(i int) string { return fmt.Sprintf("%s.%d", rf.cfg.Path, i) }

	_ = os.Remove(backup(rf.cfg.MaxBackups))
	for i := rf.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(backup(i), backup(i+1))
	}
	renameErr := os.Rename(rf.cfg.Path, backup(1))

	if err := rf.open(); err != nil {
		return err
	}
	if renameErr != nil {
		return fmt.Errorf("transport/file: rotate: %w", renameErr)
	}
	rf.logger.Info("transport/file: rotated", "file", rf.cfg.Path, "backups", rf.cfg.MaxBackups)
	return nil
}
