// Size based log file rotation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	Filename string `yaml:"filename"`

	// MaxSize is the size in kilobytes at which the file is rotated. Default 1024.
	MaxSize int `yaml:"max_size_kb"`

	// MaxBackups is the number of rotated files kept as name.1 .. name.N. Default 3.
	MaxBackups int `yaml:"max_backups"`
}

// RotatingFileWriter is an io.Writer that shifts the file to numbered
// backups once it grows past the configured size.
type RotatingFileWriter struct {
	mu       sync.Mutex
	cfg      RotationConfig
	maxBytes int64
	size     int64
	file     *os.File
}

// NewRotatingFileWriter opens (or appends to) cfg.Filename.
func NewRotatingFileWriter(cfg RotationConfig) (*RotatingFileWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1024
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	w := &RotatingFileWriter{cfg: cfg, maxBytes: int64(cfg.MaxSize) * 1024}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.Filename), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func backupName(name string, n int) string {
	return fmt.Sprintf("%s.%d", name, n)
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	name := w.cfg.Filename
	os.Remove(backupName(name, w.cfg.MaxBackups))
	for i := w.cfg.MaxBackups - 1; i >= 1; i-- {
		src := backupName(name, i)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, backupName(name, i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(name, backupName(name, 1)); err != nil {
		return err
	}
	return w.open()
}

// Close closes the current file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
