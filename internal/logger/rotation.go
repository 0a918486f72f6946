package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RotatingWriter appends to a log file and rotates it by size, optionally
// compressing and expiring rotated files.
type RotatingWriter struct {
	filename    string
	maxSize     int64
	maxAge      int
	compress    bool
	currentFile *os.File
	currentSize int64
}

// NewRotatingWriter opens (or creates) the log file for appending.
func NewRotatingWriter(filename string, maxSizeMB, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	w := &RotatingWriter{
		filename:    filename,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxAge:      maxAge,
		compress:    compress,
		currentFile: file,
		currentSize: info.Size(),
	}

	go w.expireOldFiles()

	return w, nil
}

// Write appends to the log file, rotating first when the size limit would
// be exceeded.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	if w.maxSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the current log file.
func (w *RotatingWriter) Close() error {
	if w.currentFile != nil {
		return w.currentFile.Close()
	}
	return nil
}

func (w *RotatingWriter) rotate() error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", w.filename, time.Now().Format("20060102-150405"))
	if err := os.Rename(w.filename, rotated); err != nil {
		return err
	}

	if w.compress {
		go w.compressFile(rotated)
	}

	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w.currentFile = file
	w.currentSize = 0
	return nil
}

func (w *RotatingWriter) compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	defer gzw.Close()

	if _, err := io.Copy(gzw, src); err != nil {
		return err
	}
	return os.Remove(filename)
}

func (w *RotatingWriter) expireOldFiles() {
	if w.maxAge <= 0 {
		return
	}

	files, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(file)
		if !strings.HasSuffix(file, ".gz") {
			os.Remove(file + ".gz")
		}
	}
}
