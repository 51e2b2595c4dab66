package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"lexpipe/internal/safeio"
)

// Writer appends one JSON object per line. Every Write flushes the buffered
// layer, so a process kill leaves the file at a line boundary. The file is
// never truncated; resume is append-only.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	enc    *json.Encoder
	lines  int64
	closed bool
}

// OpenWriter opens (creating if needed) path under fs for appending.
func OpenWriter(fs *safeio.SafeFS, path string) (*Writer, error) {
	f, err := fs.SafeOpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	if err != nil {
		return nil, fmt.Errorf("ndjson: open %s: %w", path, err)
	}
	return NewWriter(f), nil
}

// NewWriter wraps an already opened append-mode file.
func NewWriter(f *os.File) *Writer {
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &Writer{f: f, bw: bw, enc: enc}
}

// Write serialises v as one line and flushes it.
func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("ndjson: write on closed writer")
	}
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("ndjson: encode: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("ndjson: flush: %w", err)
	}
	w.lines++
	return nil
}

// Sync forces written lines to stable storage. Stages call it before
// advancing their checkpoint.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Lines is the number of records written through this writer.
func (w *Writer) Lines() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Close flushes and closes the file. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}
