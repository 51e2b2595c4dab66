package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"lexpipe/internal/safeio"
)

// Reader iterates one parsed record per line, resuming from a checkpoint's
// byte offset. Malformed lines are logged, counted and skipped. A stale
// checkpoint (offset beyond the file size) is reset to zero before reading,
// which covers input files replaced between runs.
type Reader struct {
	f         *os.File
	br        *bufio.Reader
	offset    int64
	malformed int64
	read      int64
	done      bool
	log       *zap.Logger
}

// OpenReader opens path under fs and seeks to cp.ByteOffset. cp may be nil
// for a from-scratch read. When the offset is stale the whole checkpoint is
// reset, counters included.
func OpenReader(fs *safeio.SafeFS, path string, cp *Checkpoint, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := fs.SafeOpen(path)
	if err != nil {
		return nil, fmt.Errorf("ndjson: open %s: %w", path, err)
	}
	var offset int64
	if cp != nil {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("ndjson: stat %s: %w", path, err)
		}
		if cp.ByteOffset > info.Size() {
			logger.Warn("stale checkpoint reset",
				zap.String("file", path),
				zap.Int64("checkpoint_offset", cp.ByteOffset),
				zap.Int64("file_size", info.Size()))
			cp.Reset()
		}
		offset = cp.ByteOffset
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("ndjson: seek %s: %w", path, err)
		}
	}
	return &Reader{f: f, br: bufio.NewReader(f), offset: offset, log: logger}, nil
}

// Next parses the next line into v. It returns false when the input is
// exhausted. A final line without a trailing newline is yielded only if it
// parses; a torn tail from a killed writer is skipped.
func (r *Reader) Next(v any) (bool, error) {
	for {
		if r.done {
			return false, nil
		}
		line, err := r.br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("ndjson: read: %w", err)
		}
		atEOF := errors.Is(err, io.EOF)
		if atEOF {
			r.done = true
		}
		if len(bytes.TrimSpace(line)) == 0 {
			r.offset += int64(len(line))
			if atEOF {
				return false, nil
			}
			continue
		}
		if uerr := json.Unmarshal(line, v); uerr != nil {
			r.malformed++
			if atEOF {
				// Torn tail; do not advance past it so a resumed run
				// re-reads whatever the writer completes later.
				r.log.Warn("skipping torn final line", zap.Int("bytes", len(line)))
				return false, nil
			}
			r.offset += int64(len(line))
			r.log.Warn("skipping malformed line",
				zap.Int64("offset", r.offset),
				zap.Error(uerr))
			continue
		}
		r.offset += int64(len(line))
		r.read++
		return true, nil
	}
}

// Offset is the byte position just past the last successfully parsed line.
// Stages store it into their checkpoint after the downstream commit.
func (r *Reader) Offset() int64 { return r.offset }

// Read is the number of records yielded so far.
func (r *Reader) Read() int64 { return r.read }

// Malformed is the number of lines skipped as unparseable.
func (r *Reader) Malformed() int64 { return r.malformed }

func (r *Reader) Close() error { return r.f.Close() }
