// Package ndjson provides the resumable NDJSON reader/writer pair and the
// per-stage checkpoint store the pipeline is built on.
package ndjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"lexpipe/internal/safeio"
)

// Checkpoint is the persisted resume state of one stage. The byte offset
// invariant: if ByteOffset is N, the stage's output contains exactly the
// records produced from input bytes < N, flushed before N was written.
type Checkpoint struct {
	ByteOffset   int64    `json:"byte_offset"`
	Inserted     int64    `json:"inserted"`
	Updated      int64    `json:"updated"`
	Skipped      int64    `json:"skipped"`
	Errors       int64    `json:"errors"`
	Jurisdiction string   `json:"jurisdiction,omitempty"`
	ProcessedIDs []string `json:"processed_ids,omitempty"`

	processed map[string]struct{}
}

// Reset zeroes the checkpoint. Used when the recorded offset no longer fits
// the input file (the file was replaced).
func (c *Checkpoint) Reset() {
	*c = Checkpoint{Jurisdiction: c.Jurisdiction}
}

// Total is the number of input records that reached a decision.
func (c *Checkpoint) Total() int64 {
	return c.Inserted + c.Updated + c.Skipped + c.Errors
}

// MarkProcessed records an id for stages whose unit of resume is the record
// id rather than the byte offset.
func (c *Checkpoint) MarkProcessed(id string) {
	if c.processed == nil {
		c.buildIndex()
	}
	if _, ok := c.processed[id]; ok {
		return
	}
	c.processed[id] = struct{}{}
	c.ProcessedIDs = append(c.ProcessedIDs, id)
}

// Processed reports whether an id was already handled in a previous run.
func (c *Checkpoint) Processed(id string) bool {
	if c.processed == nil {
		c.buildIndex()
	}
	_, ok := c.processed[id]
	return ok
}

func (c *Checkpoint) buildIndex() {
	c.processed = make(map[string]struct{}, len(c.ProcessedIDs))
	for _, id := range c.ProcessedIDs {
		c.processed[id] = struct{}{}
	}
}

// normalize sorts ProcessedIDs so saved checkpoints are stable.
func (c *Checkpoint) normalize() {
	if len(c.ProcessedIDs) > 1 {
		sort.Strings(c.ProcessedIDs)
	}
}

// Store persists checkpoints, one JSON file per stage, under
// <root>/checkpoints/.
type Store struct {
	fs  *safeio.SafeFS
	log *zap.Logger
}

func NewStore(fs *safeio.SafeFS, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{fs: fs, log: logger}
}

func (s *Store) path(stage string) string {
	return filepath.Join("checkpoints", stage+".json")
}

// Load returns the stage's checkpoint, or a zero checkpoint when none was
// saved yet.
func (s *Store) Load(stage string) (*Checkpoint, error) {
	raw, err := s.fs.SafeReadFile(s.path(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return &Checkpoint{}, nil
		}
		return nil, fmt.Errorf("checkpoint %s: %w", stage, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s: decode: %w", stage, err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically. Callers invoke it only after the
// downstream batch is durable, never before.
func (s *Store) Save(stage string, cp *Checkpoint) error {
	cp.normalize()
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint %s: encode: %w", stage, err)
	}
	if err := s.fs.SafeWriteFileAtomic(s.path(stage), raw); err != nil {
		return fmt.Errorf("checkpoint %s: write: %w", stage, err)
	}
	s.log.Debug("checkpoint saved",
		zap.String("stage", stage),
		zap.Int64("byte_offset", cp.ByteOffset),
		zap.Int64("total", cp.Total()))
	return nil
}

// Reset removes the stage's checkpoint file.
func (s *Store) Reset(stage string) error {
	return s.fs.SafeRemove(s.path(stage))
}
