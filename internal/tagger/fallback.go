package tagger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"purpletrace/internal/schema"
)

// FallbackStore is the durable local write path used when the backend is
// unreachable or the breaker is open. There is no further tier below it: a
// failed fallback write is fatal to that tag call.
type FallbackStore struct {
	dir            string
	diskWarningGB  float64
	diskCriticalGB float64
	logger         *slog.Logger
}

// NewFallbackStore creates a fallback store rooted at dir. The directory is
// created on demand at write time.
func NewFallbackStore(dir string, diskWarningGB, diskCriticalGB float64, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		dir:            dir,
		diskWarningGB:  diskWarningGB,
		diskCriticalGB: diskCriticalGB,
		logger:         logger,
	}
}

// Dir returns the fallback directory.
func (s *FallbackStore) Dir() string {
	return s.dir
}

// Persist writes one sanitized document as pretty-printed JSON and returns
// the file path. A critically low disk is logged at the highest severity but
// the write is still attempted; the filename combines a timestamp with the
// first 8 characters of the operation id, which is unique enough at normal
// tagging cadence.
func (s *FallbackStore) Persist(doc *schema.TagDocument, now time.Time) (string, error) {
	if free, err := s.freeDiskGB(); err != nil {
		s.logger.Warn("could not check disk space", "dir", s.dir, "error", err)
	} else if free < s.diskCriticalGB {
		s.logger.Error("disk space critical, attempting fallback write anyway",
			"free_gb", fmt.Sprintf("%.1f", free), "critical_gb", s.diskCriticalGB)
	} else if free < s.diskWarningGB {
		s.logger.Warn("disk space low",
			"free_gb", fmt.Sprintf("%.1f", free), "warning_gb", s.diskWarningGB)
	}

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create fallback dir: %w", err)
	}

	name := fallbackFilename(doc, now)
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode fallback document: %w", err)
	}

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write fallback file: %w", err)
	}

	s.logger.Warn("fallback log written", "file", name)
	return path, nil
}

// fallbackFilename builds fallback_{ts}_{id8}.json, with a link marker for
// step documents.
func fallbackFilename(doc *schema.TagDocument, now time.Time) string {
	kind := "fallback"
	if doc.Link != nil {
		kind = "fallback_link"
	}
	id := doc.OperationID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s_%s.json", kind, now.UTC().Format("20060102_150405"), id)
}

// freeDiskGB reports free space on the fallback directory's filesystem,
// walking up to the nearest existing parent when the directory has not been
// created yet.
func (s *FallbackStore) freeDiskGB() (float64, error) {
	dir := s.dir
	for {
		var stat syscall.Statfs_t
		err := syscall.Statfs(dir, &stat)
		if err == nil {
			return float64(stat.Bavail) * float64(stat.Bsize) / (1 << 30), nil
		}
		parent := filepath.Dir(dir)
		if !os.IsNotExist(err) || parent == dir {
			return 0, err
		}
		dir = parent
	}
}
