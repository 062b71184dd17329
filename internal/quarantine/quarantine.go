// Package quarantine records verification byte-mismatches: the
// immutable problem reports a repository accumulates when a restored
// or verified chunk doesn't match its source (spec §3, §7).
package quarantine

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"backy/internal/logging"
	"backy/internal/safefile"
)

// Report is one verification mismatch, captured with enough context
// (both byte buffers plus a stack trace) to diagnose after the fact.
type Report struct {
	UUID         string
	SourceChunk  []byte
	SourceHash   string
	TargetChunk  []byte
	TargetHash   string
	Offset       int64
	Timestamp    time.Time
	StackContext string
}

// NewReport builds a Report from the mismatching buffers at offset,
// capturing the current goroutine's call stack for diagnostics.
func NewReport(sourceChunk, targetChunk []byte, offset int64) *Report {
	return &Report{
		UUID:         uuid.NewString(),
		SourceChunk:  sourceChunk,
		SourceHash:   md5Hex(sourceChunk),
		TargetChunk:  targetChunk,
		TargetHash:   md5Hex(targetChunk),
		Offset:       offset,
		Timestamp:    time.Now().UTC(),
		StackContext: captureStack(),
	}
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return strings.TrimSpace(string(buf[:n]))
}

type reportYAML struct {
	UUID       string    `yaml:"uuid"`
	SourceHash string    `yaml:"source_hash"`
	TargetHash string    `yaml:"target_hash"`
	Offset     int64     `yaml:"offset"`
	Timestamp  time.Time `yaml:"timestamp"`
	Traceback  string    `yaml:"traceback"`
}

func (r *Report) toYAML() reportYAML {
	return reportYAML{
		UUID:       r.UUID,
		SourceHash: r.SourceHash,
		TargetHash: r.TargetHash,
		Offset:     r.Offset,
		Timestamp:  r.Timestamp,
		Traceback:  r.StackContext,
	}
}

// Store owns a repository's quarantine directory: report and chunk
// persistence (spec §6 on-disk layout `<repo>/quarantine/`).
type Store struct {
	path       string
	chunksPath string
	log        *slog.Logger
	reportIDs  []string
}

// Open creates (if necessary) and scans the quarantine store at
// <repoPath>/quarantine.
func Open(repoPath string, log *slog.Logger) (*Store, error) {
	log = logging.Default(log).With("subsystem", "quarantine")
	path := filepath.Join(repoPath, "quarantine")
	chunksPath := filepath.Join(path, "chunks")
	if err := os.MkdirAll(chunksPath, 0o750); err != nil {
		return nil, fmt.Errorf("quarantine: create %s: %w", chunksPath, err)
	}
	s := &Store{path: path, chunksPath: chunksPath, log: log}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) scan() error {
	matches, err := filepath.Glob(filepath.Join(s.path, "*.report"))
	if err != nil {
		return fmt.Errorf("quarantine: glob reports: %w", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, filepath.Base(m))
	}
	s.reportIDs = ids
	s.log.Debug("scan", "entries", len(ids))
	return nil
}

// ReportIDs lists the known report file names.
func (s *Store) ReportIDs() []string { return s.reportIDs }

// AddReport persists both buffers and the report record, then tracks
// the new report's id.
func (s *Store) AddReport(r *Report) error {
	s.log.Info("add-report", "uuid", r.UUID)
	if err := s.storeChunk(r.SourceChunk, r.SourceHash); err != nil {
		return err
	}
	if err := s.storeChunk(r.TargetChunk, r.TargetHash); err != nil {
		return err
	}
	if err := s.storeReport(r); err != nil {
		return err
	}
	s.reportIDs = append(s.reportIDs, r.UUID+".report")
	return nil
}

func (s *Store) storeReport(r *Report) error {
	path := filepath.Join(s.path, r.UUID+".report")
	if _, err := os.Stat(path); err == nil {
		s.log.Debug("store-report-exists", "uuid", r.UUID)
		return nil
	}
	data, err := yaml.Marshal(r.toYAML())
	if err != nil {
		return fmt.Errorf("quarantine: marshal report %s: %w", r.UUID, err)
	}
	return safefile.Write(path, data, false)
}

func (s *Store) storeChunk(chunk []byte, hash string) error {
	path := filepath.Join(s.chunksPath, hash)
	if _, err := os.Stat(path); err == nil {
		s.log.Debug("store-chunk-exists", "hash", hash)
		return nil
	}
	return safefile.Write(path, chunk, false)
}
