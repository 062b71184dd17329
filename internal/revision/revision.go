// Package revision implements one backup's metadata record: the
// revision info file, its trust lifecycle, and the schedule-tag
// filtering rule shared by the retention engine (spec §3, §4.3).
package revision

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"backy/internal/safefile"
)

// ManualTagPrefix marks a tag as user-owned: exempt from schedule
// expiry and from schedule validation.
const ManualTagPrefix = "manual:"

// Trust is a revision's verification state.
type Trust string

const (
	Trusted    Trust = "trusted"
	Distrusted Trust = "distrusted"
	Verified   Trust = "verified"
)

// Revision is one backup: its identity, lineage, tags and trust state.
// The chunk map itself lives alongside it on disk and is owned by
// internal/chunkfile, not by this type.
type Revision struct {
	UUID      string
	Timestamp time.Time
	Parent    string
	Stats     map[string]any
	Tags      map[string]struct{}
	Trust     Trust
	Server    string
	OrigTags  map[string]struct{}

	log *slog.Logger
}

// New creates a fresh, untagged revision with a new UUID and the
// current timestamp. Callers set Tags and Parent before materializing
// it (spec §4.3 Revision.create).
func New(log *slog.Logger) *Revision {
	return &Revision{
		UUID:      uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Stats:     map[string]any{"bytes_written": int64(0)},
		Tags:      make(map[string]struct{}),
		Trust:     Trusted,
		log:       log,
	}
}

// FilterScheduleTags returns the subset of tags that are schedule-
// owned, i.e. not manual:-prefixed.
func FilterScheduleTags(tags map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for t := range tags {
		if !strings.HasPrefix(t, ManualTagPrefix) {
			out[t] = struct{}{}
		}
	}
	return out
}

type infoFile struct {
	UUID      string         `yaml:"uuid"`
	Timestamp time.Time      `yaml:"timestamp"`
	Parent    string         `yaml:"parent"`
	Stats     map[string]any `yaml:"stats"`
	Tags      []string       `yaml:"tags"`
	Trust     string         `yaml:"trust"`
	Server    string         `yaml:"server,omitempty"`
	OrigTags  []string       `yaml:"orig_tags,omitempty"`
}

// InfoFilename is the metadata file path for a revision living at
// repoPath.
func InfoFilename(repoPath, id string) string {
	return filepath.Join(repoPath, id+".rev")
}

// Filename is the chunk map file path for a revision living at
// repoPath.
func Filename(repoPath, id string) string {
	return filepath.Join(repoPath, id)
}

// Load reads and parses a revision info file. Revisions written before
// trust tracking existed default to Trusted, matching the Python
// implementation's backward-compatibility behavior.
func Load(path string, log *slog.Logger) (*Revision, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("revision: read %s: %w", path, err)
	}
	var in infoFile
	if err := yaml.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("revision: parse %s: %w", path, err)
	}
	if in.Timestamp.Location() != time.UTC {
		in.Timestamp = in.Timestamp.UTC()
	}
	trust := Trust(in.Trust)
	if trust == "" {
		trust = Trusted
	}
	r := &Revision{
		UUID:      in.UUID,
		Timestamp: in.Timestamp,
		Parent:    in.Parent,
		Stats:     in.Stats,
		Tags:      toSet(in.Tags),
		Trust:     trust,
		Server:    in.Server,
		OrigTags:  toSet(in.OrigTags),
		log:       log,
	}
	if r.Stats == nil {
		r.Stats = map[string]any{}
	}
	return r, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, t := range items {
		out[t] = struct{}{}
	}
	return out
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// WriteInfo atomically (re)writes the revision's info file.
func (r *Revision) WriteInfo(repoPath string) error {
	if r.log != nil {
		r.log.Debug("writing-info", "uuid", r.UUID, "tags", strings.Join(fromSet(r.Tags), ", "))
	}
	out := infoFile{
		UUID:      r.UUID,
		Timestamp: r.Timestamp,
		Parent:    r.Parent,
		Stats:     r.Stats,
		Tags:      fromSet(r.Tags),
		Trust:     string(r.Trust),
		Server:    r.Server,
		OrigTags:  fromSet(r.OrigTags),
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("revision: marshal %s: %w", r.UUID, err)
	}
	return safefile.Write(InfoFilename(repoPath, r.UUID), data, false)
}

// Distrust marks the revision as untrustworthy, triggering the
// store's force-writes mode for the next backup (spec §4.2).
func (r *Revision) Distrust() {
	if r.log != nil {
		r.log.Info("distrusted", "uuid", r.UUID)
	}
	r.Trust = Distrusted
}

// Verify marks the revision as having passed a full verification pass.
func (r *Revision) Verify() {
	if r.log != nil {
		r.log.Info("verified", "uuid", r.UUID)
	}
	r.Trust = Verified
}

// Remove deletes every file in repoPath whose name starts with the
// revision's UUID: its info file and chunk map. Symlinks under other
// names that point at it are not removed.
func (r *Revision) Remove(repoPath string) error {
	if r.log != nil {
		r.log.Info("remove", "uuid", r.UUID)
	}
	matches, err := filepath.Glob(filepath.Join(repoPath, r.UUID+"*"))
	if err != nil {
		return fmt.Errorf("revision: glob %s: %w", r.UUID, err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("revision: remove %s: %w", m, err)
		}
	}
	return nil
}

// Writable clears the read-only protection bit on the revision's
// files so they can be edited (tags, trust).
func (r *Revision) Writable(repoPath string) error {
	return chmodExisting(repoPath, r.UUID, 0o640)
}

// Readonly re-applies the read-only protection bit once a revision's
// data is final.
func (r *Revision) Readonly(repoPath string) error {
	return chmodExisting(repoPath, r.UUID, 0o440)
}

func chmodExisting(repoPath, id string, mode os.FileMode) error {
	for _, name := range []string{Filename(repoPath, id), InfoFilename(repoPath, id)} {
		if _, err := os.Stat(name); err == nil {
			if err := os.Chmod(name, mode); err != nil {
				return fmt.Errorf("revision: chmod %s: %w", name, err)
			}
		}
	}
	return nil
}
