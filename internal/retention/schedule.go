// Package retention implements the schedule-driven retention engine:
// the next-backup decision with catch-up semantics, and the expiry
// sweep that reaps tags and revisions the schedule no longer wants
// (spec §4.4).
package retention

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"backy/internal/revision"
)

const (
	minute = time.Minute
	hour   = time.Hour
	day    = 24 * hour
	week   = 7 * day
)

// ParseDuration parses the schedule config's duration shorthand: a
// trailing w/d/h/m/s unit suffix, or a bare integer number of seconds.
func ParseDuration(spec string) (time.Duration, error) {
	if spec == "" {
		return 0, fmt.Errorf("retention: empty duration")
	}
	unit := spec[len(spec)-1]
	var mult time.Duration
	numeric := spec
	switch unit {
	case 'w':
		mult, numeric = week, spec[:len(spec)-1]
	case 'd':
		mult, numeric = day, spec[:len(spec)-1]
	case 'h':
		mult, numeric = hour, spec[:len(spec)-1]
	case 'm':
		mult, numeric = minute, spec[:len(spec)-1]
	case 's':
		mult, numeric = time.Second, spec[:len(spec)-1]
	default:
		mult, numeric = time.Second, spec
	}
	n, err := strconv.Atoi(numeric)
	if err != nil {
		return 0, fmt.Errorf("retention: invalid duration %q: %w", spec, err)
	}
	return time.Duration(n) * mult, nil
}

// TagRule is one schedule entry: how often a tag's backup should
// recur, and how many tagged revisions to retain.
type TagRule struct {
	Interval time.Duration
	Keep     int
}

// Schedule maps tag name to its retention rule.
type Schedule struct {
	Tags map[string]TagRule
}

// Configure builds a Schedule from the raw config map (tag ->
// {interval, keep}), as loaded from a repository's YAML config.
func Configure(raw map[string]struct {
	Interval string
	Keep     int
}) (*Schedule, error) {
	s := &Schedule{Tags: make(map[string]TagRule, len(raw))}
	for tag, spec := range raw {
		d, err := ParseDuration(spec.Interval)
		if err != nil {
			return nil, err
		}
		s.Tags[tag] = TagRule{Interval: d, Keep: spec.Keep}
	}
	return s, nil
}

// epoch mirrors the Python implementation's min_date() reference
// point: all interval alignment is computed relative to it so that
// next_in_interval is deterministic across process restarts.
var epoch = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

// NextInInterval aligns relative to the next interval boundary offset
// by spread (reduced modulo interval so a large spread can't skip a
// whole interval).
func NextInInterval(relative time.Time, interval time.Duration, spread time.Duration) time.Time {
	spread = spread % interval
	// The span back to epoch is beyond time.Duration's range, so the
	// alignment is computed in nanoseconds with arbitrary precision.
	rel := new(big.Int).Mul(big.NewInt(relative.Unix()-epoch.Unix()), big.NewInt(int64(time.Second)))
	rel.Add(rel, big.NewInt(int64(relative.Nanosecond())-int64(spread)))
	next := new(big.Int).Div(rel, big.NewInt(int64(interval)))
	next.Add(next, big.NewInt(1))
	next.Mul(next, big.NewInt(int64(interval)))
	next.Add(next, big.NewInt(int64(spread)))
	sec, nsec := new(big.Int).DivMod(next, big.NewInt(int64(time.Second)), new(big.Int))
	return time.Unix(epoch.Unix()+sec.Int64(), nsec.Int64()).UTC()
}

// Repository is the view of a repository the retention engine needs;
// satisfied by *backy/internal/repo.Repository.
type Repository interface {
	Scan() error
	FindRevisions(spec string) ([]*revision.Revision, error)
	History() []*revision.Revision
	LastByTag() map[string]time.Time
	Path() string
}

// Next computes the next backup time and tag set for a job, given a
// reference time and its per-job spread (spec §4.4).
func (s *Schedule) Next(relative time.Time, spread time.Duration, repo Repository) (time.Time, map[string]struct{}) {
	idealTime, idealTags := s.nextIdeal(relative, spread)
	missed := s.missed(repo)
	tags := unionInto(idealTags, missed)

	chosenTime := idealTime
	chosenTags := tags
	if len(missed) > 0 && len(repo.History()) > 0 {
		gracePeriod := 5 * time.Minute
		if idealTime.After(time.Now().Add(gracePeriod)) {
			chosenTime = time.Now()
			chosenTags = missed
		}
	}
	return chosenTime, chosenTags
}

func (s *Schedule) nextIdeal(relative time.Time, spread time.Duration) (time.Time, map[string]struct{}) {
	nextTimes := make(map[time.Time]map[string]struct{})
	var earliest time.Time
	for tag, rule := range s.Tags {
		t := NextInInterval(relative, rule.Interval, spread)
		if _, ok := nextTimes[t]; !ok {
			nextTimes[t] = make(map[string]struct{})
		}
		nextTimes[t][tag] = struct{}{}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest, nextTimes[earliest]
}

func (s *Schedule) missed(repo Repository) map[string]struct{} {
	now := time.Now()
	missing := make(map[string]struct{}, len(s.Tags))
	for tag := range s.Tags {
		missing[tag] = struct{}{}
	}
	for tag, last := range repo.LastByTag() {
		rule, ok := s.Tags[tag]
		if !ok {
			continue
		}
		if last.After(now.Add(-rule.Interval)) {
			delete(missing, tag)
		}
	}
	return missing
}

func unionInto(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for t := range a {
		out[t] = struct{}{}
	}
	for t := range b {
		out[t] = struct{}{}
	}
	return out
}

// Expire removes old revisions according to the schedule, returning
// the revisions it removed (spec §4.4).
func (s *Schedule) Expire(repo Repository) ([]*revision.Revision, error) {
	if err := repo.Scan(); err != nil {
		return nil, err
	}

	// Phase 1: strip schedule tags that have aged out of their keep window.
	for tag, rule := range s.Tags {
		revs, err := repo.FindRevisions("tag:" + tag)
		if err != nil {
			return nil, err
		}
		if len(revs) < rule.Keep {
			continue
		}
		keepThreshold := time.Now().Add(-time.Duration(rule.Keep) * rule.Interval)
		for _, old := range revs[:len(revs)-rule.Keep] {
			if !old.Timestamp.Before(keepThreshold) {
				continue
			}
			delete(old.Tags, tag)
			if err := old.WriteInfo(repo.Path()); err != nil {
				return nil, err
			}
		}
	}

	// Phase 2: strip any schedule-origin tag the current schedule no
	// longer knows about.
	for _, rev := range repo.History() {
		expired := revision.FilterScheduleTags(rev.Tags)
		changed := false
		for tag := range expired {
			if _, ok := s.Tags[tag]; !ok {
				delete(rev.Tags, tag)
				changed = true
			}
		}
		if changed {
			if err := rev.WriteInfo(repo.Path()); err != nil {
				return nil, err
			}
		}
	}

	// Phase 3: delete revisions left with no tags at all.
	var removed []*revision.Revision
	for _, rev := range append([]*revision.Revision(nil), repo.History()...) {
		if len(rev.Tags) > 0 {
			continue
		}
		if err := rev.Remove(repo.Path()); err != nil {
			return nil, err
		}
		removed = append(removed, rev)
	}
	return removed, nil
}

// SortedTags returns tags ordered by their schedule interval,
// smallest first; tags absent from the schedule sort first (interval
// 0), matching the Python sorted_tags helper used for logging.
func (s *Schedule) SortedTags(tags []string) []string {
	out := append([]string(nil), tags...)
	interval := func(tag string) time.Duration {
		if rule, ok := s.Tags[tag]; ok {
			return rule.Interval
		}
		return 0
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && interval(out[j-1]) > interval(out[j]); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
