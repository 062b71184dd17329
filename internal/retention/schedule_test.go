package retention

import (
	"testing"
	"time"

	"backy/internal/revision"
)

func TestParseDurationUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"2h":  2 * time.Hour,
		"3d":  3 * day,
		"1w":  week,
		"45":  45 * time.Second,
	}
	for spec, want := range cases {
		got, err := ParseDuration(spec)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", spec, err)
		}
		if got != want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", spec, got, want)
		}
	}
}

func TestParseDurationRejectsEmpty(t *testing.T) {
	if _, err := ParseDuration(""); err == nil {
		t.Fatal("expected error for empty duration")
	}
}

func TestConfigureBuildsSchedule(t *testing.T) {
	s, err := Configure(map[string]struct {
		Interval string
		Keep     int
	}{
		"daily":  {Interval: "1d", Keep: 7},
		"weekly": {Interval: "1w", Keep: 4},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if s.Tags["daily"].Interval != day || s.Tags["daily"].Keep != 7 {
		t.Fatalf("unexpected daily rule: %+v", s.Tags["daily"])
	}
	if s.Tags["weekly"].Interval != week || s.Tags["weekly"].Keep != 4 {
		t.Fatalf("unexpected weekly rule: %+v", s.Tags["weekly"])
	}
}

func TestNextInIntervalIsDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	a := NextInInterval(now, day, 0)
	b := NextInInterval(now, day, 0)
	if !a.Equal(b) {
		t.Fatalf("expected deterministic result, got %v and %v", a, b)
	}
	if !a.After(now) {
		t.Fatalf("expected next-in-interval to be after relative time, got %v <= %v", a, now)
	}
}

func TestNextInIntervalRespectsSpread(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	withoutSpread := NextInInterval(now, day, 0)
	withSpread := NextInInterval(now, day, time.Hour)
	if withoutSpread.Equal(withSpread) {
		t.Fatal("expected spread to shift the aligned boundary")
	}
}

// fakeRepo is a minimal retention.Repository stub for exercising Next
// and Expire without a real on-disk repository.
type fakeRepo struct {
	history []*revision.Revision
	path    string
}

func (f *fakeRepo) Scan() error { return nil }
func (f *fakeRepo) FindRevisions(spec string) ([]*revision.Revision, error) {
	var out []*revision.Revision
	for _, rev := range f.history {
		if _, ok := rev.Tags[stripTagPrefix(spec)]; ok {
			out = append(out, rev)
		}
	}
	return out, nil
}
func (f *fakeRepo) History() []*revision.Revision { return f.history }
func (f *fakeRepo) LastByTag() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, rev := range f.history {
		if _, ok := rev.Stats["duration"]; !ok {
			continue
		}
		for tag := range rev.Tags {
			if t, ok := out[tag]; !ok || rev.Timestamp.After(t) {
				out[tag] = rev.Timestamp
			}
		}
	}
	return out
}
func (f *fakeRepo) Path() string { return f.path }

func stripTagPrefix(spec string) string {
	const prefix = "tag:"
	if len(spec) > len(prefix) && spec[:len(prefix)] == prefix {
		return spec[len(prefix):]
	}
	return spec
}

func TestNextCatchesUpMissedTag(t *testing.T) {
	s, err := Configure(map[string]struct {
		Interval string
		Keep     int
	}{"daily": {Interval: "1d", Keep: 7}})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	old := revision.New(nil)
	old.Timestamp = time.Now().Add(-10 * day)
	old.Tags["daily"] = struct{}{}
	old.Stats["duration"] = 1.0
	repo := &fakeRepo{history: []*revision.Revision{old}}

	next, tags := s.Next(time.Now(), 0, repo)
	if _, ok := tags["daily"]; !ok {
		t.Fatalf("expected missed 'daily' tag to be caught up, got %v", tags)
	}
	if next.After(time.Now().Add(time.Minute)) {
		t.Fatalf("expected catch-up to run close to now, got %v", next)
	}
}

func TestExpireRetainsManualTagsBeyondSchedule(t *testing.T) {
	dir := t.TempDir()
	s, err := Configure(map[string]struct {
		Interval string
		Keep     int
	}{"daily": {Interval: "1d", Keep: 1}})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	oldest := revision.New(nil)
	oldest.Timestamp = time.Now().Add(-10 * day)
	oldest.Tags["daily"] = struct{}{}
	oldest.Tags["manual:keep-forever"] = struct{}{}
	if err := oldest.WriteInfo(dir); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}

	newest := revision.New(nil)
	newest.Timestamp = time.Now()
	newest.Tags["daily"] = struct{}{}
	if err := newest.WriteInfo(dir); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}

	repo := &fakeRepo{history: []*revision.Revision{oldest, newest}, path: dir}
	removed, err := s.Expire(repo)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	for _, rev := range removed {
		if rev.UUID == oldest.UUID {
			t.Fatal("expected the manually-tagged revision to survive expiry")
		}
	}
	if _, ok := oldest.Tags["daily"]; ok {
		t.Fatal("expected the schedule tag to have been stripped from the aged-out revision")
	}
	if _, ok := oldest.Tags["manual:keep-forever"]; !ok {
		t.Fatal("expected the manual tag to remain untouched")
	}
}

func TestSortedTagsOrdersByInterval(t *testing.T) {
	s, err := Configure(map[string]struct {
		Interval string
		Keep     int
	}{
		"daily":  {Interval: "1d", Keep: 7},
		"weekly": {Interval: "1w", Keep: 4},
		"hourly": {Interval: "1h", Keep: 24},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	got := s.SortedTags([]string{"weekly", "daily", "hourly"})
	want := []string{"hourly", "daily", "weekly"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortedTags = %v, want %v", got, want)
		}
	}
}
