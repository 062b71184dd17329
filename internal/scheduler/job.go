package scheduler

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"backy/internal/chunkfile"
	"backy/internal/logging"
	"backy/internal/quarantine"
	"backy/internal/repo"
	"backy/internal/retention"
	"backy/internal/revision"
	"backy/internal/source"
)

// PeerClient is the subset of a peer HTTP client the leader-election
// algorithm needs; backy/internal/peer.Client implements it.
type PeerClient interface {
	Name() string
	FetchStatus(ctx context.Context, jobFilter string) ([]Status, error)
}

// Reconciler pushes pending local tag changes to their owning peers
// and pulls a peer's revision slice into our local history;
// backy/internal/peer.Reconciler implements it.
type Reconciler interface {
	Push(ctx context.Context)
	Pull(ctx context.Context, peerName string) error
}

// Semaphores bounds the two worker pools jobs queue into: fast for
// jobs whose last clean run finished quickly, slow for everything else
// (spec §4.5).
type Semaphores struct {
	Fast *semaphore.Weighted
	Slow *semaphore.Weighted
}

// NewSemaphores builds fast/slow semaphores with equal capacity,
// adjustable at reload by simply constructing a new Semaphores value.
func NewSemaphores(capacity int64) *Semaphores {
	return &Semaphores{
		Fast: semaphore.NewWeighted(capacity),
		Slow: semaphore.NewWeighted(capacity),
	}
}

// fastRunThreshold is the clean-run duration below which a job
// qualifies for the fast worker pool.
const fastRunThreshold = 600 * time.Second

// Job drives one repository's backup loop: schedule decisions, leader
// election against peers backing up the same source, and the
// backup/expire/purge pipeline (spec §4.5).
type Job struct {
	Name       string
	Repo       *repo.Repository
	Schedule   *retention.Schedule
	Source     source.Source
	Peers      []PeerClient
	Reconciler Reconciler
	Sems       *Semaphores
	log        *slog.Logger

	mu           sync.Mutex
	status       string
	nextTime     time.Time
	nextTags     map[string]struct{}
	errors       int
	backoff      time.Duration
	runImmediate chan struct{}
	stop         chan struct{}
	quarantine   *quarantine.Store
}

// NewJob builds a Job ready to be started with Run.
func NewJob(name string, r *repo.Repository, schedule *retention.Schedule, src source.Source, peers []PeerClient, reconciler Reconciler, sems *Semaphores, log *slog.Logger) *Job {
	return &Job{
		Name:         name,
		Repo:         r,
		Schedule:     schedule,
		Source:       src,
		Peers:        peers,
		Reconciler:   reconciler,
		Sems:         sems,
		log:          logging.Default(log).With("subsystem", "scheduler", "job", name),
		runImmediate: make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// Spread derives a deterministic per-job offset (0..max interval) from
// the job's name, staggering a fleet of identically-scheduled jobs
// (spec §4.4 "Spread", GLOSSARY).
func (j *Job) Spread() time.Duration {
	sum := md5.Sum([]byte(j.Name))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	var limit time.Duration
	for _, rule := range j.Schedule.Tags {
		if rule.Interval > limit {
			limit = rule.Interval
		}
	}
	if limit <= 0 {
		return 0
	}
	r := rand.New(rand.NewSource(seed))
	return time.Duration(r.Int63n(int64(limit)))
}

// SLAOverdue is the number of seconds since the last clean backup past
// 1.5x the shortest scheduled interval, 0 if within bounds or while
// running (spec GLOSSARY "SLA overdue").
func (j *Job) SLAOverdue() time.Duration {
	clean := j.Repo.CleanHistory()
	if len(clean) == 0 {
		return 0
	}
	if j.Status() == "running" {
		return 0
	}
	age := time.Since(clean[len(clean)-1].Timestamp)
	var minInterval time.Duration = -1
	for _, rule := range j.Schedule.Tags {
		if minInterval < 0 || rule.Interval < minInterval {
			minInterval = rule.Interval
		}
	}
	if minInterval < 0 {
		return 0
	}
	if age > minInterval*3/2 {
		return age
	}
	return 0
}

// SLA reports "OK" unless the job is currently overdue.
func (j *Job) SLA() string {
	if j.SLAOverdue() > 0 {
		return "TOO OLD"
	}
	return "OK"
}

func (j *Job) setStatus(s string) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
	j.log.Info("status", "status", s)
}

// Status returns the job's current lifecycle state string.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// RunImmediately wakes a job waiting for its deadline or monitoring a
// leader, causing it to proceed to backup right away.
func (j *Job) RunImmediately() {
	select {
	case j.runImmediate <- struct{}{}:
	default:
	}
}

// Stop cancels the job's run loop.
func (j *Job) Stop() { close(j.stop) }

// StatusDict builds the externally visible Status snapshot for this
// job (spec §6).
func (j *Job) StatusDict() Status {
	history := j.Repo.CleanHistory()
	var lastTime *time.Time
	var lastTags string
	var lastDuration *float64
	if len(history) > 0 {
		last := history[len(history)-1]
		t := last.Timestamp
		lastTime = &t
		lastTags = strings.Join(sortedTagList(last.Tags), ",")
		if d, ok := last.Stats["duration"].(float64); ok {
			lastDuration = &d
		}
	}

	j.mu.Lock()
	nextTime := j.nextTime
	nextTags := j.nextTags
	status := j.status
	j.mu.Unlock()

	var problems []string
	if store, err := j.ensureQuarantine(); err == nil {
		problems = store.ReportIDs()
	}

	var nextTimePtr *time.Time
	if !nextTime.IsZero() {
		nextTimePtr = &nextTime
	}

	var manual []string
	for _, rev := range j.Repo.LocalHistory() {
		for tag := range rev.Tags {
			if strings.HasPrefix(tag, revision.ManualTagPrefix) {
				manual = append(manual, tag)
			}
		}
	}
	sort.Strings(manual)

	return Status{
		Job:            j.Name,
		SLA:            j.SLA(),
		SLAOverdue:     j.SLAOverdue(),
		Status:         status,
		LastTime:       lastTime,
		LastTags:       lastTags,
		LastDuration:   lastDuration,
		NextTime:       nextTimePtr,
		NextTags:       strings.Join(sortedTagList(nextTags), ","),
		ManualTags:     strings.Join(manual, ","),
		ProblemReports: problems,
		LocalRevs:      len(j.Repo.LocalHistory()),
	}
}

func sortedTagList(tags map[string]struct{}) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run executes the job's backup loop until Stop is called or ctx is
// cancelled (spec §4.5 per-job state machine).
func (j *Job) Run(ctx context.Context) {
	j.log.Info("started-backup-loop")
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		default:
		}

		if err := j.Repo.Scan(); err != nil {
			j.log.Error("scan-failed", "error", err)
		}

		nextTime, nextTags := j.Schedule.Next(time.Now(), j.Spread(), j.Repo)
		j.mu.Lock()
		if j.errors > 0 {
			nextTime = time.Now().Add(j.backoff)
		}
		j.nextTime, j.nextTags = nextTime, nextTags
		j.mu.Unlock()

		j.setStatus("waiting for deadline")
		if !j.waitForDeadline(ctx, nextTime) {
			return
		}

		j.mu.Lock()
		j.nextTime, j.nextTags = time.Time{}, nil
		j.mu.Unlock()

		j.setStatus("checking neighbours")
		leader := j.electLeader(ctx, nextTags)
		if leader != nil {
			j.monitorLeader(ctx, leader, nextTime)
		}

		if err := j.runCycle(ctx, nextTags); err != nil {
			j.log.Warn("run-failed", "error", err)
			j.mu.Lock()
			j.errors++
			backoffSeconds := min(pow2(j.errors), 360)
			j.backoff = time.Duration(backoffSeconds) * time.Minute
			j.mu.Unlock()
			j.setStatus("failed")
		} else {
			j.mu.Lock()
			j.errors = 0
			j.backoff = 0
			j.mu.Unlock()
			j.setStatus("finished")
		}
	}
}

func pow2(n int) int {
	if n > 20 {
		return 1 << 20
	}
	return 1 << n
}

func (j *Job) waitForDeadline(ctx context.Context, deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-j.stop:
		return false
	case <-timer.C:
		return true
	case <-j.runImmediate:
		return true
	}
}

// electLeader queries all peers in parallel for this job's status and
// returns the winning peer if it beats our own local revision count;
// nil if we win outright or the count is tied (spec §4.5 "Ties").
func (j *Job) electLeader(ctx context.Context, tags map[string]struct{}) PeerClient {
	ourCount := len(j.Repo.LocalHistory())
	type result struct {
		peer   PeerClient
		status Status
		err    error
	}
	results := make(chan result, len(j.Peers))
	for _, p := range j.Peers {
		go func(p PeerClient) {
			statuses, err := p.FetchStatus(ctx, "^"+j.Name+"$")
			if err != nil || len(statuses) == 0 {
				results <- result{peer: p, err: err}
				return
			}
			results <- result{peer: p, status: statuses[0]}
		}(p)
	}

	bestCount := ourCount
	var leader PeerClient
	for range j.Peers {
		res := <-results
		if res.err != nil {
			j.log.Warn("peer-unreachable", "peer", res.peer.Name(), "error", res.err)
			continue
		}
		if res.status.LocalRevs > bestCount {
			bestCount = res.status.LocalRevs
			leader = res.peer
		}
	}
	return leader
}

// monitorLeader polls the elected leader until it finishes, falls
// behind, or becomes unreachable, at which point this node proceeds
// to back up itself (spec §4.5 "monitoring <leader>").
func (j *Job) monitorLeader(ctx context.Context, leader PeerClient, ourNextTime time.Time) {
	j.setStatus(fmt.Sprintf("monitoring %s", leader.Name()))
	ticker := time.NewTicker(300 * time.Second)
	defer ticker.Stop()
	for {
		statuses, err := leader.FetchStatus(ctx, "^"+j.Name+"$")
		if err != nil || len(statuses) == 0 {
			j.log.Info("leader-monitoring-abandoned", "peer", leader.Name(), "reason", "unreachable-or-stopped")
			return
		}
		st := statuses[0]
		if st.LastTime != nil && time.Since(*st.LastTime) < 5*time.Minute {
			j.log.Info("leader-finished", "peer", leader.Name())
			return
		}
		if st.NextTime != nil && st.NextTime.After(ourNextTime.Add(5*time.Minute)) {
			j.log.Info("leader-monitoring-abandoned", "peer", leader.Name(), "reason", "leader-too-far-behind")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-j.runImmediate:
			return
		case <-ticker.C:
		}
	}
}

// runCycle runs the backup -> scan -> expire -> push -> pull -> gc
// pipeline for one scheduled moment, under the chosen worker-pool slot
// (spec §5 "Ordering guarantees").
func (j *Job) runCycle(ctx context.Context, tags map[string]struct{}) error {
	sem := j.Sems.Slow
	clean := j.Repo.CleanHistory()
	if len(clean) > 0 {
		if d, ok := clean[len(clean)-1].Stats["duration"].(float64); ok && time.Duration(d*float64(time.Second)) < fastRunThreshold {
			sem = j.Sems.Fast
		}
	}

	j.setStatus("waiting for worker slot")
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	j.setStatus("running")
	start := time.Now()
	if err := j.runBackup(ctx, tags); err != nil {
		return err
	}
	if err := j.Repo.Scan(); err != nil {
		return fmt.Errorf("scheduler: scan: %w", err)
	}
	if _, err := j.Repo.Expire(j.Schedule, false); err != nil {
		return fmt.Errorf("scheduler: expire: %w", err)
	}
	j.runPushPull(ctx)
	if _, err := j.Repo.Purge(); err != nil {
		return fmt.Errorf("scheduler: purge: %w", err)
	}
	j.log.Info("cycle-finished", "duration", time.Since(start))
	return nil
}

// runPushPull reconciles tag changes with every known peer. A single
// peer's failure is logged by the Reconciler and never aborts the
// cycle (spec §4.5 "per-peer failure is localized").
func (j *Job) runPushPull(ctx context.Context) {
	if j.Reconciler == nil {
		return
	}
	j.Reconciler.Push(ctx)
	for _, p := range j.Peers {
		if err := j.Reconciler.Pull(ctx, p.Name()); err != nil {
			j.log.Info("pull-failed", "peer", p.Name(), "error", err)
		}
	}
}

func (j *Job) runBackup(ctx context.Context, tags map[string]struct{}) error {
	if err := j.Source.Ready(ctx); err != nil {
		return fmt.Errorf("scheduler: source not ready: %w", err)
	}

	if err := j.Repo.Clean(false); err != nil {
		return fmt.Errorf("scheduler: clean: %w", err)
	}

	rev := revision.New(j.log)
	for tag := range tags {
		rev.Tags[tag] = struct{}{}
	}
	if history := j.Repo.LocalHistory(); len(history) > 0 {
		rev.Parent = history[len(history)-1].UUID
	}
	if err := rev.WriteInfo(j.Repo.Path()); err != nil {
		return err
	}

	start := time.Now()
	if err := j.backupInto(ctx, rev); err != nil {
		return err
	}
	rev.Stats["duration"] = time.Since(start).Seconds()
	return rev.WriteInfo(j.Repo.Path())
}

// backupInto opens rev's chunked target image, streams the source into
// it, then runs the verification pass against the freshly written
// image (spec §2 step 4). A verification mismatch is never fatal: it
// is filed as a quarantine report and the backup still completes.
func (j *Job) backupInto(ctx context.Context, rev *revision.Revision) error {
	target, err := chunkfile.Open(revision.Filename(j.Repo.Path(), rev.UUID), j.Repo.Store, "w+")
	if err != nil {
		return fmt.Errorf("scheduler: open target: %w", err)
	}
	defer target.Close()

	if err := j.Source.Backup(ctx, rev, target); err != nil {
		return fmt.Errorf("scheduler: backup: %w", err)
	}
	if err := target.Flush(); err != nil {
		return err
	}

	if err := j.Source.Verify(ctx, rev, target); err != nil {
		var mismatch *source.MismatchError
		if errors.As(err, &mismatch) {
			return j.quarantineMismatch(rev, mismatch)
		}
		return fmt.Errorf("scheduler: verify: %w", err)
	}
	return nil
}

// ensureQuarantine lazily opens this job's quarantine store.
func (j *Job) ensureQuarantine() (*quarantine.Store, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.quarantine == nil {
		store, err := quarantine.Open(j.Repo.Path(), j.log)
		if err != nil {
			return nil, err
		}
		j.quarantine = store
	}
	return j.quarantine, nil
}

// quarantineMismatch files mismatch as a problem report and records it
// against the job's status; a failure to open or write the quarantine
// store is itself treated as a backup failure.
func (j *Job) quarantineMismatch(rev *revision.Revision, mismatch *source.MismatchError) error {
	store, err := j.ensureQuarantine()
	if err != nil {
		return fmt.Errorf("scheduler: open quarantine store: %w", err)
	}
	report := quarantine.NewReport(mismatch.SourceChunk, mismatch.TargetChunk, mismatch.Offset)
	if err := store.AddReport(report); err != nil {
		return fmt.Errorf("scheduler: add quarantine report: %w", err)
	}
	j.log.Error("verify-mismatch", "revision_uuid", rev.UUID, "offset", mismatch.Offset, "report_uuid", report.UUID)
	return nil
}
