// Command backyd runs the backup daemon: it discovers repositories
// under its base directory, schedules their jobs, and serves the
// admin HTTP API (spec §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"backy/internal/api"
	"backy/internal/config"
	"backy/internal/lock"
	"backy/internal/logging"
	"backy/internal/peer"
	"backy/internal/repo"
	"backy/internal/retention"
	"backy/internal/scheduler"
	"backy/internal/source"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var configPath string
	rootCmd := &cobra.Command{
		Use:   "backyd",
		Short: "backy backup daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, logger, configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/backy.conf", "daemon configuration file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := config.LoadDaemon(configPath)
	if err != nil {
		return err
	}

	daemonLock, err := lock.LockDaemonDir(cfg.BaseDir)
	if err != nil {
		logger.Error("daemon-already-running", "base_dir", cfg.BaseDir, "error", err)
		os.Exit(lock.ExitCodeDaemonLocked)
	}
	defer func() { _ = daemonLock.Unlock() }()

	d := newDaemon(cfg, logger)
	if err := d.reload(); err != nil {
		return fmt.Errorf("backyd: initial load: %w", err)
	}

	apiSrv := api.NewServer(d, cfg.API.Tokens, logger)
	httpServers := startAPIServers(ctx, cfg, apiSrv, logger)

	var wg sync.WaitGroup
	jobCtx, cancelJobs := context.WithCancel(ctx)
	d.startAll(jobCtx, &wg)

	housekeeping, err := startHousekeeping(jobCtx, d, &wg, logger)
	if err != nil {
		return fmt.Errorf("backyd: housekeeping: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting-down")
	cancelJobs()
	_ = housekeeping.Shutdown()
	for _, srv := range httpServers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()
	return nil
}

func startAPIServers(ctx context.Context, cfg *config.Daemon, handler http.Handler, logger *slog.Logger) []*http.Server {
	var servers []*http.Server
	for _, addr := range cfg.API.Addrs {
		bind := net.JoinHostPort(addr, fmt.Sprint(cfg.API.Port))
		srv := &http.Server{Addr: bind, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, srv)
		go func() {
			logger.Info("api-listening", "addr", bind)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api-server-error", "addr", bind, "error", err)
			}
		}()
	}
	return servers
}

// daemon owns the running set of jobs and satisfies api.Daemon.
type daemon struct {
	cfg    *config.Daemon
	log    *slog.Logger
	mu     sync.Mutex
	jobs    map[string]*scheduler.Job
	repos   map[string]*repo.Repository
	sems    *scheduler.Semaphores
	peers   []*peer.Client
	started map[string]bool
}

func newDaemon(cfg *config.Daemon, log *slog.Logger) *daemon {
	return &daemon{
		cfg:  cfg,
		log:  logging.Default(log).With("subsystem", "daemon"),
		jobs: make(map[string]*scheduler.Job),
		repos: make(map[string]*repo.Repository),
		sems: scheduler.NewSemaphores(cfg.WorkerLimit),
	}
}

// Jobs implements api.Daemon.
func (d *daemon) Jobs() map[string]*scheduler.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*scheduler.Job, len(d.jobs))
	for k, v := range d.jobs {
		out[k] = v
	}
	return out
}

// Repository implements api.Daemon.
func (d *daemon) Repository(name string) (*repo.Repository, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.repos[name]
	return r, ok
}

// DeadBackups implements api.Daemon: repository-shaped directories
// under the base dir with no corresponding job.
func (d *daemon) DeadBackups() []string {
	entries, err := os.ReadDir(d.cfg.BaseDir)
	if err != nil {
		d.log.Warn("dead-backups-scan-failed", "error", err)
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var dead []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, hasJob := d.jobs[e.Name()]; hasJob {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.cfg.BaseDir, e.Name(), "config")); err != nil {
			continue
		}
		dead = append(dead, e.Name())
	}
	return dead
}

// Reload implements api.Daemon: re-discovers repositories and
// (re)builds their jobs, without disturbing jobs already running.
func (d *daemon) Reload() error { return d.reload() }

func (d *daemon) reload() error {
	entries, err := os.ReadDir(d.cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("daemon: read base dir: %w", err)
	}

	peers := make([]*peer.Client, 0, len(d.cfg.Peers))
	peerByName := make(map[string]*peer.Client, len(d.cfg.Peers))
	for _, p := range d.cfg.Peers {
		c := peer.New(peer.Config{Name: p.Name, URL: p.URL, Token: p.Token})
		peers = append(peers, c)
		peerByName[p.Name] = c
	}

	d.mu.Lock()
	d.peers = peers
	d.mu.Unlock()

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		repoPath := filepath.Join(d.cfg.BaseDir, e.Name())
		cfgPath := filepath.Join(repoPath, "config")
		if _, err := os.Stat(cfgPath); err != nil {
			continue
		}
		if err := d.loadJob(e.Name(), repoPath, cfgPath, peers, peerByName); err != nil {
			d.log.Error("load-job-failed", "name", e.Name(), "error", err)
		}
	}
	return nil
}

func (d *daemon) loadJob(name, repoPath, cfgPath string, peers []*peer.Client, peerByName map[string]*peer.Client) error {
	repoCfg, err := config.LoadRepository(cfgPath)
	if err != nil {
		return err
	}

	scheduleRaw := make(map[string]struct {
		Interval string
		Keep     int
	}, len(repoCfg.Schedule))
	for tag, rule := range repoCfg.Schedule {
		scheduleRaw[tag] = struct {
			Interval string
			Keep     int
		}{Interval: rule.Interval, Keep: rule.Keep}
	}
	schedule, err := retention.Configure(scheduleRaw)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	src, err := source.FromConfig(repoCfg.Source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	r, err := repo.Open(repoPath, d.log)
	if err != nil {
		return fmt.Errorf("repo: %w", err)
	}
	r.RefreshForceWrites()

	reconciler := peer.NewReconciler(r, name, peerByName, d.log)
	peerClients := make([]scheduler.PeerClient, 0, len(peers))
	for _, p := range peers {
		peerClients = append(peerClients, p)
	}

	job := scheduler.NewJob(name, r, schedule, src, peerClients, reconciler, d.sems, d.log)

	d.mu.Lock()
	d.jobs[name] = job
	d.repos[name] = r
	d.mu.Unlock()
	return nil
}

func (d *daemon) startAll(ctx context.Context, wg *sync.WaitGroup) {
	d.mu.Lock()
	jobs := make(map[string]*scheduler.Job, len(d.jobs))
	for name, j := range d.jobs {
		jobs[name] = j
	}
	d.mu.Unlock()
	d.startJobs(ctx, wg, jobs)
}

func (d *daemon) startJobs(ctx context.Context, wg *sync.WaitGroup, jobs map[string]*scheduler.Job) {
	d.mu.Lock()
	if d.started == nil {
		d.started = make(map[string]bool)
	}
	toStart := make([]*scheduler.Job, 0, len(jobs))
	for name, j := range jobs {
		if d.started[name] {
			continue
		}
		d.started[name] = true
		toStart = append(toStart, j)
	}
	d.mu.Unlock()

	for _, j := range toStart {
		wg.Add(1)
		go func(j *scheduler.Job) {
			defer wg.Done()
			j.Run(ctx)
		}(j)
	}
}

// startHousekeeping schedules periodic re-discovery of repositories
// under the base dir, starting jobs for any that appeared since the
// daemon started (without disturbing ones already running), the way
// the teacher's orchestrator registers cron-driven maintenance tasks.
func startHousekeeping(ctx context.Context, d *daemon, wg *sync.WaitGroup, logger *slog.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = s.NewJob(
		gocron.CronJob("*/5 * * * *", false),
		gocron.NewTask(func() {
			if err := d.reload(); err != nil {
				logger.Warn("housekeeping-reload-failed", "error", err)
				return
			}
			d.startAll(ctx, wg)
		}),
		gocron.WithName("rediscover-repositories"),
	)
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}
