// Package api implements the daemon's admin HTTP interface: the
// bearer-token-authenticated JSON API a CLI client or peer daemon uses
// to inspect and control jobs (spec §6 "Admin HTTP API").
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"

	"backy/internal/logging"
	"backy/internal/peer"
	"backy/internal/repo"
	"backy/internal/scheduler"
)

// Daemon is the subset of daemon state the API surfaces; cmd/backyd's
// daemon type implements it.
type Daemon interface {
	Jobs() map[string]*scheduler.Job
	Repository(name string) (*repo.Repository, bool)
	DeadBackups() []string
	Reload() error
}

// Server wraps an httprouter.Router with the admin API's routes,
// bearer-token auth, and structured JSON responses.
type Server struct {
	daemon Daemon
	tokens map[string]string // token -> client name
	log    *slog.Logger
	router *httprouter.Router
}

// NewServer builds the admin API server. tokens maps bearer tokens to
// client names, as loaded from the daemon's configuration.
func NewServer(daemon Daemon, tokens map[string]string, log *slog.Logger) *Server {
	s := &Server{
		daemon: daemon,
		tokens: tokens,
		log:    logging.Default(log).With("subsystem", "api"),
	}
	s.router = httprouter.New()
	s.router.GET("/v1/status", s.auth(s.getStatus))
	s.router.POST("/v1/reload", s.auth(s.reload))
	s.router.GET("/v1/jobs", s.auth(s.getJobs))
	s.router.POST("/v1/jobs/:name/run", s.auth(s.runJob))
	s.router.GET("/v1/backups", s.auth(s.getBackups))
	s.router.POST("/v1/backups/:name/purge", s.auth(s.purgeBackup))
	s.router.POST("/v1/backups/:name/touch", s.auth(s.touchBackup))
	s.router.GET("/v1/backups/:name/revs", s.auth(s.getRevs))
	s.router.PUT("/v1/backups/:name/revs/:spec/tags", s.auth(s.putTags))
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type authedHandler func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, client string)

// auth enforces the Bearer-token scheme and resolves it to a client
// name before delegating to handler.
func (s *Server) auth(handler authedHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log := s.log.With("path", r.URL.Path)
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			log.Info("auth-invalid-token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		client, ok := s.tokens[token]
		if !ok {
			log.Info("auth-token-unknown")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler(w, r, ps, client)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// getStatus handles GET /v1/status?filter=<regex>.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ string) {
	var re *regexp.Regexp
	if f := r.URL.Query().Get("filter"); f != "" {
		compiled, err := regexp.Compile(f)
		if err != nil {
			http.Error(w, "invalid filter", http.StatusBadRequest)
			return
		}
		re = compiled
	}
	jobs := s.daemon.Jobs()
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]scheduler.Status, 0, len(names))
	for _, name := range names {
		if re != nil && !re.MatchString(name) {
			continue
		}
		statuses = append(statuses, jobs[name].StatusDict())
	}
	writeJSON(w, http.StatusOK, statuses)
}

// reload handles POST /v1/reload.
func (s *Server) reload(w http.ResponseWriter, r *http.Request, _ httprouter.Params, client string) {
	s.log.Info("reload-requested", "client", client)
	if err := s.daemon.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobDescriptor struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// getJobs handles GET /v1/jobs.
func (s *Server) getJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ string) {
	jobs := s.daemon.Jobs()
	out := make([]jobDescriptor, 0, len(jobs))
	for name, j := range jobs {
		out = append(out, jobDescriptor{Name: name, Status: j.Status()})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	writeJSON(w, http.StatusOK, out)
}

// runJob handles POST /v1/jobs/:name/run.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params, client string) {
	name := ps.ByName("name")
	j, ok := s.daemon.Jobs()[name]
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	s.log.Info("run-triggered", "job", name, "client", client)
	j.RunImmediately()
	w.WriteHeader(http.StatusAccepted)
}

// getBackups handles GET /v1/backups: repository directories with no
// matching job (spec §6 "dead-backup names").
func (s *Server) getBackups(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ string) {
	writeJSON(w, http.StatusOK, s.daemon.DeadBackups())
}

// purgeBackup handles POST /v1/backups/:name/purge.
func (s *Server) purgeBackup(w http.ResponseWriter, r *http.Request, ps httprouter.Params, client string) {
	name := ps.ByName("name")
	repository, ok := s.daemon.Repository(name)
	if !ok {
		http.Error(w, "unknown backup", http.StatusNotFound)
		return
	}
	s.log.Info("purge-requested", "backup", name, "client", client)
	if err := repository.SetPurgePending(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// touchBackup handles POST /v1/backups/:name/touch.
func (s *Server) touchBackup(w http.ResponseWriter, r *http.Request, ps httprouter.Params, client string) {
	name := ps.ByName("name")
	repository, ok := s.daemon.Repository(name)
	if !ok {
		http.Error(w, "unknown backup", http.StatusNotFound)
		return
	}
	s.log.Debug("touch", "backup", name, "client", client)
	if err := repository.Touch(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getRevs handles GET /v1/backups/:name/revs?only_clean=1.
func (s *Server) getRevs(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ string) {
	name := ps.ByName("name")
	repository, ok := s.daemon.Repository(name)
	if !ok {
		http.Error(w, "unknown backup", http.StatusNotFound)
		return
	}
	onlyClean := r.URL.Query().Get("only_clean") == "1"
	history := repository.History()
	if onlyClean {
		history = repository.CleanHistory()
	}
	out := make([]peer.RevisionRecord, 0, len(history))
	for _, rev := range history {
		out = append(out, peer.RevisionRecord{
			UUID:      rev.UUID,
			Timestamp: rev.Timestamp,
			Parent:    rev.Parent,
			Tags:      toSlice(rev.Tags),
			OrigTags:  toSlice(rev.OrigTags),
			Trust:     string(rev.Trust),
			Server:    rev.Server,
			Stats:     rev.Stats,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type tagsBody struct {
	OldTags []string `json:"old_tags"`
	NewTags []string `json:"new_tags"`
}

// putTags handles PUT /v1/backups/:name/revs/:spec/tags?autoremove=0|1.
func (s *Server) putTags(w http.ResponseWriter, r *http.Request, ps httprouter.Params, client string) {
	name := ps.ByName("name")
	spec := ps.ByName("spec")
	repository, ok := s.daemon.Repository(name)
	if !ok {
		http.Error(w, "unknown backup", http.StatusNotFound)
		return
	}

	var body tagsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	autoremove := r.URL.Query().Get("autoremove") == "1"

	s.log.Info("tags-put", "backup", name, "spec", spec, "client", client)
	ok, err := repository.Tags(
		repoTagAction(body),
		spec,
		toSet(body.NewTags),
		repoTagsOptions(body, autoremove),
		false,
	)
	if err != nil {
		if err == repo.ErrUnknownTags {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "tags precondition failed", http.StatusPreconditionFailed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func repoTagAction(body tagsBody) repo.TagAction { return repo.TagSet }

func repoTagsOptions(body tagsBody, autoremove bool) repo.TagsOptions {
	return repo.TagsOptions{
		Expect:     toSet(body.OldTags),
		Autoremove: autoremove,
		Force:      true,
	}
}

func toSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, t := range items {
		out[t] = struct{}{}
	}
	return out
}
