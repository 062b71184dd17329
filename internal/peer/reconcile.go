package peer

import (
	"context"
	"log/slog"

	"backy/internal/logging"
	"backy/internal/repo"
	"backy/internal/revision"
)

// Reconciler drives push and pull for one job against its configured
// peers (spec §4.5 "Push", "Pull").
type Reconciler struct {
	Repo  *repo.Repository
	Job   string
	Peers map[string]*Client // keyed by server name
	log   *slog.Logger
}

// NewReconciler builds a Reconciler for one repository's peer set.
func NewReconciler(r *repo.Repository, job string, peers map[string]*Client, log *slog.Logger) *Reconciler {
	return &Reconciler{
		Repo:  r,
		Job:   job,
		Peers: peers,
		log:   logging.Default(log).With("subsystem", "peer", "job", job),
	}
}

// Push sends every revision held here that belongs to a peer (Server
// set) and has pending tag changes (Tags != OrigTags) to that peer. A
// peer's failure is logged and does not block pushing to any other peer.
func (rec *Reconciler) Push(ctx context.Context) {
	for _, rev := range rec.Repo.History() {
		if rev.Server == "" {
			continue
		}
		if setEqual(rev.Tags, rev.OrigTags) {
			continue
		}
		peer, ok := rec.Peers[rev.Server]
		if !ok {
			rec.log.Warn("push-unknown-peer", "revision_uuid", rev.UUID, "server", rev.Server)
			continue
		}
		rec.pushOne(ctx, peer, rev)
	}
}

func (rec *Reconciler) pushOne(ctx context.Context, p *Client, rev *revision.Revision) {
	result, err := p.PutTags(ctx, rec.Job, rev.UUID, toSlice(rev.OrigTags), toSlice(rev.Tags), true)
	if err != nil {
		rec.log.Warn("push-failed", "peer", p.Name(), "revision_uuid", rev.UUID, "error", err)
		return
	}
	switch result {
	case TagsApplied:
		if len(rev.Tags) == 0 {
			if err := rev.Remove(rec.Repo.Path()); err != nil {
				rec.log.Warn("push-remove-failed", "revision_uuid", rev.UUID, "error", err)
				return
			}
			if err := rec.Repo.SetPurgePending(); err != nil {
				rec.log.Warn("push-mark-purge-pending-failed", "error", err)
			}
			return
		}
		rev.OrigTags = cloneSet(rev.Tags)
		if err := rev.WriteInfo(rec.Repo.Path()); err != nil {
			rec.log.Warn("push-write-failed", "revision_uuid", rev.UUID, "error", err)
		}
	case TagsRevisionNotFound:
		rec.log.Info("push-revision-not-found", "peer", p.Name(), "revision_uuid", rev.UUID)
	case TagsPreconditionFailed:
		rec.log.Info("push-precondition-failed", "peer", p.Name(), "revision_uuid", rev.UUID)
	case TagsServiceUnavailable:
		rec.log.Info("push-service-unavailable", "peer", p.Name(), "revision_uuid", rev.UUID)
	}
}

// Pull fetches peer's clean revision list for this job and reconciles
// our local copy of that peer's slice of history: missing revisions
// are removed, new ones are added, and mismatching ones are rewritten.
// An unreachable or forbidden peer is a soft error.
func (rec *Reconciler) Pull(ctx context.Context, peerName string) error {
	p, ok := rec.Peers[peerName]
	if !ok {
		return nil
	}
	if err := p.TouchBackup(ctx, rec.Job); err != nil {
		rec.log.Info("pull-touch-failed", "peer", peerName, "error", err)
		return nil
	}
	remote, err := p.GetRevs(ctx, rec.Job, true)
	if err != nil {
		rec.log.Info("pull-get-revs-failed", "peer", peerName, "error", err)
		return nil
	}

	remoteByUUID := make(map[string]RevisionRecord, len(remote))
	for _, rr := range remote {
		remoteByUUID[rr.UUID] = rr
	}

	for _, rev := range rec.Repo.History() {
		if rev.Server != peerName {
			continue
		}
		if _, stillPresent := remoteByUUID[rev.UUID]; !stillPresent {
			if err := rev.Remove(rec.Repo.Path()); err != nil {
				rec.log.Warn("pull-remove-failed", "revision_uuid", rev.UUID, "error", err)
			}
		}
	}

	known := make(map[string]struct{})
	for _, rev := range rec.Repo.History() {
		if rev.Server == peerName {
			known[rev.UUID] = struct{}{}
		}
	}

	for _, rr := range remote {
		if _, exists := known[rr.UUID]; exists {
			rec.rewriteIfChanged(rr, peerName)
			continue
		}
		rec.addRemote(rr, peerName)
	}

	return rec.Repo.Scan()
}

func (rec *Reconciler) rewriteIfChanged(rr RevisionRecord, peerName string) {
	existing, ok := rec.Repo.ByUUID(rr.UUID)
	if !ok {
		return
	}
	newTags := toSet(rr.Tags)
	if setEqual(existing.Tags, newTags) && existing.Trust == revision.Trust(rr.Trust) {
		return
	}
	existing.Tags = newTags
	existing.OrigTags = toSet(rr.OrigTags)
	existing.Trust = revision.Trust(rr.Trust)
	existing.Server = peerName
	if err := existing.WriteInfo(rec.Repo.Path()); err != nil {
		rec.log.Warn("pull-rewrite-failed", "revision_uuid", rr.UUID, "error", err)
	}
}

func (rec *Reconciler) addRemote(rr RevisionRecord, peerName string) {
	rev := revision.New(rec.log)
	rev.UUID = rr.UUID
	rev.Timestamp = rr.Timestamp
	rev.Parent = rr.Parent
	rev.Tags = toSet(rr.Tags)
	rev.OrigTags = toSet(rr.OrigTags)
	rev.Trust = revision.Trust(rr.Trust)
	rev.Server = peerName
	rev.Stats = rr.Stats
	if rev.Stats == nil {
		rev.Stats = map[string]any{}
	}
	if err := rev.WriteInfo(rec.Repo.Path()); err != nil {
		rec.log.Warn("pull-add-failed", "revision_uuid", rr.UUID, "error", err)
	}
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, t := range items {
		out[t] = struct{}{}
	}
	return out
}

func toSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
