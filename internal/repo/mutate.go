package repo

import (
	"fmt"
	"sort"
	"strings"

	"backy/internal/retention"
	"backy/internal/revision"
)

// ErrUnknownTags is returned when tags are applied that the schedule
// doesn't know about and force wasn't requested.
var ErrUnknownTags = fmt.Errorf("repo: unknown tags")

// ErrRemoteRevsDisallowed is returned when a mutation would touch a
// revision owned by a peer.
var ErrRemoteRevsDisallowed = fmt.Errorf("repo: remote revs disallowed")

// ValidateTags rejects any tag outside the schedule (ignoring manual:
// tags), unless the caller has set force (spec §4.3 "Mutations").
func (r *Repository) ValidateTags(tags map[string]struct{}, schedule *retention.Schedule) error {
	var missing []string
	for tag := range revision.FilterScheduleTags(tags) {
		if _, ok := schedule.Tags[tag]; !ok {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		r.log.Error("unknown-tags", "unknown_tags", strings.Join(missing, ", "))
		return ErrUnknownTags
	}
	return nil
}

// PreventRemoteRev refuses if any of revs is remotely owned.
func (r *Repository) PreventRemoteRev(revs []*revision.Revision) error {
	var remote []string
	for _, rev := range revs {
		if rev.Server != "" {
			remote = append(remote, rev.UUID)
		}
	}
	if len(remote) > 0 {
		r.log.Error("remote-revs-disallowed", "revisions", strings.Join(remote, ","))
		return ErrRemoteRevsDisallowed
	}
	return nil
}

// Forget removes every revision matched by spec. Requires the
// exclusive backup lock.
func (r *Repository) Forget(spec string, skipLock bool) error {
	return r.locker.WithExclusive(".backup", skipLock, func() error {
		revs, err := r.FindRevisions(spec)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			if err := rev.Remove(r.path); err != nil {
				return err
			}
		}
		return r.Scan()
	})
}

// Distrust marks every revision matched by spec as DISTRUSTED. Refused
// for remote revisions. Requires the exclusive backup lock.
func (r *Repository) Distrust(spec string, skipLock bool) error {
	return r.locker.WithExclusive(".backup", skipLock, func() error {
		revs, err := r.FindRevisions(spec)
		if err != nil {
			return err
		}
		if err := r.PreventRemoteRev(revs); err != nil {
			return err
		}
		for _, rev := range revs {
			rev.Distrust()
			if err := rev.WriteInfo(r.path); err != nil {
				return err
			}
		}
		r.RefreshForceWrites()
		return nil
	})
}

// TagAction is the verb passed to Tags.
type TagAction string

const (
	TagSet    TagAction = "set"
	TagAdd    TagAction = "add"
	TagRemove TagAction = "remove"
)

// TagsOptions configures a Tags mutation.
type TagsOptions struct {
	Expect     map[string]struct{} // optimistic-concurrency precondition; nil disables the check
	Autoremove bool                // remove revisions whose tag set becomes empty
	Force      bool                // skip schedule-tag validation
	Schedule   *retention.Schedule
}

// Tags applies action with tags to every revision matched by spec.
// With Expect set, the whole operation is refused (no revision
// touched) unless every targeted revision's current tags equal Expect
// exactly (spec §4.3 optimistic concurrency). Requires the exclusive
// backup lock.
func (r *Repository) Tags(action TagAction, spec string, tags map[string]struct{}, opts TagsOptions, skipLock bool) (bool, error) {
	var ok bool
	err := r.locker.WithExclusive(".backup", skipLock, func() error {
		if err := r.Scan(); err != nil {
			return err
		}
		revs, err := r.FindRevisions(spec)
		if err != nil {
			return err
		}
		if !opts.Force && action != TagRemove && opts.Schedule != nil {
			if err := r.ValidateTags(tags, opts.Schedule); err != nil {
				return err
			}
		}
		if opts.Expect != nil {
			for _, rev := range revs {
				if !setEquals(opts.Expect, rev.Tags) {
					r.log.Error("tags-expectation-failed", "revision_uuid", rev.UUID)
					ok = false
					return nil
				}
			}
		}
		for _, rev := range revs {
			switch action {
			case TagSet:
				rev.Tags = cloneSet(tags)
			case TagAdd:
				for t := range tags {
					rev.Tags[t] = struct{}{}
				}
			case TagRemove:
				for t := range tags {
					delete(rev.Tags, t)
				}
			default:
				return fmt.Errorf("repo: invalid tag action %q", action)
			}
			if len(rev.Tags) == 0 && opts.Autoremove {
				if err := rev.Remove(r.path); err != nil {
					return err
				}
			} else if err := rev.WriteInfo(r.path); err != nil {
				return err
			}
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Expire runs the schedule's retention sweep. Requires the exclusive
// backup lock.
func (r *Repository) Expire(schedule *retention.Schedule, skipLock bool) ([]*revision.Revision, error) {
	var removed []*revision.Revision
	err := r.locker.WithExclusive(".backup", skipLock, func() error {
		var err error
		removed, err = schedule.Expire(r)
		if err != nil {
			return err
		}
		return r.Scan()
	})
	return removed, err
}

// Purge runs GC under the repository's exclusive purge lock: the
// union of all local revisions' referenced hashes is computed and
// everything else in the chunk store is deleted (spec §4.2, §4.6).
func (r *Repository) Purge() (int, error) {
	var deleted int
	err := r.locker.WithExclusive(".purge", false, func() error {
		used, err := r.ReferencedHashes()
		if err != nil {
			return err
		}
		deleted, err = r.Store.Purge(used)
		if err != nil {
			return err
		}
		return r.ClearPurgePending()
	})
	return deleted, err
}

func setEquals(a, b map[string]struct{}) bool {
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

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
