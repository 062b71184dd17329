package repo

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"backy/internal/revision"
)

// token is either a literal piece of the selection string or an
// already-resolved slice of revisions produced by evaluating a nested
// parenthesized group.
type token struct {
	text     string
	resolved []*revision.Revision
	isGroup  bool
}

var tokenSplit = regexp.MustCompile(`(\(|\)|,|&|\.\.)`)

func tokenize(spec string) []token {
	parts := tokenSplit.Split(spec, -1)
	seps := tokenSplit.FindAllString(spec, -1)
	var out []token
	for i, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, token{text: s})
		}
		if i < len(seps) {
			out = append(out, token{text: seps[i]})
		}
	}
	return out
}

// FindRevisions evaluates the selection-algebra expression spec
// against the current history and returns the matching revisions
// (spec §4.3 "Revision selection language").
func (r *Repository) FindRevisions(spec string) ([]*revision.Revision, error) {
	return r.findRevisions(tokenize(spec))
}

var groupFunctions = map[string]func(r *Repository, in []*revision.Revision) []*revision.Revision{
	"first": func(_ *Repository, in []*revision.Revision) []*revision.Revision {
		if len(in) == 0 {
			return nil
		}
		return in[:1]
	},
	"last": func(_ *Repository, in []*revision.Revision) []*revision.Revision {
		if len(in) == 0 {
			return nil
		}
		return in[len(in)-1:]
	},
	"not": func(r *Repository, in []*revision.Revision) []*revision.Revision {
		excluded := make(map[string]struct{}, len(in))
		for _, rev := range in {
			excluded[rev.UUID] = struct{}{}
		}
		var out []*revision.Revision
		for _, rev := range r.history {
			if _, ok := excluded[rev.UUID]; !ok {
				out = append(out, rev)
			}
		}
		return out
	},
	"reverse": func(_ *Repository, in []*revision.Revision) []*revision.Revision {
		out := make([]*revision.Revision, len(in))
		for i, rev := range in {
			out[len(in)-1-i] = rev
		}
		return out
	},
}

func (r *Repository) findRevisions(tokens []token) ([]*revision.Revision, error) {
	if openIdx, closeIdx, ok := lastParenGroup(tokens); ok {
		prev, middle, next := tokens[:openIdx], tokens[openIdx+1:closeIdx], tokens[closeIdx+1:]
		if len(prev) > 0 && !prev[len(prev)-1].isGroup {
			if fn, isFn := groupFunctions[prev[len(prev)-1].text]; isFn {
				resolvedMiddle, err := r.findRevisions(middle)
				if err != nil {
					return nil, err
				}
				rest := append(append([]token{}, prev[:len(prev)-1]...), token{resolved: fn(r, resolvedMiddle), isGroup: true})
				rest = append(rest, next...)
				return r.findRevisions(rest)
			}
		}
		resolvedMiddle, err := r.findRevisions(middle)
		if err != nil {
			return nil, err
		}
		rest := append(append([]token{}, prev...), token{resolved: resolvedMiddle, isGroup: true})
		rest = append(rest, next...)
		return r.findRevisions(rest)
	}

	if i := indexOfText(tokens, ","); i >= 0 {
		left, err := r.findRevisions(tokens[:i])
		if err != nil {
			return nil, err
		}
		right, err := r.findRevisions(tokens[i+1:])
		if err != nil {
			return nil, err
		}
		return uniqueRevisions(append(left, right...)), nil
	}

	if i := indexOfText(tokens, "&"); i >= 0 {
		left, err := r.findRevisions(tokens[:i])
		if err != nil {
			return nil, err
		}
		right, err := r.findRevisions(tokens[i+1:])
		if err != nil {
			return nil, err
		}
		return intersectRevisions(left, right), nil
	}

	if i := indexOfText(tokens, ".."); i >= 0 {
		leftTokens, rightTokens := tokens[:i], tokens[i+1:]
		a, err := r.indexByTokens(leftTokens, "first")
		if err != nil {
			return nil, err
		}
		b, err := r.indexByTokens(rightTokens, "last")
		if err != nil {
			return nil, err
		}
		lo, hi := a, b
		if lo > hi {
			lo, hi = hi, lo
		}
		start := int(math.Ceil(lo))
		end := int(math.Floor(hi))
		if start < 0 {
			start = 0
		}
		if end >= len(r.history) {
			end = len(r.history) - 1
		}
		if start > end {
			return nil, nil
		}
		return append([]*revision.Revision(nil), r.history[start:end+1]...), nil
	}

	if len(tokens) != 1 {
		return nil, fmt.Errorf("repo: malformed selection expression near %v", tokens)
	}
	return r.resolveAtom(tokens[0])
}

func (r *Repository) indexByTokens(tokens []token, defaultAtom string) (float64, error) {
	if len(tokens) == 0 {
		tokens = []token{{text: defaultAtom}}
	}
	if len(tokens) == 1 && tokens[0].isGroup {
		if len(tokens[0].resolved) != 1 {
			return 0, fmt.Errorf("repo: can only index a single revision specifier")
		}
		return float64(r.indexOf(tokens[0].resolved[0])), nil
	}
	if len(tokens) != 1 {
		return 0, fmt.Errorf("repo: can only index a single revision specifier")
	}
	spec := tokens[0].text
	if idx, ok := r.indexByDate(spec); ok {
		return idx, nil
	}
	rev, err := r.find(spec)
	if err != nil {
		return 0, err
	}
	return float64(r.indexOf(rev)), nil
}

func (r *Repository) indexOf(rev *revision.Revision) int {
	for i, h := range r.history {
		if h.UUID == rev.UUID {
			return i
		}
	}
	return -1
}

// indexByDate resolves an ISO-8601 timestamp token to a (possibly
// fractional) history index (spec §4.3 "..": date-token resolution).
func (r *Repository) indexByDate(spec string) (float64, bool) {
	date, err := time.Parse(time.RFC3339, spec)
	if err != nil {
		return 0, false
	}
	left := -1
	for i, rev := range r.history {
		if !rev.Timestamp.After(date) {
			left = i
		}
	}
	right := len(r.history)
	for i := len(r.history) - 1; i >= 0; i-- {
		if !r.history[i].Timestamp.Before(date) {
			right = i
		}
	}
	if right-left > 1 {
		return 0, false
	}
	return float64(left+right) / 2.0, true
}

func (r *Repository) resolveAtom(t token) ([]*revision.Revision, error) {
	if t.isGroup {
		return t.resolved, nil
	}
	text := t.text
	switch {
	case strings.HasPrefix(text, "server:"):
		server := strings.TrimPrefix(text, "server:")
		var out []*revision.Revision
		for _, rev := range r.history {
			if rev.Server == server {
				out = append(out, rev)
			}
		}
		return out, nil
	case strings.HasPrefix(text, "tag:"):
		tag := strings.TrimPrefix(text, "tag:")
		var out []*revision.Revision
		for _, rev := range r.history {
			if _, ok := rev.Tags[tag]; ok {
				out = append(out, rev)
			}
		}
		return out, nil
	case strings.HasPrefix(text, "trust:"):
		trust := revision.Trust(strings.ToLower(strings.TrimPrefix(text, "trust:")))
		var out []*revision.Revision
		for _, rev := range r.history {
			if rev.Trust == trust {
				out = append(out, rev)
			}
		}
		return out, nil
	case text == "all":
		return append([]*revision.Revision(nil), r.history...), nil
	case text == "clean":
		return r.CleanHistory(), nil
	case text == "local":
		return r.resolveAtom(token{text: "server:"})
	case text == "remote":
		return r.findRevisions([]token{{text: "not"}, {text: "("}, {text: "server:"}, {text: ")"}})
	default:
		rev, err := r.find(text)
		if err != nil {
			return nil, err
		}
		return []*revision.Revision{rev}, nil
	}
}

// find locates a single revision by relative number, UUID, or tag
// keyword (spec §4.3, grounded on Repository.find in the original).
func (r *Repository) find(spec string) (*revision.Revision, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || len(r.history) == 0 {
		return nil, fmt.Errorf("repo: no such revision %q", spec)
	}
	if rev, err := r.findByNumber(spec); err == nil {
		return rev, nil
	}
	if rev, ok := r.byUUID[spec]; ok {
		return rev, nil
	}
	if rev, err := r.findByTagKeyword(spec); err == nil {
		return rev, nil
	}
	r.log.Warn("find-rev-not-found", "spec", spec)
	return nil, fmt.Errorf("repo: no such revision %q", spec)
}

func (r *Repository) findByNumber(spec string) (*revision.Revision, error) {
	n, err := strconv.Atoi(spec)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("repo: integer revisions must be positive")
	}
	idx := len(r.history) - 1 - n
	if idx < 0 || idx >= len(r.history) {
		return nil, fmt.Errorf("repo: revision index %d out of range", n)
	}
	return r.history[idx], nil
}

func (r *Repository) findByTagKeyword(spec string) (*revision.Revision, error) {
	switch spec {
	case "last", "latest":
		return r.history[len(r.history)-1], nil
	case "first":
		return r.history[0], nil
	}
	return nil, fmt.Errorf("repo: not a keyword: %q", spec)
}

func lastParenGroup(tokens []token) (open, close int, ok bool) {
	open = -1
	for i, t := range tokens {
		if !t.isGroup && t.text == "(" {
			open = i
		}
	}
	if open < 0 {
		return 0, 0, false
	}
	for i := open + 1; i < len(tokens); i++ {
		if !tokens[i].isGroup && tokens[i].text == ")" {
			return open, i, true
		}
	}
	return 0, 0, false
}

func indexOfText(tokens []token, text string) int {
	for i, t := range tokens {
		if !t.isGroup && t.text == text {
			return i
		}
	}
	return -1
}

func uniqueRevisions(in []*revision.Revision) []*revision.Revision {
	seen := make(map[string]struct{}, len(in))
	out := make([]*revision.Revision, 0, len(in))
	for _, rev := range in {
		if _, ok := seen[rev.UUID]; ok {
			continue
		}
		seen[rev.UUID] = struct{}{}
		out = append(out, rev)
	}
	return out
}

func intersectRevisions(a, b []*revision.Revision) []*revision.Revision {
	inB := make(map[string]struct{}, len(b))
	for _, rev := range b {
		inB[rev.UUID] = struct{}{}
	}
	var out []*revision.Revision
	for _, rev := range a {
		if _, ok := inB[rev.UUID]; ok {
			out = append(out, rev)
		}
	}
	return out
}
