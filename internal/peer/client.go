// Package peer implements the HTTP client and reconciliation logic a
// job uses to talk to the other daemons backing up the same
// replicated source (spec §4.5 leader election, push, pull).
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"backy/internal/scheduler"
)

// Config is one peer's entry in the daemon's configuration: the
// server name revisions carry, the base URL of its admin API, and the
// bearer token used to authenticate against it.
type Config struct {
	Name  string
	URL   string
	Token string
}

// Client talks to one peer daemon's admin HTTP API. It implements
// scheduler.PeerClient.
type Client struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client for one configured peer.
func New(cfg Config) *Client {
	return &Client{
		name:    cfg.Name,
		baseURL: cfg.URL,
		token:   cfg.Token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the peer's configured server name.
func (c *Client) Name() string { return c.name }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	full := c.baseURL + path
	if query != nil {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return nil, fmt.Errorf("peer: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("peer: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// FetchStatus fetches the filtered job-status list from this peer
// (GET /v1/status?filter=).
func (c *Client) FetchStatus(ctx context.Context, jobFilter string) ([]scheduler.Status, error) {
	q := url.Values{}
	if jobFilter != "" {
		q.Set("filter", jobFilter)
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/status", q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer: fetch-status %s: unexpected status %d", c.name, resp.StatusCode)
	}
	var statuses []scheduler.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("peer: decode status: %w", err)
	}
	return statuses, nil
}

// TouchBackup asks the peer to bump the named repository's mtime,
// signalling that we're about to pull from it.
func (c *Client) TouchBackup(ctx context.Context, job string) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/backups/"+job+"/touch", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("peer: touch-backup %s/%s: unexpected status %d", c.name, job, resp.StatusCode)
	}
	return nil
}

// RevisionRecord is the wire shape of one revision as returned by
// GET .../revs.
type RevisionRecord struct {
	UUID      string            `json:"uuid"`
	Timestamp time.Time         `json:"timestamp"`
	Parent    string            `json:"parent"`
	Tags      []string          `json:"tags"`
	OrigTags  []string          `json:"orig_tags,omitempty"`
	Trust     string            `json:"trust"`
	Server    string            `json:"server,omitempty"`
	Stats     map[string]any    `json:"stats,omitempty"`
}

// GetRevs fetches this peer's revision list for job, optionally
// restricted to clean (fully-backed-up) revisions.
func (c *Client) GetRevs(ctx context.Context, job string, onlyClean bool) ([]RevisionRecord, error) {
	q := url.Values{}
	if onlyClean {
		q.Set("only_clean", "1")
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/backups/"+job+"/revs", q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer: get-revs %s/%s: unexpected status %d", c.name, job, resp.StatusCode)
	}
	var revs []RevisionRecord
	if err := json.NewDecoder(resp.Body).Decode(&revs); err != nil {
		return nil, fmt.Errorf("peer: decode revs: %w", err)
	}
	return revs, nil
}

// TagsPutResult classifies the outcome of a PutTags call against the
// owning peer's 204/404/412/503 contract (spec §6).
type TagsPutResult int

const (
	TagsApplied TagsPutResult = iota
	TagsRevisionNotFound
	TagsPreconditionFailed
	TagsServiceUnavailable
)

// PutTags pushes a tag change for one revision to its owning peer
// (spec §4.5 "Push").
func (c *Client) PutTags(ctx context.Context, job, revSpec string, oldTags, newTags []string, autoremove bool) (TagsPutResult, error) {
	body, err := json.Marshal(struct {
		OldTags []string `json:"old_tags"`
		NewTags []string `json:"new_tags"`
	}{OldTags: oldTags, NewTags: newTags})
	if err != nil {
		return 0, fmt.Errorf("peer: marshal tags body: %w", err)
	}
	q := url.Values{}
	if autoremove {
		q.Set("autoremove", "1")
	} else {
		q.Set("autoremove", "0")
	}
	path := fmt.Sprintf("/v1/backups/%s/revs/%s/tags", job, revSpec)
	resp, err := c.do(ctx, http.MethodPut, path, q, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return TagsApplied, nil
	case http.StatusNotFound:
		return TagsRevisionNotFound, nil
	case http.StatusPreconditionFailed:
		return TagsPreconditionFailed, nil
	case http.StatusServiceUnavailable:
		return TagsServiceUnavailable, nil
	default:
		return 0, fmt.Errorf("peer: put-tags %s/%s: unexpected status %d", c.name, job, resp.StatusCode)
	}
}
