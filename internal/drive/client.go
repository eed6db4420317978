// Package drive talks to the remote storage change feed. The feed is
// a JSON endpoint that returns everything that changed since a given
// timestamp, plus the cursor to resume from.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/graysui/graylink/internal/errkind"
)

// Entry is one change reported by the feed.
type Entry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
	IsDir   bool      `json:"is_dir"`
	Removed bool      `json:"removed"`
}

// changesResponse is the wire shape of the feed endpoint.
type changesResponse struct {
	Entries []Entry   `json:"entries"`
	Next    time.Time `json:"next"`
}

// Client fetches change pages from the feed endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a feed client for the given base URL. token may be
// empty when the endpoint is unauthenticated.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Changes returns every entry changed since the given time along with
// the cursor the next call should resume from. The caller persists the
// cursor only after the entries have been applied, so a crash between
// the two replays the page.
func (c *Client) Changes(ctx context.Context, since time.Time) ([]Entry, time.Time, error) {
	u, err := url.Parse(c.baseURL + "/changes")
	if err != nil {
		return nil, time.Time{}, errkind.Newf(errkind.SourceQuery, "parsing feed URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, time.Time{}, errkind.Newf(errkind.SourceQuery, "building feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, time.Time{}, errkind.Newf(errkind.SourceQuery, "querying feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, time.Time{}, errkind.Newf(errkind.SourceQuery,
			"feed returned %s: %s", resp.Status, string(body))
	}

	var page changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, time.Time{}, errkind.Newf(errkind.SourceQuery, "decoding feed response: %w", err)
	}
	if page.Next.IsZero() {
		return nil, time.Time{}, errkind.Newf(errkind.SourceQuery, "feed response missing next cursor")
	}
	return page.Entries, page.Next, nil
}

// String identifies the client in logs without leaking the token.
func (c *Client) String() string {
	return fmt.Sprintf("feed(%s)", c.baseURL)
}
