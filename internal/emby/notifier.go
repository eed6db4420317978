// Package emby pushes library refresh notifications to an Emby (or
// Jellyfin) server after the mirror changes.
package emby

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/graysui/graylink/internal/errkind"
	"github.com/graysui/graylink/internal/symlink"
)

// UpdateType is the refresh hint sent with each path.
type UpdateType string

const (
	UpdateCreated  UpdateType = "Created"
	UpdateModified UpdateType = "Modified"
	UpdateDeleted  UpdateType = "Deleted"
)

// Update is one changed library path.
type Update struct {
	Path       string     `json:"Path"`
	UpdateType UpdateType `json:"UpdateType"`
}

// mediaUpdateRequest is the wire shape of /Library/Media/Updated.
type mediaUpdateRequest struct {
	Updates []Update `json:"Updates"`
}

// Subtitle files do not show up in the library as items of their own;
// Emby only picks them up when the containing directory is rescanned.
var subtitleExts = map[string]bool{
	".srt": true, ".ass": true, ".ssa": true, ".sub": true,
}

// Config configures the notifier.
type Config struct {
	// Host is the server base URL without a trailing slash.
	Host string
	// APIKey is sent as X-Emby-Token.
	APIKey string
	// Retries is how many extra attempts a failed notification gets.
	Retries int
	// Delay is the pause between attempts.
	Delay time.Duration
	// Disabled turns the notifier into a no-op.
	Disabled bool
	Logger   *log.Logger
}

// Notifier batches library updates to the media server. Notification
// is best effort: the mirror is already correct when Notify runs, so a
// server that stays unreachable costs a delayed library refresh and
// nothing else.
type Notifier struct {
	cfg  Config
	http *http.Client
}

// New creates a notifier.
func New(cfg Config) *Notifier {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[emby] ", log.LstdFlags)
	}
	return &Notifier{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Enabled reports whether notifications will actually be sent.
func (n *Notifier) Enabled() bool {
	return !n.cfg.Disabled && n.cfg.Host != ""
}

// NotifyResult translates one materializer pass into library updates
// and sends them.
func (n *Notifier) NotifyResult(ctx context.Context, res symlink.Result) error {
	var updates []Update
	for _, p := range res.Created {
		updates = append(updates, pathUpdate(p, UpdateCreated))
	}
	for _, p := range res.Updated {
		updates = append(updates, pathUpdate(p, UpdateModified))
	}
	for _, p := range res.Removed {
		updates = append(updates, pathUpdate(p, UpdateDeleted))
	}
	return n.Notify(ctx, updates)
}

// pathUpdate maps a link path to the update Emby should receive. A
// subtitle gets reported as a modification of its parent directory.
func pathUpdate(path string, t UpdateType) Update {
	if subtitleExts[strings.ToLower(filepath.Ext(path))] {
		return Update{Path: filepath.Dir(path), UpdateType: UpdateModified}
	}
	return Update{Path: path, UpdateType: t}
}

// Notify sends the given updates, deduplicated, with retries.
func (n *Notifier) Notify(ctx context.Context, updates []Update) error {
	if !n.Enabled() || len(updates) == 0 {
		return nil
	}

	// Subtitle folding makes duplicates likely.
	seen := make(map[Update]bool, len(updates))
	deduped := updates[:0]
	for _, u := range updates {
		if seen[u] {
			continue
		}
		seen[u] = true
		deduped = append(deduped, u)
	}

	var err error
	for attempt := 0; attempt <= n.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.cfg.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			n.cfg.Logger.Printf("retrying notification, attempt %d/%d", attempt+1, n.cfg.Retries+1)
		}
		if err = n.send(ctx, deduped); err == nil {
			n.cfg.Logger.Printf("notified server of %d update(s)", len(deduped))
			return nil
		}
	}
	return errkind.New(errkind.Notification, err).WithAttempts(n.cfg.Retries + 1)
}

func (n *Notifier) send(ctx context.Context, updates []Update) error {
	body, err := json.Marshal(mediaUpdateRequest{Updates: updates})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.cfg.Host+"/Library/Media/Updated", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Emby-Token", n.cfg.APIKey)

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errkind.Newf(errkind.Notification, "server returned %s: %s", resp.Status, string(msg))
	}
	return nil
}
