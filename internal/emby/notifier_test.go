package emby

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graysui/graylink/internal/errkind"
	"github.com/graysui/graylink/internal/symlink"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func decodeUpdates(t *testing.T, r *http.Request) []Update {
	t.Helper()
	var req mediaUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	return req.Updates
}

func TestNotifySendsUpdates(t *testing.T) {
	var gotToken string
	var gotUpdates []Update
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Library/Media/Updated" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotToken = r.Header.Get("X-Emby-Token")
		gotUpdates = decodeUpdates(t, r)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(Config{Host: srv.URL, APIKey: "key123", Logger: testLogger()})
	err := n.NotifyResult(context.Background(), symlink.Result{
		Created: []string{"/media/movies/a.mkv"},
		Updated: []string{"/media/movies/b.mkv"},
		Removed: []string{"/media/movies/c.mkv"},
	})
	if err != nil {
		t.Fatalf("NotifyResult() failed: %v", err)
	}

	if gotToken != "key123" {
		t.Errorf("token = %q, want key123", gotToken)
	}
	want := []Update{
		{Path: "/media/movies/a.mkv", UpdateType: UpdateCreated},
		{Path: "/media/movies/b.mkv", UpdateType: UpdateModified},
		{Path: "/media/movies/c.mkv", UpdateType: UpdateDeleted},
	}
	if len(gotUpdates) != len(want) {
		t.Fatalf("got %d updates, want %d", len(gotUpdates), len(want))
	}
	for i := range want {
		if gotUpdates[i] != want[i] {
			t.Errorf("update %d = %+v, want %+v", i, gotUpdates[i], want[i])
		}
	}
}

func TestSubtitleNotifiesParentDirectory(t *testing.T) {
	var gotUpdates []Update
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUpdates = decodeUpdates(t, r)
	}))
	defer srv.Close()

	n := New(Config{Host: srv.URL, Logger: testLogger()})
	err := n.NotifyResult(context.Background(), symlink.Result{
		Created: []string{
			"/media/movies/inception/inception.srt",
			"/media/movies/inception/inception.en.ass",
		},
	})
	if err != nil {
		t.Fatalf("NotifyResult() failed: %v", err)
	}

	// Both subtitles fold into one refresh of the containing folder.
	if len(gotUpdates) != 1 {
		t.Fatalf("got %d updates, want 1: %+v", len(gotUpdates), gotUpdates)
	}
	want := Update{Path: "/media/movies/inception", UpdateType: UpdateModified}
	if gotUpdates[0] != want {
		t.Errorf("update = %+v, want %+v", gotUpdates[0], want)
	}
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(Config{Host: srv.URL, Retries: 3, Delay: time.Millisecond, Logger: testLogger()})
	err := n.Notify(context.Background(), []Update{{Path: "/media/a.mkv", UpdateType: UpdateCreated}})
	if err != nil {
		t.Fatalf("Notify() failed after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3", calls.Load())
	}
}

func TestNotifyGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(Config{Host: srv.URL, Retries: 2, Delay: time.Millisecond, Logger: testLogger()})
	err := n.Notify(context.Background(), []Update{{Path: "/media/a.mkv", UpdateType: UpdateCreated}})
	if err == nil {
		t.Fatal("Notify() should fail when the server stays down")
	}
	if !errkind.Is(err, errkind.Notification) {
		t.Errorf("error kind of %v is not Notification", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestDisabledNotifierIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disabled notifier sent a request")
	}))
	defer srv.Close()

	n := New(Config{Host: srv.URL, Disabled: true, Logger: testLogger()})
	if n.Enabled() {
		t.Error("Enabled() true while disabled")
	}
	if err := n.Notify(context.Background(), []Update{{Path: "/a", UpdateType: UpdateCreated}}); err != nil {
		t.Errorf("Notify() on disabled notifier failed: %v", err)
	}
}

func TestEmptyUpdateListSendsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty update list produced a request")
	}))
	defer srv.Close()

	n := New(Config{Host: srv.URL, Logger: testLogger()})
	if err := n.NotifyResult(context.Background(), symlink.Result{}); err != nil {
		t.Errorf("NotifyResult() with empty result failed: %v", err)
	}
}
