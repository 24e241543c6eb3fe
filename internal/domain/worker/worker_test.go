package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"clipqueue/internal/adapters/callbackclient"
	"clipqueue/internal/domain/jobstore"
	"clipqueue/internal/infra/clock"
)

type fakeDownloader struct {
	result map[string]any
	err    error
}

func (f *fakeDownloader) Download(ctx context.Context, normalizedURL, platform string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type recordingCallbackServer struct {
	mu     sync.Mutex
	events []callbackclient.Event
	srv    *httptest.Server
}

func newRecordingCallbackServer(t *testing.T) *recordingCallbackServer {
	t.Helper()
	rs := &recordingCallbackServer{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event callbackclient.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rs.mu.Lock()
		rs.events = append(rs.events, event)
		rs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *recordingCallbackServer) statuses() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, len(rs.events))
	for i, e := range rs.events {
		out[i] = e.Status
	}
	return out
}

func newCallbackClient(t *testing.T, rawURL string) *callbackclient.Client {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return callbackclient.New(host, port, "test-token", 1, time.Millisecond)
}

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	dir := t.TempDir()
	return jobstore.Open(
		filepath.Join(dir, "queue.jsonl"),
		filepath.Join(dir, "results.jsonl"),
		filepath.Join(dir, "queue.lock"),
		100,
		clock.Real(),
	)
}

func TestWorkerRunOnceDeliversDoneEvents(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.EnqueueMany(jobstore.Subscriber{ChatID: 1, MessageID: 1}, []jobstore.NewJob{
		{InputURL: "https://tiktok.com/@a/video/1", NormalizedURL: "https://tiktok.com/@a/video/1", Platform: "tiktok", MaxAttempts: 3},
	}); err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}

	rs := newRecordingCallbackServer(t)
	client := newCallbackClient(t, rs.srv.URL)
	downloader := &fakeDownloader{result: map[string]any{"file_path": "/tmp/out.mp4"}}

	w := New(store, downloader, client, "test-worker", time.Millisecond)
	if err := w.Run(context.Background(), true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	statuses := rs.statuses()
	if len(statuses) != 2 || statuses[0] != "started" || statuses[1] != "done" {
		t.Fatalf("expected [started done], got %v", statuses)
	}
}

func TestWorkerRunOnceWithEmptyQueueReturnsImmediately(t *testing.T) {
	store := newTestStore(t)
	rs := newRecordingCallbackServer(t)
	client := newCallbackClient(t, rs.srv.URL)
	downloader := &fakeDownloader{}

	w := New(store, downloader, client, "test-worker", time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), true) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly on empty queue with runOnce=true")
	}
}

func TestWorkerRetriesThenFailsPermanently(t *testing.T) {
	store := newTestStore(t)
	jobs, err := store.EnqueueMany(jobstore.Subscriber{ChatID: 1, MessageID: 1}, []jobstore.NewJob{
		{InputURL: "https://tiktok.com/@a/video/1", NormalizedURL: "https://tiktok.com/@a/video/1", Platform: "tiktok", MaxAttempts: 2},
	})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}

	rs := newRecordingCallbackServer(t)
	client := newCallbackClient(t, rs.srv.URL)
	downloader := &fakeDownloader{err: context.DeadlineExceeded}

	w := New(store, downloader, client, "test-worker", time.Millisecond)
	if err := w.Run(context.Background(), true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := store.GetJob(jobs[0].Job.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != jobstore.StatusQueued {
		t.Fatalf("expected job re-queued after first failure, got %s", job.Status)
	}

	if err := w.Run(context.Background(), true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err = store.GetJob(jobs[0].Job.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != jobstore.StatusFailed {
		t.Fatalf("expected job terminally failed, got %s", job.Status)
	}

	statuses := rs.statuses()
	if len(statuses) != 3 || statuses[0] != "started" || statuses[1] != "started" || statuses[2] != "failed" {
		t.Fatalf("expected [started started failed], got %v", statuses)
	}
}
