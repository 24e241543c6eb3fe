package admin

import (
	"path/filepath"
	"testing"

	"clipqueue/internal/domain/accessstore"
	"clipqueue/internal/domain/jobstore"
	"clipqueue/internal/infra/clock"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	dir := t.TempDir()
	jobs := jobstore.Open(
		filepath.Join(dir, "queue.jsonl"),
		filepath.Join(dir, "results.jsonl"),
		filepath.Join(dir, "queue.lock"),
		100,
		clock.Real(),
	)
	access := accessstore.Open(
		filepath.Join(dir, "authorized.json"),
		filepath.Join(dir, "whitelist.txt"),
		filepath.Join(dir, "access.lock"),
	)
	return New(jobs, access)
}

func TestStatusReflectsBothStores(t *testing.T) {
	e := newTestExecutor(t)
	if _, err := e.jobs.EnqueueMany(jobstore.Subscriber{ChatID: 1, MessageID: 1}, []jobstore.NewJob{
		{InputURL: "https://tiktok.com/@a/video/1", NormalizedURL: "https://tiktok.com/@a/video/1", Platform: "tiktok", MaxAttempts: 3},
	}); err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if _, err := e.AuthorizeChat(100); err != nil {
		t.Fatalf("AuthorizeChat: %v", err)
	}
	if _, err := e.Whitelist(200); err != nil {
		t.Fatalf("Whitelist: %v", err)
	}

	report, err := e.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Counts[jobstore.StatusQueued] != 1 {
		t.Errorf("expected 1 queued job, got %d", report.Counts[jobstore.StatusQueued])
	}
	if report.AuthorizedChats != 1 {
		t.Errorf("expected 1 authorized chat, got %d", report.AuthorizedChats)
	}
	if report.WhitelistedUsers != 1 {
		t.Errorf("expected 1 whitelisted user, got %d", report.WhitelistedUsers)
	}
}

func TestListJobsWithAndWithoutStatusFilter(t *testing.T) {
	e := newTestExecutor(t)
	if _, err := e.jobs.EnqueueMany(jobstore.Subscriber{ChatID: 1, MessageID: 1}, []jobstore.NewJob{
		{InputURL: "u1", NormalizedURL: "u1", Platform: "tiktok", MaxAttempts: 3},
		{InputURL: "u2", NormalizedURL: "u2", Platform: "tiktok", MaxAttempts: 3},
	}); err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}

	all, err := e.ListJobs("")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs total, got %d", len(all))
	}

	queued, err := e.ListJobs(string(jobstore.StatusQueued))
	if err != nil {
		t.Fatalf("ListJobs(queued): %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(queued))
	}

	running, err := e.ListJobs(string(jobstore.StatusRunning))
	if err != nil {
		t.Fatalf("ListJobs(running): %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected 0 running jobs, got %d", len(running))
	}
}

func TestRequeueResetsAttemptsViaExecutor(t *testing.T) {
	e := newTestExecutor(t)
	created, err := e.jobs.EnqueueMany(jobstore.Subscriber{ChatID: 1, MessageID: 1}, []jobstore.NewJob{
		{InputURL: "u1", NormalizedURL: "u1", Platform: "tiktok", MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	jobID := created[0].Job.JobID

	claimed, err := e.jobs.ClaimNext("worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: job=%v err=%v", claimed, err)
	}
	if _, err := e.jobs.MarkFailedOrRetry(jobID, "boom"); err != nil {
		t.Fatalf("MarkFailedOrRetry: %v", err)
	}

	failed, err := e.ShowJob(jobID)
	if err != nil {
		t.Fatalf("ShowJob: %v", err)
	}
	if failed.Status != jobstore.StatusFailed {
		t.Fatalf("expected job to be terminally failed, got %s", failed.Status)
	}

	requeued, err := e.Requeue(jobID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.Status != jobstore.StatusQueued || requeued.Attempts != 0 {
		t.Fatalf("expected queued/0 attempts, got status=%s attempts=%d", requeued.Status, requeued.Attempts)
	}
}

func TestCompactNowSucceeds(t *testing.T) {
	e := newTestExecutor(t)
	if _, err := e.jobs.EnqueueMany(jobstore.Subscriber{ChatID: 1, MessageID: 1}, []jobstore.NewJob{
		{InputURL: "u1", NormalizedURL: "u1", Platform: "tiktok", MaxAttempts: 3},
	}); err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if err := e.CompactNow(); err != nil {
		t.Fatalf("CompactNow: %v", err)
	}
}

func TestAuthorizeRevokeWhitelistRoundTrip(t *testing.T) {
	e := newTestExecutor(t)

	added, err := e.AuthorizeChat(42)
	if err != nil || !added {
		t.Fatalf("AuthorizeChat: added=%v err=%v", added, err)
	}
	addedAgain, err := e.AuthorizeChat(42)
	if err != nil || addedAgain {
		t.Fatalf("expected second AuthorizeChat to report no-op, got added=%v err=%v", addedAgain, err)
	}

	removed, err := e.RevokeChat(42)
	if err != nil || !removed {
		t.Fatalf("RevokeChat: removed=%v err=%v", removed, err)
	}

	whitelisted, err := e.Whitelist(7)
	if err != nil || !whitelisted {
		t.Fatalf("Whitelist: whitelisted=%v err=%v", whitelisted, err)
	}
}
