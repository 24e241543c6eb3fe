package jobstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// fakeClock returns a strictly increasing sequence of timestamps one second
// apart, starting at base, so claim ordering tests don't depend on wall time.
func fakeClock(base time.Time) func() time.Time {
	t := base
	return func() time.Time {
		cur := t
		t = t.Add(time.Second)
		return cur
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return Open(
		filepath.Join(dir, "queue.jsonl"),
		filepath.Join(dir, "results.jsonl"),
		filepath.Join(dir, "queue.lock"),
		minCompactAfterLines,
		fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	)
}

func subA() Subscriber { return Subscriber{ChatID: 1, MessageID: 10} }
func subB() Subscriber { return Subscriber{ChatID: 2, MessageID: 20} }

func TestEnqueueManyAssignsIDsAndQueuedStatus(t *testing.T) {
	s := newTestStore(t)

	results, err := s.EnqueueMany(subA(), []NewJob{
		{InputURL: "https://tiktok.com/@a/video/1", NormalizedURL: "https://tiktok.com/@a/video/1", Platform: "tiktok", MaxAttempts: 3},
		{InputURL: "https://instagram.com/reel/abc", NormalizedURL: "https://instagram.com/reel/abc", Platform: "instagram", MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(results))
	}
	for _, r := range results {
		if r.Job.JobID == "" {
			t.Error("expected non-empty job id")
		}
		if r.Job.Status != StatusQueued {
			t.Errorf("expected status queued, got %s", r.Job.Status)
		}
		if r.Deduplicated {
			t.Error("expected first enqueue of a normalized_url to not be deduplicated")
		}
	}
	if results[0].Job.JobID == results[1].Job.JobID {
		t.Error("expected distinct job ids")
	}
}

func TestEnqueueManyDedupsByNormalizedURLAndMergesSubscribers(t *testing.T) {
	s := newTestStore(t)

	first, err := s.EnqueueMany(subA(), []NewJob{
		{InputURL: "https://instagram.com/reel/ABC123/", NormalizedURL: "https://instagram.com/reel/ABC123", Platform: "instagram", MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if first[0].Deduplicated {
		t.Fatal("expected first enqueue to not be deduplicated")
	}
	jobID := first[0].Job.JobID

	second, err := s.EnqueueMany(subB(), []NewJob{
		{InputURL: "https://instagram.com/reel/ABC123/?igshid=xyz", NormalizedURL: "https://instagram.com/reel/ABC123", Platform: "instagram", MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if !second[0].Deduplicated {
		t.Fatal("expected second enqueue of the same normalized_url to be deduplicated")
	}
	if second[0].Job.JobID != jobID {
		t.Fatalf("expected same job_id, got %s want %s", second[0].Job.JobID, jobID)
	}

	job, err := s.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if len(job.Subscribers) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(job.Subscribers))
	}
}

func TestEnqueueManyIsIdempotentForSameSubscriberIdentity(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 2; i++ {
		if _, err := s.EnqueueMany(subA(), []NewJob{
			{InputURL: "u1", NormalizedURL: "u1", Platform: "tiktok", MaxAttempts: 3},
		}); err != nil {
			t.Fatalf("EnqueueMany: %v", err)
		}
	}

	jobs, _, err := s.materialize()
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly 1 job, got %d", len(jobs))
	}
	for _, j := range jobs {
		if len(j.Subscribers) != 1 {
			t.Fatalf("expected re-enqueuing the same subscriber identity to not grow subscribers, got %d", len(j.Subscribers))
		}
	}
}

func TestEnqueueManyTreatsJobsCreatedWithinTheSameCallAsActive(t *testing.T) {
	s := newTestStore(t)

	results, err := s.EnqueueMany(subA(), []NewJob{
		{InputURL: "u1", NormalizedURL: "same", Platform: "tiktok", MaxAttempts: 3},
		{InputURL: "u1-again", NormalizedURL: "same", Platform: "tiktok", MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if results[0].Deduplicated {
		t.Fatal("expected first occurrence to not be deduplicated")
	}
	if !results[1].Deduplicated {
		t.Fatal("expected second occurrence within the same call to be deduplicated against the first")
	}
	if results[0].Job.JobID != results[1].Job.JobID {
		t.Fatal("expected both rows to reference the same job_id")
	}
}

func TestEnqueueManyCreatesNewJobForTerminatedURL(t *testing.T) {
	s := newTestStore(t)

	first, err := s.EnqueueMany(subA(), []NewJob{{InputURL: "u1", NormalizedURL: "u1", Platform: "tiktok", MaxAttempts: 1}})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	jobID := first[0].Job.JobID

	claimed, err := s.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := s.MarkFailedOrRetry(claimed.JobID, "boom"); err != nil {
		t.Fatalf("MarkFailedOrRetry: %v", err)
	}

	second, err := s.EnqueueMany(subB(), []NewJob{{InputURL: "u1", NormalizedURL: "u1", Platform: "tiktok", MaxAttempts: 1}})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if second[0].Deduplicated {
		t.Fatal("expected a fresh job for a URL whose only prior job is terminal")
	}
	if second[0].Job.JobID == jobID {
		t.Fatal("expected a distinct job_id from the terminated job")
	}
}

func TestClaimNextOrdersByCreatedAtThenJobID(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.EnqueueMany(subA(), []NewJob{
		{InputURL: "u1", NormalizedURL: "u1", MaxAttempts: 3},
		{InputURL: "u2", NormalizedURL: "u2", MaxAttempts: 3},
	}); err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}

	first, err := s.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first == nil {
		t.Fatal("expected a claimed job, got nil")
	}
	if first.InputURL != "u1" {
		t.Errorf("expected u1 claimed first, got %s", first.InputURL)
	}
	if first.Status != StatusRunning {
		t.Errorf("expected status running, got %s", first.Status)
	}
	if first.ClaimedBy != "worker-1" {
		t.Errorf("expected claimed_by worker-1, got %s", first.ClaimedBy)
	}
	if first.Attempts != 1 {
		t.Errorf("expected attempts incremented to 1 on claim, got %d", first.Attempts)
	}

	second, err := s.ClaimNext("worker-2")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second.InputURL != "u2" {
		t.Errorf("expected u2 claimed second, got %s", second.InputURL)
	}

	none, err := s.ClaimNext("worker-3")
	if err != nil {
		t.Fatalf("ClaimNext on empty queue: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil when nothing queued, got %+v", none)
	}
}

func TestMarkDoneRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	results, err := s.EnqueueMany(subA(), []NewJob{{InputURL: "u1", NormalizedURL: "u1", MaxAttempts: 3}})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}

	_, err = s.MarkDone(results[0].Job.JobID, map[string]any{"file": "out.mp4"})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for queued job, got %v", err)
	}

	claimed, err := s.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	done, err := s.MarkDone(claimed.JobID, map[string]any{"file": "out.mp4"})
	if err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if done.Status != StatusDone {
		t.Errorf("expected status done, got %s", done.Status)
	}
	if done.Result["file"] != "out.mp4" {
		t.Errorf("expected result file out.mp4, got %v", done.Result)
	}
}

func TestMarkFailedOrRetryLoopsUntilMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	results, err := s.EnqueueMany(subA(), []NewJob{{InputURL: "u1", NormalizedURL: "u1", MaxAttempts: 2}})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	jobID := results[0].Job.JobID

	claimed, err := s.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	afterFirst, err := s.MarkFailedOrRetry(claimed.JobID, "download timed out")
	if err != nil {
		t.Fatalf("MarkFailedOrRetry: %v", err)
	}
	if afterFirst.Status != StatusQueued {
		t.Errorf("expected requeue after first failure, got %s", afterFirst.Status)
	}
	if afterFirst.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", afterFirst.Attempts)
	}

	claimed2, err := s.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed2.JobID != jobID {
		t.Fatalf("expected same job reclaimed, got %s", claimed2.JobID)
	}
	if claimed2.Attempts != 2 {
		t.Fatalf("expected attempts 2 after second claim, got %d", claimed2.Attempts)
	}
	afterSecond, err := s.MarkFailedOrRetry(claimed2.JobID, "download timed out again")
	if err != nil {
		t.Fatalf("MarkFailedOrRetry: %v", err)
	}
	if afterSecond.Status != StatusFailed {
		t.Errorf("expected terminal failed status at max attempts, got %s", afterSecond.Status)
	}
	if afterSecond.Error == "" {
		t.Error("expected error message recorded on terminal failure")
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob("does-not-exist")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCompactionCollapsesToOneLinePerJob(t *testing.T) {
	dir := t.TempDir()
	s := Open(
		filepath.Join(dir, "queue.jsonl"),
		filepath.Join(dir, "results.jsonl"),
		filepath.Join(dir, "queue.lock"),
		minCompactAfterLines, // floor enforced regardless of requested value
		fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	)

	results, err := s.EnqueueMany(subA(), []NewJob{{InputURL: "u1", NormalizedURL: "u1", MaxAttempts: 5}})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	jobID := results[0].Job.JobID

	for i := 0; i < minCompactAfterLines+5; i++ {
		if _, err := s.Requeue(jobID); err != nil {
			t.Fatalf("Requeue: %v", err)
		}
	}

	jobs2, lines, err := s.materialize()
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(jobs2) != 1 {
		t.Fatalf("expected exactly 1 job after many transitions, got %d", len(jobs2))
	}
	if lines >= minCompactAfterLines {
		t.Fatalf("expected queue file compacted below %d lines, got %d", minCompactAfterLines, lines)
	}
}

func TestRequeueResetsAttempts(t *testing.T) {
	s := newTestStore(t)
	results, err := s.EnqueueMany(subA(), []NewJob{{InputURL: "u1", NormalizedURL: "u1", MaxAttempts: 1}})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	claimed, err := s.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	failed, err := s.MarkFailedOrRetry(claimed.JobID, "boom")
	if err != nil {
		t.Fatalf("MarkFailedOrRetry: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("expected terminal failed, got %s", failed.Status)
	}

	requeued, err := s.Requeue(results[0].Job.JobID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.Status != StatusQueued {
		t.Errorf("expected status queued after requeue, got %s", requeued.Status)
	}
	if requeued.Attempts != 0 {
		t.Errorf("expected attempts reset to 0, got %d", requeued.Attempts)
	}
}

func TestCountsReflectsCurrentStatuses(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnqueueMany(subA(), []NewJob{
		{InputURL: "u1", NormalizedURL: "u1", MaxAttempts: 3},
		{InputURL: "u2", NormalizedURL: "u2", MaxAttempts: 3},
	}); err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if _, err := s.ClaimNext("worker-1"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[StatusQueued] != 1 {
		t.Errorf("expected 1 queued, got %d", counts[StatusQueued])
	}
	if counts[StatusRunning] != 1 {
		t.Errorf("expected 1 running, got %d", counts[StatusRunning])
	}
}

func TestMarkNotificationTracksEventIDAttemptsAndError(t *testing.T) {
	s := newTestStore(t)
	results, err := s.EnqueueMany(subA(), []NewJob{{InputURL: "u1", NormalizedURL: "u1", MaxAttempts: 3}})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	jobID := results[0].Job.JobID

	updated, err := s.MarkNotification(jobID, jobID+":started:1", "")
	if err != nil {
		t.Fatalf("MarkNotification: %v", err)
	}
	if updated.Notification.LastEventID != jobID+":started:1" {
		t.Errorf("expected last_event_id recorded, got %q", updated.Notification.LastEventID)
	}
	if updated.Notification.CallbackAttempts != 1 {
		t.Errorf("expected callback_attempts 1, got %d", updated.Notification.CallbackAttempts)
	}
	if updated.Notification.CallbackError != "" {
		t.Errorf("expected empty callback_error on success, got %q", updated.Notification.CallbackError)
	}

	updated, err = s.MarkNotification(jobID, jobID+":done:1", "connection refused")
	if err != nil {
		t.Fatalf("MarkNotification: %v", err)
	}
	if updated.Notification.CallbackAttempts != 2 {
		t.Errorf("expected callback_attempts incremented to 2, got %d", updated.Notification.CallbackAttempts)
	}
	if updated.Notification.CallbackError != "connection refused" {
		t.Errorf("expected callback_error recorded, got %q", updated.Notification.CallbackError)
	}
}
