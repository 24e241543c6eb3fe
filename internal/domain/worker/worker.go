// Package worker implements the claim/download/deliver loop that drains the
// job queue: claim the oldest queued job, hand it to a downloader, and
// deliver the outcome to the bot through a callback.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"clipqueue/internal/adapters/callbackclient"
	"clipqueue/internal/domain/jobstore"
	"clipqueue/internal/infra/logger"
)

// Downloader is the external downloader contract (out of scope for this
// repository): given a normalized URL and platform, it either returns result
// metadata or an error. A platform-specific retry heuristic (e.g. the
// twitter-api-dependency retry) is the downloader's own responsibility; this
// package only sees the terminal outcome.
type Downloader interface {
	Download(ctx context.Context, normalizedURL, platform string) (map[string]any, error)
}

// Worker drains jobstore.Store, handing claimed jobs to a Downloader and
// reporting outcomes through a callbackclient.Client.
type Worker struct {
	store      *jobstore.Store
	downloader Downloader
	callback   *callbackclient.Client
	id         string
	poll       time.Duration
}

// BuildID returns a worker identity of the form "<hostname>:<pid>", recorded
// on claimed jobs for diagnostics.
func BuildID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// New builds a Worker. poll is the sleep interval between empty claim
// attempts.
func New(store *jobstore.Store, downloader Downloader, callback *callbackclient.Client, id string, poll time.Duration) *Worker {
	return &Worker{
		store:      store,
		downloader: downloader,
		callback:   callback,
		id:         id,
		poll:       poll,
	}
}

// Run claims and processes jobs until ctx is canceled. If runOnce is true it
// processes at most one job (or none, if the queue is empty) and returns.
func (w *Worker) Run(ctx context.Context, runOnce bool) error {
	logger.Infof("worker started worker_id=%s poll=%s", w.id, w.poll)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		job, err := w.store.ClaimNext(w.id)
		if err != nil {
			return err
		}
		if job == nil {
			if runOnce {
				logger.Infof("no queued jobs, exiting (run-once)")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.poll):
			}
			continue
		}

		w.processJob(ctx, job)

		if runOnce {
			logger.Infof("processed one job, exiting (run-once)")
			return nil
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *jobstore.Job) {
	logger.Infof("claimed job job_id=%s platform=%s attempt=%d/%d", job.JobID, job.Platform, job.Attempts, job.MaxAttempts)

	w.deliverEvent(ctx, eventFromJob(job, "started"))

	result, err := w.downloader.Download(ctx, job.NormalizedURL, job.Platform)
	if err != nil {
		w.handleDownloadFailure(ctx, job, err)
		return
	}

	finished, err := w.store.MarkDone(job.JobID, result)
	if err != nil {
		logger.Errorf("mark done failed job_id=%s error=%v", job.JobID, err)
		return
	}

	w.deliverEvent(ctx, eventFromJob(finished, "done"))
	logger.Infof("job done job_id=%s", job.JobID)
}

func (w *Worker) handleDownloadFailure(ctx context.Context, job *jobstore.Job, downloadErr error) {
	logger.Errorf("download failed job_id=%s error=%v", job.JobID, downloadErr)

	updated, err := w.store.MarkFailedOrRetry(job.JobID, downloadErr.Error())
	if err != nil {
		logger.Errorf("mark failed/retry failed job_id=%s error=%v", job.JobID, err)
		return
	}

	switch updated.Status {
	case jobstore.StatusQueued:
		logger.Warnf("job failed and re-queued job_id=%s attempts=%d/%d", job.JobID, updated.Attempts, updated.MaxAttempts)
	case jobstore.StatusFailed:
		logger.Errorf("job failed permanently job_id=%s", job.JobID)
		w.deliverEvent(ctx, eventFromJob(updated, "failed"))
	}
}

// deliverEvent sends event through the callback client and records the
// delivery attempt via MarkNotification regardless of outcome — a delivery
// failure is logged but never fails the job itself.
func (w *Worker) deliverEvent(ctx context.Context, event callbackclient.Event) {
	callbackErr := ""
	if err := w.callback.Send(ctx, event); err != nil {
		logger.Warnf("callback delivery failed event_id=%s error=%v", event.EventID, err)
		callbackErr = err.Error()
	}
	if _, err := w.store.MarkNotification(event.JobID, event.EventID, callbackErr); err != nil {
		logger.Errorf("mark notification failed job_id=%s error=%v", event.JobID, err)
	}
}

func eventFromJob(job *jobstore.Job, status string) callbackclient.Event {
	subscribers := make([]callbackclient.Subscriber, len(job.Subscribers))
	for i, sub := range job.Subscribers {
		subscribers[i] = callbackclient.Subscriber{
			ChatID:    sub.ChatID,
			MessageID: sub.MessageID,
			ThreadID:  sub.ThreadID,
		}
	}
	return callbackclient.Event{
		EventID:     fmt.Sprintf("%s:%s:%d", job.JobID, status, job.Attempts),
		JobID:       job.JobID,
		Status:      status,
		Platform:    job.Platform,
		InputURL:    job.InputURL,
		Result:      job.Result,
		Error:       job.Error,
		Subscribers: subscribers,
	}
}
