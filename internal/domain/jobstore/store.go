package jobstore

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"clipqueue/internal/infra/clock"
	"clipqueue/internal/infra/filelock"
	"clipqueue/internal/infra/logger"
	"clipqueue/internal/infra/storage"
)

// minCompactAfterLines is the floor enforced on CompactAfterLines regardless
// of what a caller passes in, matching the config package's own floor so a
// Store built directly in a test can't be misconfigured into compacting on
// every single write.
const minCompactAfterLines = 100

// Store is the durable, lock-protected job queue. queueFile holds one JSON
// line per mutation (last line per job_id wins); resultsFile is an append-only
// audit trail of terminal transitions (done/failed) that is never compacted.
// lockFile is the flock target guarding every operation below — the Enqueue
// API, the worker, and the admin CLI may all be separate OS processes sharing
// the same three paths.
type Store struct {
	queueFile         string
	resultsFile       string
	lockFile          string
	compactAfterLines int
	clock             clock.Clock
}

// Open builds a Store over the given files. compactAfterLines below
// minCompactAfterLines is raised to the floor.
func Open(queueFile, resultsFile, lockFile string, compactAfterLines int, c clock.Clock) *Store {
	if compactAfterLines < minCompactAfterLines {
		compactAfterLines = minCompactAfterLines
	}
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		queueFile:         queueFile,
		resultsFile:       resultsFile,
		lockFile:          lockFile,
		compactAfterLines: compactAfterLines,
		clock:             c,
	}
}

// materialize reads queueFile line by line and keeps only the last line seen
// per job_id, returning the collapsed state and the total number of lines
// read (used for the compaction threshold). A torn or malformed trailing line
// — possible after a crash mid-append — is skipped with a warning, not a
// fatal error.
func (s *Store) materialize() (map[string]*Job, int, error) {
	f, err := os.Open(s.queueFile)
	if os.IsNotExist(err) {
		return make(map[string]*Job), 0, nil
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "open queue file")
	}
	defer func() { _ = f.Close() }()

	jobs := make(map[string]*Job)
	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(line), &j); err != nil {
			logger.Warnf("jobstore: skipping malformed queue line: %v", err)
			continue
		}
		lines++
		jobs[j.JobID] = &j
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "scan queue file")
	}
	return jobs, lines, nil
}

func (s *Store) appendQueueLine(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return storage.AppendLine(s.queueFile, data)
}

func (s *Store) appendResultLine(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return storage.AppendLine(s.resultsFile, data)
}

// maybeCompact rewrites queueFile to hold exactly one line per job_id once
// lineCount reaches compactAfterLines. Must be called with the lock already
// held by the caller.
func (s *Store) maybeCompact(jobs map[string]*Job, lineCount int) error {
	if lineCount < s.compactAfterLines {
		return nil
	}

	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf strings.Builder
	for _, id := range ids {
		data, err := json.Marshal(jobs[id])
		if err != nil {
			return errors.Wrap(err, "marshal job during compaction")
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := storage.AtomicWriteFile(s.queueFile, []byte(buf.String())); err != nil {
		return errors.Wrap(err, "compact queue file")
	}
	logger.Infof("jobstore: compacted queue file, %d jobs, was %d lines", len(jobs), lineCount)
	return nil
}

// EnqueueMany materializes the current queue, then for each input either
// attaches subscriber to an already-active (queued or running) job sharing
// its normalized_url, or creates a fresh job subscribed only by subscriber.
// A job created earlier within this same call is itself treated as active,
// so a second input URL equal to one just created dedupes against it
// instead of creating a sibling job.
func (s *Store) EnqueueMany(subscriber Subscriber, inputs []NewJob) ([]EnqueueResult, error) {
	var results []EnqueueResult
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, lineCount, err := s.materialize()
		if err != nil {
			return err
		}

		active := make(map[string]*Job, len(jobs))
		for _, j := range jobs {
			if j.Status == StatusQueued || j.Status == StatusRunning {
				active[j.NormalizedURL] = j
			}
		}

		results = make([]EnqueueResult, 0, len(inputs))
		appendedLines := 0
		for _, in := range inputs {
			now := s.clock()

			if existing, ok := active[in.NormalizedURL]; ok {
				sub := subscriber
				sub.RequestedAt = now
				if !existing.HasSubscriber(sub) {
					existing.Subscribers = append(existing.Subscribers, sub)
					existing.UpdatedAt = now
					if err := s.appendQueueLine(existing); err != nil {
						return err
					}
					appendedLines++
				}
				results = append(results, EnqueueResult{Job: existing.Clone(), Deduplicated: true})
				continue
			}

			sub := subscriber
			sub.RequestedAt = now
			j := &Job{
				JobID:         uuid.NewString(),
				InputURL:      in.InputURL,
				NormalizedURL: in.NormalizedURL,
				Platform:      in.Platform,
				Status:        StatusQueued,
				MaxAttempts:   in.MaxAttempts,
				CreatedAt:     now,
				UpdatedAt:     now,
				Subscribers:   []Subscriber{sub},
			}
			if err := s.appendQueueLine(j); err != nil {
				return err
			}
			appendedLines++
			jobs[j.JobID] = j
			active[j.NormalizedURL] = j
			results = append(results, EnqueueResult{Job: j.Clone(), Deduplicated: false})
		}

		return s.maybeCompact(jobs, lineCount+appendedLines)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ClaimNext atomically claims the oldest queued job, ordered by
// (created_at, job_id), and marks it running. Returns (nil, nil) — not an
// error — when no job is queued.
func (s *Store) ClaimNext(workerID string) (*Job, error) {
	var claimed *Job
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, lineCount, err := s.materialize()
		if err != nil {
			return err
		}

		var candidates []*Job
		for _, j := range jobs {
			if j.Status == StatusQueued {
				candidates = append(candidates, j)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, k int) bool {
			return claimOrderLess(candidates[i], candidates[k])
		})

		target := candidates[0]
		now := s.clock()
		target.Status = StatusRunning
		target.Attempts++
		target.Error = ""
		target.ClaimedBy = workerID
		target.ClaimedAt = &now
		target.UpdatedAt = now

		if err := s.appendQueueLine(target); err != nil {
			return err
		}
		out := target.Clone()
		claimed = &out

		return s.maybeCompact(jobs, lineCount+1)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDone transitions a running job to done, recording result. Appends to
// both the queue file and the results audit trail.
func (s *Store) MarkDone(jobID string, result map[string]any) (*Job, error) {
	var updated *Job
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, lineCount, err := s.materialize()
		if err != nil {
			return err
		}
		j, ok := jobs[jobID]
		if !ok {
			return ErrJobNotFound
		}
		if j.Status != StatusRunning {
			return ErrNotRunning
		}

		now := s.clock()
		j.Status = StatusDone
		j.Result = result
		j.Error = ""
		j.UpdatedAt = now

		if err := s.appendQueueLine(j); err != nil {
			return err
		}
		if err := s.appendResultLine(j); err != nil {
			return err
		}
		out := j.Clone()
		updated = &out

		return s.maybeCompact(jobs, lineCount+1)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkFailedOrRetry records a download failure on a running job. attempts was
// already incremented at claim time; if it remains below max_attempts the job
// loops back to queued for another claim, otherwise it becomes terminally
// failed and is recorded in the results audit trail.
func (s *Store) MarkFailedOrRetry(jobID string, errMsg string) (*Job, error) {
	var updated *Job
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, lineCount, err := s.materialize()
		if err != nil {
			return err
		}
		j, ok := jobs[jobID]
		if !ok {
			return ErrJobNotFound
		}
		if j.Status != StatusRunning {
			return ErrNotRunning
		}

		now := s.clock()
		j.UpdatedAt = now
		j.ClaimedBy = ""
		j.ClaimedAt = nil

		terminal := j.Attempts >= j.MaxAttempts
		if terminal {
			j.Status = StatusFailed
			j.Error = errMsg
		} else {
			j.Status = StatusQueued
			j.Error = ""
		}

		if err := s.appendQueueLine(j); err != nil {
			return err
		}
		if terminal {
			if err := s.appendResultLine(j); err != nil {
				return err
			}
		}
		out := j.Clone()
		updated = &out

		return s.maybeCompact(jobs, lineCount+1)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkNotification records the outcome of the worker's most recent callback
// delivery attempt for jobID, without altering the job's own status —
// idempotency and diagnostic bookkeeping, not a state transition. eventID is
// the id just (attempted to be) delivered; callbackErr is the delivery
// error's message, or "" on success.
func (s *Store) MarkNotification(jobID, eventID, callbackErr string) (*Job, error) {
	var updated *Job
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, lineCount, err := s.materialize()
		if err != nil {
			return err
		}
		j, ok := jobs[jobID]
		if !ok {
			return ErrJobNotFound
		}

		now := s.clock()
		j.Notification.LastEventID = eventID
		j.Notification.CallbackAttempts++
		j.Notification.CallbackError = callbackErr
		j.UpdatedAt = now

		if err := s.appendQueueLine(j); err != nil {
			return err
		}
		out := j.Clone()
		updated = &out

		return s.maybeCompact(jobs, lineCount+1)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetJob returns a copy of the current materialized state for jobID.
func (s *Store) GetJob(jobID string) (*Job, error) {
	var found *Job
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, _, err := s.materialize()
		if err != nil {
			return err
		}
		j, ok := jobs[jobID]
		if !ok {
			return ErrJobNotFound
		}
		out := j.Clone()
		found = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ListByStatus returns copies of all jobs currently in the given status,
// ordered by claim order. Used by the admin CLI's jobs command.
func (s *Store) ListByStatus(status Status) ([]Job, error) {
	var out []Job
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, _, err := s.materialize()
		if err != nil {
			return err
		}
		var matched []*Job
		for _, j := range jobs {
			if j.Status == status {
				matched = append(matched, j)
			}
		}
		sort.Slice(matched, func(i, k int) bool { return claimOrderLess(matched[i], matched[k]) })
		out = make([]Job, 0, len(matched))
		for _, j := range matched {
			out = append(out, j.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Counts returns the number of jobs in each status, for the admin CLI's
// status command.
func (s *Store) Counts() (map[Status]int, error) {
	counts := map[Status]int{}
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, _, err := s.materialize()
		if err != nil {
			return err
		}
		for _, j := range jobs {
			counts[j.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Requeue forces a job back to queued regardless of its current status,
// resetting attempts to 0. Used by the admin CLI to manually retry a job
// that failed terminally.
func (s *Store) Requeue(jobID string) (*Job, error) {
	var updated *Job
	err := filelock.WithLock(s.lockFile, func() error {
		jobs, lineCount, err := s.materialize()
		if err != nil {
			return err
		}
		j, ok := jobs[jobID]
		if !ok {
			return ErrJobNotFound
		}

		now := s.clock()
		j.Status = StatusQueued
		j.Attempts = 0
		j.Error = ""
		j.Result = nil
		j.ClaimedBy = ""
		j.ClaimedAt = nil
		j.UpdatedAt = now

		if err := s.appendQueueLine(j); err != nil {
			return err
		}
		out := j.Clone()
		updated = &out

		return s.maybeCompact(jobs, lineCount+1)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CompactNow forces compaction regardless of the line-count threshold. Used
// by the admin CLI's "compact" command.
func (s *Store) CompactNow() error {
	return filelock.WithLock(s.lockFile, func() error {
		jobs, _, err := s.materialize()
		if err != nil {
			return err
		}
		return s.maybeCompact(jobs, s.compactAfterLines)
	})
}
