// Package admin implements the operations behind the admin CLI: everything
// an operator can do to the job store and access store without going through
// the HTTP surfaces meant for the bot and the worker.
package admin

import (
	"fmt"
	"sort"
	"strings"

	"clipqueue/internal/domain/accessstore"
	"clipqueue/internal/domain/jobstore"
)

// Executor wraps a jobstore.Store and an accessstore.Store with the
// higher-level operations the CLI exposes as commands.
type Executor struct {
	jobs   *jobstore.Store
	access *accessstore.Store
}

// New builds an Executor over the given stores.
func New(jobs *jobstore.Store, access *accessstore.Store) *Executor {
	return &Executor{jobs: jobs, access: access}
}

// StatusReport summarizes queue and access-store state for the "status"
// command.
type StatusReport struct {
	Counts           map[jobstore.Status]int
	AuthorizedChats  int
	WhitelistedUsers int
}

// Status gathers counts from both stores under their respective locks.
func (e *Executor) Status() (StatusReport, error) {
	counts, err := e.jobs.Counts()
	if err != nil {
		return StatusReport{}, fmt.Errorf("job counts: %w", err)
	}
	chats, users, err := e.access.Counts()
	if err != nil {
		return StatusReport{}, fmt.Errorf("access counts: %w", err)
	}
	return StatusReport{Counts: counts, AuthorizedChats: chats, WhitelistedUsers: users}, nil
}

// ListJobs returns jobs in the given status, or every job if status is empty.
func (e *Executor) ListJobs(status string) ([]jobstore.Job, error) {
	if status == "" {
		var all []jobstore.Job
		for _, s := range []jobstore.Status{jobstore.StatusQueued, jobstore.StatusRunning, jobstore.StatusDone, jobstore.StatusFailed} {
			jobs, err := e.jobs.ListByStatus(s)
			if err != nil {
				return nil, err
			}
			all = append(all, jobs...)
		}
		return all, nil
	}
	return e.jobs.ListByStatus(jobstore.Status(status))
}

// ShowJob returns the full record for a single job ID.
func (e *Executor) ShowJob(jobID string) (*jobstore.Job, error) {
	return e.jobs.GetJob(jobID)
}

// Requeue forces jobID back to queued, resetting its attempt counter.
func (e *Executor) Requeue(jobID string) (*jobstore.Job, error) {
	return e.jobs.Requeue(jobID)
}

// CompactNow forces an out-of-band queue file compaction.
func (e *Executor) CompactNow() error {
	return e.jobs.CompactNow()
}

// AuthorizeChat adds a chat ID to the authorized-chats file.
func (e *Executor) AuthorizeChat(chatID int64) (bool, error) {
	return e.access.AuthorizeChat(chatID)
}

// RevokeChat removes a chat ID from the authorized-chats file.
func (e *Executor) RevokeChat(chatID int64) (bool, error) {
	return e.access.RevokeChat(chatID)
}

// Whitelist adds a user ID to the whitelist file.
func (e *Executor) Whitelist(userID int64) (bool, error) {
	return e.access.AddUserToWhitelist(userID)
}

// FormatStatus renders a StatusReport as aligned text lines for the CLI.
func FormatStatus(report StatusReport) string {
	var b strings.Builder
	statuses := make([]string, 0, len(report.Counts))
	for s := range report.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "  %-10s %d\n", s, report.Counts[jobstore.Status(s)])
	}
	fmt.Fprintf(&b, "  authorized_chats    %d\n", report.AuthorizedChats)
	fmt.Fprintf(&b, "  whitelisted_users   %d\n", report.WhitelistedUsers)
	return b.String()
}
