// Package cli is the interactive admin console: an operator-facing shell for
// inspecting and nudging the job queue and access store without going
// through the HTTP surfaces meant for the bot and the worker. The service
// starts in the background, reads commands from readline, and integrates
// cleanly into the process lifecycle: Start/Stop are idempotent.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"clipqueue/internal/domain/admin"
	"clipqueue/internal/infra/logger"
	"clipqueue/internal/infra/pr"
	"clipqueue/internal/infra/timeutil"
	versioninfo "clipqueue/internal/support/version"
)

// commandDescriptor describes one CLI command: its name and a short
// description for help output.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors is the registry of available commands, rendered by
// help and the '?' key handler. Names must match the cases in
// handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show queue counts and access-store counts"},
	{name: "jobs", description: "List jobs (optionally: jobs <status>)"},
	{name: "show <job_id>", description: "Show full detail for one job"},
	{name: "requeue <job_id>", description: "Force a job back to queued, resetting attempts"},
	{name: "compact", description: "Force an out-of-band queue file compaction"},
	{name: "authorize <chat_id>", description: "Add a chat ID to the authorized-chats file"},
	{name: "revoke <chat_id>", description: "Remove a chat ID from the authorized-chats file"},
	{name: "whitelist <user_id>", description: "Add a user ID to the whitelist"},
	{name: "version", description: "Print clipqueue version"},
	{name: "exit", description: "Stop the CLI and terminate the process"},
}

// Service encapsulates the admin CLI and integrates into the application
// lifecycle. It owns its own cancel, runs the command-read loop in a
// background goroutine, and shuts down synchronously via Stop.
type Service struct {
	exec    *admin.Executor
	stopApp context.CancelFunc

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService builds the admin CLI service over exec. stopApp, if set, is
// invoked by "exit" and by Ctrl-C on an empty line to stop the whole process.
func NewService(exec *admin.Executor, stopApp context.CancelFunc) *Service {
	return &Service{exec: exec, stopApp: stopApp}
}

// Start launches the main command loop in a background goroutine. Repeated
// calls are safely ignored.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop tears down the CLI: triggers stopApp (if set), interrupts readline,
// cancels the local context, and waits for the run loop to exit.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	logger.Debug("admin CLI run started")
	pr.SetPrompt("clipqueue> ")
	pr.Println("Admin console started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("admin CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("admin CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("admin CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers wires special readline keys:
//   - '?' prints help without inserting the character into the line;
//   - Ctrl-C on an empty line stops the application;
//   - Ctrl-C on a non-empty line clears it.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand parses one line of input and performs the action. It
// returns true if the command should terminate the CLI ("exit").
func (s *Service) handleCommand(cmd string) bool {
	name, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "jobs":
		s.handleJobs(arg)
	case "show":
		s.handleShow(arg)
	case "requeue":
		s.handleRequeue(arg)
	case "compact":
		s.handleCompact()
	case "authorize":
		s.handleAuthorize(arg)
	case "revoke":
		s.handleRevoke(arg)
	case "whitelist":
		s.handleWhitelist(arg)
	case "version":
		pr.Println(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

func (s *Service) handleStatus() {
	report, err := s.exec.Status()
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}
	pr.Print(admin.FormatStatus(report))
}

func (s *Service) handleJobs(status string) {
	jobs, err := s.exec.ListJobs(status)
	if err != nil {
		pr.ErrPrintln("jobs error:", err)
		return
	}
	if len(jobs) == 0 {
		pr.Println("No jobs.")
		return
	}
	for _, j := range jobs {
		created := timeutil.NormalizeDisplay(j.CreatedAt.Format(time.RFC3339), time.Local)
		pr.Printf("%-36s %-10s %-10s attempts=%d/%d  created=%s  %s\n", j.JobID, j.Platform, j.Status, j.Attempts, j.MaxAttempts, created, j.InputURL)
	}
	pr.Printf("Total: %d\n", len(jobs))
}

func (s *Service) handleShow(jobID string) {
	if jobID == "" {
		pr.ErrPrintln("usage: show <job_id>")
		return
	}
	job, err := s.exec.ShowJob(jobID)
	if err != nil {
		pr.ErrPrintln("show error:", err)
		return
	}
	pr.PP(job)
}

func (s *Service) handleRequeue(jobID string) {
	if jobID == "" {
		pr.ErrPrintln("usage: requeue <job_id>")
		return
	}
	job, err := s.exec.Requeue(jobID)
	if err != nil {
		pr.ErrPrintln("requeue error:", err)
		return
	}
	pr.Printf("Requeued %s (attempts reset, status=%s)\n", job.JobID, job.Status)
}

func (s *Service) handleCompact() {
	if err := s.exec.CompactNow(); err != nil {
		pr.ErrPrintln("compact error:", err)
		return
	}
	pr.Println("Queue file compacted.")
}

func (s *Service) handleAuthorize(raw string) {
	chatID, err := parseInt64(raw)
	if err != nil {
		pr.ErrPrintln("usage: authorize <chat_id>")
		return
	}
	added, err := s.exec.AuthorizeChat(chatID)
	if err != nil {
		pr.ErrPrintln("authorize error:", err)
		return
	}
	if added {
		pr.Printf("Chat %d authorized.\n", chatID)
	} else {
		pr.Printf("Chat %d was already authorized.\n", chatID)
	}
}

func (s *Service) handleRevoke(raw string) {
	chatID, err := parseInt64(raw)
	if err != nil {
		pr.ErrPrintln("usage: revoke <chat_id>")
		return
	}
	removed, err := s.exec.RevokeChat(chatID)
	if err != nil {
		pr.ErrPrintln("revoke error:", err)
		return
	}
	if removed {
		pr.Printf("Chat %d revoked.\n", chatID)
	} else {
		pr.Printf("Chat %d was not authorized.\n", chatID)
	}
}

func (s *Service) handleWhitelist(raw string) {
	userID, err := parseInt64(raw)
	if err != nil {
		pr.ErrPrintln("usage: whitelist <user_id>")
		return
	}
	added, err := s.exec.Whitelist(userID)
	if err != nil {
		pr.ErrPrintln("whitelist error:", err)
		return
	}
	if added {
		pr.Printf("User %d whitelisted.\n", userID)
	} else {
		pr.Printf("User %d was already whitelisted.\n", userID)
	}
}

func parseInt64(raw string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-20s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
