// Package ytdlp is the default implementation of the worker's downloader
// contract: it shells out to the yt-dlp binary, the same tool the reference
// pipeline drives through its Python bindings, and parses its JSON output.
// This package is a thin adapter, not a reimplementation of yt-dlp itself —
// the downloader contract is explicitly out of scope for this repository.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"clipqueue/internal/infra/clock"
	"clipqueue/internal/infra/throttle"
	"clipqueue/internal/shared"
)

// Downloader shells out to yt-dlp with --print-json to download a single URL
// and report the resulting file's metadata. Subprocess spawns go through a
// throttler so a fleet of workers sharing one machine doesn't fork-bomb it
// under a burst of queued jobs, and transient (non-twitter-api) failures get
// the throttler's exponential backoff instead of failing the job outright.
type Downloader struct {
	binary         string
	downloadsDir   string
	debug          bool
	commandTimeout time.Duration
	spawnLimiter   *throttle.Throttler
}

// New builds a Downloader invoking binary (normally "yt-dlp" on PATH),
// writing downloaded files under downloadsDir. spawnsPerSecond bounds how
// often a new yt-dlp process may be started.
func New(binary, downloadsDir string, debug bool, spawnsPerSecond int) *Downloader {
	if binary == "" {
		binary = "yt-dlp"
	}
	limiter := throttle.New(spawnsPerSecond, throttle.WithMaxRetries(2))
	limiter.Start(context.Background())
	return &Downloader{
		binary:         binary,
		downloadsDir:   downloadsDir,
		debug:          debug,
		commandTimeout: 10 * time.Minute,
		spawnLimiter:   limiter,
	}
}

type ytdlpInfo struct {
	Filename          string  `json:"_filename"`
	Duration          float64 `json:"duration"`
	Extractor         string  `json:"extractor"`
	RequestedDownload []struct {
		FilePath string `json:"filepath"`
	} `json:"requested_downloads"`
}

// Download invokes yt-dlp against normalizedURL, using a twitter-api retry
// heuristic when platform is "x" and the initial attempt fails with a
// dependency-related extractor error — mirroring the reference downloader's
// own retry loop, since that policy lives in the downloader contract, not in
// the worker that calls it.
func (d *Downloader) Download(ctx context.Context, normalizedURL, platform string) (map[string]any, error) {
	if err := os.MkdirAll(d.downloadsDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create downloads dir")
	}

	apiModes := []string{""}
	if platform == "x" {
		apiModes = append(apiModes, "legacy", "syndication")
	}

	var lastErr error
	for _, apiMode := range apiModes {
		info, err := d.runOnce(ctx, normalizedURL, apiMode)
		if err == nil {
			return d.toResult(info, platform)
		}
		lastErr = err
		if platform != "x" || !isTwitterAPIDependencyError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// stopRetry wraps an error the spawn limiter must not retry internally —
// the twitter-api-dependency error needs to surface to Download unchanged so
// it can switch extractor_args instead of spawning the same doomed command
// again.
type stopRetry struct{ err error }

func (s *stopRetry) Error() string   { return s.err.Error() }
func (s *stopRetry) Unwrap() error   { return s.err }
func (s *stopRetry) StopRetry() bool { return true }

func (d *Downloader) runOnce(ctx context.Context, normalizedURL, apiMode string) (*ytdlpInfo, error) {
	var info *ytdlpInfo
	err := d.spawnLimiter.Do(ctx, func() error {
		result, err := d.exec(ctx, normalizedURL, apiMode)
		if err != nil {
			if isTwitterAPIDependencyError(err) {
				return &stopRetry{err: err}
			}
			return err
		}
		info = result
		return nil
	})
	if err != nil {
		var stopped *stopRetry
		if errors.As(err, &stopped) {
			return nil, stopped.err
		}
		return nil, err
	}
	return info, nil
}

func (d *Downloader) exec(ctx context.Context, normalizedURL, apiMode string) (*ytdlpInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	defer cancel()

	args := []string{
		"--no-playlist",
		"--merge-output-format", "mp4",
		"-o", filepath.Join(d.downloadsDir, "%(extractor)s_%(id)s.%(ext)s"),
		"--print-json",
	}
	if d.debug {
		args = append(args, "-f", "worst")
	} else {
		args = append(args, "-f", "bestvideo*+bestaudio/best", "--quiet", "--no-warnings")
	}
	if apiMode != "" {
		args = append(args, "--extractor-args", fmt.Sprintf("twitter:api=%s", apiMode))
	}
	args = append(args, normalizedURL)

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, stderr.String())
	}

	line := lastNonEmptyLine(stdout.String())
	if line == "" {
		return nil, errors.New("yt-dlp produced no output")
	}

	var info ytdlpInfo
	if err := json.Unmarshal([]byte(line), &info); err != nil {
		return nil, errors.Wrap(err, "parse yt-dlp json output")
	}
	return &info, nil
}

func (d *Downloader) toResult(info *ytdlpInfo, platform string) (map[string]any, error) {
	filePath := info.Filename
	if first, ok := shared.GetAt(info.RequestedDownload, 0); ok && first.FilePath != "" {
		filePath = first.FilePath
	}
	if filePath == "" {
		return nil, errors.New("could not determine downloaded file path")
	}

	stat, err := os.Stat(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "downloaded file not found")
	}

	return map[string]any{
		"file_path":      filePath,
		"file_size_bytes": stat.Size(),
		"duration_sec":    info.Duration,
		"platform":        platform,
		"downloaded_at":   clock.Now().Format(time.RFC3339),
	}, nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

var ansiEscapeStripper = strings.NewReplacer("\x1b[", "")

// isTwitterAPIDependencyError reports whether err's message looks like the
// "legacy"/"syndication" extractor-dependency failure the reference
// downloader retries automatically for X/Twitter.
func isTwitterAPIDependencyError(err error) bool {
	cleaned := strings.ToLower(ansiEscapeStripper.Replace(err.Error()))
	return strings.Contains(cleaned, "while querying api") && strings.Contains(cleaned, "dependency: unspecified")
}
