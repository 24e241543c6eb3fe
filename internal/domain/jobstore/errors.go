package jobstore

import "errors"

// Sentinel errors compared with errors.Is by callers (the enqueue API and
// worker map these onto specific HTTP/log responses).
var (
	ErrJobNotFound = errors.New("jobstore: job not found")
	ErrNotRunning  = errors.New("jobstore: job is not running")
)
