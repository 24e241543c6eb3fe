// Package filelock предоставляет межпроцессный эксклюзивный lock на файл через
// flock(2). Это единственный механизм синхронизации для JobStore и AccessStore:
// Enqueue API, Worker и бот могут работать как отдельные ОС-процессы, поэтому
// обычный sync.Mutex в рамках одного процесса тут не подходит.
package filelock

import (
	"os"

	"golang.org/x/sys/unix"

	"clipqueue/internal/infra/storage"
)

// WithLock opens (creating if absent) the lock file at path, takes a blocking
// exclusive flock, runs fn, and always releases the lock and closes the
// descriptor afterwards, whether fn returns an error or not.
func WithLock(path string, fn func() error) error {
	f, err := openLockFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return &Error{Path: path, Op: "lock", Err: err}
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	return fn()
}

// TryLock takes a non-blocking exclusive flock on path, for use as a
// single-instance guard (worker and stack modes). ok is false with a nil
// error when another process already holds the lock; callers must invoke the
// returned unlock func to release the lock once acquired.
func TryLock(path string) (unlock func() error, ok bool, err error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, false, err
	}

	lockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if lockErr != nil {
		_ = f.Close()
		if lockErr == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, &Error{Path: path, Op: "trylock", Err: lockErr}
	}

	unlock = func() error {
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		closeErr := f.Close()
		if unlockErr != nil {
			return unlockErr
		}
		return closeErr
	}
	return unlock, true, nil
}

func openLockFile(path string) (*os.File, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, &Error{Path: path, Op: "open", Err: err}
	}
	return f, nil
}

// Error wraps a filelock failure with the path and operation that failed.
type Error struct {
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return "filelock: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
