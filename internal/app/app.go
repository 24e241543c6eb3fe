// Package app is the top-level assembly of the clip-download queue: it
// wires the job store, access store, HTTP surfaces, worker loop, and admin
// CLI together according to which subsystem the binary was asked to run,
// and drives them through a lifecycle.Manager so shutdown order is always
// the reverse of startup order.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"clipqueue/internal/adapters/callbackclient"
	"clipqueue/internal/adapters/callbackserver"
	"clipqueue/internal/adapters/cli"
	"clipqueue/internal/adapters/enqueueapi"
	"clipqueue/internal/adapters/ytdlp"
	"clipqueue/internal/domain/accessstore"
	"clipqueue/internal/domain/admin"
	"clipqueue/internal/domain/jobstore"
	"clipqueue/internal/domain/worker"
	"clipqueue/internal/infra/clock"
	"clipqueue/internal/infra/config"
	"clipqueue/internal/infra/filelock"
	"clipqueue/internal/infra/lifecycle"
	"clipqueue/internal/infra/logger"
)

// Mode selects which subsystem(s) a process instance runs.
type Mode string

const (
	ModeService  Mode = "service"  // enqueue API only, for the bot to submit URLs against
	ModeWorker   Mode = "worker"   // claim/download/callback loop only
	ModeCallback Mode = "callback" // callback receiver only
	ModeStack    Mode = "stack"    // service + worker + callback in one process
	ModeAdmin    Mode = "admin"    // interactive operator console
)

const shutdownTimeout = 10 * time.Second

// App owns every component this process might need and the lifecycle
// manager coordinating their start/stop order.
type App struct {
	mode Mode
	lc   *lifecycle.Manager

	jobs   *jobstore.Store
	access *accessstore.Store

	unlockSingleInstance func() error
}

// NewApp returns an empty App. Init performs the actual assembly.
func NewApp() *App {
	return &App{}
}

// Init builds the stores every mode needs and registers the nodes for the
// requested mode with the lifecycle manager. ctx is the root context (tied
// to OS signals by the caller); stop is handed only to the admin CLI, whose
// "exit" command invokes it.
func (a *App) Init(ctx context.Context, stop context.CancelFunc, mode Mode) error {
	a.mode = mode
	a.lc = lifecycle.New(ctx)
	env := config.Env()

	a.jobs = jobstore.Open(env.QueueFile, env.ResultsFile, env.LockFile, env.CompactAfterLines, clock.Real())
	a.access = accessstore.Open(env.AuthorizedChatsFile, env.WhitelistFile, env.LockFile)

	if mode == ModeWorker || mode == ModeStack {
		unlock, ok, err := filelock.TryLock(env.SingleInstanceLockFile)
		if err != nil {
			return fmt.Errorf("acquire single-instance lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another worker already holds %s", env.SingleInstanceLockFile)
		}
		a.unlockSingleInstance = unlock
	}

	switch mode {
	case ModeService:
		return a.registerEnqueueAPI()
	case ModeCallback:
		return a.registerCallbackServer()
	case ModeWorker:
		return a.registerWorker()
	case ModeStack:
		if err := a.registerCallbackServer(); err != nil {
			return err
		}
		if err := a.registerEnqueueAPI(); err != nil {
			return err
		}
		return a.registerWorker()
	case ModeAdmin:
		return a.registerAdminCLI(stop)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// Run starts every registered node, blocks until the root context is
// canceled, then shuts everything down in reverse start order.
func (a *App) Run(ctx context.Context) error {
	if err := a.lc.StartAll(); err != nil {
		_ = a.lc.Shutdown()
		a.releaseSingleInstanceLock()
		return fmt.Errorf("start %s: %w", a.mode, err)
	}
	logger.Infof("clipqueue %s running", a.mode)

	<-ctx.Done()
	logger.Infof("clipqueue %s shutting down", a.mode)

	err := a.lc.Shutdown()
	a.releaseSingleInstanceLock()
	return err
}

func (a *App) releaseSingleInstanceLock() {
	if a.unlockSingleInstance != nil {
		if err := a.unlockSingleInstance(); err != nil {
			logger.Warnf("release single-instance lock: %v", err)
		}
	}
}

func (a *App) registerEnqueueAPI() error {
	env := config.Env()
	server := enqueueapi.New(a.jobs, env.WorkerMaxAttempts)
	addr := net.JoinHostPort(env.ServiceHost, strconv.Itoa(env.ServicePort))
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	return a.lc.Register("enqueue_api", "", nil,
		func(ctx context.Context) (context.Context, error) {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("listen %s: %w", addr, err)
			}
			go func() {
				if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Errorf("enqueue api server error: %v", err)
				}
			}()
			logger.Infof("enqueue api listening on %s", addr)
			return nil, nil
		},
		func(context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	)
}

func (a *App) registerCallbackServer() error {
	env := config.Env()
	dedupDBPath := env.LockFile + ".callback-dedup.bolt"
	server, err := callbackserver.New(env.CallbackAuthToken, dedupDBPath, 50)
	if err != nil {
		return fmt.Errorf("build callback server: %w", err)
	}
	addr := net.JoinHostPort(env.CallbackHost, strconv.Itoa(env.CallbackPort))
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	return a.lc.Register("callback_server", "", nil,
		func(ctx context.Context) (context.Context, error) {
			server.Start(ctx)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("listen %s: %w", addr, err)
			}
			go func() {
				if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Errorf("callback server error: %v", err)
				}
			}()
			logger.Infof("callback server listening on %s", addr)
			return nil, nil
		},
		func(context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return server.Stop()
		},
	)
}

func (a *App) registerWorker() error {
	env := config.Env()
	downloader := ytdlp.New(env.YtdlpBinary, env.DownloadsDir, env.Debug, env.YtdlpSpawnsPerSecond)
	callback := callbackclient.New(env.CallbackHost, env.CallbackPort, env.CallbackAuthToken, env.CallbackRetryAttempts, env.CallbackRetryDelay)
	w := worker.New(a.jobs, downloader, callback, worker.BuildID(), time.Duration(env.WorkerPollSeconds)*time.Second)

	var cancelRun context.CancelFunc
	done := make(chan struct{})

	return a.lc.Register("worker", "", nil,
		func(ctx context.Context) (context.Context, error) {
			runCtx, cancel := context.WithCancel(ctx)
			cancelRun = cancel
			go func() {
				defer close(done)
				if err := w.Run(runCtx, false); err != nil {
					logger.Errorf("worker exited: %v", err)
				}
			}()
			return nil, nil
		},
		func(context.Context) error {
			if cancelRun != nil {
				cancelRun()
			}
			<-done
			return nil
		},
	)
}

func (a *App) registerAdminCLI(stop context.CancelFunc) error {
	exec := admin.New(a.jobs, a.access)
	service := cli.NewService(exec, stop)

	return a.lc.Register("admin_cli", "", nil,
		func(ctx context.Context) (context.Context, error) {
			service.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			service.Stop()
			return nil
		},
	)
}
