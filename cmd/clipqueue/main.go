// Command clipqueue is the entry point for every process role in the
// clip-download queue: the bot-facing enqueue API, the worker loop, the
// callback receiver, all three combined, and the operator admin console.
//
// Usage: clipqueue -mode <service|worker|callback|stack|admin> [-env path]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clipqueue/internal/app"
	"clipqueue/internal/infra/concurrency"
	"clipqueue/internal/infra/config"
	"clipqueue/internal/infra/logger"
	"clipqueue/internal/infra/pr"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))
	if err := pr.Init(); err != nil {
		log.Fatalf("failed to assign stdout and stderr: %v", err)
	}

	envPath := flag.String("env", ".env", "path to .env file")
	modeFlag := flag.String("mode", string(app.ModeStack), "process role: service|worker|callback|stack|admin")
	maxRuntime := flag.Int("max-runtime", 0, "seconds after which to initiate graceful shutdown automatically (0 disables)")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if config.Env().LogFile != "" {
		logger.SetLogFile(config.Env().LogFile)
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	mode := app.Mode(*modeFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if err := concurrency.StartTimeoutTimer(ctx, *maxRuntime, stop); err != nil {
		stop()
		log.Fatalf("start max-runtime timer: %v", err)
	}

	a := app.NewApp()
	if err := a.Init(ctx, stop, mode); err != nil {
		stop()
		log.Fatalf("init %s failed: %v", mode, err)
	}

	if err := a.Run(ctx); err != nil {
		stop()
		log.Fatalf("run %s failed: %v", mode, err)
	}

	stop()
	log.Println("graceful shutdown complete")
}
