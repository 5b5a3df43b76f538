// Command sticky-scheduler is a horizontally scalable deferred task
// scheduler backed by PostgreSQL. Run modes:
//
//	sticky-scheduler http      — task submission API
//	sticky-scheduler executor  — task execution pipeline
//	sticky-scheduler stop      — broadcast a fleet-wide stop announcement
//
// http and executor are meant to run side by side; any number of
// executor processes may share one database.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper-darkly/sticky-scheduler/config"
	"github.com/whisper-darkly/sticky-scheduler/executor"
	"github.com/whisper-darkly/sticky-scheduler/middleware"
	"github.com/whisper-darkly/sticky-scheduler/router"
	"github.com/whisper-darkly/sticky-scheduler/store/postgres"
)

var version = "dev"

const usage = "usage: sticky-scheduler <http|executor|stop>"

func main() {
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}
	command := os.Args[1]

	dbDSN := os.Getenv("DB_DSN")
	if dbDSN == "" {
		log.Fatal("DB_DSN environment variable is required")
	}

	cfg, err := config.Load(os.Getenv("SCHED_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	fmt.Printf("sticky-scheduler %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open postgres store + run migrations.
	db, err := postgres.Open(ctx, dbDSN, cfg.TasksChannelName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	switch command {
	case "http":
		runHTTP(ctx, cancel, cfg, db)
	case "executor":
		runExecutor(ctx, cancel, cfg, db)
	case "stop":
		if err := db.PublishStop(ctx); err != nil {
			log.Fatalf("publish stop: %v", err)
		}
		log.Printf("stop announcement published on channel %q", cfg.TasksChannelName)
	default:
		log.Fatal(usage)
	}
}

func runHTTP(ctx context.Context, cancel context.CancelFunc, cfg config.Data, db *postgres.DB) {
	handler := router.New(router.Deps{
		Store:  db,
		Config: cfg,
	})
	handler = middleware.LogRequests()(middleware.Recover()(handler))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%d", cfg.ListenPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func runExecutor(ctx context.Context, cancel context.CancelFunc, cfg config.Data, db *postgres.DB) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down…")
		cancel()
	}()

	exec := executor.New(cfg, db, executor.DefaultRegistry())
	if err := exec.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("executor: %v", err)
	}
}
