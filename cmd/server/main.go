package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/workbook-migrator/internal/api"
	"github.com/ignite/workbook-migrator/internal/archive"
	"github.com/ignite/workbook-migrator/internal/config"
	"github.com/ignite/workbook-migrator/internal/jobs"
	"github.com/ignite/workbook-migrator/internal/pipeline"
	"github.com/ignite/workbook-migrator/internal/progress"
	"github.com/ignite/workbook-migrator/internal/rules"
	"github.com/ignite/workbook-migrator/internal/staging"
	"github.com/ignite/workbook-migrator/internal/writer"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Workbook Migrator Server (cmd/server/main.go)            ║")
	log.Println("║  Multi-sheet xlsx staging pipeline with async jobs        ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Database unreachable at %s: %v", extractHost(cfg.Database.URL), err)
	}
	log.Printf("Connected to PostgreSQL at %s", extractHost(cfg.Database.URL))

	// Redis is optional: without it the progress cache is skipped and the
	// job sequence falls back to the database.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unreachable at %s, continuing without it: %v", cfg.Redis.Addr, err)
			rdb = nil
		} else {
			log.Printf("Connected to Redis at %s", cfg.Redis.Addr)
		}
		cancel()
	}

	// Core components
	stagingStore := staging.New(db)
	progressStore := progress.New(db, rdb)
	writers := writer.NewRegistry(writer.NewUpsertWriter(db))
	business := rules.NewBusinessRegistry()

	orch := pipeline.New(cfg, stagingStore, progressStore, writers, business)
	sched := pipeline.NewScheduler(orch, progressStore, cfg.Pipeline)

	archiver, err := archive.New(context.Background(), cfg.Archive)
	if err != nil {
		log.Fatalf("Failed to initialize S3 archiver: %v", err)
	}
	if archiver != nil {
		log.Printf("Archival enabled: s3://%s/%s", cfg.Archive.S3Bucket, cfg.Archive.Prefix)
	}

	var manager *jobs.Manager
	if archiver != nil {
		manager = jobs.New(cfg, db, rdb, progressStore, sched, archiver)
	} else {
		manager = jobs.New(cfg, db, rdb, progressStore, sched, nil)
	}

	handlers := api.NewHandlers(cfg, manager, progressStore, stagingStore, db, rdb)
	router := api.SetupRoutes(handlers)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // large multipart uploads
		WriteTimeout: 35 * time.Minute,
	}

	go func() {
		log.Printf("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting requests, drain the scheduler,
	// then stop the worker pool.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	sched.Shutdown()
	manager.Close()
	log.Println("Server stopped")
}
