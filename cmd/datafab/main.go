// Package main is the entry point for the datafab worker daemon.
//
// datafab ingests uploaded or remote data files into schematized, indexed
// datasets and serves editable REST datasets. Configuration comes from CLI
// flags and an optional YAML config file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/ksid"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/souliane/datafab/internal/auth"
	"github.com/souliane/datafab/internal/config"
	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/models"
	"github.com/souliane/datafab/internal/index"
	"github.com/souliane/datafab/internal/journal"
	"github.com/souliane/datafab/internal/lock"
	"github.com/souliane/datafab/internal/restds"
	"github.com/souliane/datafab/internal/worker"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "datafab: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	instance := flag.Int("instance", 0, "Instance number for id generation")
	instances := flag.Int("instances", 1, "Total number of instances")
	describe := flag.Bool("describe", false, "Print the JSON schemas of the API objects and exit")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}
	if *describe {
		return printSchemas(os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	ll := &slog.LevelVar{}
	if err := ll.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", *logLevel)
	}
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := ksid.InitIDSlice(*instance, *instances); err != nil {
		return fmt.Errorf("failed to initialize id generation: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	store, err := dataset.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	locks, err := lock.NewManager(filepath.Join(cfg.DataDir, "locks.jsonl"), cfg.Locks.TTL)
	if err != nil {
		return err
	}
	jrnl, err := journal.New(cfg.DataDir)
	if err != nil {
		return err
	}
	engine := restds.NewEngine(store, loc)
	verifier := auth.NewVerifier([]byte(cfg.Auth.JWTSecret))
	env := &worker.Env{
		Store:  store,
		Engine: engine,
		Index:  index.NewMemory(),
		Loc:    loc,
		Auth:   verifier,
	}
	sched := worker.NewScheduler(store, locks, jrnl, worker.Stages(env),
		cfg.Workers.PollingInterval, cfg.Workers.Concurrency, cfg.Workers.SampleSize)

	watcher, err := worker.NewWatcher(store)
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer watcher.Close()

	sched.Start(ctx)
	slog.Info("Workers started", "dataDir", cfg.DataDir, "datasets", store.Len(),
		"concurrency", cfg.Workers.Concurrency, "interval", cfg.Workers.PollingInterval)

	<-ctx.Done()
	slog.Info("Shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sched.Stop(stopCtx)
}

// printSchemas writes the JSON schemas of the objects exchanged over the API.
func printSchemas(w io.Writer) error {
	schemas := []struct {
		name    string
		reflect func() (json.RawMessage, error)
	}{
		{"dataset", models.SchemaFor[dataset.Dataset]},
		{"bulkResult", models.SchemaFor[models.BulkResult]},
		{"storageInfo", models.SchemaFor[models.StorageInfo]},
	}
	out := map[string]json.RawMessage{}
	for _, s := range schemas {
		raw, err := s.reflect()
		if err != nil {
			return fmt.Errorf("failed to reflect %s schema: %w", s.name, err)
		}
		out[s.name] = raw
	}
	docs, err := models.FieldDocs[dataset.Dataset]()
	if err != nil {
		return fmt.Errorf("failed to document dataset fields: %w", err)
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	out["datasetFields"] = raw
	buf, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(buf))
	return err
}
