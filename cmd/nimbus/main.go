package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/artifact"
	"github.com/ssd-technologies/nimbus/internal/command"
	"github.com/ssd-technologies/nimbus/internal/config"
	"github.com/ssd-technologies/nimbus/internal/logging"
	"github.com/ssd-technologies/nimbus/internal/media"
	"github.com/ssd-technologies/nimbus/internal/notify"
	"github.com/ssd-technologies/nimbus/internal/scheduler"
	"github.com/ssd-technologies/nimbus/internal/server"
	"github.com/ssd-technologies/nimbus/internal/storage"
	"github.com/ssd-technologies/nimbus/internal/webshot"
)

func main() {
	configPath := flag.String("config", "nimbus.yaml", "path to the YAML configuration")
	initConfig := flag.Bool("init-config", false, "write the default configuration to -config and exit")
	flag.Parse()

	if *initConfig {
		if err := config.Write(*configPath, config.Default()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s\n", *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("nimbus stopped", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log := logging.Named("main")

	bus := storage.NewBus()
	hub := notify.NewHub(64)

	engine, err := storage.Open(filepath.Join(cfg.DataDir, "files"), storage.Options{Bus: bus, Notifier: hub})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer engine.Close()

	records, err := artifact.OpenRecords(filepath.Join(cfg.DataDir, "artifacts.db"))
	if err != nil {
		return fmt.Errorf("open artifact records: %w", err)
	}
	defer records.Close()

	sched := scheduler.New(cfg.Workers)
	defer sched.Close()

	runner := command.Exec{Timeout: cfg.BuildTimeout}
	shots, err := webshot.New(filepath.Join(cfg.DataDir, "webshot"), runner, cfg.Webshot)
	if err != nil {
		return fmt.Errorf("open webshot cache: %w", err)
	}
	defer shots.Close()

	artifactDir := filepath.Join(cfg.DataDir, "artifacts")
	opts := func(p scheduler.Priority) artifact.Options {
		return artifact.Options{BasePath: artifactDir, Priority: p, Timeout: cfg.BuildTimeout}
	}
	set := artifact.NewSet(
		artifact.New(media.NewPreview(runner, cfg.Tools, cfg.Preview, shots), engine, records, sched, opts(scheduler.Low)),
		artifact.New(media.NewMP3(runner, cfg.Tools), engine, records, sched, opts(scheduler.Normal)),
		artifact.New(media.NewOGG(runner, cfg.Tools), engine, records, sched, opts(scheduler.Low)),
		artifact.New(media.NewMP4(runner, cfg.Tools), engine, records, sched, opts(scheduler.Normal)),
		artifact.New(media.NewWebM(runner, cfg.Tools), engine, records, sched, opts(scheduler.Low)),
		artifact.New(media.NewPDF(runner, cfg.Tools), engine, records, sched, opts(scheduler.Normal)),
	)
	set.Subscribe(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(server.Options{
		Engine:        engine,
		Hub:           hub,
		Scheduler:     sched,
		Artifacts:     set,
		Webshot:       shots,
		TempDir:       cfg.TempDir,
		CacheDuration: time.Duration(cfg.CacheDuration) * time.Second,
		WebshotRate:   cfg.Webshot.Rate,
	})
	srv.StartWorkers(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("nimbus running",
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("workers", sched.Workers()),
		zap.Strings("artifacts", set.Kinds()))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
