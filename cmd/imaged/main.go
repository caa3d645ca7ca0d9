package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/imager/core-go/internal/builder"
	"github.com/example/imager/core-go/internal/config"
	"github.com/example/imager/core-go/internal/dispatch"
	"github.com/example/imager/core-go/internal/httpapi"
	"github.com/example/imager/core-go/internal/logfetch"
	"github.com/example/imager/core-go/internal/store"
	"github.com/example/imager/core-go/internal/templates"
)

func main() {
	loadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	jobStore, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		log.Fatalf("open job store: %v", err)
	}
	defer jobStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, name := range cfg.Queues {
		if _, err := jobStore.EnsureQueue(ctx, name); err != nil {
			log.Fatalf("ensure queue %s: %v", name, err)
		}
	}

	var fetcher *logfetch.Fetcher
	if cfg.LogSourceURL != "" {
		fetcher = logfetch.New(jobStore, logfetch.HTTPSource{BaseURL: cfg.LogSourceURL})
		fetcher.Start(ctx)
		defer fetcher.Stop()
	} else {
		log.Printf("no log source configured, logs come from the builder only")
	}

	b := builder.NewExecBuilder(cfg.BuilderCmd, cfg.BuilderArgs, cfg.BuildTimeout)
	dispatcher := dispatch.New(jobStore, b, cfg.Queues, cfg.Workers, cfg.PollInterval, cfg.LeaseDuration)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.Server{
			Jobs:               jobStore,
			Templates:          templates.Dir{Root: cfg.TemplatesDir},
			Logs:               fetcher,
			DefaultQueue:       cfg.DefaultQueue,
			DefaultDeviceGroup: cfg.DefaultDeviceGroup,
		}.Router(),
	}

	go func() {
		log.Printf("imaged listening on %s (queues=%v workers=%d)", cfg.Addr, cfg.Queues, cfg.Workers)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
