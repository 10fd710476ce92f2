// Command leanrepld runs the REPL pool service: it loads configuration,
// constructs the pool, warm-starts it, and serves the HTTP API until
// interrupted.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leanrepl/leanreplpool/internal/api"
	"github.com/leanrepl/leanreplpool/internal/config"
	"github.com/leanrepl/leanreplpool/internal/orchestrator"
	"github.com/leanrepl/leanreplpool/internal/replpool"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "leanrepld",
		Short: "Lean 4 proof-check REPL pool service",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Printf(
		"Initializing REPL pool with: MAX_REPLS=%d, MAX_USES=%d, MAX_MEM=%dMB",
		cfg.Pool.MaxRepls, cfg.Pool.MaxUses, cfg.Pool.MaxMemMB,
	)

	pool := replpool.New(replpool.Settings{
		MaxRepls: cfg.Pool.MaxRepls,
		MaxUses:  cfg.Pool.MaxUses,
		MaxMem:   cfg.MaxMemBytes(),
		BinPath:  cfg.Repl.BinPath,
		WorkDir:  cfg.Repl.WorkDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.InitRepls) > 0 {
		prime := replpool.DefaultPrimer(5 * time.Second)
		if err := pool.WarmStart(ctx, cfg.InitRepls, prime); err != nil {
			return err
		}
		log.Printf("Warm-started REPLs: %v", cfg.InitRepls)
	}

	var watcher *replpool.Watcher
	if cfg.Repl.BinPath != "" {
		w, err := replpool.WatchBinary(pool, cfg.Repl.BinPath)
		if err != nil {
			log.Println("hot reload disabled:", err)
		} else {
			watcher = w
			log.Println("hot reload enabled, watching", cfg.Repl.BinPath)
		}
	}

	orch := orchestrator.New(pool)
	srv := api.NewServer(orch)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv,
	}

	go func() {
		log.Println("leanrepld listening on", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed:", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if watcher != nil {
		_ = watcher.Close()
	}
	pool.Shutdown()

	return nil
}

