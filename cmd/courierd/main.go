package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diayal/courierd/internal/config"
	"github.com/diayal/courierd/internal/daemon"
	"github.com/diayal/courierd/internal/offline"
	"github.com/diayal/courierd/internal/ratelimit"
	"github.com/diayal/courierd/internal/remote"
	"github.com/diayal/courierd/internal/securestore"
	"github.com/diayal/courierd/internal/session"
	"github.com/diayal/courierd/internal/store"
)

func main() {
	cfg := config.FromEnv()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for courierd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "device key path")
	flag.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "delivery backend base URL")
	flag.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "background sync interval")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close() //nolint:errcheck

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		fatal(err)
	}

	sec, err := securestore.Open(st, cfg.KeyPath)
	if err != nil {
		fatal(err)
	}

	client := remote.New(cfg.APIBaseURL, cfg.APITimeout)
	mgr := session.NewManager(client, sec, cfg.RefreshLead)
	defer mgr.Close()
	client.SetTokenSource(mgr)

	limiter := ratelimit.New(st, cfg.MaxLoginAttempts, cfg.LockoutDuration)
	queue := offline.NewQueue(st)
	shadow := offline.NewShadow(sec)
	engine := offline.NewEngine(queue, shadow, client, st, cfg.RetryCeiling)

	startSyncLoop(ctx, engine, queue, cfg.SyncInterval)

	srv := daemon.NewServer(cfg, daemon.Deps{
		Client:  client,
		Session: mgr,
		Limiter: limiter,
		Queue:   queue,
		Shadow:  shadow,
		Engine:  engine,
	})
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

// startSyncLoop drains the pending log on an interval; a pass with an
// empty queue is a no-op inside the engine.
func startSyncLoop(ctx context.Context, engine *offline.Engine, queue *offline.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	run := func() {
		if queue.Depth(ctx) == 0 {
			return
		}
		summary := engine.Sync(ctx)
		if summary.Failed > 0 {
			logErr("background sync", fmt.Errorf("%d actions failed", summary.Failed))
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "courierd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
	os.Exit(1)
}
