package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"focusbot/internal/api"
	"focusbot/internal/config"
	"focusbot/internal/database"
	"focusbot/internal/discord"
	"focusbot/internal/leveling"
	"focusbot/internal/recovery"
	"focusbot/internal/scheduler"
	"focusbot/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Bot exited: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	titles := cfg.LevelTitles
	if len(titles) == 0 {
		titles = leveling.DefaultTitles
	}
	maxLevel := cfg.MaxLevel
	if maxLevel <= 0 {
		maxLevel = min(len(titles), len(cfg.LevelXPSteps)+1)
	}
	policy, err := leveling.NewPolicy(cfg.LevelXPSteps, titles,
		leveling.SecondsPerXP(cfg.XPPerHour, cfg.FocusSecondsPerXP), maxLevel)
	if err != nil {
		return err
	}
	log.Printf("Leveling: %d levels, %ds of focus per XP", policy.MaxLevel(), policy.SecondsPerXP())

	// Initialize database
	db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	// Create repository
	repository := database.NewRepository(db, policy, database.Options{
		MinEligibleSeconds: cfg.MinSessionSeconds,
		Location:           cfg.Location(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Close whatever the previous run left open before any live event arrives
	if _, err := recovery.New(repository, nil).Run(ctx); err != nil {
		return err
	}
	if n, err := repository.ReconcileLevels(ctx); err != nil {
		log.Printf("Warning: level reconciliation failed: %v", err)
	} else if n > 0 {
		log.Printf("Reconciled levels for %d users", n)
	}

	tr := tracker.New(repository, tracker.Options{
		Workers:        cfg.TrackerWorkers,
		PersistTimeout: cfg.PersistTimeout,
		MaxAttempts:    cfg.PersistRetries,
	})

	// Initialize Discord bot
	bot, err := discord.New(cfg, repository, tr)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(cfg.Location())
	if err != nil {
		return err
	}
	if err := sched.AddCron("reconcile-levels", cfg.LevelReconcileCron, func(ctx context.Context) error {
		_, err := repository.ReconcileLevels(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.AddEvery("prune-post-cooldowns", 10*time.Minute, bot.PruneCooldowns); err != nil {
		return err
	}
	sched.Start()

	tr.Start()

	// Start bot
	if err := bot.Start(); err != nil {
		tr.Stop()
		sched.Stop()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.APIAddr != "" {
		srv := &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           api.New(repository, cfg.Location(), nil),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Printf("Read API listening on %s", cfg.APIAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	// Wait for interrupt signal
	runErr := g.Wait()
	log.Println("Shutting down bot...")

	if err := bot.Stop(); err != nil {
		log.Printf("Warning: closing Discord session: %v", err)
	}
	tr.Stop()
	if err := sched.Stop(); err != nil {
		log.Printf("Warning: stopping scheduler: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := tr.FlushAll(flushCtx, time.Now().UTC()); n > 0 {
		log.Printf("Closed %d open voice sessions on shutdown", n)
	}

	return runErr
}
