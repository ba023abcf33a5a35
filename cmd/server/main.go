package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/impactmx/impact-engine/internal/admin"
	"github.com/impactmx/impact-engine/internal/config"
	"github.com/impactmx/impact-engine/internal/custody"
	"github.com/impactmx/impact-engine/internal/events"
	"github.com/impactmx/impact-engine/internal/market"
	"github.com/impactmx/impact-engine/internal/metrics"
	"github.com/impactmx/impact-engine/internal/staking"
	"github.com/impactmx/impact-engine/internal/store"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "impact-engine",
		Short:        "Marketplace and staking engine for tokenized impact certificates",
		SilenceUsage: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// --- Initialize store ---
	st, cleanup, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if err := bootstrapConfig(st, cfg); err != nil {
		return err
	}

	// In-memory custody and ledger; a deployment against a real asset
	// registry swaps these for its own Adapter/Ledger implementations.
	cust := custody.NewMemoryCustody()
	ledger := custody.NewMemoryLedger()

	// --- Event hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Services ---
	marketSvc := market.NewService(st, cust, ledger, hub)
	stakingSvc := staking.NewService(st, cust, ledger, hub)
	adminSvc := admin.NewService(st, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"impact-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time event streaming.
		r.Get("/events", hub.HandleWS)

		// Listing registry.
		r.Get("/listings", marketSvc.ListListings)
		r.Post("/listings", marketSvc.CreateListing)
		r.Get("/listings/{listingID}", marketSvc.GetListing)
		r.Post("/listings/{listingID}/update", marketSvc.UpdateListing)
		r.Post("/listings/{listingID}/cancel", marketSvc.CancelListing)
		r.Get("/listings/{listingID}/offers", marketSvc.ListOffers)

		// Purchase engine.
		r.Post("/purchase", marketSvc.Purchase)
		r.Post("/purchase/batch", marketSvc.PurchaseBatch)

		// Offers.
		r.Post("/offers", marketSvc.MakeOffer)
		r.Post("/offers/accept", marketSvc.AcceptOffer)
		r.Post("/offers/cancel", marketSvc.CancelOffer)

		// Staking and rewards.
		r.Get("/stakes", stakingSvc.ListStakes)
		r.Post("/stakes", stakingSvc.Stake)
		r.Get("/stakes/{stakeID}", stakingSvc.GetStake)
		r.Post("/stakes/{stakeID}/lock", stakingSvc.Lock)
		r.Post("/stakes/{stakeID}/unlock", stakingSvc.Unlock)
		r.Post("/stakes/{stakeID}/claim", stakingSvc.Claim)
		r.Post("/stakes/{stakeID}/unstake", stakingSvc.Unstake)

		// Configuration and handover.
		r.Get("/config", adminSvc.GetConfig)
		r.Post("/admin/propose", adminSvc.ProposeAdmin)
		r.Post("/admin/claim", adminSvc.ClaimAdmin)
		r.Post("/admin/config", adminSvc.UpdateConfig)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("impact-engine listening", "port", cfg.Server.Port, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down impact-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("impact-engine stopped")
	return nil
}

// openStore selects the persistence backend: Postgres (optionally wrapped in
// a Redis read-through cache), SQLite, or the in-memory store for dev runs.
func openStore(sc config.StoreConfig) (store.Store, []func(), error) {
	var cleanup []func()

	switch {
	case sc.DatabaseURL != "":
		pool, err := pgxpool.New(context.Background(), sc.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = pg
		if sc.RedisURL != "" {
			opt, err := redis.ParseURL(sc.RedisURL)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(sc.CacheTTLSec)*time.Second)
			slog.Info("Redis cache enabled", "ttl_sec", sc.CacheTTLSec)
		}
		return st, cleanup, nil

	case sc.SQLitePath != "":
		sq, err := store.OpenSQLite(sc.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		slog.Info("using SQLite store", "path", sc.SQLitePath)
		return sq, cleanup, nil

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), cleanup, nil
	}
}

// bootstrapConfig seeds the persisted system config on first boot. An
// existing config wins over the file so admin handovers survive restarts.
func bootstrapConfig(st store.Store, cfg config.Config) error {
	ctx := context.Background()
	if _, err := st.GetConfig(ctx); err == nil {
		slog.Info("using persisted system config")
		return nil
	}

	sys, err := cfg.SystemConfig()
	if err != nil {
		return err
	}
	if err := st.SaveConfig(ctx, sys); err != nil {
		return fmt.Errorf("seed config: %w", err)
	}
	slog.Info("seeded system config",
		"admin", sys.Admin,
		"platform_fee_bps", sys.PlatformFeeBps,
		"base_rate_bps", sys.BaseRateBps,
	)
	return nil
}
