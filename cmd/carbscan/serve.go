package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rcourtman/carbscan/internal/analysis"
	"github.com/rcourtman/carbscan/internal/api"
	"github.com/rcourtman/carbscan/internal/config"
	"github.com/rcourtman/carbscan/internal/entitlement"
	"github.com/rcourtman/carbscan/internal/inference"
	"github.com/rcourtman/carbscan/internal/installation"
	"github.com/rcourtman/carbscan/internal/kvstore"
	"github.com/rcourtman/carbscan/internal/lifecycle"
	"github.com/rcourtman/carbscan/internal/logging"
	"github.com/rcourtman/carbscan/internal/notifications"
	"github.com/rcourtman/carbscan/internal/quota"
	"github.com/rcourtman/carbscan/internal/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

var shutdownTimeout = 10 * time.Second

func runServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "carbscan"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "carbscan",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Bool("dev_mode", cfg.DevMode).
		Msg("Starting carbscan")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := kvstore.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open local state: %w", err)
	}
	defer store.Close()

	tracker, err := quota.New(store, quota.Options{Location: cfg.Location})
	if err != nil {
		return fmt.Errorf("load quota: %w", err)
	}
	tracker.Start()
	defer tracker.Stop()

	anchors := newAnchorResolver(ctx, cfg, store)

	g, gctx := errgroup.WithContext(ctx)

	ledger, verifier, err := newLedger(cfg)
	if err != nil {
		return err
	}
	if bl, ok := ledger.(*entitlement.BridgeLedger); ok {
		g.Go(func() error {
			if err := bl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	products := entitlement.NewProductMap(cfg.ProductRules)
	resolver, err := entitlement.NewResolver(entitlement.Options{
		Ledger:    ledger,
		Verifier:  verifier,
		Anchors:   anchors,
		Products:  products,
		Quota:     tracker,
		TrialDays: cfg.TrialDays,
		Location:  cfg.Location,
	})
	if err != nil {
		return err
	}

	monitor := lifecycle.NewMonitor()
	hub := websocket.NewHub(func() interface{} { return resolver.Snapshot() })
	hub.SetLifecycleHandler(func(backgrounded bool) { monitor.SetBackgrounded(backgrounded) })

	notifier := notifications.NewNotifier(hub, monitor)
	defer notifier.Close()

	coord := inference.NewCoordinator(inference.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.InferenceTimeout,
	})
	service := analysis.NewService(resolver, tracker, coord, notifier)

	unsubscribe := resolver.Subscribe(func(state entitlement.State) { hub.BroadcastState(state) })
	defer unsubscribe()
	if err := resolver.Start(gctx); err != nil {
		return fmt.Errorf("start entitlement resolver: %w", err)
	}
	defer resolver.Stop()

	envPath := cfg.EnvFile
	if envPath == "" {
		envPath = filepath.Join(cfg.DataDir, ".env")
	}
	watcher, err := config.NewWatcher(envPath, func(rl config.Reload) {
		if rl.LogLevel != "" {
			logging.SetLevel(rl.LogLevel)
		}
		products.Set(rl.ProductRules)
		log.Info().Int("product_rules", len(rl.ProductRules)).Msg("Applied reloaded settings")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	router := api.NewRouter(api.Deps{
		Gate:         service,
		Entitlements: resolver,
		Quota:        tracker,
		Lifecycle:    monitor,
		History:      notifier,
		WebSocket:    http.HandlerFunc(hub.HandleWebSocket),
		Version:      Version,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	startMetricsServer(gctx, cfg.MetricsAddr)

	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(reloadChan)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reloadChan:
				log.Info().Msg("Received SIGHUP, reloading configuration...")
				if watcher != nil {
					watcher.ReloadConfig()
				}
			}
		}
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Core API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		coord.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("carbscan stopped with error")
		return err
	}
	log.Info().Msg("carbscan stopped")
	return nil
}

// newAnchorResolver picks the install-date backends. Without Firebase
// credentials in dev mode, the anchor lives only in the local database.
func newAnchorResolver(ctx context.Context, cfg *config.Config, store *kvstore.Store) *installation.Resolver {
	if cfg.DevMode && cfg.FirebaseAPIKey == "" {
		log.Warn().Msg("Dev mode without Firebase credentials, install date is kept locally")
		return installation.NewResolver(installation.NewLocalIdentity(store), installation.NewLocalStore(store), store, nil)
	}

	src := installation.NewAnonymousTokenSource(ctx, installation.IdentityConfig{
		APIKey:         cfg.FirebaseAPIKey,
		IdentityURL:    cfg.IdentityURL,
		SecureTokenURL: cfg.SecureTokenURL,
	}, store)
	identity := installation.NewAnonymousIdentity(src)
	docs := installation.NewFirestoreStore(installation.FirestoreConfig{
		BaseURL:   cfg.FirestoreURL,
		ProjectID: cfg.FirebaseProjectID,
	}, oauth2.NewClient(ctx, identity.TokenSource()))
	return installation.NewResolver(identity, docs, store, nil)
}

// newLedger returns the purchase ledger and the verifier for its signatures.
func newLedger(cfg *config.Config) (entitlement.Ledger, *entitlement.Verifier, error) {
	if cfg.DevMode && cfg.LedgerURL == "" {
		ml, err := entitlement.NewMemoryLedger(nil)
		if err != nil {
			return nil, nil, err
		}
		log.Warn().Msg("Dev mode, purchases go to an in-process ledger")
		return ml, entitlement.NewVerifier(ml.PublicKey()), nil
	}

	key, err := entitlement.DecodePublicKey(cfg.LedgerPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger public key: %w", err)
	}
	bl := entitlement.NewBridgeLedger(entitlement.BridgeConfig{
		BaseURL: cfg.LedgerURL,
		Token:   cfg.LedgerToken,
	})
	return bl, entitlement.NewVerifier(key), nil
}
