package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/blob"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/posts"
	"github.com/anonto42/tilt/backend/internal/profile"
	"github.com/anonto42/tilt/backend/internal/repositories"
	"github.com/anonto42/tilt/backend/internal/retry"
	"github.com/anonto42/tilt/backend/internal/router"
	"github.com/anonto42/tilt/backend/internal/session"
	"github.com/anonto42/tilt/backend/internal/social"
	"github.com/anonto42/tilt/backend/internal/thread"
	"github.com/anonto42/tilt/backend/pkg/config"
	"github.com/anonto42/tilt/backend/pkg/firebase"
	"github.com/anonto42/tilt/backend/pkg/logger"
	"github.com/anonto42/tilt/backend/pkg/metrics"
	"github.com/anonto42/tilt/backend/validators"
)

var (
	rootCmd = &cobra.Command{
		Use:   "tilt",
		Short: "Tilt feed synchronization service",
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live gateway and metrics endpoint",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL registry tables and the MongoDB indexes",
		RunE:  runMigrate,
	}
)

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() *config.Config {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.IsDevelopment())
	return cfg
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := setup()
	defer logger.Sync()

	db, err := config.InitDB(cfg)
	if err != nil {
		return err
	}
	defer db.CloseDB()

	if err := repositories.AutoMigrate(db.Postgres); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if db.Mongo != nil {
		store := docstore.NewMongoStore(db.Mongo, db.Mongo.Database(cfg.MongoDatabase))
		if err := store.EnsureIndexes(cmd.Context()); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
	}
	logger.Log.Info("migrations completed")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := setup()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.InitDB(cfg)
	if err != nil {
		return fmt.Errorf("initialize databases: %w", err)
	}
	defer db.CloseDB()
	if err := repositories.AutoMigrate(db.Postgres); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	var app *firebase.App
	if cfg.AuthMode == "firebase" || cfg.StoreBackend == "firestore" || cfg.FirebaseStorageBucket != "" {
		if app, err = firebase.InitFirebase(ctx, cfg); err != nil {
			return fmt.Errorf("initialize firebase: %w", err)
		}
	}

	store, err := openStore(ctx, cfg, db, app)
	if err != nil {
		return err
	}
	defer store.Close()

	verifier, err := newVerifier(cfg, app)
	if err != nil {
		return err
	}

	var blobs blob.Storage = blob.NewMemoryStorage()
	if app != nil && app.Bucket != nil {
		blobs = blob.NewGCSStorage(app.Bucket)
	}

	policy := retry.Policy{MaxTries: cfg.RetryMaxTries, InitialInterval: cfg.RetryInitialInterval}
	index := repositories.NewPostgresPostIndexRepository(db.Postgres)

	e := echo.New()
	e.HideBanner = true
	config.SetupMiddleware(e)
	e.Validator = validators.NewValidator()
	router.SetupRoutes(e, router.Deps{
		Store:                store,
		Verifier:             verifier,
		Composer:             posts.NewComposer(store, blobs, index, posts.Options{Retry: policy}),
		Profiles:             profile.NewService(store, repositories.NewPostgresUsernameRepository(db.Postgres)),
		Graph:                social.NewGraph(store, social.Options{Retry: policy}),
		Locator:              thread.Chain{index, thread.StoreLocator{Store: store}},
		Retry:                policy,
		FeedPageSize:         cfg.FeedPageSize,
		NotificationPageSize: cfg.NotificationPageSize,
	})

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("listening", zap.String("port", cfg.Port), zap.String("store", cfg.StoreBackend))
		errCh <- e.Start(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("metrics shutdown", zap.Error(err))
	}
	return e.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, db *config.DB, app *firebase.App) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case "firestore":
		return docstore.NewFirestoreStore(app.Firestore), nil
	case "mongo":
		store := docstore.NewMongoStore(db.Mongo, db.Mongo.Database(cfg.MongoDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return store, nil
	case "memory":
		logger.Log.Warn("using the in-memory document store; data is lost on exit")
		return docstore.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

func newVerifier(cfg *config.Config, app *firebase.App) (session.Verifier, error) {
	switch cfg.AuthMode {
	case "firebase":
		return session.FirebaseVerifier{Client: app.AuthClient}, nil
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, errors.New("JWT_SECRET must be set when AUTH_MODE=jwt")
		}
		return session.JWTVerifier{Secret: []byte(cfg.JWTSecret)}, nil
	}
	return nil, fmt.Errorf("unknown AUTH_MODE %q", cfg.AuthMode)
}
