// Package main provides the provenance server entry point: a single
// process hosting the role-gated transfer API, the reconstruction
// engine, and the ledger backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang/glog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agritrace/provenance/pkg/api"
	"github.com/agritrace/provenance/pkg/config"
	"github.com/agritrace/provenance/pkg/ledger"
	"github.com/agritrace/provenance/pkg/metastore"
	"github.com/agritrace/provenance/pkg/provenance"
	"github.com/agritrace/provenance/pkg/reconstruct"
	"github.com/agritrace/provenance/pkg/roles"
)

func main() {
	var (
		configPath   string
		listenAddr   string
		databaseType string
		databaseDSN  string
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&listenAddr, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&databaseType, "db-type", "", "Database type (postgres, mysql, or sqlite)")
	flag.StringVar(&databaseDSN, "db-dsn", "", "Database connection string")
	flag.Parse()

	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	// Flags beat config file and environment.
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if databaseType != "" {
		cfg.DatabaseType = databaseType
	}
	if databaseDSN != "" {
		cfg.DatabaseDSN = databaseDSN
	}

	logger.Info("starting provenance server",
		"listen", cfg.Listen,
		"ledgerMode", cfg.Ledger.Mode,
		"authMode", cfg.Auth.Mode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Ledger backend: this process either owns the events table or talks
	// to a remote ledger gateway.
	var (
		reader ledger.Reader
		writer ledger.Writer
	)
	switch cfg.Ledger.Mode {
	case "remote":
		client := ledger.NewClient(ledger.ClientConfig{
			BaseURL:    cfg.Ledger.RemoteURL,
			MaxRetries: cfg.Ledger.MaxRetries,
		})
		reader, writer = client, client
		logger.Info("using remote ledger", "url", cfg.Ledger.RemoteURL)
	default:
		gormDB, err := setupDatabase(cfg.DatabaseType, cfg.DatabaseDSN)
		if err != nil {
			glog.Fatalf("Failed to connect to database: %v", err)
		}
		store := ledger.NewStore(gormDB)
		if err := store.AutoMigrate(); err != nil {
			glog.Fatalf("Failed to migrate ledger schema: %v", err)
		}
		reader, writer = store, store
		logger.Info("using local ledger", "dbType", cfg.DatabaseType)
	}

	// Metadata store: real gateway client when configured, otherwise the
	// explicit in-memory mock. The mock is a startup decision, never a
	// runtime fallback.
	var meta metastore.Store
	if len(cfg.Metadata.Gateways) > 0 {
		client, err := metastore.NewClient(metastore.Config{
			Gateways:       cfg.Metadata.Gateways,
			WriteURL:       cfg.Metadata.WriteURL,
			AuthToken:      cfg.Metadata.AuthToken,
			GatewayTimeout: cfg.Metadata.GatewayTimeout,
			MaxPayload:     cfg.Metadata.MaxPayload,
			CacheTTL:       cfg.Metadata.CacheTTL,
		})
		if err != nil {
			glog.Fatalf("Failed to create metadata client: %v", err)
		}
		meta = client
		logger.Info("using gateway metadata store", "gateways", len(cfg.Metadata.Gateways))
	} else {
		mock := metastore.NewMockStore()
		meta = mock
		logger.Warn("no metadata gateways configured, using in-memory mock store", "store", mock.String())
	}

	engine := reconstruct.NewEngine(reader, meta, logger)
	roleCache := roles.NewCache(roles.NewLedgerSource(reader), cfg.RoleCacheTTL)

	serverOpts := []api.ServerOption{
		api.WithMintLimits(provenance.MintLimits{MaxQuantity: cfg.MaxQuantity}),
	}
	if len(cfg.CORSOrigins) > 0 {
		serverOpts = append(serverOpts, api.WithCORSOrigins(cfg.CORSOrigins))
	}

	switch cfg.Auth.Mode {
	case "jwt":
		extract, err := roles.NewJWTIdentityExtractor(roles.JWTExtractorConfig{
			SubjectClaim:  cfg.Auth.JWTSubjectClaim,
			PublicKeyPath: cfg.Auth.JWTPublicKeyPath,
			Issuer:        cfg.Auth.JWTIssuer,
			Audience:      cfg.Auth.JWTAudience,
			Logger:        logger,
		})
		if err != nil {
			glog.Fatalf("Failed to create JWT extractor: %v", err)
		}
		serverOpts = append(serverOpts, api.WithIdentityExtractor(extract))
		logger.Info("using JWT identity extraction",
			"hasPublicKey", cfg.Auth.JWTPublicKeyPath != "")
	default:
		// Default: X-Actor header (development mode).
		logger.Info("using header-based identity extraction", "header", roles.ActorHeader)
	}

	server := api.NewServer(engine, writer, meta, roleCache, logger, serverOpts...)
	router := server.Router()

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("provenance server ready", "listen", cfg.Listen)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("provenance server stopped")
}

func setupDatabase(dbType, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required (use -db-dsn, PROV_DB_DSN, or the config file)")
	}

	var dialector gorm.Dialector
	switch dbType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected postgres, mysql, or sqlite)", dbType)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dbType, err)
	}
	return gormDB, nil
}
