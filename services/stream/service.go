// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream assembles the auditable item stream service.
//
// # Description
//
// The service wires the storage, vault, identity and immutable storage
// gateways into the engine, mounts the REST surface, and runs the HTTP
// server with graceful shutdown. Construction is fail-fast: any
// misconfigured dependency aborts startup before the listener opens.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AuditStream/pkg/logging"
	"github.com/AleutianAI/AuditStream/services/stream/config"
	"github.com/AleutianAI/AuditStream/services/stream/engine"
	"github.com/AleutianAI/AuditStream/services/stream/identity"
	"github.com/AleutianAI/AuditStream/services/stream/immutable"
	"github.com/AleutianAI/AuditStream/services/stream/middleware"
	"github.com/AleutianAI/AuditStream/services/stream/routes"
	"github.com/AleutianAI/AuditStream/services/stream/storage/badger"
	"github.com/AleutianAI/AuditStream/services/stream/store"
	"github.com/AleutianAI/AuditStream/services/stream/telemetry"
	"github.com/AleutianAI/AuditStream/services/stream/vault"
)

const serviceName = "auditstream-service"

// Service is a fully wired stream service.
type Service struct {
	cfg      config.Config
	logger   *logging.Logger
	db       *badger.DB
	vault    *vault.Ed25519Vault
	issuer   *identity.JWTIssuer
	blobs    immutable.Store
	registry *prometheus.Registry
	engine   *engine.Engine
	router   *gin.Engine

	tracerCleanup func(context.Context)
	closeBlobs    func() error
}

// New builds the service from configuration.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*Service, error) {
	s := &Service{cfg: cfg, logger: logger}

	if err := s.initStorage(); err != nil {
		return nil, err
	}
	if err := s.initVault(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initImmutable(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initEngine(); err != nil {
		s.Close()
		return nil, err
	}
	s.initRouter()
	return s, nil
}

func (s *Service) initStorage() error {
	var (
		db  *badger.DB
		err error
	)
	if s.cfg.Storage.InMemory {
		db, err = badger.OpenInMemory()
	} else {
		bcfg := badger.DefaultConfig(s.cfg.Storage.Path)
		bcfg.SyncWrites = s.cfg.Storage.SyncWrites
		bcfg.Logger = s.logger.Slog()
		db, err = badger.Open(bcfg)
	}
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	s.db = db
	return nil
}

func (s *Service) initVault() error {
	v := vault.NewEd25519Vault()
	keyID := s.cfg.Vault.KeyID

	if s.cfg.Vault.SeedFile != "" {
		seed, err := os.ReadFile(s.cfg.Vault.SeedFile)
		if err != nil {
			return fmt.Errorf("read vault seed: %w", err)
		}
		if err := v.ImportSeed(keyID, seed); err != nil {
			return err
		}
	} else if err := v.EnsureKey(keyID); err != nil {
		return err
	}

	s.vault = v
	s.issuer = identity.NewJWTIssuer(v, keyID, s.cfg.Vault.AssertionMethodID)
	return nil
}

func (s *Service) initImmutable(ctx context.Context) error {
	switch s.cfg.Immutable.Backend {
	case "gcs":
		gcs, err := immutable.NewGCSStore(ctx,
			s.cfg.Immutable.GCSBucket,
			s.cfg.Immutable.GCSPrefix,
			s.cfg.Immutable.GCSCredentialsFile)
		if err != nil {
			return fmt.Errorf("open gcs immutable store: %w", err)
		}
		s.blobs = gcs
		s.closeBlobs = gcs.Close
	default:
		s.blobs = immutable.NewBadgerStore(s.db)
	}
	return nil
}

func (s *Service) initEngine() error {
	s.registry = prometheus.NewRegistry()
	eng, err := engine.New(engine.Dependencies{
		Streams: store.NewStreamStore(s.db),
		Entries: store.NewEntryStore(s.db),
		Signer:  s.vault,
		Issuer:  s.issuer,
		Blobs:   s.blobs,
		Metrics: telemetry.NewMetrics(s.registry),
		Logger:  s.logger.Slog(),
		Config: engine.Config{
			VaultKeyID:               s.cfg.Vault.KeyID,
			AssertionMethodID:        s.cfg.Vault.AssertionMethodID,
			DefaultImmutableInterval: s.cfg.Stream.DefaultImmutableInterval,
		},
	})
	if err != nil {
		return err
	}
	s.engine = eng
	return nil
}

func (s *Service) initRouter() {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RateLimit(s.cfg.Server.RateLimit, s.cfg.Server.RateBurst))
	if s.cfg.Telemetry.OTLPEndpoint != "" {
		router.Use(otelgin.Middleware(serviceName))
	}

	routes.SetupRoutes(router, s.engine, s.cfg.Stream.NodeIdentity, s.registry)
	s.router = router
}

// Engine exposes the engine for embedding callers and tests.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Router exposes the HTTP handler for tests.
func (s *Service) Router() http.Handler { return s.router }

// Run starts the HTTP server and blocks until the context is cancelled
// or SIGINT/SIGTERM arrives, then drains in-flight requests.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Telemetry.OTLPEndpoint != "" {
		cleanup, err := s.initTracer(ctx)
		if err != nil {
			s.logger.Warn("tracer init failed, continuing without tracing", "error", err)
		} else {
			s.tracerCleanup = cleanup
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case sig := <-stop:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// Close releases every resource the service holds.
func (s *Service) Close() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if s.closeBlobs != nil {
		if err := s.closeBlobs(); err != nil {
			s.logger.Warn("immutable store close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("storage close error", "error", err)
		}
	}
}

// initTracer wires the OTLP gRPC exporter into the global tracer
// provider and returns its shutdown hook.
func (s *Service) initTracer(ctx context.Context) (func(context.Context), error) {
	conn, err := grpc.NewClient(s.cfg.Telemetry.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
