package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/agrous/stock-ledger/internal/adapter/handler"
	"github.com/agrous/stock-ledger/internal/auth"
	"github.com/agrous/stock-ledger/internal/bootstrap"
	"github.com/agrous/stock-ledger/internal/config"
	"github.com/agrous/stock-ledger/internal/core/service"
	"github.com/agrous/stock-ledger/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info").WithError(err).Fatal("failed to load config")
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}

	tokens, err := auth.NewManager(cfg.JWTSecret)
	if err != nil {
		log.WithError(err).Fatal("failed to create token manager")
	}

	// Initialize services
	validate := validator.New()
	opts := service.Options{
		MaxAttempts:  cfg.MaxTxAttempts,
		RetryBackoff: cfg.TxRetryBackoff(),
		QueueSize:    cfg.NotifyQueueSize,
	}
	stockService := service.NewStockService(backends.Inventory, backends.Cache, log, opts)
	itemService := service.NewItemService(backends.Inventory, stockService, validate, log, opts)
	livestockService := service.NewLivestockService(backends.Livestock, validate, log, opts)
	auditService := service.NewAuditService(backends.Inventory, backends.Locker, log)

	// Start notification workers
	var wg sync.WaitGroup
	for i := 0; i < cfg.NotifyWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			service.PublishLoop(id, stockService.GetUpdateQueue(), backends.Notifier, log)
		}(i)
	}
	log.Infof("started %d notification workers", cfg.NotifyWorkers)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.LogInterceptor(log),
		handler.AuthInterceptor(tokens),
	))
	handler.RegisterStockLedgerServer(grpcServer, handler.NewGRPCHandler(itemService, stockService, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}

	go func() {
		log.Infof("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC server error")
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(itemService, stockService, livestockService, auditService, validate, log)
	wsHandler := handler.NewWSHandler(itemService, backends.Notifier, cfg.CORSOrigins, log)

	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     handler.Routes(httpHandler, wsHandler, tokens, cfg.CORSOrigins, log),
		IdleTimeout: time.Minute,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	// Close the snapshot queue and let the workers drain it
	stockService.Close()
	wg.Wait()
	log.Info("workers stopped")

	backends.Close()
	log.Info("connections closed")
}
