package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/config"
	"github.com/ordermaster/printbridge/internal/event"
	"github.com/ordermaster/printbridge/internal/eventbridge"
	"github.com/ordermaster/printbridge/internal/notify"
	"github.com/ordermaster/printbridge/internal/printing"
	"github.com/ordermaster/printbridge/internal/registry"
	"github.com/ordermaster/printbridge/internal/server"
	"github.com/ordermaster/printbridge/internal/store"
	"github.com/ordermaster/printbridge/internal/version"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("printbridge starting", zap.String("version", version.Short()))

	v, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	cfg := config.New(v)

	db, err := store.New(v.GetString("database.path"))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	bus := event.NewBus(logger.Named("event"))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg := registry.New(logger)
	plugins := []plugin.Plugin{
		printing.New(printing.WithRegisterer(promReg)),
		notify.New(),
		eventbridge.New(),
	}
	for _, p := range plugins {
		if err := reg.Register(p); err != nil {
			logger.Fatal("failed to register plugin", zap.Error(err))
		}
		name := p.Info().Name
		if !cfg.GetBool("plugins." + name + ".enabled") {
			reg.Disable(name, "disabled in configuration")
		}
	}

	if err := reg.Validate(); err != nil {
		logger.Fatal("plugin validation failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config: cfg.Sub("plugins." + name),
			Logger: logger.Named(name),
			Store:  db,
			Bus:    bus,
		}
	})
	if err != nil {
		logger.Fatal("failed to initialize plugins", zap.Error(err))
	}
	reg.Subscribe(bus)

	if err := reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start plugins", zap.Error(err))
	}

	addr := net.JoinHostPort(v.GetString("server.host"), v.GetString("server.port"))
	srv := server.New(addr, reg, promReg, logger.Named("server"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("printbridge ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)
	cancel()

	logger.Info("printbridge stopped")
}
