// Command snimap runs a local HTTPS reverse proxy that bypasses
// SNI-based censorship by disabling, overriding, or preserving the
// server_name presented to each origin, per a TOML policy file.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shanmiteko/snimap/internal/certs"
	"github.com/shanmiteko/snimap/internal/config"
	"github.com/shanmiteko/snimap/internal/forwarder"
	"github.com/shanmiteko/snimap/internal/hosts"
	"github.com/shanmiteko/snimap/internal/httpclient"
	"github.com/shanmiteko/snimap/internal/resolver"
	"github.com/shanmiteko/snimap/internal/server"
	"github.com/shanmiteko/snimap/internal/snimap"
	"github.com/shanmiteko/snimap/internal/tuning"
	"github.com/shanmiteko/snimap/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional; defaults to the platform per-user config dir)")
	listenAddr := flag.String("listen", "127.0.0.1:443", "Address the HTTPS listener binds")
	caDir := flag.String("ca-dir", "", "Directory holding the local CA cert/key (defaults to the platform per-user config dir)")
	hostsPath := flag.String("hosts-file", hosts.DefaultPath, "Path to the system hosts file to manage")
	noHostsFile := flag.Bool("no-hosts-file", false, "Skip managing the system hosts file (the operator manages DNS/hosts entries themselves)")
	defaultLevel := os.Getenv("SNIMAP_LOG_LEVEL")
	if defaultLevel == "" {
		defaultLevel = "info"
	}
	logLevel := flag.String("log-level", defaultLevel, "Log level: debug, info, warn, error (defaults to $SNIMAP_LOG_LEVEL, else info)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.Load(config.LoaderOptions{ConfigPath: *configPath, Logger: logger})
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	sniMap := snimap.Flatten(cfg)
	logger.Info("loaded sni map", "hostnames", sniMap.Len())

	var resolverTuning resolver.Tuning
	if err := tuning.Decode(cfg.Resolver, &resolverTuning); err != nil {
		logger.Error("invalid [resolver] tuning block", "error", err)
		os.Exit(1)
	}

	var outboundTuning httpclient.Tuning
	if err := tuning.Decode(cfg.OutboundHTTP, &outboundTuning); err != nil {
		logger.Error("invalid [outbound_http] tuning block", "error", err)
		os.Exit(1)
	}

	res := resolver.New(resolver.Config{
		Logger:         logger,
		Whitelist:      sniMap.Hostnames(),
		CacheSize:      resolverTuning.CacheSize,
		IPLookupURL:    resolverTuning.IPLookupURL,
		ResolvConfPath: resolverTuning.ResolvConfPath,
		HTTPClient:     httpclient.New(outboundTuning.Config()),
	})

	clients := upstream.New(upstream.Config{
		Resolver:         res,
		DialTimeout:      30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	})

	fwd := forwarder.New(logger, sniMap, clients)

	dir := *caDir
	if dir == "" {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			logger.Error("failed to resolve user config dir for CA storage", "error", err)
			os.Exit(1)
		}
		dir = filepath.Join(userConfigDir, "snimap", "ca")
	}
	authority, err := certs.LoadOrCreate(dir)
	if err != nil {
		logger.Error("failed to load or create local CA", "error", err)
		os.Exit(1)
	}
	logger.Info("local CA ready", "dir", dir)

	var hostsManager *hosts.Manager
	if !*noHostsFile {
		hostsManager = hosts.New(*hostsPath)
	}

	srv, err := server.New(server.Config{
		ListenAddr: *listenAddr,
		Authority:  authority,
		Handler:    fwd,
		Hosts:      hostsManager,
		Hostnames:  sniMap.Hostnames(),
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("snimap started", "addr", *listenAddr, "hostnames", sniMap.Len())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("snimap stopped")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
