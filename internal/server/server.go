// Package server binds the proxy's HTTPS listener: a single TLS
// certificate covering every mapped hostname is minted from the local
// CA at construction, every request is dispatched to the forwarder,
// and shutdown drains in-flight requests within a bounded deadline and
// restores the hosts file.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shanmiteko/snimap/internal/certs"
	"github.com/shanmiteko/snimap/internal/hosts"
	"github.com/shanmiteko/snimap/internal/logutil"
	"github.com/shanmiteko/snimap/internal/reqid"
)

// Config configures a Server.
type Config struct {
	// ListenAddr is the address the HTTPS listener binds, e.g.
	// "127.0.0.1:443".
	ListenAddr string

	// Authority mints, once in New, the single leaf certificate
	// (SAN = every name in Hostnames) presented for every ClientHello.
	Authority *certs.Authority

	// Handler serves every accepted request (the forwarder).
	Handler http.Handler

	// Hosts manages the /etc/hosts block redirecting every mapped
	// hostname to 127.0.0.1. May be nil to skip hosts-file management
	// entirely (e.g. under test).
	Hosts *hosts.Manager

	// Hostnames is the full set of origin hostnames the hosts file
	// should redirect, applied on Start and restored on Shutdown.
	Hostnames []string

	Logger *slog.Logger
}

// Server wraps the HTTPS listener and its lifecycle.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server

	// cert is the single leaf certificate covering every hostname in
	// cfg.Hostnames, minted once in New.
	cert *tls.Certificate
}

// New builds a Server, minting the single leaf certificate (SAN = every
// hostname in cfg.Hostnames) that GetCertificate will present for every
// ClientHello regardless of the requested SNI name. Call Start to
// begin serving.
func New(cfg Config) (*Server, error) {
	logger := logutil.NoopIfNil(cfg.Logger)

	cert, err := cfg.Authority.MintTLSCertificate(cfg.Hostnames)
	if err != nil {
		return nil, fmt.Errorf("mint server certificate: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		cert:   cert,
	}

	handler := chain(cfg.Handler, reqid.Middleware, requestLoggerMiddleware(logger), accessLogMiddleware(logger))

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: s.getCertificate,
		},
	}

	return s, nil
}

// Start applies the hosts-file block (if configured) and blocks
// serving HTTPS until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	if s.cfg.Hosts != nil {
		if err := s.cfg.Hosts.Apply(s.cfg.Hostnames); err != nil {
			return fmt.Errorf("apply hosts file: %w", err)
		}
		s.logger.Info("hosts file updated", "hostnames", len(s.cfg.Hostnames))
	}

	s.logger.Info("starting server", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServeTLS("", "")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests (bounded by ctx) and
// restores the hosts file to its pre-proxy state.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	shutdownErr := s.httpServer.Shutdown(ctx)

	var restoreErr error
	if s.cfg.Hosts != nil {
		if restoreErr = s.cfg.Hosts.Restore(); restoreErr != nil {
			s.logger.Warn("failed to restore hosts file", "error", restoreErr)
		}
	}

	return errors.Join(shutdownErr, restoreErr)
}

// getCertificate returns the single certificate minted in New,
// regardless of the name (or lack of one) presented in the
// ClientHello: every mapped hostname's SAN lives on that one leaf, so
// whether the client presents SNI (Preserve, Override as seen from the
// browser side) or not (Disable connects to the listener without SNI,
// in which case hello.ServerName is empty), the same certificate
// validates.
func (s *Server) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.cert, nil
}
