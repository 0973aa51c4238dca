// Package server runs the process's single inbound HTTP listener: the
// EventSub callback endpoint and a health check, with optional
// Let's-Encrypt-managed TLS.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/acme/autocert"

	"github.com/rmoriz/twitcharchive/internal/config"
	"github.com/rmoriz/twitcharchive/internal/telemetry"
)

// callbackHandler is the subset of *eventsub.Manager the server depends on.
type callbackHandler interface {
	HandleCallback(w http.ResponseWriter, r *http.Request)
}

// Server is the process's inbound HTTP surface.
type Server struct {
	cfg         *config.ServerConfig
	logger      *slog.Logger
	callback    callbackHandler
	telemetry   *telemetry.Manager
	httpServer  *http.Server
	certManager *autocert.Manager
}

// New constructs a Server. The eventsub manager handles the callback
// endpoint's actual state machine; this package only owns the listener.
func New(cfg *config.ServerConfig, callback callbackHandler, telemetryManager *telemetry.Manager, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, callback: callback, telemetry: telemetryManager, logger: logger}
}

// Start begins listening and blocks until ctx is cancelled, at which point
// it shuts down gracefully with a 30s deadline. It returns once the
// listener has stopped.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.instrument(s.handleHealth, "health"))
	mux.HandleFunc("/callback", s.instrument(s.callback.HandleCallback, "callback"))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if s.cfg.TLS.Enabled {
		if err := s.setupTLS(); err != nil {
			return fmt.Errorf("server: setup tls: %w", err)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("starting callback server", "addr", s.httpServer.Addr, "tls_enabled", s.cfg.TLS.Enabled)
		if s.cfg.TLS.Enabled {
			serverErrors <- s.httpServer.ListenAndServeTLS("", "")
		} else {
			serverErrors <- s.httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutting down callback server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		s.logger.Info("callback server stopped")
		return nil
	}
}

// setupTLS configures automatic certificate management via Let's Encrypt,
// with an HTTP-01 challenge responder on :80 when the main listener is on
// :443.
func (s *Server) setupTLS() error {
	if len(s.cfg.TLS.Domains) == 0 {
		return fmt.Errorf("tls domains must be specified when tls is enabled")
	}

	if err := os.MkdirAll(s.cfg.TLS.CertDir, 0o700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}

	s.certManager = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domains...),
		Cache:      autocert.DirCache(s.cfg.TLS.CertDir),
	}

	s.httpServer.TLSConfig = &tls.Config{
		GetCertificate: s.certManager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}

	if s.cfg.Port == 443 {
		go func() {
			s.logger.Info("starting http-01 challenge responder on :80")
			challengeServer := &http.Server{Addr: ":80", Handler: s.certManager.HTTPHandler(nil)}
			if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("challenge responder error", "error", err)
			}
		}()
	}

	s.logger.Info("tls configured with let's encrypt", "domains", s.cfg.TLS.Domains, "cert_dir", s.cfg.TLS.CertDir)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"twitcharchive","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}

// instrument wraps a handler with tracing and request metrics.
func (s *Server) instrument(next http.HandlerFunc, operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.telemetry.StartSpan(r.Context(), "http."+operation,
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)
		defer span.End()

		s.telemetry.RecordCallbackActive(ctx, 1)
		defer s.telemetry.RecordCallbackActive(ctx, -1)

		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next(wrapped, r.WithContext(ctx))
		duration := time.Since(start)

		s.telemetry.RecordCallback(ctx, r.Header.Get("Twitch-Eventsub-Message-Type"), wrapped.statusCode, duration)
		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
