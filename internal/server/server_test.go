package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmoriz/twitcharchive/internal/config"
	"github.com/rmoriz/twitcharchive/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

type fakeCallback struct {
	calls int
}

func (f *fakeCallback) HandleCallback(w http.ResponseWriter, r *http.Request) {
	f.calls++
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func TestHandleHealth(t *testing.T) {
	cfg := &config.ServerConfig{ListenAddr: "127.0.0.1", Port: 0}
	srv := New(cfg, &fakeCallback{}, telemetry.NewManager(nil, testLogger()), testLogger())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request", http.MethodGet, http.StatusOK},
		{"POST request", http.MethodPost, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()

			srv.handleHealth(w, req)

			resp := w.Result()
			body, _ := io.ReadAll(resp.Body)

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			if tt.expectedStatus == http.StatusOK {
				assert.Contains(t, string(body), "healthy")
				assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			}
		})
	}
}

func TestSetupTLSRequiresDomains(t *testing.T) {
	cfg := &config.ServerConfig{}
	cfg.TLS.Enabled = true
	srv := New(cfg, &fakeCallback{}, telemetry.NewManager(nil, testLogger()), testLogger())
	srv.httpServer = &http.Server{}

	err := srv.setupTLS()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls domains must be specified")
}

func TestSetupTLSConfiguresCertManager(t *testing.T) {
	cfg := &config.ServerConfig{}
	cfg.TLS.Enabled = true
	cfg.TLS.Domains = []string{"example.com"}
	cfg.TLS.CertDir = t.TempDir()

	srv := New(cfg, &fakeCallback{}, telemetry.NewManager(nil, testLogger()), testLogger())
	srv.httpServer = &http.Server{}

	require.NoError(t, srv.setupTLS())
	assert.NotNil(t, srv.certManager)
	require.NotNil(t, srv.httpServer.TLSConfig)
	assert.Equal(t, uint16(0x0303), srv.httpServer.TLSConfig.MinVersion) // tls.VersionTLS12
}

func TestStartStopsOnContextCancel(t *testing.T) {
	cfg := &config.ServerConfig{ListenAddr: "127.0.0.1", Port: 0}
	srv := New(cfg, &fakeCallback{}, telemetry.NewManager(nil, testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout")
	}
}
