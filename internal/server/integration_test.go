package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmoriz/twitcharchive/internal/config"
	"github.com/rmoriz/twitcharchive/internal/telemetry"
)

func TestServerIntegrationHTTP(t *testing.T) {
	cfg := &config.ServerConfig{ListenAddr: "127.0.0.1", Port: 18080}
	cb := &fakeCallback{}
	srv := New(cfg, cb, telemetry.NewManager(nil, testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Start(ctx) }()

	time.Sleep(200 * time.Millisecond)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)

	t.Run("health endpoint", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "healthy")
	})

	t.Run("callback endpoint reaches the handler", func(t *testing.T) {
		resp, err := http.Post(baseURL+"/callback", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 1, cb.calls)
	})

	t.Run("404 for unknown paths", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/unknown")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	cancel()

	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop within timeout")
	}
}
