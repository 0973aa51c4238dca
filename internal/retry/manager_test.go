package retry

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmoriz/twitcharchive/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddFailureDropsChannelAfterMaxAttempts(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2.0}
	m := NewManager(cfg, testLogger(), func(ctx context.Context, channelKey string) {})

	m.AddFailure("somechannel")
	assert.Equal(t, 1, m.QueueSize())

	m.AddFailure("somechannel")
	assert.Equal(t, 0, m.QueueSize(), "channel should be dropped once attempts exceed the budget")
}

func TestProcessReadyRetriesInvokesOnReady(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1.0}

	var mu sync.Mutex
	var invoked []string
	m := NewManager(cfg, testLogger(), func(ctx context.Context, channelKey string) {
		mu.Lock()
		invoked = append(invoked, channelKey)
		mu.Unlock()
	})

	m.AddFailure("somechannel")
	time.Sleep(2 * time.Millisecond)

	m.processReadyRetries(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invoked) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"somechannel"}, invoked)
	mu.Unlock()
	assert.Equal(t, 0, m.QueueSize())
}

func TestStateSurvivesRestart(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "retry_state.json")
	cfg := config.RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 2.0, StateFile: stateFile}

	m1 := NewManager(cfg, testLogger(), func(ctx context.Context, channelKey string) {})
	require.NoError(t, m1.Start(context.Background()))
	m1.AddFailure("somechannel")
	require.NoError(t, m1.Stop())

	m2 := NewManager(cfg, testLogger(), func(ctx context.Context, channelKey string) {})
	require.NoError(t, m2.Start(context.Background()))
	assert.Equal(t, 1, m2.QueueSize(), "queue should survive a restart via the state file")
	require.NoError(t, m2.Stop())
}
