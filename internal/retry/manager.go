// Package retry persists a backoff queue of failed channel subscriptions so
// that retries survive a process restart, not just an in-process crash.
// internal/retryx handles the narrower case of retrying a single in-flight
// operation (an HLS playlist fetch); this package exists because losing a
// channel's place in the backoff schedule on every restart would make a
// flaky Twitch API outage much worse than it needs to be.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rmoriz/twitcharchive/internal/config"
)

// Task is one channel whose subscription needs to be (re-)created.
type Task struct {
	ChannelKey string    `json:"channel_key"`
	Attempt    int       `json:"attempt"`
	NextRetry  time.Time `json:"next_retry"`
}

// Manager runs a persisted exponential-backoff retry queue. Callers enqueue
// a channel key on subscription failure and are invoked again through
// onReady once its backoff delay has elapsed.
type Manager struct {
	cfg       config.RetryConfig
	logger    *slog.Logger
	onReady   func(ctx context.Context, channelKey string)
	queue     []*Task
	mutex     sync.RWMutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager constructs a Manager. onReady is called once per due task,
// from its own goroutine; it is the caller's responsibility to attempt the
// subscription again and call AddFailure if it fails once more.
func NewManager(cfg config.RetryConfig, logger *slog.Logger, onReady func(ctx context.Context, channelKey string)) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		onReady: onReady,
		stopCh:  make(chan struct{}),
	}
}

// Start loads any persisted queue and begins the background retry loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.loadState(); err != nil {
		m.logger.Warn("failed to load retry state", "error", err)
	}

	m.wg.Add(1)
	go m.processRetries(ctx)

	m.logger.Info("retry manager started", "queue_size", m.queueLen())
	return nil
}

// Stop halts the background loop and persists the current queue.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.wg.Wait()

	if err := m.saveState(); err != nil {
		return fmt.Errorf("retry: save state: %w", err)
	}
	m.logger.Info("retry manager stopped")
	return nil
}

// AddFailure enqueues channelKey for another attempt after a backoff delay.
// A channel that has already exhausted its attempt budget is dropped and
// logged, not retried forever.
func (m *Manager) AddFailure(channelKey string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var task *Task
	for _, t := range m.queue {
		if t.ChannelKey == channelKey {
			task = t
			break
		}
	}
	if task == nil {
		task = &Task{ChannelKey: channelKey}
		m.queue = append(m.queue, task)
	}

	task.Attempt++
	if task.Attempt >= m.cfg.MaxAttempts {
		m.logger.Error("dropping channel after exhausting retry attempts", "channel", channelKey, "attempts", task.Attempt)
		m.removeLocked(channelKey)
		return
	}
	task.NextRetry = m.nextRetry(task.Attempt)

	m.logger.Warn("channel subscription failed, scheduled for retry",
		"channel", channelKey, "attempt", task.Attempt, "next_retry", task.NextRetry)
}

// QueueSize reports how many channels are currently awaiting retry.
func (m *Manager) QueueSize() int {
	return m.queueLen()
}

func (m *Manager) queueLen() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.queue)
}

func (m *Manager) removeLocked(channelKey string) {
	remaining := m.queue[:0]
	for _, t := range m.queue {
		if t.ChannelKey != channelKey {
			remaining = append(remaining, t)
		}
	}
	m.queue = remaining
}

func (m *Manager) processRetries(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.processReadyRetries(ctx)
		}
	}
}

func (m *Manager) processReadyRetries(ctx context.Context) {
	m.mutex.Lock()
	now := time.Now()
	var ready []*Task
	var remaining []*Task
	for _, t := range m.queue {
		if now.After(t.NextRetry) {
			ready = append(ready, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.queue = remaining
	m.mutex.Unlock()

	for _, t := range ready {
		go m.onReady(ctx, t.ChannelKey)
	}
	if len(ready) > 0 {
		m.logger.Info("processed retry queue", "ready", len(ready), "remaining", len(remaining))
	}
}

func (m *Manager) nextRetry(attempt int) time.Time {
	delay := m.cfg.InitialDelay
	delay = time.Duration(float64(delay) * math.Pow(m.cfg.BackoffFactor, float64(attempt-1)))
	if delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	return time.Now().Add(delay)
}

func (m *Manager) loadState() error {
	if m.cfg.StateFile == "" {
		return nil
	}
	if _, err := os.Stat(m.cfg.StateFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(m.cfg.StateFile)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var state struct {
		Queue []*Task `json:"queue"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}

	m.mutex.Lock()
	m.queue = state.Queue
	m.mutex.Unlock()
	return nil
}

func (m *Manager) saveState() error {
	if m.cfg.StateFile == "" {
		return nil
	}

	m.mutex.RLock()
	state := struct {
		Queue []*Task `json:"queue"`
	}{Queue: m.queue}
	m.mutex.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(m.cfg.StateFile, data, 0o644)
}
