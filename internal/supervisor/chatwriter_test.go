package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmoriz/twitcharchive/internal/irc"
)

func TestWriteChatLogFlushesOnCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	chat := irc.NewBuilder(testLogger()).Join("somechannel")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- writeChatLog(ctx, chat, path) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writeChatLog did not return after cancellation")
	}

	_, err := os.Stat(path)
	assert.NoError(t, err)
	assert.False(t, chat.IsOpen(), "writer must close the receiver before returning")
}

func TestWriteChatLogErrorsWhenReceiverAlreadyOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	chat := irc.NewBuilder(testLogger()).Join("somechannel")
	require.True(t, chat.Open())

	err := writeChatLog(context.Background(), chat, path)
	assert.Error(t, err)
}
