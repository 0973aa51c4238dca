package supervisor

import (
	"context"
	"fmt"
	"os"

	"github.com/rmoriz/twitcharchive/internal/irc"
)

// writeChatLog opens the channel's chat receiver and copies every message
// it delivers into path, one line per message, until ctx is cancelled. It
// requires the receiver to have been closed beforehand — Open reports
// whether it made that transition.
func writeChatLog(ctx context.Context, chat *irc.Receiver, path string) error {
	if !chat.Open() {
		return fmt.Errorf("chatwriter: irc receiver for %s was already open", path)
	}
	defer chat.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("chatwriter: create %s: %w", path, err)
	}
	defer f.Close()

	for {
		line, ok := chat.Recv(ctx)
		if !ok {
			if err := f.Sync(); err != nil {
				return fmt.Errorf("chatwriter: flush %s: %w", path, err)
			}
			return nil
		}
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("chatwriter: write %s: %w", path, err)
		}
	}
}
