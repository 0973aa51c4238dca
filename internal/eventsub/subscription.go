package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Subscription is the handle returned to a caller of Manager.Subscribe. It
// observes the same status cell the manager's index entry holds, with no
// back-pointer into the manager itself.
type Subscription struct {
	ID     string
	status *statusCell
	queue  *eventQueue
}

// Status returns the subscription's current lifecycle status.
func (s *Subscription) Status() Status {
	return s.status.Load()
}

// Recv blocks for the next event. ok is false when the subscription has
// reached a terminal state (its queue was closed, or the context was
// cancelled first) — the caller should treat that as "re-subscribe".
func (s *Subscription) Recv(ctx context.Context) (event []byte, ok bool) {
	return s.queue.Recv(ctx)
}

// Close marks this subscription's consumer as gone. Any callback still
// addressed to this subscription will now be told to remove the entry.
func (s *Subscription) Close() {
	s.queue.Close()
}

// DecodeStreamOnline decodes a raw stream.online event payload. Typed
// decoders live alongside the event type rather than as a method on a
// generic Subscription[T], per the redesign note in SPEC_FULL.md §9.
func DecodeStreamOnline(raw []byte) (StreamOnlineEvent, error) {
	var e StreamOnlineEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return StreamOnlineEvent{}, fmt.Errorf("decode stream.online event: %w", err)
	}
	return e, nil
}
