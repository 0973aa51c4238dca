package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmoriz/twitcharchive/internal/eventsub"
	"github.com/rmoriz/twitcharchive/internal/filename"
	"github.com/rmoriz/twitcharchive/internal/helix"
	"github.com/rmoriz/twitcharchive/internal/hls"
	"github.com/rmoriz/twitcharchive/internal/irc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSubscription delivers a fixed sequence of raw events, then blocks
// until ctx is cancelled (simulating a still-enabled subscription with
// nothing new to report, rather than a revoked one).
type fakeSubscription struct {
	events chan []byte
}

func (f *fakeSubscription) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case e, ok := <-f.events:
		return e, ok
	case <-ctx.Done():
		return nil, false
	}
}

func (f *fakeSubscription) Status() eventsub.Status { return eventsub.StatusEnabled }

type fakeSubscriber struct {
	calls int
	subs  []*fakeSubscription
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, evt eventsub.EventType, condition map[string]string) (Subscription, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.subs) {
		return f.subs[idx], nil
	}
	return f.subs[len(f.subs)-1], nil
}

type fakeStreamFetcher struct {
	stream *helix.Stream
	err    error
}

func (f *fakeStreamFetcher) StreamByUserID(ctx context.Context, userID string) (*helix.Stream, error) {
	return f.stream, f.err
}

// fakeDedupe tracks which keys have already been seen without touching disk.
type fakeDedupe struct {
	seen map[string]bool
}

func newFakeDedupe() *fakeDedupe { return &fakeDedupe{seen: make(map[string]bool)} }

func (f *fakeDedupe) GenerateEventKey(channelUserID, streamID string, startedAt time.Time) string {
	return channelUserID + ":" + streamID
}

func (f *fakeDedupe) IsDuplicate(eventKey string) bool { return f.seen[eventKey] }

func (f *fakeDedupe) AddEvent(eventKey string, eventData []byte) { f.seen[eventKey] = true }

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, login string) (string, error) {
	return f.url, f.err
}

type fakeRipper struct {
	result    *hls.Result
	err       error
	called    chan struct{}
	callCount int32
}

func (f *fakeRipper) Download(ctx context.Context, masterURL, dest string, priority []string) (*hls.Result, error) {
	atomic.AddInt32(&f.callCount, 1)
	if f.called != nil {
		select {
		case f.called <- struct{}{}:
		default:
		}
	}
	return f.result, f.err
}

func newTestStream() *helix.Stream {
	return &helix.Stream{
		ID:        "999",
		UserID:    "42",
		UserLogin: "somechannel",
		UserName:  "SomeChannel",
		GameID:    "1",
		GameName:  "Just Chatting",
		Title:     "hello",
		StartedAt: "2026-03-05T10:00:00Z",
	}
}

func TestRunDownloadsOnStreamOnlineEventAndFinalizesDirectory(t *testing.T) {
	base := t.TempDir()
	scratch := filepath.Join(base, "scratch")
	dest := filename.New(filepath.Join(base, "archive", "%Sl_%si"))

	stream := newTestStream()
	sub := &fakeSubscription{events: make(chan []byte, 1)}
	evt, err := json.Marshal(eventsub.StreamOnlineEvent{ID: stream.ID, BroadcasterUserID: stream.UserID})
	require.NoError(t, err)
	sub.events <- evt

	events := &fakeSubscriber{subs: []*fakeSubscription{sub}}
	streams := &fakeStreamFetcher{stream: stream}
	resolver := &fakeResolver{url: "https://usher.example/master.m3u8"}
	rip := &fakeRipper{result: &hls.Result{AlternativeName: "720p", GroupID: "video", Bitrate: 3000000}}

	s := New(testLogger(), events, streams, resolver, rip, OutputSettings{
		SaveDir:    true,
		Dest:       dest,
		ScratchDir: scratch,
		AppVersion: "1.2.3",
	})

	chat := irc.NewBuilder(testLogger()).Join("somechannel")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, ChannelSettings{UserID: stream.UserID, Login: stream.UserLogin, Format: []string{"best"}}, chat)
		close(done)
	}()

	finalDir := filepath.Join(base, "archive", "somechannel_999")
	require.Eventually(t, func() bool {
		_, err := os.Stat(finalDir)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	_, err = os.Stat(filepath.Join(finalDir, "info.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(finalDir, "chat.log"))
	assert.NoError(t, err)

	doc, err := os.ReadFile(filepath.Join(finalDir, "info.json"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"version":"0.1/1.2.3"`)
	assert.Contains(t, string(doc), `"group_id":"video"`)

	remaining, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, remaining, "working directory should have been finalized away")
}

func TestRunDownloadCleansUpWhenFormatAbsent(t *testing.T) {
	base := t.TempDir()
	scratch := filepath.Join(base, "scratch")
	dest := filename.New(filepath.Join(base, "archive", "%Sl_%si"))

	stream := newTestStream()
	sub := &fakeSubscription{events: make(chan []byte, 1)}
	evt, err := json.Marshal(eventsub.StreamOnlineEvent{ID: stream.ID, BroadcasterUserID: stream.UserID})
	require.NoError(t, err)
	sub.events <- evt

	events := &fakeSubscriber{subs: []*fakeSubscription{sub}}
	streams := &fakeStreamFetcher{stream: stream}
	resolver := &fakeResolver{url: "https://usher.example/master.m3u8"}
	rip := &fakeRipper{result: nil, err: nil, called: make(chan struct{})}

	s := New(testLogger(), events, streams, resolver, rip, OutputSettings{
		SaveDir:    true,
		Dest:       dest,
		ScratchDir: scratch,
		AppVersion: "1.2.3",
	})

	chat := irc.NewBuilder(testLogger()).Join("somechannel")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, ChannelSettings{UserID: stream.UserID, Login: stream.UserLogin, Format: []string{"best"}}, chat)
		close(done)
	}()

	select {
	case <-rip.called:
	case <-time.After(2 * time.Second):
		t.Fatal("ripper was never invoked")
	}

	// By the time Run exits, the single event's processing (including the
	// format-absent cleanup) has already completed synchronously — the
	// receive loop only blocks on the subscription's second Recv call,
	// which only returns once ctx is cancelled below.
	cancel()
	<-done

	_, err = os.Stat(filepath.Join(base, "archive"))
	assert.True(t, os.IsNotExist(err), "no artifact should be finalized when no format matched")

	remaining, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, remaining, "scratch working directory should have been removed")
}

func TestRunSkipsRedeliveredNotification(t *testing.T) {
	base := t.TempDir()
	scratch := filepath.Join(base, "scratch")
	dest := filename.New(filepath.Join(base, "archive", "%Sl_%si"))

	stream := newTestStream()
	evt, err := json.Marshal(eventsub.StreamOnlineEvent{ID: stream.ID, BroadcasterUserID: stream.UserID, StartedAt: stream.StartedAt})
	require.NoError(t, err)

	sub := &fakeSubscription{events: make(chan []byte, 2)}
	sub.events <- evt
	sub.events <- evt // redelivery of the same notification

	events := &fakeSubscriber{subs: []*fakeSubscription{sub}}
	streams := &fakeStreamFetcher{stream: stream}
	resolver := &fakeResolver{url: "https://usher.example/master.m3u8"}
	rip := &fakeRipper{result: &hls.Result{AlternativeName: "720p", GroupID: "video"}, called: make(chan struct{}, 2)}

	s := New(testLogger(), events, streams, resolver, rip, OutputSettings{
		SaveDir:    true,
		Dest:       dest,
		ScratchDir: scratch,
		AppVersion: "1.2.3",
	})
	s.SetDedupe(newFakeDedupe())

	chat := irc.NewBuilder(testLogger()).Join("somechannel")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, ChannelSettings{UserID: stream.UserID, Login: stream.UserLogin, Format: []string{"best"}}, chat)
		close(done)
	}()

	select {
	case <-rip.called:
	case <-time.After(2 * time.Second):
		t.Fatal("ripper was never invoked")
	}

	cancel()
	<-done

	assert.Equal(t, int32(1), atomic.LoadInt32(&rip.callCount), "the redelivered notification must not trigger a second download")
}

func TestFetchStreamWithPollReturnsImmediatelyWhenPresent(t *testing.T) {
	stream := newTestStream()
	s := New(testLogger(), &fakeSubscriber{}, &fakeStreamFetcher{stream: stream}, &fakeResolver{}, &fakeRipper{}, OutputSettings{})

	got, err := s.fetchStreamWithPoll(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "999", got.ID)
}

func TestFetchStreamWithPollPropagatesError(t *testing.T) {
	boom := assert.AnError
	s := New(testLogger(), &fakeSubscriber{}, &fakeStreamFetcher{err: boom}, &fakeResolver{}, &fakeRipper{}, OutputSettings{})

	_, err := s.fetchStreamWithPoll(context.Background(), "42")
	assert.ErrorIs(t, err, boom)
}

func TestPollResolveReturnsImmediatelyWhenURLPresent(t *testing.T) {
	s := New(testLogger(), &fakeSubscriber{}, &fakeStreamFetcher{}, &fakeResolver{url: "https://x/master.m3u8"}, &fakeRipper{}, OutputSettings{})

	url, err := s.pollResolve(context.Background(), "somechannel")
	require.NoError(t, err)
	assert.Equal(t, "https://x/master.m3u8", url)
}

func TestPollResolvePropagatesError(t *testing.T) {
	boom := assert.AnError
	s := New(testLogger(), &fakeSubscriber{}, &fakeStreamFetcher{}, &fakeResolver{err: boom}, &fakeRipper{}, OutputSettings{})

	_, err := s.pollResolve(context.Background(), "somechannel")
	assert.ErrorIs(t, err, boom)
}
