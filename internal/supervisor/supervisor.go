// Package supervisor drives one channel's archiving lifecycle end to end:
// subscribing to "stream online", waiting for it to fire, fetching the
// live stream record, and running the download-and-finalize pipeline that
// glues the resolver, HLS ripper, chat tap, and artifact finalizer
// together.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rmoriz/twitcharchive/internal/cache"
	"github.com/rmoriz/twitcharchive/internal/datadoc"
	"github.com/rmoriz/twitcharchive/internal/eventsub"
	"github.com/rmoriz/twitcharchive/internal/filename"
	"github.com/rmoriz/twitcharchive/internal/finalize"
	"github.com/rmoriz/twitcharchive/internal/fsutil"
	"github.com/rmoriz/twitcharchive/internal/helix"
	"github.com/rmoriz/twitcharchive/internal/hls"
	"github.com/rmoriz/twitcharchive/internal/irc"
	"github.com/rmoriz/twitcharchive/internal/randx"
)

const (
	streamPollInterval  = 10 * time.Second
	streamPollAttempts  = 12
	resolvePollInterval = 5 * time.Second
	resolvePollAttempts = 4
)

// ChannelSettings identifies one subscribed channel and its capture
// preferences, mirroring one entry of the subscription list (§6).
type ChannelSettings struct {
	UserID string
	Login  string
	Format []string
}

// OutputSettings is the process-wide output policy shared by every
// channel's downloads.
type OutputSettings struct {
	// SaveDir selects directory mode over tar mode.
	SaveDir bool
	// Dest renders a destination path (without a tar extension) from a
	// stream record.
	Dest *filename.Formatter
	// ScratchDir holds in-progress downloads before they are finalized.
	ScratchDir string
	// AppVersion is embedded in info.json's version field.
	AppVersion string
}

// Subscription is the receive-side handle the supervisor needs from an
// event subscription. *eventsub.Subscription satisfies it; it is declared
// as an interface here (rather than depending on the concrete type
// directly) so tests can substitute a fake without driving a full
// HTTP callback round trip.
type Subscription interface {
	Recv(ctx context.Context) (event []byte, ok bool)
	Status() eventsub.Status
}

// subscriber is the subset of eventsub.Manager the supervisor depends on.
type subscriber interface {
	Subscribe(ctx context.Context, evt eventsub.EventType, condition map[string]string) (Subscription, error)
}

// ManagerSubscriber adapts *eventsub.Manager to the subscriber interface:
// Manager.Subscribe returns a concrete *eventsub.Subscription, whose method
// set satisfies Subscription, but Go requires an explicit adapter since
// interface satisfaction is checked on the method's declared return type,
// not structurally against a narrower interface.
type ManagerSubscriber struct {
	Manager *eventsub.Manager
}

// Subscribe delegates to the wrapped Manager.
func (a ManagerSubscriber) Subscribe(ctx context.Context, evt eventsub.EventType, condition map[string]string) (Subscription, error) {
	sub, err := a.Manager.Subscribe(ctx, evt, condition)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// streamFetcher is the subset of helix.Client the supervisor depends on.
type streamFetcher interface {
	StreamByUserID(ctx context.Context, userID string) (*helix.Stream, error)
}

// resolver resolves a channel's live HLS master-playlist URL.
type resolver interface {
	Resolve(ctx context.Context, login string) (string, error)
}

// ripper rips one HLS rendition to disk.
type ripper interface {
	Download(ctx context.Context, masterURL, dest string, priority []string) (*hls.Result, error)
}

// dedupeCache recognizes a redelivered stream.online notification so a slow
// callback response doesn't cause the same stream to be downloaded twice.
// *cache.Manager satisfies this structurally; it is declared here so tests
// can substitute a fake without touching disk.
type dedupeCache interface {
	GenerateEventKey(channelUserID, streamID string, startedAt time.Time) string
	IsDuplicate(eventKey string) bool
	AddEvent(eventKey string, eventData []byte)
}

// Supervisor runs the per-channel lifecycle described in SPEC_FULL.md
// §4.3, wired to concrete collaborators by the caller.
type Supervisor struct {
	logger   *slog.Logger
	events   subscriber
	streams  streamFetcher
	resolver resolver
	ripper   ripper
	output   OutputSettings
	dedupe   dedupeCache
}

// New constructs a Supervisor.
func New(logger *slog.Logger, events subscriber, streams streamFetcher, res resolver, rip ripper, output OutputSettings) *Supervisor {
	return &Supervisor{logger: logger, events: events, streams: streams, resolver: res, ripper: rip, output: output}
}

// SetDedupe attaches a redelivery cache. Without one, every notification is
// processed as new.
func (s *Supervisor) SetDedupe(d dedupeCache) {
	s.dedupe = d
}

// Run drives one channel forever: subscribe, wait for stream.online,
// download, repeat. It returns only when ctx is cancelled or subscription
// creation itself fails (a per-channel fatal condition; the process and
// other channels continue).
func (s *Supervisor) Run(ctx context.Context, settings ChannelSettings, chat *irc.Receiver) {
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := s.events.Subscribe(ctx, eventsub.StreamOnline, eventsub.BroadcasterCondition(settings.UserID))
		if err != nil {
			s.logger.Error("could not subscribe to stream.online", "channel", settings.Login, "error", err)
			return
		}
		s.logger.Debug("subscribed to stream.online", "channel", settings.Login)

		s.receiveLoop(ctx, sub, settings, chat)

		if ctx.Err() != nil {
			return
		}
	}
}

// receiveLoop drains one subscription's event queue until it goes
// terminal (recv returns ok=false), at which point the caller re-subscribes.
func (s *Supervisor) receiveLoop(ctx context.Context, sub Subscription, settings ChannelSettings, chat *irc.Receiver) {
	for {
		raw, ok := sub.Recv(ctx)
		if !ok {
			s.logger.Warn("subscription ended, resubscribing", "channel", settings.Login, "status", sub.Status())
			return
		}

		evt, err := eventsub.DecodeStreamOnline(raw)
		if err != nil {
			s.logger.Error("could not decode stream.online event", "channel", settings.Login, "error", err)
			continue
		}
		s.logger.Debug("received stream online event", "channel", settings.Login, "stream_id", evt.ID)

		if s.dedupe != nil {
			startedAt, parseErr := time.Parse(time.RFC3339, evt.StartedAt)
			if parseErr != nil {
				startedAt = time.Time{}
			}
			key := s.dedupe.GenerateEventKey(settings.UserID, evt.ID, startedAt)
			if s.dedupe.IsDuplicate(key) {
				s.logger.Info("ignoring redelivered stream.online notification", "channel", settings.Login, "stream_id", evt.ID)
				continue
			}
			s.dedupe.AddEvent(key, raw)
		}

		stream, err := s.fetchStreamWithPoll(ctx, settings.UserID)
		if err != nil {
			s.logger.Error("could not fetch stream record", "channel", settings.Login, "error", err)
			continue
		}
		if stream == nil {
			s.logger.Warn("stream record still absent after poll budget, skipping", "channel", settings.Login, "stream_id", evt.ID)
			continue
		}
		s.logger.Debug("fetched stream record", "channel", settings.Login, "stream_id", stream.ID)

		if err := s.runDownload(ctx, stream, chat, settings); err != nil {
			s.logger.Error("download failed", "channel", settings.Login, "stream_id", stream.ID, "error", err)
		}
	}
}

// fetchStreamWithPoll fetches the live stream record, polling every 10s
// up to 12 times if the platform hasn't caught up yet (its cache can lag
// behind the webhook notification).
func (s *Supervisor) fetchStreamWithPoll(ctx context.Context, userID string) (*helix.Stream, error) {
	for attempt := 1; ; attempt++ {
		stream, err := s.streams.StreamByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if stream != nil {
			return stream, nil
		}
		if attempt >= streamPollAttempts {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(streamPollInterval):
		}
	}
}

// runDownload resolves the live playlist URL, rips it alongside the chat
// log, and finalizes the working directory into its destination artifact.
func (s *Supervisor) runDownload(ctx context.Context, stream *helix.Stream, chat *irc.Receiver, settings ChannelSettings) error {
	s.logger.Info("downloading stream", "stream_id", stream.ID, "channel", settings.Login)

	workDir, err := s.newScratchDir()
	if err != nil {
		return fmt.Errorf("supervisor: create working directory: %w", err)
	}

	chatCtx, cancelChat := context.WithCancel(ctx)
	chatDone := make(chan error, 1)
	go func() {
		chatDone <- writeChatLog(chatCtx, chat, filepath.Join(workDir, "chat.log"))
	}()

	masterURL, resolveErr := s.pollResolve(ctx, settings.Login)

	var result *hls.Result
	var ripErr error
	if resolveErr != nil {
		ripErr = fmt.Errorf("resolve playlist url: %w", resolveErr)
	} else {
		result, ripErr = s.ripper.Download(ctx, masterURL, workDir, settings.Format)
	}

	cancelChat()
	chatErr := <-chatDone
	if chatErr != nil {
		s.logger.Error("chat log writer failed", "channel", settings.Login, "stream_id", stream.ID, "error", chatErr)
	}

	if ripErr == nil && result == nil {
		s.logger.Warn("no requested quality present in master playlist, discarding", "channel", settings.Login, "stream_id", stream.ID)
		if err := os.RemoveAll(workDir); err != nil {
			return fmt.Errorf("supervisor: clean up working directory: %w", err)
		}
		return chatErr
	}

	doc := buildDocument(s.output.AppVersion, stream, result)
	if err := datadoc.WriteFile(filepath.Join(workDir, "info.json"), doc); err != nil {
		s.logger.Error("could not write info.json", "channel", settings.Login, "stream_id", stream.ID, "error", err)
	}

	startedAt, err := time.Parse(time.RFC3339, stream.StartedAt)
	if err != nil {
		startedAt = time.Now().UTC()
	}
	destBase := s.output.Dest.Format(stream, startedAt)

	mode := finalize.ModeTar
	if s.output.SaveDir {
		mode = finalize.ModeDirectory
	}
	finalPath, finalizeErr := finalize.Finalize(mode, workDir, destBase)
	if finalizeErr != nil {
		finalizeErr = fmt.Errorf("finalize working directory: %w", finalizeErr)
	} else {
		s.logger.Info("finished downloading", "channel", settings.Login, "stream_id", stream.ID, "path", finalPath)
	}

	switch {
	case ripErr != nil:
		return ripErr
	case chatErr != nil:
		return chatErr
	default:
		return finalizeErr
	}
}

// pollResolve polls the resolver every 5s for up to 4 attempts, matching
// the stream's own warm-up delay before the HLS endpoint is live.
func (s *Supervisor) pollResolve(ctx context.Context, login string) (string, error) {
	for attempt := 1; ; attempt++ {
		url, err := s.resolver.Resolve(ctx, login)
		if err != nil {
			return "", fmt.Errorf("fetch playlist url: %w", err)
		}
		if url != "" {
			return url, nil
		}
		if attempt >= resolvePollAttempts {
			return "", fmt.Errorf("no playlist url available after %d attempts", resolvePollAttempts)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(resolvePollInterval):
		}
	}
}

func (s *Supervisor) newScratchDir() (string, error) {
	if err := os.MkdirAll(s.output.ScratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch root: %w", err)
	}
	for {
		candidate := filepath.Join(s.output.ScratchDir, randx.ScratchName())
		created, err := fsutil.CreateNewDir(candidate)
		if err != nil {
			return "", err
		}
		if created {
			return candidate, nil
		}
	}
}

// buildDocument assembles the info.json document. result is nil when the
// rip itself failed before producing a rendition; the document still gets
// written with an empty segment list in that case.
func buildDocument(appVersion string, stream *helix.Stream, result *hls.Result) datadoc.Document {
	info := datadoc.StreamInfo{
		ID: stream.ID,
		User: datadoc.User{
			ID:          stream.UserID,
			Login:       stream.UserLogin,
			DisplayName: stream.UserName,
		},
		Game:      datadoc.Game{ID: stream.GameID, Name: stream.GameName},
		Title:     stream.Title,
		StartedAt: stream.StartedAt,
	}

	var segments []datadoc.Segment
	if result != nil {
		seg := datadoc.Segment{
			Path:    result.AlternativeName + ".m3u8",
			GroupID: result.GroupID,
			Name:    result.AlternativeName,
		}
		if result.Language != "" {
			seg.Language = &result.Language
		}
		if result.Bitrate > 0 {
			seg.Bitrate = &result.Bitrate
		}
		if result.ResolutionWidth > 0 && result.ResolutionHeight > 0 {
			seg.Resolution = &datadoc.Resolution{Width: result.ResolutionWidth, Height: result.ResolutionHeight}
		}
		if result.FrameRate > 0 {
			seg.FrameRate = &result.FrameRate
		}
		if result.Codecs != "" {
			seg.Codecs = &result.Codecs
		}
		segments = append(segments, seg)
	}

	return datadoc.New(appVersion, info, segments)
}
