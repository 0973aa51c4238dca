// Package app wires the process's collaborators together: credential
// broker, EventSub manager, Helix client, resolver/ripper, IRC tap, and one
// supervisor per configured channel, then runs the callback server until
// it is told to stop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rmoriz/twitcharchive/internal/cache"
	"github.com/rmoriz/twitcharchive/internal/config"
	"github.com/rmoriz/twitcharchive/internal/credential"
	"github.com/rmoriz/twitcharchive/internal/eventsub"
	"github.com/rmoriz/twitcharchive/internal/filename"
	"github.com/rmoriz/twitcharchive/internal/helix"
	"github.com/rmoriz/twitcharchive/internal/hls"
	"github.com/rmoriz/twitcharchive/internal/irc"
	"github.com/rmoriz/twitcharchive/internal/resolve"
	"github.com/rmoriz/twitcharchive/internal/retry"
	"github.com/rmoriz/twitcharchive/internal/server"
	"github.com/rmoriz/twitcharchive/internal/supervisor"
	"github.com/rmoriz/twitcharchive/internal/telemetry"
)

// Version is embedded in every info.json's version field; the cli package
// overwrites it at startup with its own build-time version string.
var Version = "0.1.0"

// channelResolver is the subset of helix.Client app needs to fill in
// whichever of id/login a channel's config is missing.
type channelResolver interface {
	UserByID(ctx context.Context, id string) (*helix.User, error)
	UserByLogin(ctx context.Context, login string) (*helix.User, error)
}

// Run builds every collaborator described in SPEC_FULL.md §4 and blocks
// until ctx is cancelled or the callback server fails.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	broker, err := credential.New(ctx, cfg.Platform.ClientID, cfg.Platform.ClientSecret, logger)
	if err != nil {
		return fmt.Errorf("app: acquire application token: %w", err)
	}

	helixClient := helix.NewClient(broker)
	esManager := eventsub.NewManager(broker, cfg.Server.PublicURL, logger)

	if err := esManager.Wipe(ctx); err != nil {
		logger.Warn("could not wipe stale subscriptions at startup", "error", err)
	}

	if err := config.ResolveChannelUserIDs(ctx, cfg, helixClient); err != nil {
		return fmt.Errorf("app: resolve channel user ids: %w", err)
	}
	if err := resolveChannelLogins(ctx, cfg, helixClient); err != nil {
		return fmt.Errorf("app: resolve channel logins: %w", err)
	}

	cacheManager := cache.NewManager(logger, filepath.Join(cfg.Output.Dir, ".eventcache.json"), 2*time.Hour)
	if err := cacheManager.Start(); err != nil {
		logger.Warn("could not load event cache", "error", err)
	}

	telemetryManager := telemetry.NewManager(&cfg.Telemetry, logger)
	if err := telemetryManager.Start(ctx); err != nil {
		return fmt.Errorf("app: start telemetry: %w", err)
	}

	res := buildResolver(cfg.Output)
	ripper := hls.NewRipper(logger)
	dest := filename.New(filepath.Join(cfg.Output.Dir, cfg.Output.FilenameFormat))
	output := supervisor.OutputSettings{
		SaveDir:    cfg.Output.SaveDir,
		Dest:       dest,
		ScratchDir: cfg.Output.ScratchDir,
		AppVersion: Version,
	}

	ircBuilder := irc.NewBuilder(logger)
	chatReceivers := make(map[string]*irc.Receiver, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		chatReceivers[channelKey(ch)] = ircBuilder.Join(ch.Login)
	}
	ircBuilder.Build(ctx)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-ircBuilder.Aborted():
			logger.Error("irc tap aborted, stopping process")
			stop()
		case <-runCtx.Done():
		}
	}()

	sub := supervisor.New(logger, supervisor.ManagerSubscriber{Manager: esManager}, helixClient, res, ripper, output)
	sub.SetDedupe(cacheManager)

	// channelsByKey and channelCancels track the channels currently running.
	// A config reload diffs against these to stop removed channels; they are
	// guarded by channelsMu since both the reload handler and the retry
	// manager's callback touch them from their own goroutines.
	var channelsMu sync.Mutex
	channelsByKey := make(map[string]config.ChannelConfig, len(cfg.Channels))
	channelCancels := make(map[string]context.CancelFunc, len(cfg.Channels))

	var retryManager *retry.Manager

	// startChannel (re)launches a channel's supervisor under its own
	// cancellable context, replacing any previous run for the same key. It
	// is the single entry point for starting a channel, used at startup, on
	// retry, and on config reload, so channelCancels always reflects what is
	// actually running.
	startChannel := func(ch config.ChannelConfig, rm *retry.Manager) {
		key := channelKey(ch)

		channelsMu.Lock()
		if cancel, ok := channelCancels[key]; ok {
			cancel()
		}
		chCtx, cancel := context.WithCancel(runCtx)
		channelCancels[key] = cancel
		channelsByKey[key] = ch
		channelsMu.Unlock()

		settings := supervisor.ChannelSettings{UserID: ch.ID, Login: ch.Login, Format: ch.Format}
		chat := chatReceivers[key]
		go runChannel(chCtx, logger, sub, settings, chat, rm)
	}

	retryManager = retry.NewManager(cfg.Retry, logger, func(retryCtx context.Context, key string) {
		channelsMu.Lock()
		ch, ok := channelsByKey[key]
		channelsMu.Unlock()
		if !ok {
			logger.Warn("retry fired for unknown channel key, dropping", "channel_key", key)
			return
		}
		logger.Info("retrying channel subscription", "channel", ch.Login)
		startChannel(ch, retryManager)
	})
	if err := retryManager.Start(runCtx); err != nil {
		return fmt.Errorf("app: start retry manager: %w", err)
	}

	for _, ch := range cfg.Channels {
		startChannel(ch, retryManager)
	}

	// reload re-resolves a changed config file and reconciles the running
	// channels against it. Channels dropped from the config are stopped
	// outright. Channels added to the config cannot be joined on IRC, since
	// irc.Builder fixes its join set at Build time, so they are logged and
	// skipped rather than silently ignored; picking them up requires a
	// restart. For channels present in both, only the stored config is
	// replaced: the running supervisor keeps its old settings, and the new
	// ones take effect the next time a retry relaunches that channel.
	reload := func(newCfg *config.Config) error {
		reloadCtx := context.Background()

		if err := config.ResolveChannelUserIDs(reloadCtx, newCfg, helixClient); err != nil {
			telemetryManager.RecordConfigReload(reloadCtx, false)
			return fmt.Errorf("resolve channel user ids: %w", err)
		}
		if err := resolveChannelLogins(reloadCtx, newCfg, helixClient); err != nil {
			telemetryManager.RecordConfigReload(reloadCtx, false)
			return fmt.Errorf("resolve channel logins: %w", err)
		}

		desired := make(map[string]config.ChannelConfig, len(newCfg.Channels))
		for _, ch := range newCfg.Channels {
			desired[channelKey(ch)] = ch
		}

		channelsMu.Lock()
		for key, cancel := range channelCancels {
			if _, ok := desired[key]; ok {
				continue
			}
			logger.Info("channel removed from reloaded config, stopping it", "channel_key", key)
			cancel()
			delete(channelCancels, key)
			delete(channelsByKey, key)
		}
		channelsMu.Unlock()

		for key, ch := range desired {
			channelsMu.Lock()
			_, running := channelCancels[key]
			channelsMu.Unlock()

			if running {
				channelsMu.Lock()
				channelsByKey[key] = ch
				channelsMu.Unlock()
				continue
			}
			if _, hasChat := chatReceivers[key]; !hasChat {
				logger.Warn("new channel in reloaded config needs a process restart, irc join set is fixed at startup", "channel", ch.Login)
				continue
			}
			startChannel(ch, retryManager)
		}

		telemetryManager.RecordConfigReload(reloadCtx, true)
		return nil
	}

	var configWatcher *config.Watcher
	if path := cfg.GetConfigPath(); path != "" {
		configWatcher, err = config.NewWatcher(path, logger, reload)
		if err != nil {
			logger.Warn("could not create config file watcher, hot-reload disabled", "error", err)
			configWatcher = nil
		} else if err := configWatcher.Start(runCtx); err != nil {
			logger.Warn("could not start config file watcher, hot-reload disabled", "error", err)
			configWatcher = nil
		}
	}

	srv := server.New(&cfg.Server, esManager, telemetryManager, logger)
	serveErr := srv.Start(runCtx)

	stop()
	if configWatcher != nil {
		if err := configWatcher.Stop(); err != nil {
			logger.Error("config watcher stop error", "error", err)
		}
	}
	esManager.Shutdown()
	if err := retryManager.Stop(); err != nil {
		logger.Error("retry manager stop error", "error", err)
	}
	if err := cacheManager.Stop(); err != nil {
		logger.Error("cache manager stop error", "error", err)
	}
	if err := telemetryManager.Stop(context.Background()); err != nil {
		logger.Error("telemetry stop error", "error", err)
	}

	return serveErr
}

// runChannel drives one channel's supervisor until ctx is cancelled. If the
// supervisor exits early (subscription creation failed) and a retry
// manager is attached, the channel's key is queued for a backoff retry
// instead of being silently dropped.
func runChannel(ctx context.Context, logger *slog.Logger, sub *supervisor.Supervisor, settings supervisor.ChannelSettings, chat *irc.Receiver, retryManager *retry.Manager) {
	sub.Run(ctx, settings, chat)
	if ctx.Err() != nil {
		return
	}
	if retryManager == nil {
		logger.Error("channel supervisor exited and no retry manager is attached, channel is now unmonitored", "channel", settings.Login)
		return
	}
	retryManager.AddFailure(settings.Login)
}

func channelKey(ch config.ChannelConfig) string {
	if ch.Login != "" {
		return ch.Login
	}
	return ch.ID
}

func buildResolver(out config.OutputConfig) interface {
	Resolve(ctx context.Context, login string) (string, error)
} {
	if out.Extractor == config.ExtractorStreamlink {
		return &resolve.StreamlinkResolver{APIHeader: out.ExtractorAuthHeader}
	}
	gql := resolve.NewGQLResolver()
	gql.AuthToken = out.ExtractorAuthHeader
	return gql
}

// resolveChannelLogins fills in a channel's login from its id when only the
// id was configured — the IRC tap joins by login name, so every channel
// needs one even if the subscription condition only needs the id.
func resolveChannelLogins(ctx context.Context, cfg *config.Config, resolver channelResolver) error {
	for i, ch := range cfg.Channels {
		if ch.Login != "" {
			continue
		}
		user, err := resolver.UserByID(ctx, ch.ID)
		if err != nil {
			return fmt.Errorf("resolve login for channel id %q: %w", ch.ID, err)
		}
		if user == nil {
			return fmt.Errorf("resolve login for channel id %q: no such user", ch.ID)
		}
		cfg.Channels[i].Login = user.Login
	}
	return nil
}
