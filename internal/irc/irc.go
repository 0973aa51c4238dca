// Package irc is a minimal, anonymous-login Twitch IRC chat tap. It joins
// a fixed set of channels registered before Build and fans incoming
// messages out to per-channel bounded queues. No IRC client library
// appears anywhere in the retrieved reference pack, so this is a
// hand-rolled line reader over crypto/tls, in the spirit of the teacher's
// preference for small focused clients over heavyweight dependencies.
package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const (
	serverAddr      = "irc.chat.twitch.tv:6697"
	channelBound    = 16
	reconnectDelay  = 10 * time.Second
	maxReconnectTry = 10
)

// channelEntry is one joined channel's delivery state.
type channelEntry struct {
	queue chan string
	open  atomic.Bool
}

// Receiver is the consumer-facing handle for one joined channel.
type Receiver struct {
	channel string
	entry   *channelEntry
}

// Open flips the channel's delivery flag on, reporting whether this call
// made the transition (false if it was already open).
func (r *Receiver) Open() bool {
	return r.entry.open.CompareAndSwap(false, true)
}

// Close flips the channel's delivery flag off, reporting whether this call
// made the transition.
func (r *Receiver) Close() bool {
	return r.entry.open.CompareAndSwap(true, false)
}

// IsOpen reports the current delivery flag.
func (r *Receiver) IsOpen() bool {
	return r.entry.open.Load()
}

// Recv blocks for the next raw IRC line addressed to this channel, or
// returns ok=false if ctx is cancelled first.
func (r *Receiver) Recv(ctx context.Context) (line string, ok bool) {
	select {
	case line, ok = <-r.entry.queue:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

// Builder accumulates channel joins before the tap is built.
type Builder struct {
	channels map[string]*channelEntry
	logger   *slog.Logger
	aborted  chan struct{}
}

// NewBuilder constructs a Builder.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{channels: make(map[string]*channelEntry), logger: logger, aborted: make(chan struct{})}
}

// Aborted is closed once the background loop exhausts its reconnect budget
// (§4.5 calls for the process to abort in that case; the caller decides
// what "abort" means — typically cancelling the root context).
func (b *Builder) Aborted() <-chan struct{} {
	return b.aborted
}

// Join registers a channel to join once Build runs, returning its
// Receiver. Joining after Build has started is not supported — register
// every channel first.
func (b *Builder) Join(channel string) *Receiver {
	key := "#" + channel
	entry := &channelEntry{queue: make(chan string, channelBound)}
	b.channels[key] = entry
	return &Receiver{channel: key, entry: entry}
}

// Build spawns the background connection/reconnect loop. It returns
// immediately; the loop runs until ctx is cancelled or it exhausts its
// reconnect budget.
func (b *Builder) Build(ctx context.Context) {
	go b.run(ctx)
}

func (b *Builder) run(ctx context.Context) {
	failures := 0
	for failures < maxReconnectTry {
		if ctx.Err() != nil {
			return
		}

		conn, err := connect(ctx, b.channels, b.logger)
		if err != nil {
			b.logger.Warn("irc connect failed", "error", err, "attempt", failures+1)
			failures++
			if !sleepOrDone(ctx, reconnectDelay) {
				return
			}
			continue
		}

		failures = 0
		if err := handle(ctx, conn, b.channels, b.logger); err != nil {
			b.logger.Error("irc session ended with error", "error", err)
			failures++
			if !sleepOrDone(ctx, reconnectDelay) {
				return
			}
			continue
		}
		return // clean shutdown (Quit/EOF)
	}
	b.logger.Error("irc: exhausted reconnect attempts, aborting chat tap", "attempts", maxReconnectTry)
	close(b.aborted)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

type connection struct {
	conn   *tls.Conn
	reader *bufio.Scanner
}

func connect(ctx context.Context, channels map[string]*channelEntry, logger *slog.Logger) (*connection, error) {
	dialer := &tls.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("irc: dial: %w", err)
	}
	conn := rawConn.(*tls.Conn)

	writeLine := func(s string) error {
		_, err := conn.Write([]byte(s + "\r\n"))
		return err
	}

	if err := writeLine("PASS blah"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("irc: send PASS: %w", err)
	}
	if err := writeLine(fmt.Sprintf("NICK justinfan%d", time.Now().UnixNano()%100000)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("irc: send NICK: %w", err)
	}
	if err := writeLine("CAP REQ :twitch.tv/tags"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("irc: send CAP REQ: %w", err)
	}

	for key := range channels {
		if err := writeLine("JOIN " + key); err != nil {
			logger.Warn("irc: error while joining channel", "channel", key, "error", err)
		}
	}

	logger.Info("connected to twitch irc server")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &connection{conn: conn, reader: scanner}, nil
}

// handle reads lines until Quit/EOF (returns nil) or a connection error
// (returns non-nil).
func handle(ctx context.Context, c *connection, channels map[string]*channelEntry, logger *slog.Logger) error {
	defer c.conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	for c.reader.Scan() {
		line := strings.TrimRight(c.reader.Text(), "\r")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "PING") {
			pong := "PONG" + strings.TrimPrefix(line, "PING")
			if _, err := c.conn.Write([]byte(pong + "\r\n")); err != nil {
				return fmt.Errorf("irc: send PONG: %w", err)
			}
			continue
		}

		msg := parseMessage(line)
		if msg.command == "RECONNECT" {
			return fmt.Errorf("irc: server requested reconnect")
		}

		dispatch(line, msg, channels, logger)
	}

	if err := c.reader.Err(); err != nil {
		return fmt.Errorf("irc: read: %w", err)
	}
	return nil // EOF
}

// dispatch routes one parsed IRC line to its target channel's queue, if the
// channel is registered and currently open; it drops the message (with a
// warning) if the queue is full.
func dispatch(line string, msg message, channels map[string]*channelEntry, logger *slog.Logger) {
	channel := msg.targetChannel()
	if channel == "" {
		logger.Debug("irc: received command without a target channel", "command", msg.command)
		return
	}

	entry, ok := channels[channel]
	if !ok {
		logger.Warn("irc: received message for unknown channel", "channel", channel)
		return
	}
	if !entry.open.Load() {
		return
	}

	select {
	case entry.queue <- line:
	default:
		logger.Warn("irc: dropping message, channel queue full", "channel", channel)
	}
}

// message is a minimally parsed IRC line: optional @tags, optional
// :prefix, a command, and the params that follow.
type message struct {
	command string
	params  []string
}

func parseMessage(line string) message {
	if strings.HasPrefix(line, "@") {
		if i := strings.Index(line, " "); i >= 0 {
			line = line[i+1:]
		}
	}
	if strings.HasPrefix(line, ":") {
		if i := strings.Index(line, " "); i >= 0 {
			line = line[i+1:]
		}
	}

	var trailing string
	if i := strings.Index(line, " :"); i >= 0 {
		trailing = line[i+2:]
		line = line[:i]
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return message{}
	}
	m := message{command: strings.ToUpper(fields[0]), params: fields[1:]}
	if trailing != "" {
		m.params = append(m.params, trailing)
	}
	return m
}

// targetChannel returns the first parameter that names a channel, which is
// how Twitch's chat commands (PRIVMSG, CLEARCHAT, CLEARMSG, NOTICE,
// ROOMSTATE, USERNOTICE, USERSTATE, JOIN, PART, HOSTTARGET) identify the
// channel they belong to.
func (m message) targetChannel() string {
	switch m.command {
	case "PRIVMSG", "CLEARCHAT", "CLEARMSG", "NOTICE", "ROOMSTATE", "USERNOTICE", "USERSTATE", "JOIN", "PART", "HOSTTARGET":
		for _, p := range m.params {
			if strings.HasPrefix(p, "#") {
				return p
			}
		}
	}
	return ""
}
