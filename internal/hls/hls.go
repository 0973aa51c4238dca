// Package hls rips a live HLS stream to disk: it selects the requested
// quality out of the master playlist, then polls the media playlist,
// downloading each new segment and rewriting a VOD-style playlist that
// mirrors them.
package hls

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grafov/m3u8"

	"github.com/rmoriz/twitcharchive/internal/retryx"
)

const (
	masterTimeout     = 15 * time.Second
	segmentConcurrency = 6
	stallTimeout      = 5 * time.Minute
	adTitlePrefix     = "Amazon"
)

// Result describes the quality that was ripped and where its rewritten
// playlist ended up. The rendition-level fields (GroupID, Language,
// Bitrate, resolution, FrameRate, Codecs) come from the master playlist's
// alternative/variant records and are carried through so a caller can
// describe the rip in a sidecar document without re-parsing the playlist.
type Result struct {
	AlternativeName       string
	GroupID               string
	Language              string
	RewrittenPlaylistPath string
	SegmentDir            string
	Bitrate               uint64
	ResolutionWidth       int
	ResolutionHeight      int
	FrameRate             float64
	Codecs                string
}

// Ripper downloads one live HLS rendition to dest.
type Ripper struct {
	http   *http.Client
	logger *slog.Logger
}

// NewRipper constructs a Ripper with its own HTTP client. That client sets
// no overall request timeout; only the master-playlist fetch is bounded by
// a context deadline.
func NewRipper(logger *slog.Logger) *Ripper {
	return &Ripper{http: &http.Client{}, logger: logger}
}

// Download selects the first format in priority order that is present in
// the master playlist at masterURL, then rips it into dest. It returns nil
// if no requested format is present — the caller should treat that as
// "nothing to record", not an error.
func (r *Ripper) Download(ctx context.Context, masterURL, dest string, priority []string) (*Result, error) {
	alt, variant, err := r.selectRendition(ctx, masterURL, priority)
	if err != nil {
		return nil, err
	}
	if alt == nil {
		return nil, nil
	}

	mediaURL := alt.URI
	if mediaURL == "" {
		if variant == nil {
			return nil, fmt.Errorf("hls: no matching STREAM-INF for alternative %q", alt.Name)
		}
		mediaURL = variant.URI
	}

	segDir := filepath.Join(dest, alt.Name)
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, fmt.Errorf("hls: create segment directory: %w", err)
	}

	playlistPath := filepath.Join(dest, alt.Name+".m3u8")
	w, err := newPlaylistWriter(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("hls: create rewritten playlist: %w", err)
	}
	defer w.Close()

	if err := r.pollAndDownload(ctx, mediaURL, dest, alt.Name, w); err != nil {
		return nil, err
	}

	result := &Result{
		AlternativeName:       alt.Name,
		GroupID:               alt.GroupId,
		Language:              alt.Language,
		RewrittenPlaylistPath: playlistPath,
		SegmentDir:            segDir,
	}
	if variant != nil {
		result.Bitrate = uint64(variant.Bandwidth)
		result.FrameRate = variant.FrameRate
		result.Codecs = variant.Codecs
		if w, h, ok := parseResolution(variant.Resolution); ok {
			result.ResolutionWidth, result.ResolutionHeight = w, h
		}
	}
	return result, nil
}

// parseResolution splits a variant's "WxH" resolution attribute.
func parseResolution(s string) (width, height int, ok bool) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

// selectRendition fetches and parses the master playlist and picks the
// first alternative matching the priority list, along with the variant
// carrying its companion media group. grafov/m3u8 attaches each
// EXT-X-MEDIA alternative directly onto the variants whose group-id
// references it, so no manual group-id matching is needed here.
func (r *Ripper) selectRendition(ctx context.Context, masterURL string, priority []string) (*m3u8.Alternative, *m3u8.Variant, error) {
	ctx, cancel := context.WithTimeout(ctx, masterTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, masterURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("hls: build master playlist request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("hls: fetch master playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, nil, fmt.Errorf("hls: master playlist returned %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, nil, fmt.Errorf("hls: malformed master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, nil, fmt.Errorf("hls: expected a master playlist, got a media playlist")
	}
	master := playlist.(*m3u8.MasterPlaylist)

	type candidate struct {
		alt     *m3u8.Alternative
		variant *m3u8.Variant
	}
	var candidates []candidate
	for _, v := range master.Variants {
		for _, a := range v.Alternatives {
			candidates = append(candidates, candidate{alt: a, variant: v})
		}
	}

	for _, f := range priority {
		for _, c := range candidates {
			if f == "best" || strings.HasPrefix(c.alt.Name, f) {
				return c.alt, c.variant, nil
			}
		}
	}
	return nil, nil, nil
}

// pollAndDownload runs the polling loop described in SPEC_FULL.md §4.4: it
// repeatedly fetches the media playlist, downloads any segments not yet
// seen (skipping a leading run of ad segments at most once), and appends
// them to the rewritten playlist in order.
func (r *Ripper) pollAndDownload(ctx context.Context, mediaURL, dest, altName string, w *playlistWriter) error {
	var pos uint64
	init := false
	adFilterArmed := false
	lastProgress := time.Now()

	for {
		if time.Since(lastProgress) > stallTimeout {
			return fmt.Errorf("hls: no new segments for %s, aborting", stallTimeout)
		}

		ts := time.Now()
		media, err := r.fetchMediaPlaylist(ctx, mediaURL)
		if err != nil {
			return err
		}

		segs := media.Segments() // ascending, nil-trimmed

		if !init {
			w.writeHeader(media.TargetDuration)
			pos = media.SeqNo
			init = true
		} else if media.SeqNo > pos {
			r.logger.Warn("hls discontinuity detected", "expected", pos, "got", media.SeqNo)
			if len(segs) > 0 {
				segs[0].Discontinuity = true
			}
			pos = media.SeqNo
		}

		if !adFilterArmed {
			skip := 0
			if pos > media.SeqNo {
				skip = int(pos - media.SeqNo)
			}
			for _, seg := range segs[skip:] {
				if strings.HasPrefix(seg.Title, adTitlePrefix) {
					pos++
					skip++
					continue
				}
				adFilterArmed = true
				break
			}
		}

		var pending []pendingSegment
		for n, seg := range segs {
			idx := media.SeqNo + uint64(n)
			if idx < pos {
				continue
			}
			pending = append(pending, pendingSegment{idx: idx, seg: seg})
		}

		if err := r.downloadPipelined(ctx, dest, altName, pending); err != nil {
			return err
		}
		for _, p := range pending {
			w.writeSegment(p.seg, altName, p.idx)
		}
		if len(pending) > 0 {
			lastProgress = time.Now()
		}

		pos = media.SeqNo + uint64(len(segs))

		if media.Closed {
			break
		}

		sleepFor := time.Duration(media.TargetDuration*float64(time.Second)) - time.Since(ts)
		if sleepFor > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleepFor):
			}
		}
	}

	w.writeEndlist()
	return w.Flush()
}

func (r *Ripper) fetchMediaPlaylist(ctx context.Context, mediaURL string) (*mediaPlaylist, error) {
	// Only the round trip is retried: a dropped connection or timeout is
	// transient, but a non-2xx response is the platform telling us the
	// stream is gone, and retrying that 10 times just delays the abort.
	var resp *http.Response
	err := retryx.Do(ctx, r.logger, "fetch media playlist", 10, 0, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			return err
		}
		resp, err = r.http.Do(req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("hls: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("hls: media playlist returned %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, fmt.Errorf("hls: malformed media playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("hls: expected a media playlist, got a master playlist")
	}
	mp := playlist.(*m3u8.MediaPlaylist)
	return &mediaPlaylist{
		SeqNo:          mp.SeqNo,
		TargetDuration: mp.TargetDuration,
		Closed:         mp.Closed,
		segments:       mp.Segments,
	}, nil
}

// mediaPlaylist is the subset of m3u8.MediaPlaylist this package uses, with
// the nil-padded ring buffer already trimmed down to real segments.
type mediaPlaylist struct {
	SeqNo          uint64
	TargetDuration float64
	Closed         bool
	segments       []*m3u8.MediaSegment
}

func (m *mediaPlaylist) Segments() []*m3u8.MediaSegment {
	out := make([]*m3u8.MediaSegment, 0, len(m.segments))
	for _, s := range m.segments {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// pendingSegment pairs a segment's absolute index with its record, queued
// up for download this polling round.
type pendingSegment struct {
	idx uint64
	seg *m3u8.MediaSegment
}

// downloadPipelined fetches a batch of segments with at most
// segmentConcurrency requests in flight at once. Segments are rewritten
// in-place (seg.URI becomes the local relative path) as each completes;
// the caller is responsible for appending them to the rewritten playlist
// in ascending idx order afterward, since network completion order is not
// guaranteed to match it.
func (r *Ripper) downloadPipelined(ctx context.Context, dest, altName string, batch []pendingSegment) error {
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, segmentConcurrency)
	errs := make(chan error, len(batch))
	var wg sync.WaitGroup

	for _, p := range batch {
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.downloadSegment(ctx, dest, altName, p.idx, p.seg); err != nil {
				errs <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}
	return nil
}

func (r *Ripper) downloadSegment(ctx context.Context, dest, altName string, idx uint64, seg *m3u8.MediaSegment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URI, nil)
	if err != nil {
		return fmt.Errorf("hls: build segment request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("hls: fetch segment %d: %w", idx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("hls: segment %d returned %d", idx, resp.StatusCode)
	}

	relPath := fmt.Sprintf("%s/%04d.ts", altName, idx)
	path := filepath.Join(dest, relPath)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("hls: create segment file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("hls: write segment file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("hls: flush segment file %s: %w", path, err)
	}

	seg.URI = relPath
	return nil
}

// playlistWriter renders the rewritten VOD playlist directly rather than
// through m3u8.MediaPlaylist's encoder, whose fixed-capacity ring buffer is
// a poor fit for an open-ended append as segments keep arriving.
type playlistWriter struct {
	mu   sync.Mutex
	file *os.File
}

func newPlaylistWriter(path string) (*playlistWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &playlistWriter{file: f}, nil
}

func (w *playlistWriter) writeHeader(targetDuration float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.file, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-TARGETDURATION:%d\n", int(targetDuration+0.5))
}

func (w *playlistWriter) writeSegment(seg *m3u8.MediaSegment, altName string, idx uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seg.Discontinuity {
		fmt.Fprintln(w.file, "#EXT-X-DISCONTINUITY")
	}
	fmt.Fprintf(w.file, "#EXTINF:%.3f,\n%s\n", seg.Duration, seg.URI)
}

func (w *playlistWriter) writeEndlist() {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.file, "#EXT-X-ENDLIST")
}

func (w *playlistWriter) Flush() error {
	return w.file.Sync()
}

func (w *playlistWriter) Close() error {
	return w.file.Close()
}
