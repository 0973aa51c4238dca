package hls

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="chunked",NAME="720p",URI="media.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1000000,VIDEO="chunked"
stream.m3u8
`

func mediaPlaylistPage(seqNo int, endlist bool, segmentPrefix string) string {
	body := fmt.Sprintf("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:%d\n", seqNo)
	body += fmt.Sprintf("#EXTINF:2.000,\n%sseg%d.ts\n", segmentPrefix, seqNo)
	if endlist {
		body += "#EXT-X-ENDLIST\n"
	}
	return body
}

func TestDownloadSelectsBestAndRipsSingleSegment(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var mediaBase string

	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID=\"chunked\",NAME=\"720p\",URI=\""+mediaBase+"/media.m3u8\"\n#EXT-X-STREAM-INF:BANDWIDTH=1000000,VIDEO=\"chunked\"\n"+mediaBase+"/stream.m3u8\n")
	})

	served := false
	mux.HandleFunc("/media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if !served {
			served = true
			_, _ = io.WriteString(w, mediaPlaylistPage(0, true, mediaBase+"/"))
			return
		}
		_, _ = io.WriteString(w, mediaPlaylistPage(1, true, mediaBase+"/"))
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("segment-bytes-0"))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	mediaBase = srv.URL

	dest := t.TempDir()
	ripper := NewRipper(logger)
	result, err := ripper.Download(context.Background(), srv.URL+"/master.m3u8", dest, []string{"best"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "720p", result.AlternativeName)

	segPath := filepath.Join(dest, "720p", "0000.ts")
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes-0", string(data))

	playlistData, err := os.ReadFile(result.RewrittenPlaylistPath)
	require.NoError(t, err)
	assert.Contains(t, string(playlistData), "720p/0000.ts")
	assert.Contains(t, string(playlistData), "#EXT-X-ENDLIST")
}

func TestDownloadReturnsNilWhenFormatAbsent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, masterPlaylist)
	}))
	defer srv.Close()

	dest := t.TempDir()
	ripper := NewRipper(logger)
	result, err := ripper.Download(context.Background(), srv.URL, dest, []string{"1080p60"})
	require.NoError(t, err)
	assert.Nil(t, result)
}
