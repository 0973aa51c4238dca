// Package datadoc writes the info.json sidecar document describing an
// archived stream — the stream's metadata and a record of the quality
// that was ripped.
package datadoc

import (
	"encoding/json"
	"fmt"
	"os"
)

// Version is the info.json schema family; the document's "version" field
// is Version + "/" + the application version.
const Version = "0.1"

// User mirrors the broadcaster fields captured from the eventsub/helix
// user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Game identifies the category the stream was filed under.
type Game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StreamInfo is the "data" block: the stream record at the time archiving
// began.
type StreamInfo struct {
	ID        string `json:"id"`
	User      User   `json:"user"`
	Game      Game   `json:"game"`
	Title     string `json:"title"`
	StartedAt string `json:"started_at"`
}

// Resolution is a segment's pixel dimensions, when known.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Segment describes one ripped rendition. Pointer fields are omitted from
// the document when nil, matching the original's optional columns.
type Segment struct {
	Path       string      `json:"path"`
	GroupID    string      `json:"group_id"`
	Name       string      `json:"name"`
	Language   *string     `json:"language,omitempty"`
	MaxBitrate *uint64     `json:"max_bitrate,omitempty"`
	Bitrate    *uint64     `json:"bitrate,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
	FrameRate  *float64    `json:"frame_rate,omitempty"`
	Codecs     *string     `json:"codecs,omitempty"`
}

// Document is the full info.json payload.
type Document struct {
	Version  string    `json:"version"`
	Data     StreamInfo `json:"data"`
	Segments []Segment  `json:"segments"`
}

// New builds a Document for the given stream and app version. segments may
// be empty when the rip produced no recognized rendition.
func New(appVersion string, stream StreamInfo, segments []Segment) Document {
	if segments == nil {
		segments = []Segment{}
	}
	return Document{
		Version:  Version + "/" + appVersion,
		Data:     stream,
		Segments: segments,
	}
}

// WriteFile serializes the document to path as JSON and fsyncs it.
func WriteFile(path string, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("datadoc: marshal: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("datadoc: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(body); err != nil {
		return fmt.Errorf("datadoc: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("datadoc: flush %s: %w", path, err)
	}
	return nil
}
