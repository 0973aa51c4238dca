package filename

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rmoriz/twitcharchive/internal/helix"
)

func TestFormatSubstitutesPlaceholders(t *testing.T) {
	f := New("archive/%Sl/%TY-%TM-%TD_%si_%st")
	stream := &helix.Stream{ID: "123", UserLogin: "somechannel", Title: "Ranked: Ladder/Climb"}
	startedAt := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

	got := f.Format(stream, startedAt)
	assert.Equal(t, "archive/somechannel/2026-3-5_123_Ranked_ Ladder_Climb", got)
}

func TestFormatEscapesLiteralPercent(t *testing.T) {
	f := New("%si%%done")
	stream := &helix.Stream{ID: "1"}
	got := f.Format(stream, time.Unix(0, 0))
	assert.Equal(t, "1%done", got)
}

func TestFormatSanitizesPathSeparatorsInValues(t *testing.T) {
	f := New("%Sn")
	stream := &helix.Stream{UserName: "weird/name"}
	got := f.Format(stream, time.Unix(0, 0))
	assert.Equal(t, "weird_name", got)
}

func TestNewPanicsOnUnknownPlaceholder(t *testing.T) {
	assert.Panics(t, func() { New("%Qx") })
}
