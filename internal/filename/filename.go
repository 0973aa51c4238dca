// Package filename formats a destination path template against a stream
// record, substituting %-escaped placeholders for stream and time fields.
package filename

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rmoriz/twitcharchive/internal/helix"
)

type element int

const (
	elString element = iota
	elEscape
	elSeparator
	elUserID
	elUserLogin
	elUserName
	elYear4
	elYear2
	elMonth
	elDay
	elHour
	elMinute
	elStreamID
	elStreamTitle
)

type token struct {
	kind  element
	value string
}

// Formatter compiles a template once and renders it against streams
// repeatedly. Recognized placeholders: %Si (user id), %Sl (user login),
// %Sn (user name), %TY/%Ty (4/2-digit year), %TM (month), %TD (day), %TH
// (hour), %Tm (minute), %si (stream id), %st (stream title), %% (literal
// percent). Any '/' or '\' in the template becomes a path separator.
type Formatter struct {
	tokens []token
}

// New compiles a template string into a Formatter. It panics on an unknown
// placeholder — the template comes from static configuration, not from
// stream data, so a typo there is a startup-time configuration error.
func New(template string) *Formatter {
	f := &Formatter{}
	if strings.HasPrefix(template, "/") || strings.HasPrefix(template, `\`) {
		f.tokens = append(f.tokens, token{kind: elSeparator})
	}
	for i, part := range strings.FieldsFunc(template, func(r rune) bool { return r == '/' || r == '\\' }) {
		if i > 0 {
			f.tokens = append(f.tokens, token{kind: elSeparator})
		}
		f.tokens = append(f.tokens, compileSegment(part)...)
	}
	return f
}

func compileSegment(segment string) []token {
	var tokens []token
	pieces := strings.Split(segment, "%")
	literal := false
	for i, piece := range pieces {
		if i == 0 || literal {
			literal = false
			if piece != "" {
				tokens = append(tokens, token{kind: elString, value: piece})
			}
			continue
		}
		if piece == "" {
			tokens = append(tokens, token{kind: elEscape})
			literal = true
			continue
		}
		if len(piece) < 2 {
			panic(fmt.Sprintf("filename: incomplete placeholder %%%s", piece))
		}
		kind, ok := placeholders[piece[:2]]
		if !ok {
			panic(fmt.Sprintf("filename: unknown placeholder %%%s", piece[:2]))
		}
		tokens = append(tokens, token{kind: kind})
		if rest := piece[2:]; rest != "" {
			tokens = append(tokens, token{kind: elString, value: rest})
		}
	}
	return tokens
}

var placeholders = map[string]element{
	"Si": elUserID,
	"Sl": elUserLogin,
	"Sn": elUserName,
	"TY": elYear4,
	"Ty": elYear2,
	"TM": elMonth,
	"TD": elDay,
	"TH": elHour,
	"Tm": elMinute,
	"si": elStreamID,
	"st": elStreamTitle,
}

// Format renders the template against a stream record. startedAt must
// already be parsed from stream.StartedAt (RFC3339, per the Helix API).
func (f *Formatter) Format(stream *helix.Stream, startedAt time.Time) string {
	var b strings.Builder
	for _, t := range f.tokens {
		switch t.kind {
		case elString:
			b.WriteString(t.value)
		case elEscape:
			b.WriteByte('%')
		case elSeparator:
			b.WriteRune(filepath.Separator)
		case elUserID:
			b.WriteString(sanitize(stream.UserID))
		case elUserLogin:
			b.WriteString(sanitize(stream.UserLogin))
		case elUserName:
			b.WriteString(sanitize(stream.UserName))
		case elYear4:
			b.WriteString(strconv.Itoa(startedAt.Year()))
		case elYear2:
			b.WriteString(fmt.Sprintf("%02d", startedAt.Year()%100))
		case elMonth:
			b.WriteString(strconv.Itoa(int(startedAt.Month())))
		case elDay:
			b.WriteString(strconv.Itoa(startedAt.Day()))
		case elHour:
			b.WriteString(strconv.Itoa(startedAt.Hour()))
		case elMinute:
			b.WriteString(strconv.Itoa(startedAt.Minute()))
		case elStreamID:
			b.WriteString(sanitize(stream.ID))
		case elStreamTitle:
			b.WriteString(sanitize(stream.Title))
		}
	}
	return b.String()
}

// sanitize replaces characters that would be unsafe or meaningless as a
// path component with '_'. No third-party sanitizer appears anywhere in
// the reference pack, so this is a direct, stdlib equivalent of the
// original formatter's own replacement pass.
func sanitize(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '\x00', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, value)
}
