// Package hl7 is a minimal HL7 v2 (ER7) codec. It splits messages into segments
// and fields, honoring the delimiters declared in MSH, which is all the gateway
// needs to correlate and acknowledge messages. Field contents are never
// interpreted beyond the header control fields.
package hl7

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SegmentTerminator ends every segment on the wire.
const SegmentTerminator = '\r'

// TimestampLayout is the HL7 DTM layout used for MSH-7.
const TimestampLayout = "20060102150405"

var (
	// ErrMalformed is wrapped by every parse failure.
	ErrMalformed = errors.New("malformed hl7 message")
)

// Delimiters are the separator characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters are the conventional |^~\& separators.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// EscapeText replaces delimiter characters in s with HL7 escape sequences so
// s can be carried as free text in a single field.
func (d Delimiters) EscapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case d.Field:
			b.WriteString(string(d.Escape) + "F" + string(d.Escape))
		case d.Component:
			b.WriteString(string(d.Escape) + "S" + string(d.Escape))
		case d.Repetition:
			b.WriteString(string(d.Escape) + "R" + string(d.Escape))
		case d.Subcomponent:
			b.WriteString(string(d.Escape) + "T" + string(d.Escape))
		case d.Escape:
			b.WriteString(string(d.Escape) + "E" + string(d.Escape))
		case '\r', '\n':
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Segment is one line of a message. Fields[0] holds the segment name, so
// Fields[n] is SEG-n. For MSH, Fields[1] is the field separator and Fields[2]
// the encoding characters, which keeps MSH-n numbering aligned too.
type Segment struct {
	Fields []string
}

// Name returns the three letter segment id.
func (s *Segment) Name() string {
	if s == nil || len(s.Fields) == 0 {
		return ""
	}
	return s.Fields[0]
}

// Field returns SEG-n or "" if the field is absent.
func (s *Segment) Field(n int) string {
	if s == nil || n < 0 || n >= len(s.Fields) {
		return ""
	}
	return s.Fields[n]
}

// SetField assigns SEG-n, growing the segment with empty fields as needed.
func (s *Segment) SetField(n int, value string) {
	if n <= 0 {
		return
	}
	for len(s.Fields) <= n {
		s.Fields = append(s.Fields, "")
	}
	s.Fields[n] = value
}

// Message is a parsed HL7 v2 message.
type Message struct {
	Delimiters Delimiters
	Segments   []*Segment
}

// New returns an empty message using d.
func New(d Delimiters) *Message {
	return &Message{Delimiters: d}
}

// Parse splits raw into segments. Segment terminators may be CR, LF or CRLF.
// The first segment must be MSH.
func Parse(raw []byte) (*Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if !bytes.HasPrefix(raw, []byte("MSH")) {
		return nil, fmt.Errorf("%w: first segment is not MSH", ErrMalformed)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: MSH header too short", ErrMalformed)
	}

	d := Delimiters{Field: raw[3]}
	enc := raw[4:]
	if i := bytes.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) < 4 {
		return nil, fmt.Errorf("%w: MSH-2 must declare four encoding characters", ErrMalformed)
	}
	d.Component, d.Repetition, d.Escape, d.Subcomponent = enc[0], enc[1], enc[2], enc[3]

	normalized := strings.NewReplacer("\r\n", "\r", "\n", "\r").Replace(string(raw))
	msg := New(d)
	for _, line := range strings.Split(normalized, "\r") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, string(d.Field))
		if len(parts[0]) != 3 {
			return nil, fmt.Errorf("%w: invalid segment id %q", ErrMalformed, parts[0])
		}
		seg := &Segment{}
		if parts[0] == "MSH" {
			seg.Fields = append([]string{"MSH", string(d.Field)}, parts[1:]...)
		} else {
			seg.Fields = parts
		}
		msg.Segments = append(msg.Segments, seg)
	}
	return msg, nil
}

// Segment returns the first segment named name, or nil.
func (m *Message) Segment(name string) *Segment {
	for _, s := range m.Segments {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// AddSegment appends a segment whose fields start at SEG-1.
func (m *Message) AddSegment(name string, fields ...string) *Segment {
	seg := &Segment{Fields: append([]string{name}, fields...)}
	m.Segments = append(m.Segments, seg)
	return seg
}

// Component returns the 1-based component n of a field value.
func (m *Message) Component(value string, n int) string {
	if n <= 0 {
		return ""
	}
	parts := strings.Split(value, string(m.Delimiters.Component))
	if n > len(parts) {
		return ""
	}
	return parts[n-1]
}

// Bytes serializes the message with CR segment terminators.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	sep := string(m.Delimiters.Field)
	for _, seg := range m.Segments {
		if len(seg.Fields) == 0 {
			continue
		}
		buf.WriteString(seg.Fields[0])
		start := 1
		if seg.Name() == "MSH" {
			buf.WriteString(sep)
			if len(seg.Fields) > 2 {
				buf.WriteString(seg.Fields[2])
			} else {
				buf.WriteString(m.Delimiters.EncodingCharacters())
			}
			start = 3
		}
		for i := start; i < len(seg.Fields); i++ {
			buf.WriteString(sep)
			buf.WriteString(seg.Fields[i])
		}
		buf.WriteByte(SegmentTerminator)
	}
	return buf.Bytes()
}

// FormatTime renders t as an HL7 timestamp.
func FormatTime(t time.Time) string {
	return t.Format(TimestampLayout)
}
