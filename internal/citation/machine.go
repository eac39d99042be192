// Package citation rewrites bracketed citation markers in streamed LLM output
// into links to the context items they refer to.
package citation

import (
	"strings"
	"unicode/utf8"
)

type State int

const (
	StateNormal State = iota
	StateInCitation
)

func (s State) String() string {
	if s == StateInCitation {
		return "in_citation"
	}
	return "normal"
}

// maxBufferRunes bounds how much text is held back waiting for a closing
// bracket. Real citation markers are short.
const maxBufferRunes = 64

// Context is the state carried between chunks of one response. The zero value
// is the initial state.
type Context struct {
	State  State
	Buffer string
}

type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentBracket
)

// Segment is a piece of output produced by Step: either plain text or a
// complete "[...]" candidate that still has to be parsed and resolved.
type Segment struct {
	Kind SegmentKind
	Text string
}

// Step feeds one chunk through the state machine. It is pure: the returned
// context replaces the one passed in.
func Step(c Context, chunk string) (Context, []Segment) {
	var (
		segs  []Segment
		plain strings.Builder
		buf   strings.Builder
	)
	state := c.State
	buf.WriteString(c.Buffer)
	bufRunes := utf8.RuneCountInString(c.Buffer)

	flushPlain := func() {
		if plain.Len() > 0 {
			segs = append(segs, Segment{Kind: SegmentText, Text: plain.String()})
			plain.Reset()
		}
	}
	resetBuf := func() {
		buf.Reset()
		bufRunes = 0
	}

	for _, r := range chunk {
		switch state {
		case StateNormal:
			if r == '[' {
				state = StateInCitation
				buf.WriteRune(r)
				bufRunes = 1
				continue
			}
			plain.WriteRune(r)

		case StateInCitation:
			switch {
			case r == ']':
				buf.WriteRune(r)
				flushPlain()
				segs = append(segs, Segment{Kind: SegmentBracket, Text: buf.String()})
				resetBuf()
				state = StateNormal
			case r == '[':
				// An unclosed bracket followed by a new one: the first was text.
				plain.WriteString(buf.String())
				resetBuf()
				buf.WriteRune(r)
				bufRunes = 1
			case r == '\n' || bufRunes >= maxBufferRunes:
				plain.WriteString(buf.String())
				plain.WriteRune(r)
				resetBuf()
				state = StateNormal
			default:
				buf.WriteRune(r)
				bufRunes++
			}
		}
	}
	flushPlain()

	return Context{State: state, Buffer: buf.String()}, segs
}

// Flush ends the response: any text still buffered is returned verbatim
// since its closing bracket never arrived.
func Flush(c Context) (Context, string) {
	return Context{}, c.Buffer
}
