// Package thinktag separates inline <think>...</think> reasoning from answer text
// in a chunked stream. Tags may be split across chunk boundaries.
package thinktag

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

type Segment struct {
	Thought bool
	Text    string
}

// Splitter is a two-state machine (answer, thought). It is not safe for
// concurrent use.
type Splitter struct {
	inThought bool
	pending   string
}

func New() *Splitter {
	return &Splitter{}
}

func (s *Splitter) InThought() bool {
	return s.inThought
}

// Feed consumes one chunk and returns the segments that are certain so far. A
// trailing fragment that could be the start of a tag is held until the next Feed
// or Flush.
func (s *Splitter) Feed(chunk string) []Segment {
	buf := s.pending + chunk
	s.pending = ""

	var out []Segment
	for buf != "" {
		tag := openTag
		if s.inThought {
			tag = closeTag
		}
		if idx := strings.Index(buf, tag); idx >= 0 {
			out = appendSegment(out, s.inThought, buf[:idx])
			buf = buf[idx+len(tag):]
			s.inThought = !s.inThought
			continue
		}
		keep := partialTagSuffix(buf, tag)
		out = appendSegment(out, s.inThought, buf[:len(buf)-keep])
		s.pending = buf[len(buf)-keep:]
		break
	}
	return out
}

// Flush releases any held fragment as literal text in the current channel.
func (s *Splitter) Flush() []Segment {
	if s.pending == "" {
		return nil
	}
	text := s.pending
	s.pending = ""
	return appendSegment(nil, s.inThought, text)
}

func appendSegment(out []Segment, thought bool, text string) []Segment {
	if text == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Thought == thought {
		out[n-1].Text += text
		return out
	}
	return append(out, Segment{Thought: thought, Text: text})
}

// partialTagSuffix returns the length of the longest suffix of buf that is a
// proper prefix of tag.
func partialTagSuffix(buf, tag string) int {
	max := len(tag) - 1
	if len(buf) < max {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}
