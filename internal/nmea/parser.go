package nmea

import "strings"

// maxBufferBytes bounds the carry-over buffer. A source that never emits a
// line terminator (wrong baud rate, binary chatter) must not grow memory
// without limit; the oldest bytes are discarded first.
const maxBufferBytes = 8192

// StreamParser reassembles NMEA sentences from arbitrarily chunked byte
// input. Complete lines are decoded and consumed; an unterminated trailing
// fragment is carried over to the next Feed call, so chunk boundaries never
// change what comes out.
//
// Not safe for concurrent use; the owning goroutine must serialize Feed.
type StreamParser struct {
	buf []byte
}

func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed appends chunk to the internal buffer and returns every sentence
// completed by it, in arrival order. Malformed and unsupported lines are
// dropped silently.
func (p *StreamParser) Feed(chunk []byte) []Sentence {
	if len(chunk) == 0 {
		return nil
	}
	data := append(p.buf, chunk...)

	var out []Sentence
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		line := strings.TrimSpace(string(data[start:i]))
		start = i + 1
		if line == "" {
			continue
		}
		if s, ok := decodeSentence(line); ok {
			out = append(out, s)
		}
	}

	rest := data[start:]
	if len(rest) > maxBufferBytes {
		rest = rest[len(rest)-maxBufferBytes:]
	}
	// Copy the fragment out so consumed lines can be collected.
	p.buf = append([]byte(nil), rest...)
	return out
}

// Pending returns how many unterminated bytes are buffered. Intended for
// status reporting and tests.
func (p *StreamParser) Pending() int {
	return len(p.buf)
}
