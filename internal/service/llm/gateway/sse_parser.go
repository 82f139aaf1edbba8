package gateway

import (
	"bytes"
)

// doneMarker terminates an OpenAI-compatible stream
const doneMarker = "[DONE]"

// frame is one data line of the upstream stream
type frame struct {
	data []byte
	done bool
}

// sseParser splits raw body reads into data frames.
// Reads may end anywhere, including mid-line; the trailing fragment is kept
// until the rest of its line arrives.
type sseParser struct {
	pending []byte
}

// feed consumes one read and returns the complete frames it finished
func (p *sseParser) feed(chunk []byte) []frame {
	p.pending = append(p.pending, chunk...)

	var frames []frame
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		line := p.pending[:i]
		p.pending = p.pending[i+1:]

		if f, ok := parseLine(line); ok {
			frames = append(frames, f)
		}
	}

	// Reclaim the consumed prefix so long streams do not grow the buffer
	if len(p.pending) == 0 {
		p.pending = p.pending[:0:0]
	}
	return frames
}

// flush parses a final unterminated line at end of body
func (p *sseParser) flush() []frame {
	line := p.pending
	p.pending = nil
	if f, ok := parseLine(line); ok {
		return []frame{f}
	}
	return nil
}

func parseLine(line []byte) (frame, bool) {
	line = bytes.TrimRight(line, "\r")
	line = bytes.TrimSpace(line)

	// Blank separators, ":" comments (keepalives) and event/id/retry fields carry no payload
	if len(line) == 0 || line[0] == ':' || !bytes.HasPrefix(line, []byte("data:")) {
		return frame{}, false
	}

	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return frame{}, false
	}
	if string(payload) == doneMarker {
		return frame{done: true}, true
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	return frame{data: data}, true
}
