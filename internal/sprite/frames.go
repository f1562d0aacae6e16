// Package sprite provides the client for the remote sprite (sandbox) API
// and the codec for its multiplexed exec stream.
package sprite

import "bytes"

// Stream frame tags. Each frame on the exec stream begins with one tag
// byte; stdout/stderr payloads run until the next tag byte or stream end,
// exit frames carry exactly one code byte.
const (
	tagStdout byte = 1
	tagStderr byte = 2
	tagExit   byte = 3
)

// InterruptByte is written to the agent's stdin as a single binary frame to
// interrupt the current turn.
const InterruptByte byte = 0x03

// FrameKind identifies the logical channel of a decoded frame.
type FrameKind int

// Frame kinds.
const (
	FrameStdout FrameKind = iota + 1
	FrameStderr
	FrameExit
)

// Frame is one decoded chunk of the exec stream.
type Frame struct {
	Kind     FrameKind
	Data     []byte
	ExitCode int
}

type decodeState int

const (
	stateTag decodeState = iota
	stateStdout
	stateStderr
	stateExitCode
)

// FrameDecoder is a streaming decoder for the multiplexed exec stream.
// Frames may be split arbitrarily across reads; the decoder carries its
// state between Feed calls and never buffers payload bytes itself.
type FrameDecoder struct {
	state decodeState
}

// NewFrameDecoder returns a decoder positioned before the first tag.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{state: stateTag}
}

// Feed decodes the next chunk of stream bytes. Payload frames are emitted
// per contiguous run within the chunk; zero-length runs (a tag immediately
// followed by another tag) emit nothing.
func (d *FrameDecoder) Feed(p []byte) []Frame {
	var frames []Frame

	for len(p) > 0 {
		switch d.state {
		case stateTag:
			switch p[0] {
			case tagStdout:
				d.state = stateStdout
			case tagStderr:
				d.state = stateStderr
			case tagExit:
				d.state = stateExitCode
			default:
				// Lenient: bytes before any tag surface as stdout.
				d.state = stateStdout
				continue
			}
			p = p[1:]

		case stateStdout, stateStderr:
			end := nextTag(p)
			if end > 0 {
				kind := FrameStdout
				if d.state == stateStderr {
					kind = FrameStderr
				}
				data := make([]byte, end)
				copy(data, p[:end])
				frames = append(frames, Frame{Kind: kind, Data: data})
			}
			if end == len(p) {
				return frames
			}
			p = p[end:]
			d.state = stateTag

		case stateExitCode:
			frames = append(frames, Frame{Kind: FrameExit, ExitCode: int(p[0])})
			p = p[1:]
			d.state = stateTag
		}
	}

	return frames
}

// nextTag returns the index of the next tag byte in p, or len(p).
func nextTag(p []byte) int {
	for i, b := range p {
		if b == tagStdout || b == tagStderr || b == tagExit {
			return i
		}
	}
	return len(p)
}

// LineBuffer reassembles newline-delimited records out of partial stdout
// chunks. Complete lines are returned without their trailing newline; the
// partial trailing text is buffered until the next chunk or Flush.
type LineBuffer struct {
	pending []byte
}

// Feed appends a chunk and returns all complete lines.
func (b *LineBuffer) Feed(p []byte) [][]byte {
	b.pending = append(b.pending, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, b.pending[:i])
		lines = append(lines, line)
		b.pending = b.pending[i+1:]
	}
}

// Flush returns any buffered partial line and resets the buffer. Called
// when the stream terminates so trailing unparsed output is not lost.
func (b *LineBuffer) Flush() []byte {
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}
