package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// FrameType identifies a stream frame read from a child process's stdout
type FrameType string

const (
	FrameMessageStart      FrameType = "message_start"
	FrameContentBlockStart FrameType = "content_block_start"
	FrameContentBlockDelta FrameType = "content_block_delta"
	FrameContentBlockStop  FrameType = "content_block_stop"
	FrameMessageDelta      FrameType = "message_delta"
	FrameMessageStop       FrameType = "message_stop"
)

// FrameDelta carries the incremental payload of delta frames
type FrameDelta struct {
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// Frame is one newline-delimited JSON event from the process wire contract.
// Unrecognized types are passed through and ignored by the consumer.
type Frame struct {
	Type  FrameType   `json:"type"`
	Index int         `json:"index,omitempty"`
	Delta *FrameDelta `json:"delta,omitempty"`
}

// maxFrameSize bounds a single stdout line
const maxFrameSize = 1024 * 1024

// ParseFrames reads newline-delimited JSON frames from r and delivers them
// on the returned channel. Malformed lines are skipped; the channel closes
// when the reader is exhausted (process exit closes the pipe).
func ParseFrames(r io.Reader) <-chan Frame {
	frames := make(chan Frame)

	go func() {
		defer close(frames)

		scanner := bufio.NewScanner(r)
		buf := make([]byte, maxFrameSize)
		scanner.Buffer(buf, maxFrameSize)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var frame Frame
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				log.Debug().Str("line", truncateLine(line)).Msg("Skipping malformed stream frame")
				continue
			}

			frames <- frame
		}
	}()

	return frames
}

func truncateLine(line string) string {
	const max = 120
	if len(line) <= max {
		return line
	}
	return line[:max] + "..."
}

// accumulator assembles one logical response from a frame sequence. It only
// acts on recognized frame types, tolerating any subset or ordering
// deviation in the wire stream.
type accumulator struct {
	text       strings.Builder
	stopReason string
	done       bool
}

// feed consumes one frame and reports newly arrived delta text
func (a *accumulator) feed(frame Frame) (delta string) {
	switch frame.Type {
	case FrameContentBlockDelta:
		if frame.Delta != nil && frame.Delta.Text != "" {
			a.text.WriteString(frame.Delta.Text)
			return frame.Delta.Text
		}
	case FrameMessageDelta:
		if frame.Delta != nil && frame.Delta.StopReason != "" {
			a.stopReason = frame.Delta.StopReason
		}
	case FrameMessageStop:
		a.done = true
	}
	return ""
}

// String returns the accumulated response text
func (a *accumulator) String() string {
	return a.text.String()
}
