package provider

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one server-sent event
type SSEEvent struct {
	Event string
	Data  []byte
}

// SSEReader splits a text/event-stream body into events
type SSEReader struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// NewSSEReader takes ownership of body
func NewSSEReader(body io.ReadCloser) *SSEReader {
	return &SSEReader{body: body, reader: bufio.NewReaderSize(body, 64*1024)}
}

// Next returns the next event, or io.EOF when the body is exhausted
func (r *SSEReader) Next() (SSEEvent, error) {
	var ev SSEEvent
	var data []string
	pending := false

	for {
		line, err := r.reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if pending {
					ev.Data = []byte(strings.Join(data, "\n"))
					return ev, nil
				}
			} else if !strings.HasPrefix(line, ":") {
				field, value, _ := strings.Cut(line, ":")
				value = strings.TrimPrefix(value, " ")
				switch field {
				case "event":
					ev.Event = value
					pending = true
				case "data":
					data = append(data, value)
					pending = true
				}
			}
		}
		if err != nil {
			if pending {
				ev.Data = []byte(strings.Join(data, "\n"))
				return ev, nil
			}
			return SSEEvent{}, err
		}
	}
}

// Close releases the underlying body
func (r *SSEReader) Close() error {
	return r.body.Close()
}

// BlockEventSource is the raw handle for block-event backends
type BlockEventSource struct {
	events *SSEReader
}

// NewBlockEventSource wraps an event-stream body
func NewBlockEventSource(body io.ReadCloser) *BlockEventSource {
	return &BlockEventSource{events: NewSSEReader(body)}
}

// Close releases the body without reading it
func (s *BlockEventSource) Close() error { return s.events.Close() }

// AccumulatorSource is the raw handle for candidate-chunk backends
type AccumulatorSource struct {
	events *SSEReader
}

// NewAccumulatorSource wraps an event-stream body
func NewAccumulatorSource(body io.ReadCloser) *AccumulatorSource {
	return &AccumulatorSource{events: NewSSEReader(body)}
}

// Close releases the body without reading it
func (s *AccumulatorSource) Close() error { return s.events.Close() }
