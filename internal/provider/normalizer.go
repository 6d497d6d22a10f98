package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
)

// DeltaStream is a lazy, forward-only sequence of non-empty text deltas.
// Next returns io.EOF once the upstream ends. It is not restartable.
type DeltaStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Normalize wraps a raw handle from the given provider. Unknown providers
// and handles of the wrong type fail closed, releasing the handle.
func Normalize(id ID, handle any) (DeltaStream, error) {
	stream, err := normalize(id, handle)
	if err != nil {
		closeHandle(handle)
		return nil, err
	}
	return stream, nil
}

func normalize(id ID, handle any) (DeltaStream, error) {
	shape, ok := shapes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, id)
	}

	switch shape {
	case ShapeMessageDelta:
		reader, ok := handle.(*schema.StreamReader[*schema.Message])
		if !ok || reader == nil {
			return nil, fmt.Errorf("%w: %s expects a message stream, got %T", ErrAdapterMismatch, id, handle)
		}
		return newDeltaStream(messageDeltaRecv(reader), func() error {
			reader.Close()
			return nil
		}), nil

	case ShapeBlockEvent:
		src, ok := handle.(*BlockEventSource)
		if !ok || src == nil {
			return nil, fmt.Errorf("%w: %s expects block events, got %T", ErrAdapterMismatch, id, handle)
		}
		return newDeltaStream(blockEventRecv(string(id), src.events), src.Close), nil

	case ShapeTextAccumulator:
		src, ok := handle.(*AccumulatorSource)
		if !ok || src == nil {
			return nil, fmt.Errorf("%w: %s expects candidate chunks, got %T", ErrAdapterMismatch, id, handle)
		}
		return newDeltaStream(accumulatorRecv(string(id), src.events), src.Close), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, id)
}

func closeHandle(handle any) {
	switch h := handle.(type) {
	case *schema.StreamReader[*schema.Message]:
		if h != nil {
			h.Close()
		}
	case *BlockEventSource:
		if h != nil {
			_ = h.Close()
		}
	case *AccumulatorSource:
		if h != nil {
			_ = h.Close()
		}
	case io.Closer:
		_ = h.Close()
	}
}

// recvFunc reads one native chunk and returns its text, possibly empty
type recvFunc func() (string, error)

type recvResult struct {
	text string
	err  error
}

// deltaStream pumps a blocking recvFunc on its own goroutine so that Next can
// honour context cancellation even when the upstream is silent
type deltaStream struct {
	recv    recvFunc
	closeFn func() error

	results chan recvResult
	done    chan struct{}
	start   sync.Once
	stop    sync.Once

	closeErr error
	err      error
}

func newDeltaStream(recv recvFunc, closeFn func() error) *deltaStream {
	return &deltaStream{
		recv:    recv,
		closeFn: closeFn,
		results: make(chan recvResult),
		done:    make(chan struct{}),
	}
}

func (s *deltaStream) Next(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.start.Do(func() { go s.run() })

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.done:
			s.err = io.EOF
			return "", s.err
		case r, ok := <-s.results:
			if !ok {
				s.err = io.EOF
				return "", s.err
			}
			if r.err != nil {
				s.err = r.err
				return "", r.err
			}
			if r.text == "" {
				continue
			}
			return r.text, nil
		}
	}
}

func (s *deltaStream) run() {
	defer close(s.results)
	for {
		text, err := s.recv()
		select {
		case s.results <- recvResult{text: text, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *deltaStream) Close() error {
	s.stop.Do(func() {
		close(s.done)
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

func messageDeltaRecv(reader *schema.StreamReader[*schema.Message]) recvFunc {
	return func() (string, error) {
		msg, err := reader.Recv()
		if err != nil {
			return "", err
		}
		if msg == nil {
			return "", nil
		}
		return msg.Content, nil
	}
}

type blockEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func blockEventRecv(provider string, events *SSEReader) recvFunc {
	return func() (string, error) {
		ev, err := events.Next()
		if err != nil {
			return "", err
		}
		if len(ev.Data) == 0 {
			return "", nil
		}
		var payload blockEvent
		if err := sonic.Unmarshal(ev.Data, &payload); err != nil {
			return "", fmt.Errorf("decode %s event: %w", provider, err)
		}
		switch payload.Type {
		case "content_block_delta":
			if payload.Delta.Type == "text_delta" {
				return payload.Delta.Text, nil
			}
		case "message_stop":
			return "", io.EOF
		case "error":
			e := &Error{Provider: provider, Message: "stream error"}
			if payload.Error != nil {
				e.Code = payload.Error.Type
				e.Message = payload.Error.Message
			}
			return "", e
		}
		return "", nil
	}
}

type accumulatorChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func accumulatorRecv(provider string, events *SSEReader) recvFunc {
	return func() (string, error) {
		ev, err := events.Next()
		if err != nil {
			return "", err
		}
		if len(ev.Data) == 0 {
			return "", nil
		}
		var chunk accumulatorChunk
		if err := sonic.Unmarshal(ev.Data, &chunk); err != nil {
			return "", fmt.Errorf("decode %s chunk: %w", provider, err)
		}
		if chunk.Error != nil {
			return "", &Error{Provider: provider, StatusCode: chunk.Error.Code, Code: chunk.Error.Status, Message: chunk.Error.Message}
		}
		if len(chunk.Candidates) == 0 {
			return "", nil
		}
		var b strings.Builder
		for _, part := range chunk.Candidates[0].Content.Parts {
			b.WriteString(part.Text)
		}
		return b.String(), nil
	}
}
