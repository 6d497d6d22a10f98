package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"canvas_worker/internal/provider"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"deadline", fmt.Errorf("stream: %w", context.DeadlineExceeded), ErrorTimeout},
		{"unsupported", fmt.Errorf("%w: %q", ErrUnsupportedKind, "sticker"), ErrorUnsupportedKind},
		{"quota status", &provider.Error{Provider: "openai", StatusCode: 402, Message: "pay up"}, ErrorQuota},
		{"quota code", &provider.Error{Provider: "openai", StatusCode: 429, Code: "insufficient_quota", Message: "You exceeded your current quota"}, ErrorQuota},
		{"credit balance", &provider.Error{Provider: "anthropic", StatusCode: 400, Message: "Your credit balance is too low"}, ErrorQuota},
		{"network", fmt.Errorf("post: %w", syscall.ECONNRESET), ErrorTransientNetwork},
		{"provider", &provider.Error{Provider: "gemini", StatusCode: 500, Message: "internal"}, ErrorProvider},
		{"breaker", fmt.Errorf("%w: openai", provider.ErrCircuitOpen), ErrorProvider},
		{"generic", errors.New("something odd"), ErrorProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.err)
			assert.Equal(t, tc.kind, c.Kind)
			assert.ErrorIs(t, c, tc.err)
		})
	}
}

func TestClassifyMessages(t *testing.T) {
	assert.Equal(t, timeoutMessage, Classify(context.DeadlineExceeded).Message)
	assert.Equal(t, quotaMessage, Classify(errors.New("insufficient_quota")).Message)

	c := Classify(&provider.Error{Provider: "openai", StatusCode: 400, Message: "bad model name"})
	assert.Equal(t, "bad model name", c.Message)

	long := strings.Repeat("é", 2000)
	c = Classify(errors.New(long))
	assert.Equal(t, MaxErrorMessage, len([]rune(c.Message)))
	assert.True(t, strings.HasSuffix(c.Message, "..."))

	assert.Nil(t, Classify(nil))

	already := &ClassifiedError{Kind: ErrorQuota, Message: "x"}
	assert.Same(t, already, Classify(fmt.Errorf("wrap: %w", already)))
}
