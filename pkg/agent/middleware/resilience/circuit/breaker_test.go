package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
)

func TestBreakerLifecycle(t *testing.T) {
	now := time.Unix(0, 0)
	b := New("anthropic", Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, Closed, b.State())
	b.Record(false)
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
	b.Record(true)
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	b := New("x", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})
	b.now = func() time.Time { return now }

	b.Record(false)
	now = now.Add(time.Second)
	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, Open, b.State())
}

func TestMiddlewareRejectsWhenOpen(t *testing.T) {
	calls := 0
	upstream := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			return llm.CompletionResponse{}, errors.New("503 overloaded")
		},
		func() string { return "m" },
	)
	b := New("m", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	client := Middleware(b)(upstream)

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
	_, err = client.Complete(context.Background(), llm.CompletionRequest{})
	var cerr *Error
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, calls)
}

func TestMiddlewareIgnoresBadPrompt(t *testing.T) {
	upstream := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "too long")
		},
		func() string { return "m" },
	)
	b := New("m", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	_, _ = Middleware(b)(upstream).Complete(context.Background(), llm.CompletionRequest{})
	assert.Equal(t, Closed, b.State())
}
