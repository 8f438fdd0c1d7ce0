package convo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTransportError(t *testing.T) {
	cases := []struct {
		msg  string
		kind ErrorKind
	}{
		{"401 Unauthorized: invalid api key", ErrAuthentication},
		{"maximum context length exceeded", ErrContextWindowExceed},
		{"429 Too Many Requests: rate limit hit", ErrRateLimit},
		{"context deadline exceeded", ErrTimeout},
		{"502 Bad Gateway: service unavailable", ErrServiceUnavailable},
		{"400 bad request: missing field", ErrBadRequest},
		{"something went sideways", ErrUnknown},
	}
	for _, c := range cases {
		got := classifyTransportError(errors.New(c.msg))
		classified, ok := got.(*ClassifiedError)
		if !assert.True(t, ok, c.msg) {
			continue
		}
		assert.Equal(t, c.kind, classified.Kind, c.msg)
	}
}

func TestClassifiedErrorFatalAndRetryable(t *testing.T) {
	auth := &ClassifiedError{Kind: ErrAuthentication, Err: errors.New("x")}
	assert.True(t, auth.Fatal())
	assert.False(t, auth.Retryable())

	rate := &ClassifiedError{Kind: ErrRateLimit, Err: errors.New("x")}
	assert.False(t, rate.Fatal())
	assert.True(t, rate.Retryable())

	window := &ClassifiedError{Kind: ErrContextWindowExceed, Err: errors.New("x")}
	assert.False(t, window.Fatal())
	assert.False(t, window.Retryable())
}
