package remoteclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

func newTestClient() *Client {
	return NewClient("conv-1", Options{BaseURL: "http://example.invalid"})
}

func TestAdmitAcceptsStrictlyIncreasingOrder(t *testing.T) {
	c := newTestClient()

	ok, err := c.admit(eventlog.Event{ID: "a", Order: 0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.admit(eventlog.Event{ID: "b", Order: 1})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitRejectsRepeatedID(t *testing.T) {
	c := newTestClient()

	ok, err := c.admit(eventlog.Event{ID: "a", Order: 0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.admit(eventlog.Event{ID: "a", Order: 0})
	assert.Error(t, err, "a repeated event id must be a fail-fast assertion, not a silent dedup")
	assert.False(t, ok)
}

func TestAdmitRejectsNonIncreasingOrder(t *testing.T) {
	c := newTestClient()

	_, err := c.admit(eventlog.Event{ID: "a", Order: 5})
	require.NoError(t, err)

	_, err = c.admit(eventlog.Event{ID: "b", Order: 5})
	assert.Error(t, err, "order must strictly increase even with a distinct id")

	_, err = c.admit(eventlog.Event{ID: "c", Order: 4})
	assert.Error(t, err, "order must never regress")
}

func TestWaitForCompletionReturnsWhenMarkerArrives(t *testing.T) {
	c := newTestClient()
	c.completion <- struct{}{}

	err := c.WaitForCompletion(context.Background())
	assert.NoError(t, err)
}
