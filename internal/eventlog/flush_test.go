package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlusherDeliversConcatenatedChunksInOrder(t *testing.T) {
	cs, _ := newTestState(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFlusher(cs, 10*time.Millisecond)
	go f.Run(ctx)

	f.Enqueue("call-1", "hello ", false)
	f.Enqueue("call-1", "world", true)

	require.Eventually(t, func() bool {
		return countBashOutputs(cs, "call-1") == 2
	}, time.Second, 5*time.Millisecond)

	f.Stop()

	var chunks []string
	var lastFinal bool
	for _, e := range cs.Events() {
		if b, ok := e.Payload.(*BashOutputData); ok && b.ToolCallID == "call-1" {
			chunks = append(chunks, b.Chunk)
			lastFinal = b.Final
		}
	}
	assert.Equal(t, []string{"hello ", "world"}, chunks, "chunks must be flushed in enqueue order with no duplication")
	assert.True(t, lastFinal)
}

func TestFlusherAssignsStrictlyIncreasingSeqPerToolCall(t *testing.T) {
	cs, _ := newTestState(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFlusher(cs, 5*time.Millisecond)
	go f.Run(ctx)

	for i := 0; i < 5; i++ {
		f.Enqueue("call-2", "chunk", false)
	}

	require.Eventually(t, func() bool {
		return countBashOutputs(cs, "call-2") == 5
	}, time.Second, 5*time.Millisecond)
	f.Stop()

	var seqs []int
	for _, e := range cs.Events() {
		if b, ok := e.Payload.(*BashOutputData); ok && b.ToolCallID == "call-2" {
			seqs = append(seqs, b.Seq)
		}
	}
	for i, s := range seqs {
		assert.Equal(t, i, s, "Seq must be strictly increasing per tool call")
	}
}

func TestFlusherStopPerformsFinalDrain(t *testing.T) {
	cs, _ := newTestState(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Interval longer than the test so only Stop's final drain can deliver.
	f := NewFlusher(cs, time.Hour)
	go f.Run(ctx)

	f.Enqueue("call-3", "only chunk", true)
	f.Stop()

	assert.Equal(t, 1, countBashOutputs(cs, "call-3"))
}

func countBashOutputs(cs *ConversationState, toolCallID string) int {
	n := 0
	for _, e := range cs.Events() {
		if b, ok := e.Payload.(*BashOutputData); ok && b.ToolCallID == toolCallID {
			n++
		}
	}
	return n
}
