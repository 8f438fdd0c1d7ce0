package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/jasontan/agent-sdk/internal/logging"
)

// FlushInterval is how often a Flusher drains buffered BashOutput chunks
// into durable events, the same periodic-side-work shape as the server's
// SSE heartbeat ticker.
const FlushInterval = 2 * time.Second

// maxConsecutiveFlushFailures bounds how many failed drains a Flusher
// tolerates before it gives up retrying a tool call's pending chunks and
// drops them, logging loudly rather than retrying forever.
const maxConsecutiveFlushFailures = 5

type pendingChunk struct {
	chunk string
	final bool
}

// Flusher batches long-running command output into BashOutput events rather
// than appending one event per chunk: chunks are buffered under a lock as
// they arrive from a streaming tool call, then drained into the event log
// on a fixed tick. This is additive to ConversationState's append path —
// Append and SetAgentState remain synchronous and are never routed through
// here, since those calls' callers rely on immediate durability.
type Flusher struct {
	state    *ConversationState
	interval time.Duration

	mu      sync.Mutex
	pending map[string][]pendingChunk // toolCallID -> chunks awaiting flush
	nextSeq map[string]int            // toolCallID -> next Seq to assign
	fails   map[string]int            // toolCallID -> consecutive flush failures

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewFlusher creates a Flusher that drains into state every interval.
// interval <= 0 uses FlushInterval.
func NewFlusher(state *ConversationState, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = FlushInterval
	}
	return &Flusher{
		state:    state,
		interval: interval,
		pending:  make(map[string][]pendingChunk),
		nextSeq:  make(map[string]int),
		fails:    make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Enqueue buffers chunk for toolCallID to be persisted on the next tick.
// final marks the last chunk of the command's output.
func (f *Flusher) Enqueue(toolCallID, chunk string, final bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[toolCallID] = append(f.pending[toolCallID], pendingChunk{chunk: chunk, final: final})
}

// Run drives the flush loop until ctx is done or Stop is called, performing
// one last drain before returning so nothing buffered is lost on shutdown.
// It never panics or propagates a flush error into the caller: failures are
// logged and retried on the next tick, with a per-tool-call cap so one
// persistently failing tool call can't retry forever.
func (f *Flusher) Run(ctx context.Context) {
	defer close(f.doneCh)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.drain(context.Background())
			return
		case <-f.stopCh:
			f.drain(context.Background())
			return
		case <-ticker.C:
			f.drain(ctx)
		}
	}
}

// Stop requests the flush loop stop and blocks until Run has performed its
// final drain and returned.
func (f *Flusher) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

func (f *Flusher) drain(ctx context.Context) {
	f.mu.Lock()
	batch := f.pending
	f.pending = make(map[string][]pendingChunk)
	f.mu.Unlock()

	for toolCallID, chunks := range batch {
		for i, c := range chunks {
			seq := f.nextSeq[toolCallID]
			_, err := f.state.Append(ctx, KindBashOutput, &BashOutputData{
				ToolCallID: toolCallID,
				Seq:        seq,
				Chunk:      c.chunk,
				Final:      c.final,
			})
			if err != nil {
				f.fails[toolCallID]++
				logging.Logger.Error().
					Err(err).
					Str("tool_call_id", toolCallID).
					Int("consecutive_failures", f.fails[toolCallID]).
					Msg("flush bash output chunk failed")
				if f.fails[toolCallID] >= maxConsecutiveFlushFailures {
					logging.Logger.Error().
						Str("tool_call_id", toolCallID).
						Msg("dropping bash output chunks after repeated flush failures")
					delete(f.fails, toolCallID)
					break
				}
				// Requeue this chunk and everything after it for the next tick.
				f.mu.Lock()
				f.pending[toolCallID] = append(chunks[i:], f.pending[toolCallID]...)
				f.mu.Unlock()
				break
			}
			f.nextSeq[toolCallID] = seq + 1
			delete(f.fails, toolCallID)
		}
	}
}
