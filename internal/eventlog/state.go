package eventlog

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jasontan/agent-sdk/internal/storage"
)

// Status describes the high-level run state of a conversation.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusRunning            Status = "running"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
)

// BaseState is the durable, replace-not-mutate side of a conversation: the
// pointer forward into the event stream plus opaque agent-owned state.
// agent_state is replaced only through SetAgentState; BaseState is saved
// again by every SetAgentState, SetStatus, SetPendingAction and Append.
type BaseState struct {
	ConversationID string         `json:"conversation_id"`
	Status         Status         `json:"status"`
	NextOrder      int64          `json:"next_order"`
	AgentState     map[string]any `json:"agent_state"`
	PendingAction  *PendingAction `json:"pending_action,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PendingAction records an Action awaiting a confirmation decision across a
// send_message boundary, per the deferred-confirmation protocol.
type PendingAction struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
}

// ConversationState owns the in-memory event log plus its durable
// BaseState, enforcing the invariants: events[0] is always SystemPrompt,
// every Action eventually gets exactly one terminating event, and
// agent_state is only ever replaced wholesale (never mutated through a
// retained reference), each replacement durably persisted before
// SetAgentState returns.
type ConversationState struct {
	mu     sync.Mutex
	store  *storage.Storage
	events []Event
	byID   map[string]int
	base   BaseState
}

var entropySource = ulid.Monotonic(rand.Reader, 0)

// NewEventID mints a fresh id using the same ULID source the event log
// uses internally, for callers (e.g. ExecuteTool) that construct an
// ActionData before appending it.
func NewEventID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropySource).String()
}

// New creates a fresh ConversationState seeded with the mandatory first
// SystemPrompt event, and persists its initial BaseState.
func New(ctx context.Context, store *storage.Storage, conversationID string, systemPrompt SystemPromptData) (*ConversationState, error) {
	cs := &ConversationState{
		store: store,
		byID:  make(map[string]int),
		base: BaseState{
			ConversationID: conversationID,
			Status:         StatusIdle,
			AgentState:     map[string]any{},
			UpdatedAt:      time.Now(),
		},
	}
	if _, err := cs.appendLocked(ctx, KindSystemPrompt, &systemPrompt); err != nil {
		return nil, err
	}
	if err := cs.saveBaseLocked(ctx); err != nil {
		return nil, err
	}
	return cs, nil
}

// Load reconstructs a ConversationState from durable storage.
func Load(ctx context.Context, store *storage.Storage, conversationID string) (*ConversationState, error) {
	cs := &ConversationState{store: store, byID: make(map[string]int)}
	if err := store.Get(ctx, basePath(conversationID), &cs.base); err != nil {
		return nil, fmt.Errorf("load base state: %w", err)
	}

	if err := store.Scan(ctx, eventsDir(conversationID), func(key string, data json.RawMessage) error {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("event %s: %w", key, err)
		}
		cs.insertSorted(e)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(cs.events) == 0 {
		return nil, fmt.Errorf("conversation %s has no events", conversationID)
	}
	if cs.events[0].Kind != KindSystemPrompt {
		return nil, fmt.Errorf("conversation %s invariant violated: events[0] is %s, not system_prompt", conversationID, cs.events[0].Kind)
	}
	return cs, nil
}

func (cs *ConversationState) insertSorted(e Event) {
	i := len(cs.events)
	cs.events = append(cs.events, e)
	for i > 0 && cs.events[i-1].Order > cs.events[i].Order {
		cs.events[i-1], cs.events[i] = cs.events[i], cs.events[i-1]
		i--
	}
	cs.byID[e.ID] = i
	// index may have shifted others; rebuild cheaply since this only
	// happens during Load.
	for idx, ev := range cs.events {
		cs.byID[ev.ID] = idx
	}
}

// Events returns a snapshot of the event log.
func (cs *ConversationState) Events() []Event {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Event, len(cs.events))
	copy(out, cs.events)
	return out
}

// ConversationID returns the id this state was created or loaded with.
func (cs *ConversationState) ConversationID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.base.ConversationID
}

// Status returns the current run status.
func (cs *ConversationState) Status() Status {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.base.Status
}

// SetStatus updates the run status and persists BaseState.
func (cs *ConversationState) SetStatus(ctx context.Context, s Status) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.base.Status = s
	return cs.saveBaseLocked(ctx)
}

// AgentState returns a copy of the current agent_state map. Callers must
// not mutate the returned map in place; use SetAgentState to persist
// changes.
func (cs *ConversationState) AgentState() map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make(map[string]any, len(cs.base.AgentState))
	for k, v := range cs.base.AgentState {
		out[k] = v
	}
	return out
}

// SetAgentState replaces agent_state wholesale and durably persists the new
// BaseState before returning (the autosave contract: a StateUpdate event is
// also appended so the replacement is visible in the event log itself).
func (cs *ConversationState) SetAgentState(ctx context.Context, next map[string]any) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	copied := make(map[string]any, len(next))
	for k, v := range next {
		copied[k] = v
	}
	cs.base.AgentState = copied
	if _, err := cs.appendLocked(ctx, KindStateUpdate, &StateUpdateData{AgentState: copied}); err != nil {
		return err
	}
	return cs.saveBaseLocked(ctx)
}

// SetPendingAction records (or clears, via nil) an action awaiting
// confirmation across a send_message boundary.
func (cs *ConversationState) SetPendingAction(ctx context.Context, pending *PendingAction) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.base.PendingAction = pending
	return cs.saveBaseLocked(ctx)
}

// PendingAction returns the currently deferred action awaiting confirmation,
// if any.
func (cs *ConversationState) PendingAction() *PendingAction {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.base.PendingAction
}

// Append adds a new event of the given kind to the log, assigns it the next
// order and a fresh ULID, persists it, and advances NextOrder in BaseState.
func (cs *ConversationState) Append(ctx context.Context, kind Kind, payload any) (Event, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.appendLocked(ctx, kind, payload)
}

func (cs *ConversationState) appendLocked(ctx context.Context, kind Kind, payload any) (Event, error) {
	e := Event{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), entropySource).String(),
		Order:     cs.base.NextOrder,
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	if err := cs.store.Put(ctx, eventPath(cs.base.ConversationID, e.Order, e.ID), e); err != nil {
		return Event{}, fmt.Errorf("persist event: %w", err)
	}
	cs.events = append(cs.events, e)
	cs.byID[e.ID] = len(cs.events) - 1
	cs.base.NextOrder++
	cs.base.UpdatedAt = time.Now()
	if err := cs.saveBaseLocked(ctx); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (cs *ConversationState) saveBaseLocked(ctx context.Context) error {
	return cs.store.Put(ctx, basePath(cs.base.ConversationID), cs.base)
}

// PendingActions returns every Action event in the log that has not yet
// been terminated by a matching Observation/UserReject/AgentError event,
// in log order.
func (cs *ConversationState) PendingActions() []Event {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	terminated := make(map[string]bool)
	var pending []Event
	for _, e := range cs.events {
		if _, ok := e.Payload.(*ActionData); ok {
			pending = append(pending, e)
		}
	}
	for _, e := range cs.events {
		switch p := e.Payload.(type) {
		case *ObservationData:
			terminated[p.ToolCallID] = true
		case *UserRejectData:
			terminated[p.ToolCallID] = true
		case *AgentErrorData:
			terminated[p.ToolCallID] = true
		}
	}
	out := pending[:0:0]
	for _, e := range pending {
		if !terminated[e.Payload.(*ActionData).ToolCallID] {
			out = append(out, e)
		}
	}
	return out
}

func basePath(conversationID string) []string {
	return []string{conversationID, "base_state"}
}

func eventsDir(conversationID string) []string {
	return []string{conversationID, "events"}
}

func eventPath(conversationID string, order int64, id string) []string {
	return []string{conversationID, "events", fmt.Sprintf("event-%020d-%s", order, id)}
}
