// Package convo implements the conversation state machine: the agent step
// loop that interleaves LLM calls, tool execution, condensation, and
// critic-driven refinement under cancellation, confirmation, and budget
// constraints (spec §4.2). It is the direct generalization of the
// teacher's internal/session/loop.go + processor.go onto the eventlog
// event model instead of the teacher's session/message/part storage tree.
package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/jasontan/agent-sdk/internal/condense"
	"github.com/jasontan/agent-sdk/internal/confirm"
	"github.com/jasontan/agent-sdk/internal/critic"
	"github.com/jasontan/agent-sdk/internal/eventlog"
	"github.com/jasontan/agent-sdk/internal/provider"
	"github.com/jasontan/agent-sdk/internal/tool"
	"github.com/jasontan/agent-sdk/internal/workspace"
)

const (
	// MaxIterationPerRun bounds how many agent steps a single run() call
	// may take since the last user message, per spec §4.2 terminal
	// condition "iteration count ... exceeds max_iteration_per_run".
	MaxIterationPerRun = 50

	// MaxStepRetries bounds retries of a single LLM call within one step
	// before the step gives up and surfaces the error.
	MaxStepRetries = 3

	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsedTime  = 2 * time.Minute
)

// Conversation drives one bounded agentic loop against a durable event log.
// All mutation (SendMessage, Run, ExecuteTool) is serialized under mu, per
// spec §5 ("operations are serialized under an exclusive lock").
type Conversation struct {
	mu sync.Mutex

	State     *eventlog.ConversationState
	Tools     *tool.Registry
	LLM       *LLM
	Workspace workspace.Workspace

	Condenser     *condense.Condenser
	Critic        critic.Critic
	Refinement    critic.IterativeRefinementConfig
	ConfirmPolicy confirm.ConfirmationPolicy
	Analyzer      confirm.SecurityAnalyzer // optional; nil disables risk scoring

	MaxIterationPerRun int

	finished       bool
	iterationCount int
	cancel         chan struct{}
	cancelMu       sync.Mutex // guards cancel; Run holds mu for its whole duration

	flusher *eventlog.Flusher
}

// New builds a Conversation around an already-initialized ConversationState
// (created via eventlog.New with the mandatory first SystemPrompt event).
func New(state *eventlog.ConversationState, tools *tool.Registry, llm *LLM, ws workspace.Workspace) *Conversation {
	return &Conversation{
		State:              state,
		Tools:              tools,
		LLM:                llm,
		Workspace:          ws,
		Condenser:          condense.New(llm, 40),
		Critic:             critic.PassThrough{},
		Refinement:         critic.IterativeRefinementConfig{SuccessThreshold: 1.0, MaxIterations: 0},
		ConfirmPolicy:      confirm.NeverConfirm{},
		MaxIterationPerRun: MaxIterationPerRun,
	}
}

// Cancel requests cooperative cancellation of any in-flight Run call. It is
// observed at step boundaries and at the LLM/tool suspension points;
// cancellation produces no events (spec §4.2 "Cancellation").
func (c *Conversation) Cancel() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		close(c.cancel)
		c.cancel = nil
	}
}

func (c *Conversation) cancelled() <-chan struct{} {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel == nil {
		c.cancel = make(chan struct{})
	}
	return c.cancel
}

// SendMessage appends a user Message event, clears the finished flag, and
// resets the per-run iteration counter (spec §4.2).
func (c *Conversation) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.State.Append(ctx, eventlog.KindMessage, &eventlog.MessageData{Role: eventlog.RoleUser, Content: content}); err != nil {
		return fmt.Errorf("send_message: %w", err)
	}
	c.finished = false
	c.iterationCount = 0
	return c.State.SetStatus(ctx, eventlog.StatusIdle)
}

// Run drives the agent until a terminal condition holds: finished, the
// iteration budget is hit, a pending action needs confirmation, or
// cancellation is requested (spec §4.2 "Loop terminal conditions").
func (c *Conversation) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flusher = eventlog.NewFlusher(c.State, eventlog.FlushInterval)
	go c.flusher.Run(context.Background())
	defer func() {
		c.flusher.Stop()
		c.flusher = nil
	}()

	cancelCh := c.cancelled()
	if err := c.State.SetStatus(ctx, eventlog.StatusRunning); err != nil {
		return err
	}

	steps := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cancelCh:
			return nil
		default:
		}

		if c.finished {
			return c.State.SetStatus(ctx, eventlog.StatusIdle)
		}
		if steps >= c.maxIterations() {
			return c.State.SetStatus(ctx, eventlog.StatusIdle)
		}

		done, awaitingConfirmation, err := c.step(ctx, cancelCh)
		if err != nil {
			return err
		}
		if awaitingConfirmation {
			return c.State.SetStatus(ctx, eventlog.StatusAwaitingConfirmation)
		}
		if done {
			c.finished = true
			return c.State.SetStatus(ctx, eventlog.StatusIdle)
		}
		steps++
	}
}

func (c *Conversation) maxIterations() int {
	if c.MaxIterationPerRun <= 0 {
		return MaxIterationPerRun
	}
	return c.MaxIterationPerRun
}

// ExecuteTool is the out-of-band entry point that bypasses the LLM: it
// still appends an Action and its terminating Observation/AgentError, so
// the log invariant (every Action has exactly one terminator) holds.
func (c *Conversation) ExecuteTool(ctx context.Context, name string, args json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	toolCallID := eventlog.NewEventID()
	action := &eventlog.ActionData{ToolCallID: toolCallID, ToolName: name, Arguments: args}
	if _, err := c.State.Append(ctx, eventlog.KindAction, action); err != nil {
		return err
	}
	return c.executeAction(ctx, *action)
}

// step performs one agent step per spec §4.2. It returns done=true when the
// conversation should finish, and awaitingConfirmation=true when a pending
// action was persisted and the caller must return without executing it.
func (c *Conversation) step(ctx context.Context, cancelCh <-chan struct{}) (done bool, awaitingConfirmation bool, err error) {
	events := c.State.Events()

	if c.Condenser != nil && c.Condenser.ShouldCondense(condense.View(events)) {
		cd, cerr := c.Condenser.Compact(ctx, events)
		if cerr == nil {
			if _, aerr := c.State.Append(ctx, eventlog.KindCondensation, cd); aerr != nil {
				return false, false, aerr
			}
			events = c.State.Events()
		}
	}

	view := condense.View(events)
	msgs := BuildMessages(view)
	einoMsgs := ToEinoMessages(msgs)

	req := &provider.CompletionRequest{Messages: einoMsgs, Tools: c.toolInfos()}

	reply, _, callErr := c.completeWithRetry(ctx, req, events)
	if callErr != nil {
		return false, false, callErr
	}

	select {
	case <-cancelCh:
		return false, false, nil
	default:
	}

	if len(reply.ToolCalls) == 0 {
		if _, err := c.State.Append(ctx, eventlog.KindMessage, &eventlog.MessageData{Role: eventlog.RoleAssistant, Content: reply.Content}); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	for _, tc := range reply.ToolCalls {
		action := eventlog.ActionData{
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Arguments:  json.RawMessage(tc.Function.Arguments),
		}

		if verr := c.validateAction(action); verr != nil {
			if _, err := c.State.Append(ctx, eventlog.KindAction, &action); err != nil {
				return false, false, err
			}
			if _, err := c.State.Append(ctx, eventlog.KindAgentError, &eventlog.AgentErrorData{
				ToolCallID: action.ToolCallID,
				Message:    verr.Error(),
				Kind:       string(ErrMalformedResponse),
			}); err != nil {
				return false, false, err
			}
			continue
		}

		if _, err := c.State.Append(ctx, eventlog.KindAction, &action); err != nil {
			return false, false, err
		}

		risk := confirm.RiskLow
		if c.Analyzer != nil {
			risk, _ = c.Analyzer.Analyze(ctx, action, c.State.Events())
		}

		policy := c.ConfirmPolicy
		if policy == nil {
			policy = confirm.NeverConfirm{}
		}
		switch policy.Decide(risk, action) {
		case confirm.DecisionReject:
			if _, err := c.State.Append(ctx, eventlog.KindUserReject, &eventlog.UserRejectData{ToolCallID: action.ToolCallID, Reason: "rejected by confirmation policy at risk " + string(risk)}); err != nil {
				return false, false, err
			}
			return false, false, nil

		case confirm.DecisionRequireConfirmation:
			if err := c.State.SetPendingAction(ctx, &eventlog.PendingAction{ToolCallID: action.ToolCallID, ToolName: action.ToolName}); err != nil {
				return false, false, err
			}
			return false, true, nil
		}

		if err := c.executeAction(ctx, action); err != nil {
			return false, false, err
		}

		if action.ToolName == "finish" {
			finishedNow, err := c.evaluateRefinement(ctx)
			if err != nil {
				return false, false, err
			}
			return finishedNow, false, nil
		}
	}

	return false, false, nil
}

// validateAction checks the action's arguments against its tool's declared
// JSON Schema well enough to catch the common failure mode (a required
// field missing or unparseable arguments) without reimplementing a full
// schema validator, producing the AgentError spec §4.2 step 6 calls for
// ("Validation errors produce an AgentError keyed to that tool-call id").
func (c *Conversation) validateAction(action eventlog.ActionData) error {
	t, ok := c.Tools.Get(action.ToolName)
	if !ok {
		return fmt.Errorf("unknown tool %q", action.ToolName)
	}

	var args map[string]any
	if len(action.Arguments) == 0 {
		args = map[string]any{}
	} else if err := json.Unmarshal(action.Arguments, &args); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	var paramsSchema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(t.Parameters(), &paramsSchema); err != nil {
		return nil // no declared schema to validate against
	}
	for _, name := range paramsSchema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	return nil
}

// executeAction runs the tool named by action against the registry and
// appends the terminating Observation or AgentError event. It does not
// itself decide finish/refinement semantics — callers of executeAction
// (step and ExecuteTool) own that.
func (c *Conversation) executeAction(ctx context.Context, action eventlog.ActionData) error {
	t, ok := c.Tools.Get(action.ToolName)
	if !ok {
		_, err := c.State.Append(ctx, eventlog.KindAgentError, &eventlog.AgentErrorData{
			ToolCallID: action.ToolCallID,
			Message:    fmt.Sprintf("unknown tool %q", action.ToolName),
			Kind:       string(ErrBadRequest),
		})
		return err
	}

	toolCtx := &tool.Context{CallID: action.ToolCallID, SessionID: c.State.ConversationID()}
	if c.Workspace != nil {
		toolCtx.WorkDir = c.Workspace.WorkingDir()
	}
	if c.flusher != nil {
		toolCtx.OnMetadata = func(_ string, meta map[string]any) {
			if meta["streaming"] != true {
				return
			}
			chunk, _ := meta["output"].(string)
			if chunk == "" {
				return
			}
			c.flusher.Enqueue(action.ToolCallID, chunk, false)
		}
	}

	result, execErr := t.Execute(ctx, action.Arguments, toolCtx)
	if execErr != nil {
		_, err := c.State.Append(ctx, eventlog.KindAgentError, &eventlog.AgentErrorData{
			ToolCallID: action.ToolCallID,
			Message:    execErr.Error(),
		})
		return err
	}
	if c.flusher != nil {
		c.flusher.Enqueue(action.ToolCallID, "", true)
	}

	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		_, err := c.State.Append(ctx, eventlog.KindAgentError, &eventlog.AgentErrorData{
			ToolCallID: action.ToolCallID,
			Message:    marshalErr.Error(),
		})
		return err
	}

	_, err := c.State.Append(ctx, eventlog.KindObservation, &eventlog.ObservationData{
		ToolCallID: action.ToolCallID,
		Result:     payload,
	})
	return err
}

// evaluateRefinement runs the critic after a FinishAction and decides
// whether iterative refinement should inject a follow-up message instead
// of letting the conversation finish (spec §4.6). It returns true when the
// conversation should actually finish.
func (c *Conversation) evaluateRefinement(ctx context.Context) (bool, error) {
	result, err := c.Critic.Evaluate(ctx, c.State.Events(), nil)
	if err != nil {
		return true, nil // a broken critic must not block finishing
	}

	agentState := c.State.AgentState()
	count, _ := agentState[critic.AgentStateKey].(int)

	if !c.Refinement.ShouldContinue(result, count) {
		return true, nil
	}

	next := make(map[string]any, len(agentState)+1)
	for k, v := range agentState {
		next[k] = v
	}
	next[critic.AgentStateKey] = count + 1
	if err := c.State.SetAgentState(ctx, next); err != nil {
		return false, err
	}

	if _, err := c.State.Append(ctx, eventlog.KindMessage, &eventlog.MessageData{
		Role:    eventlog.RoleUser,
		Content: critic.FollowUpPrompt(result),
	}); err != nil {
		return false, err
	}
	return false, nil
}

// completeWithRetry calls the LLM, retrying transient failures with
// backoff and routing a context-window overflow through the condenser's
// hard reset before retrying once more, per spec §7's error taxonomy.
func (c *Conversation) completeWithRetry(ctx context.Context, req *provider.CompletionRequest, events []eventlog.Event) (*chatReply, string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	bounded := backoff.WithContext(backoff.WithMaxRetries(b, uint64(MaxStepRetries)), ctx)

	for {
		msg, finishReason, err := c.LLM.Complete(ctx, req)
		if err == nil {
			return &chatReply{Content: msg.Content, ToolCalls: msg.ToolCalls}, finishReason, nil
		}

		classified, ok := err.(*ClassifiedError)
		if !ok {
			return nil, "", err
		}
		if classified.Fatal() {
			return nil, "", classified
		}
		if classified.Kind == ErrContextWindowExceed {
			if c.Condenser != nil {
				if cd, cerr := c.Condenser.HardReset(ctx, events); cerr == nil {
					if _, aerr := c.State.Append(ctx, eventlog.KindCondensation, cd); aerr == nil {
						events = c.State.Events()
						view := condense.View(events)
						req.Messages = ToEinoMessages(BuildMessages(view))
					}
				}
			}
		}
		if !classified.Retryable() && classified.Kind != ErrContextWindowExceed {
			return nil, "", classified
		}

		next := bounded.NextBackOff()
		if next == backoff.Stop {
			return nil, "", classified
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(next):
		}
	}
}

// chatReply is the minimal shape completeWithRetry needs from an
// accumulated LLM response.
type chatReply struct {
	Content   string
	ToolCalls []schema.ToolCall
}

func (c *Conversation) toolInfos() []*schema.ToolInfo {
	if c.Tools == nil {
		return nil
	}
	var infos []provider.ToolInfo
	for _, t := range c.Tools.List() {
		infos = append(infos, provider.ToolInfo{Name: t.ID(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return provider.ConvertToEinoTools(infos)
}
