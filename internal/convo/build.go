package convo

import (
	"encoding/json"

	"github.com/jasontan/agent-sdk/internal/agent"
	"github.com/jasontan/agent-sdk/internal/confirm"
	"github.com/jasontan/agent-sdk/internal/eventlog"
	"github.com/jasontan/agent-sdk/internal/permission"
	"github.com/jasontan/agent-sdk/internal/tool"
	"github.com/jasontan/agent-sdk/internal/workspace"
)

// FromAgent builds a Conversation whose tool set and confirmation defaults
// are derived from an agent profile: only tools the profile enables are
// exposed to the LLM, and AgentPolicy gates every action against the
// profile's per-category permission (spec §6.5's "agent configuration
// drives the tools available and their confirmation defaults").
func FromAgent(a *agent.Agent, allTools *tool.Registry, llm *LLM, ws workspace.Workspace, state *eventlog.ConversationState) *Conversation {
	filtered := tool.NewRegistry(allTools.WorkDir(), allTools.Storage())
	for _, t := range allTools.List() {
		if t.ID() == "finish" || a.ToolEnabled(t.ID()) {
			filtered.Register(t)
		}
	}
	if _, ok := filtered.Get("finish"); !ok {
		filtered.Register(tool.NewFinishTool())
	}

	conv := New(state, filtered, llm, ws)
	conv.ConfirmPolicy = AgentPolicy{Agent: a}

	if llm != nil && a.Model != nil && a.Model.ModelID != "" {
		conv.LLM = &LLM{Provider: llm.Provider, Model: a.Model.ModelID}
	}
	return conv
}

// AgentPolicy maps an agent profile's per-category permission settings
// (edit, which also covers write; bash; webfetch) onto a confirm.Decision per
// action, generalizing internal/permission/checker.go's Allow/Deny/Ask
// three-valued action into the conversation loop's allow/require-
// confirmation/reject decision.
type AgentPolicy struct {
	Agent *agent.Agent
}

func (p AgentPolicy) Decide(risk confirm.Risk, action eventlog.ActionData) confirm.Decision {
	if action.ToolName == "finish" {
		return confirm.DecisionAllow
	}

	perm := p.permissionFor(action)
	switch perm {
	case permission.ActionDeny:
		return confirm.DecisionReject
	case permission.ActionAsk:
		return confirm.DecisionRequireConfirmation
	}

	if risk == confirm.RiskHigh || risk == confirm.RiskUnknown {
		return confirm.DecisionRequireConfirmation
	}
	return confirm.DecisionAllow
}

func (p AgentPolicy) permissionFor(action eventlog.ActionData) permission.PermissionAction {
	switch action.ToolName {
	case "edit", "write":
		return p.Agent.GetPermission(permission.PermEdit)
	case "bash":
		return p.Agent.CheckBashPermission(bashCommand(action.Arguments))
	case "webfetch":
		return p.Agent.GetPermission(permission.PermWebFetch)
	default:
		return permission.ActionAllow
	}
}

func bashCommand(args json.RawMessage) string {
	var parsed struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ""
	}
	return parsed.Command
}
