package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jasontan/agent-sdk/internal/agent"
	"github.com/jasontan/agent-sdk/internal/convo"
	"github.com/jasontan/agent-sdk/internal/eventlog"
	"github.com/jasontan/agent-sdk/internal/logging"
	"github.com/jasontan/agent-sdk/internal/provider"
	"github.com/jasontan/agent-sdk/internal/workspace"
)

// conversationUpgrader mirrors the teacher's go-memsh REPL upgrader: origin
// checking is left to a reverse proxy, not this process.
var conversationUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conversationEntry is one live, in-process conversation plus the run-loop
// bookkeeping the WebSocket projection needs to emit a completion marker.
type conversationEntry struct {
	id    string
	state *eventlog.ConversationState
	conv  *convo.Conversation

	mu        sync.Mutex
	runActive bool
	runSeq    int
}

func (e *conversationEntry) startRun(ctx context.Context) bool {
	e.mu.Lock()
	if e.runActive {
		e.mu.Unlock()
		return false
	}
	e.runActive = true
	e.runSeq++
	e.mu.Unlock()

	go func() {
		_ = e.conv.Run(ctx)
		e.mu.Lock()
		e.runActive = false
		e.mu.Unlock()
	}()
	return true
}

// runState reports whether a run is in flight and the sequence number of
// the most recently started run, so a poller can detect "this run just
// finished" exactly once.
func (e *conversationEntry) runState() (active bool, seq int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runActive, e.runSeq
}

// ConversationManager holds every conversation this process is projecting
// over HTTP and WebSocket. It does not persist conversations beyond
// process lifetime beyond what eventlog.ConversationState already durably
// writes through storage.Storage; restarting re-registers via Load.
type ConversationManager struct {
	mu      sync.RWMutex
	entries map[string]*conversationEntry
}

func newConversationManager() *ConversationManager {
	return &ConversationManager{
		entries: make(map[string]*conversationEntry),
	}
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	AgentName string `json:"agent,omitempty"`
	Prompt    string `json:"system_prompt,omitempty"`
	Model     string `json:"model,omitempty"`
}

type conversationSummary struct {
	ID     string          `json:"id"`
	Status eventlog.Status `json:"status"`
}

// createConversation handles POST /api/conversations: builds a fresh
// eventlog.ConversationState plus a convo.Conversation wired from an agent
// profile, grounded on convo.FromAgent.
func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	agents := agent.BuiltInAgents()
	agentName := req.AgentName
	if agentName == "" {
		agentName = "build"
	}
	a, ok := agents[agentName]
	if !ok {
		respondError(w, "unknown agent: "+agentName, http.StatusBadRequest)
		return
	}

	modelRef := req.Model
	if modelRef == "" && s.appConfig != nil {
		modelRef = s.appConfig.Model
	}
	providerID, modelID := provider.ParseModelString(modelRef)

	var llm *convo.LLM
	if providerID != "" && s.providerReg != nil {
		if p, err := s.providerReg.Get(providerID); err == nil {
			llm = convo.NewLLM(p, modelID)
		}
	}

	// Externally-addressed conversation ids are opaque UUIDs; the ULID
	// scheme (eventlog.NewEventID) stays internal to ordered event/message
	// records.
	id := uuid.NewString()
	ctx := r.Context()
	state, err := eventlog.New(ctx, s.storage, id, eventlog.SystemPromptData{
		Prompt:    req.Prompt,
		AgentName: a.Name,
	})
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ws := workspace.NewLocalWorkspace(s.config.Directory)
	conv := convo.FromAgent(a, s.toolReg, llm, ws, state)

	entry := &conversationEntry{id: id, state: state, conv: conv}
	s.convos.mu.Lock()
	s.convos.entries[id] = entry
	s.convos.mu.Unlock()

	respondJSON(w, conversationSummary{ID: id, Status: state.Status()}, http.StatusCreated)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	s.convos.mu.RLock()
	out := make([]conversationSummary, 0, len(s.convos.entries))
	for _, e := range s.convos.entries {
		out = append(out, conversationSummary{ID: e.id, Status: e.state.Status()})
	}
	s.convos.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	respondJSON(w, out, http.StatusOK)
}

func (s *Server) getConversationEntry(r *http.Request) (*conversationEntry, bool) {
	id := chi.URLParam(r, "conversationID")
	s.convos.mu.RLock()
	defer s.convos.mu.RUnlock()
	e, ok := s.convos.entries[id]
	return e, ok
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	e, ok := s.getConversationEntry(r)
	if !ok {
		respondError(w, "conversation not found", http.StatusNotFound)
		return
	}
	respondJSON(w, conversationSummary{ID: e.id, Status: e.state.Status()}, http.StatusOK)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// sendConversationMessage handles POST /api/conversations/{id}/messages.
func (s *Server) sendConversationMessage(w http.ResponseWriter, r *http.Request) {
	e, ok := s.getConversationEntry(r)
	if !ok {
		respondError(w, "conversation not found", http.StatusNotFound)
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := e.conv.SendMessage(r.Context(), req.Content); err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]bool{"accepted": true}, http.StatusAccepted)
}

// runConversation handles POST /api/conversations/{id}/run: starts the
// think/act loop in the background. The caller learns it finished either
// by polling GET .../events?order_gt= or by watching the WebSocket stream
// for the run_complete marker.
func (s *Server) runConversation(w http.ResponseWriter, r *http.Request) {
	e, ok := s.getConversationEntry(r)
	if !ok {
		respondError(w, "conversation not found", http.StatusNotFound)
		return
	}
	started := e.startRun(context.Background())
	respondJSON(w, map[string]bool{"started": started}, http.StatusAccepted)
}

// conversationEvents handles GET /api/conversations/{id}/events, the HTTP
// polling fallback to the WebSocket stream: returns every event with
// order strictly greater than order_gt.
func (s *Server) conversationEvents(w http.ResponseWriter, r *http.Request) {
	e, ok := s.getConversationEntry(r)
	if !ok {
		respondError(w, "conversation not found", http.StatusNotFound)
		return
	}
	since := parseOrderGT(r)
	events := e.state.Events()
	out := events[:0:0]
	for _, ev := range events {
		if ev.Order > since {
			out = append(out, ev)
		}
	}
	respondJSON(w, out, http.StatusOK)
}

func parseOrderGT(r *http.Request) int64 {
	q := r.URL.Query().Get("order_gt")
	if q == "" {
		return -1
	}
	var v int64
	for _, c := range q {
		if c < '0' || c > '9' {
			return -1
		}
		v = v*10 + int64(c-'0')
	}
	return v
}

// wsEnvelope is the single message shape sent over the conversation
// WebSocket, discriminated by Type.
type wsEnvelope struct {
	Type  string          `json:"type"`
	Event *eventlog.Event `json:"event,omitempty"`
}

const (
	wsTypeEvent       = "event"
	wsTypeRunComplete = "run_complete"
)

// conversationWS upgrades to a WebSocket and streams every event in order,
// polling the conversation state the same way sseWriter's heartbeat loop
// polls the event bus, then pushes a run_complete marker exactly once per
// finished run so a client can use it as a barrier (see
// internal/remoteclient).
func (s *Server) conversationWS(w http.ResponseWriter, r *http.Request) {
	e, ok := s.getConversationEntry(r)
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	conn, err := conversationUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger.Error().Err(err).Msg("conversation websocket upgrade failed")
		return
	}
	defer conn.Close()

	since := parseOrderGT(r)
	lastReportedSeq := -1
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := e.state.Events()
			for _, ev := range events {
				if ev.Order <= since {
					continue
				}
				since = ev.Order
				payload := ev
				if err := conn.WriteJSON(wsEnvelope{Type: wsTypeEvent, Event: &payload}); err != nil {
					return
				}
			}

			active, seq := e.runState()
			if !active && seq > 0 && seq != lastReportedSeq {
				lastReportedSeq = seq
				if err := conn.WriteJSON(wsEnvelope{Type: wsTypeRunComplete}); err != nil {
					return
				}
			}
		}
	}
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
