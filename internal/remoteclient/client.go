package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

// Options configures the remote client.
type Options struct {
	// BaseURL is the server URL, e.g. "http://localhost:8080".
	BaseURL string
	// Timeout bounds HTTP requests. Default 30s.
	Timeout time.Duration
	// AutoReconnect enables automatic WebSocket reconnection.
	AutoReconnect bool
	// MaxReconnectAttempts limits reconnection attempts. Default 5.
	MaxReconnectAttempts int
	// ReconnectDelay is the base delay between reconnection attempts,
	// scaled by attempt count. Default 1s.
	ReconnectDelay time.Duration
}

// ConnectionState describes the WebSocket connection's lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Client mirrors one conversation's event log from a remote agent runtime
// server over its WebSocket projection, falling back to the HTTP client
// only for writes (sending a message, triggering a run).
type Client struct {
	options        Options
	httpClient     *http.Client
	conversationID string

	wsMu sync.Mutex
	ws   *websocket.Conn

	stateMu sync.RWMutex
	state   ConnectionState

	// lastSeenOrder and seenIDs enforce the two invariants a client
	// mirroring this log must hold: strictly increasing order, and no
	// event ID delivered twice.
	orderMu       sync.Mutex
	lastSeenOrder int64
	seenIDs       map[string]bool

	events     chan eventlog.Event
	completion chan struct{}

	errMu   sync.Mutex
	lastErr error

	reconnectAttempts int
	done              chan struct{}
}

// NewClient creates a client bound to one conversation ID.
func NewClient(conversationID string, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = time.Second
	}

	return &Client{
		options:        opts,
		httpClient:     &http.Client{Timeout: opts.Timeout},
		conversationID: conversationID,
		state:          StateDisconnected,
		lastSeenOrder:  -1,
		seenIDs:        make(map[string]bool),
		events:         make(chan eventlog.Event, 64),
		completion:     make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.options.BaseURL)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/conversations/%s/ws", scheme, u.Host, c.conversationID), nil
}

// CreateConversation creates a new conversation on the server and returns
// its ID, for callers that don't already have one.
func CreateConversation(baseURL string, httpClient *http.Client, agentName, systemPrompt, model string) (string, error) {
	body, err := json.Marshal(createConversationRequest{AgentName: agentName, Prompt: systemPrompt, Model: model})
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Post(baseURL+"/api/conversations", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create conversation: %s", resp.Status)
	}
	var summary conversationSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	return summary.ID, nil
}

// Connect dials the conversation's WebSocket event stream.
func (c *Client) Connect() error {
	state := c.State()
	if state == StateConnected || state == StateConnecting {
		return nil
	}
	c.setState(StateConnecting)

	wsURL, err := c.wsURL()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.wsMu.Lock()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		c.wsMu.Unlock()
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to conversation websocket: %w", err)
	}
	c.ws = conn
	c.wsMu.Unlock()

	c.setState(StateConnected)
	c.reconnectAttempts = 0

	go c.readMessages()
	return nil
}

// Disconnect closes the WebSocket connection.
func (c *Client) Disconnect() {
	c.wsMu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
	c.setState(StateDisconnected)
}

// Close shuts the client down for good; it must not be reused afterward.
func (c *Client) Close() {
	close(c.done)
	c.Disconnect()
}

// Events returns the channel of newly observed, order-verified,
// deduplicated events. Closed when the client is closed.
func (c *Client) Events() <-chan eventlog.Event {
	return c.events
}

// SendMessage posts a user message to the conversation over HTTP.
func (c *Client) SendMessage(ctx context.Context, content string) error {
	body, err := json.Marshal(sendMessageRequest{Content: content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.options.BaseURL+"/api/conversations/"+c.conversationID+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("send message: %s", resp.Status)
	}
	return nil
}

// TriggerRun starts the conversation's think/act loop on the server.
func (c *Client) TriggerRun(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.options.BaseURL+"/api/conversations/"+c.conversationID+"/run", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("trigger run: %s", resp.Status)
	}
	return nil
}

// WaitForCompletion blocks until the server reports the most recently
// triggered run has finished (the run_complete marker), or ctx is done.
// This is the barrier half of the completion-marker+barrier pattern: a run
// started with TriggerRun is considered in flight until this returns.
func (c *Client) WaitForCompletion(ctx context.Context) error {
	select {
	case <-c.completion:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("client closed")
	}
}

// readMessages reads the WebSocket stream, enforcing the mirror's two
// invariants before anything reaches Events(): order must strictly
// increase, and no event ID may be delivered twice.
func (c *Client) readMessages() {
	defer close(c.events)
	for {
		c.wsMu.Lock()
		ws := c.ws
		c.wsMu.Unlock()
		if ws == nil {
			return
		}

		var env wsEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			c.handleDisconnect()
			return
		}

		switch env.Type {
		case wsTypeEvent:
			if env.Event == nil {
				continue
			}
			admitted, err := c.admit(*env.Event)
			if err != nil {
				c.setLastErr(err)
				ws.Close()
				return
			}
			if !admitted {
				continue
			}
			select {
			case c.events <- *env.Event:
			case <-c.done:
				return
			}
		case wsTypeRunComplete:
			select {
			case c.completion <- struct{}{}:
			default:
			}
		}
	}
}

// admit applies the dedup+ordering assertions, reporting whether the event
// is new and in order. A non-nil error means the server violated the
// mirror's invariants (an event id repeated, or order didn't strictly
// increase) and the connection should be treated as broken.
func (c *Client) admit(e eventlog.Event) (bool, error) {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	if c.seenIDs[e.ID] {
		return false, fmt.Errorf("event %s delivered twice", e.ID)
	}
	if e.Order <= c.lastSeenOrder {
		return false, fmt.Errorf("event %s arrived with order %d, not greater than last seen order %d", e.ID, e.Order, c.lastSeenOrder)
	}
	c.seenIDs[e.ID] = true
	c.lastSeenOrder = e.Order
	return true, nil
}

func (c *Client) setLastErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// LastError returns the most recent invariant violation or connection
// error observed by the read loop, if any.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Client) handleDisconnect() {
	wasConnected := c.State() == StateConnected
	c.setState(StateDisconnected)

	c.wsMu.Lock()
	c.ws = nil
	c.wsMu.Unlock()

	if wasConnected && c.options.AutoReconnect && c.reconnectAttempts < c.options.MaxReconnectAttempts {
		c.reconnectAttempts++
		c.setState(StateReconnecting)

		delay := c.options.ReconnectDelay * time.Duration(c.reconnectAttempts)
		time.Sleep(delay)

		_ = c.Connect()
	}
}
