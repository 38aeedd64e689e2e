// Package hub implements the Message Hub (C8): a WebSocket protocol
// multiplexer accepting commands from local UI clients and broadcasting
// orchestrator/lock events back to them. The client registry, upgrade
// handler, and broadcast fan-out are grounded on the teacher pack's
// vanducng-goclaw/internal/gateway/server.go (Server.clients,
// registerClient/unregisterClient, BroadcastEvent); per-connection inbound
// rate limiting is grounded on goadesign-goa-ai's use of
// golang.org/x/time/rate (features/model/middleware/ratelimit.go), adapted
// from an adaptive token-cost limiter to a flat per-connection message cap.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"go.uber.org/zap"

	"github.com/nightfall-run/nightfall/internal/commands"
	"github.com/nightfall-run/nightfall/internal/locks"
	"github.com/nightfall-run/nightfall/internal/orchestrator"
	"github.com/nightfall-run/nightfall/internal/types"
)

// Inbound message types, client -> hub.
const (
	typeSubmitTask   = "SUBMIT_TASK"
	typeApprovePlan  = "APPROVE_PLAN"
	typeRejectPlan   = "REJECT_PLAN"
	typeInterrupt    = "INTERRUPT"
	typeSlashCommand = "SLASH_COMMAND"
)

// Outbound message types, hub -> client.
const (
	TypeLifecycle   = "LIFECYCLE"
	TypeTaskState   = "TASK_STATE"
	TypePlanReady   = "PLAN_READY"
	TypeTaskComplete = "TASK_COMPLETE"
	TypeAgentUpdate = "AGENT_UPDATE"
	TypeLockUpdate  = "LOCK_UPDATE"
	TypeSlashResult = "SLASH_RESULT"
	TypeError       = "ERROR"
)

// inboundMessage is the envelope every client->hub frame is parsed into.
type inboundMessage struct {
	Type       string          `json:"type"`
	Prompt     string          `json:"prompt,omitempty"`
	TaskID     string          `json:"taskId,omitempty"`
	EditedPlan *types.TaskPlan `json:"editedPlan,omitempty"`
	Command    string          `json:"command,omitempty"`
	Args       []string        `json:"args,omitempty"`
}

// envelope is the shape every hub->client frame takes: a discriminated type
// plus its payload.
type envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// LifecycleState mirrors spec §6's provider startup state machine.
type LifecycleState struct {
	State         string `json:"state"`
	Model         string `json:"model,omitempty"`
	Progress      int    `json:"progress,omitempty"`
	ContextLength int    `json:"contextLength,omitempty"`
	Message       string `json:"message,omitempty"`
}

const (
	inboundRateLimit = 20 // messages per second per connection
	inboundBurst     = 40
	writeBufferSize  = 256
)

// Hub accepts WebSocket connections and bridges them to an Orchestrator and
// a Command Dispatcher. At most one client submits a task at a time, but any
// number of clients may be connected as observers.
type Hub struct {
	orc        *orchestrator.Orchestrator
	dispatcher *commands.Dispatcher
	locksReg   *locks.Registry
	logger     *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	nextID uint64
}

// New builds a Hub. Call Attach before serving any connections so SUBMIT_TASK
// and friends have somewhere to go.
func New(locksReg *locks.Registry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		locksReg: locksReg,
		logger:   logger,
		clients:  make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go h.forwardLockEvents()
	return h
}

// Attach wires the Hub to its Orchestrator and Command Dispatcher. The
// orchestrator's onEvent callback must be h.HandleEvent; wiring order in
// main.go is: build Hub, build Orchestrator with hub.HandleEvent as its
// event sink, then call Attach.
func (h *Hub) Attach(orc *orchestrator.Orchestrator, dispatcher *commands.Dispatcher) {
	h.orc = orc
	h.dispatcher = dispatcher
}

// ServeHTTP upgrades the connection and pumps it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.nextID++
	id := fmt.Sprintf("client-%d", h.nextID)
	c := &client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, writeBufferSize),
		limiter: rate.NewLimiter(rate.Limit(inboundRateLimit), inboundBurst),
	}
	h.clients[id] = c
	h.mu.Unlock()
	h.logger.Info("client connected", zap.String("id", id))

	go c.writePump()
	h.readPump(r.Context(), c)

	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	close(c.send)
	h.logger.Info("client disconnected", zap.String("id", id))
}

// BroadcastLifecycle sends a LIFECYCLE event to every connected client. The
// daemon bootstrap calls this directly as it walks the provider startup
// state machine (detecting, starting, checking_model, ...).
func (h *Hub) BroadcastLifecycle(state LifecycleState) {
	h.broadcast(TypeLifecycle, state)
}

// HandleEvent is the orchestrator.Event sink: pass this as onEvent when
// constructing the Orchestrator (see Attach's doc comment for wiring order).
func (h *Hub) HandleEvent(e orchestrator.Event) {
	switch e.Kind {
	case orchestrator.EventTaskState:
		h.broadcast(TypeTaskState, e.Task)
	case orchestrator.EventPlanReady:
		h.broadcast(TypePlanReady, e.Task.Plan)
	case orchestrator.EventTaskComplete:
		h.broadcast(TypeTaskComplete, map[string]interface{}{
			"status":  e.Task.Status,
			"summary": e.Summary,
		})
	case orchestrator.EventAgentUpdate:
		h.broadcast(TypeAgentUpdate, e.Agent)
	}
}

func (h *Hub) forwardLockEvents() {
	if h.locksReg == nil {
		return
	}
	for range h.locksReg.Events() {
		h.broadcast(TypeLockUpdate, h.locksReg.Snapshot())
	}
}

func (h *Hub) broadcast(typ string, payload interface{}) {
	data, err := json.Marshal(envelope{Type: typ, Payload: payload})
	if err != nil {
		h.logger.Warn("hub: marshal broadcast failed", zap.String("type", typ), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.trySend(data)
	}
}

func (h *Hub) sendTo(c *client, typ string, payload interface{}) {
	data, err := json.Marshal(envelope{Type: typ, Payload: payload})
	if err != nil {
		h.logger.Warn("hub: marshal reply failed", zap.String("type", typ), zap.Error(err))
		return
	}
	c.trySend(data)
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			h.sendTo(c, TypeError, map[string]string{"message": "rate limit exceeded"})
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendTo(c, TypeError, map[string]string{"message": "malformed message: " + err.Error()})
			continue
		}
		h.dispatch(ctx, c, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, msg inboundMessage) {
	if h.orc == nil {
		h.sendTo(c, TypeError, map[string]string{"message": "hub not yet attached to an orchestrator"})
		return
	}

	switch msg.Type {
	case typeSubmitTask:
		if _, err := h.orc.SubmitTask(msg.Prompt); err != nil {
			h.sendTo(c, TypeError, map[string]string{"message": err.Error()})
		}
	case typeApprovePlan:
		if err := h.orc.ApprovePlan(msg.TaskID, msg.EditedPlan); err != nil {
			h.sendTo(c, TypeError, map[string]string{"message": err.Error()})
		}
	case typeRejectPlan:
		if err := h.orc.RejectPlan(msg.TaskID); err != nil {
			h.sendTo(c, TypeError, map[string]string{"message": err.Error()})
		}
	case typeInterrupt:
		if err := h.orc.Interrupt(msg.TaskID); err != nil {
			h.sendTo(c, TypeError, map[string]string{"message": err.Error()})
		}
	case typeSlashCommand:
		if h.dispatcher == nil {
			h.sendTo(c, TypeError, map[string]string{"message": "command dispatcher not attached"})
			return
		}
		result := h.dispatcher.Dispatch(msg.Command, msg.Args)
		h.sendTo(c, TypeSlashResult, map[string]interface{}{"command": msg.Command, "output": result})
	default:
		h.sendTo(c, TypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

// client is one connected WebSocket peer.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

func (c *client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop rather than block the broadcaster. The
		// client resyncs from the next event per spec §4.8's
		// no-stored-replay reconnect contract.
	}
}

func (c *client) writePump() {
	const pingInterval = 30 * time.Second
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
