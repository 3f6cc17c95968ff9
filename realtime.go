package waggle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures the realtime connection manager.
type ConnConfig struct {
	// URL is the WebSocket endpoint. Token (when set) is appended as a query
	// parameter at dial time.
	URL   string
	Token string

	Dialer               Dialer
	ReconnectInterval    time.Duration // backoff base, default 1s
	MaxReconnectAttempts int           // default 5
	HeartbeatInterval    time.Duration // default 30s
	MessageTimeout       time.Duration // ack deadline, default 5s
	MaxRetries           int           // per-message retry budget, default 3
	Logger               *slog.Logger
}

const reconnectMaxDelay = 30 * time.Second

func (c *ConnConfig) defaults() {
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{}
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Meta and delivery event names dispatched locally (never sent on the wire).
const (
	EventConnection   = "connection"
	EventAcknowledged = "message_acknowledged"
	EventFailed       = "message_failed"
)

// eventAck is the inbound frame event that resolves a pending delivery.
const eventAck = "ack"

// ============================================================================
// Dispatcher
// ============================================================================

// Handler receives inbound frames and locally emitted events.
type Handler func(msg WebSocketMessage)

type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
	logger   *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{handlers: make(map[string]map[int]Handler), logger: logger}
}

// on registers a handler and returns its unsubscribe function.
func (d *dispatcher) on(event string, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]Handler)
	}
	d.handlers[event][id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[event], id)
	}
}

// dispatch delivers a frame under both "{namespace}:{event}" and the bare
// event name, so subscribers can listen narrowly or broadly. Handler panics
// are recovered and logged, never propagated.
func (d *dispatcher) dispatch(msg WebSocketMessage) {
	keys := []string{msg.Event}
	if msg.Namespace != "" {
		keys = append([]string{string(msg.Namespace) + ":" + msg.Event}, keys...)
	}

	d.mu.RLock()
	var handlers []Handler
	for _, key := range keys {
		for _, h := range d.handlers[key] {
			handlers = append(handlers, h)
		}
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.call(h, msg)
	}
}

func (d *dispatcher) call(h Handler, msg WebSocketMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("event handler panicked", "event", msg.Event, "panic", r)
		}
	}()
	h(msg)
}

// ============================================================================
// ConnManager
// ============================================================================

// ConnManager owns a single logical realtime connection: connect/reconnect
// with exponential backoff, heartbeat, outbound delivery tracking, and typed
// event dispatch. Construct one per application via NewConnManager or
// Client.Realtime; there is no package-level instance.
type ConnManager struct {
	cfg        ConnConfig
	dispatcher *dispatcher
	delivery   *deliveryController

	mu             sync.Mutex
	state          ConnState
	sock           Socket
	attempts       int
	intentional    bool
	cancelFn       context.CancelFunc
	reconnectTimer *time.Timer
}

// NewConnManager creates a disconnected connection manager.
func NewConnManager(cfg ConnConfig) *ConnManager {
	cfg.defaults()
	cm := &ConnManager{
		cfg:        cfg,
		state:      StateDisconnected,
		dispatcher: newDispatcher(cfg.Logger),
	}
	cm.delivery = newDeliveryController(cm, cfg.MessageTimeout, cfg.MaxRetries, cfg.Logger)
	return cm
}

// Realtime creates a connection manager wired to this client's endpoint and
// access token. Pass nil for defaults.
func (c *Client) Realtime(cfg *ConnConfig) *ConnManager {
	var conf ConnConfig
	if cfg != nil {
		conf = *cfg
	}
	if conf.URL == "" {
		conf.URL = c.RealtimeURL()
	}
	if conf.Logger == nil {
		conf.Logger = c.logger
	}
	return NewConnManager(conf)
}

// State returns the current connection state.
func (cm *ConnManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// On subscribes to an event — either a compound "{namespace}:{event}" key, a
// bare inbound event name, or one of the local events ("connection",
// "message_acknowledged", "message_failed"). The returned function
// unsubscribes.
func (cm *ConnManager) On(event string, h Handler) func() {
	return cm.dispatcher.on(event, h)
}

// Connect dials the endpoint. It is a no-op when already connecting or
// connected. A dial failure transitions to disconnected and schedules a
// reconnect like any other connection loss.
func (cm *ConnManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateConnected || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.intentional = false
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	cm.mu.Unlock()

	sock, err := cm.cfg.Dialer.Dial(ctx, cm.dialURL())
	if err != nil {
		cm.cfg.Logger.Debug("realtime dial failed", "error", err)
		cm.handleLoss("error", err.Error())
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	cm.mu.Lock()
	cm.sock = sock
	cm.state = StateConnected
	cm.attempts = 0
	cm.cancelFn = cancel
	cm.mu.Unlock()

	go cm.readLoop(connCtx, sock)
	go cm.heartbeatLoop(connCtx)

	cm.emitConnection(ConnectionStatus{Status: "connected"})
	cm.delivery.flush()
	return nil
}

func (cm *ConnManager) dialURL() string {
	if cm.cfg.Token != "" {
		sep := "?"
		for _, r := range cm.cfg.URL {
			if r == '?' {
				sep = "&"
				break
			}
		}
		return cm.cfg.URL + sep + "token=" + cm.cfg.Token
	}
	return cm.cfg.URL
}

// Disconnect closes the connection and cancels every timer: heartbeat,
// scheduled reconnect, and all pending acknowledgment timers. The outbound
// queue is dropped. Terminal until Connect is called again.
func (cm *ConnManager) Disconnect() error {
	cm.mu.Lock()
	cm.intentional = true
	if cm.cancelFn != nil {
		cm.cancelFn()
		cm.cancelFn = nil
	}
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	sock := cm.sock
	cm.sock = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.delivery.clear()

	var err error
	if sock != nil {
		err = sock.Close("client disconnect")
	}
	cm.emitConnection(ConnectionStatus{Status: "disconnected"})
	return err
}

// Send queues a message for delivery and returns its id synchronously. When
// not connected the message waits for the next successful flush.
func (cm *ConnManager) Send(ns Namespace, event string, data any) string {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		} else {
			cm.cfg.Logger.Warn("unencodable message payload dropped", "event", event, "error", err)
		}
	}
	msg := WebSocketMessage{
		ID:            uuid.NewString(),
		Namespace:     ns,
		Event:         event,
		Data:          raw,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: uuid.NewString(),
	}
	cm.delivery.dispatch(QueuedMessage{
		WebSocketMessage: msg,
		MaxRetries:       cm.cfg.MaxRetries,
	})
	return msg.ID
}

// ============================================================================
// Internal loops
// ============================================================================

func (cm *ConnManager) readLoop(ctx context.Context, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			cm.mu.Lock()
			intentional := cm.intentional
			stale := cm.sock != sock
			cm.mu.Unlock()
			if intentional || stale {
				return
			}
			cm.mu.Lock()
			cm.sock = nil
			if cm.cancelFn != nil {
				cm.cancelFn()
				cm.cancelFn = nil
			}
			cm.mu.Unlock()
			cm.handleLoss("disconnected", err.Error())
			return
		}

		var msg WebSocketMessage
		if json.Unmarshal(data, &msg) != nil {
			cm.cfg.Logger.Debug("dropping malformed frame")
			continue
		}

		if msg.Event == eventAck {
			cm.delivery.ack(msg.CorrelationID)
		}
		cm.dispatcher.dispatch(msg)
	}
}

func (cm *ConnManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.mu.Lock()
			sock := cm.sock
			connected := cm.state == StateConnected
			cm.mu.Unlock()
			if !connected || sock == nil {
				return
			}
			beat := WebSocketMessage{
				ID:            uuid.NewString(),
				Namespace:     NamespacePresence,
				Event:         "heartbeat",
				Timestamp:     time.Now().UnixMilli(),
				CorrelationID: uuid.NewString(),
			}
			data, _ := json.Marshal(beat)
			if err := sock.Write(ctx, data); err != nil {
				cm.cfg.Logger.Debug("heartbeat write failed", "error", err)
			}
		}
	}
}

// handleLoss transitions to disconnected, reports the loss, and schedules a
// reconnect unless the attempt budget is exhausted.
func (cm *ConnManager) handleLoss(status, reason string) {
	cm.mu.Lock()
	if cm.intentional {
		cm.mu.Unlock()
		return
	}
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.emitConnection(ConnectionStatus{Status: status, Reason: reason})
	cm.scheduleReconnect()
}

// scheduleReconnect arms the next reconnect timer with
// delay = min(interval × 2^(attempt-1), 30s). The attempt counter is
// incremented before scheduling; once it would exceed the budget a terminal
// "failed" status is emitted instead and no further timers are armed.
func (cm *ConnManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.intentional {
		cm.mu.Unlock()
		return
	}
	if cm.attempts >= cm.cfg.MaxReconnectAttempts {
		attempts := cm.attempts
		cm.mu.Unlock()
		cm.cfg.Logger.Warn("reconnect attempts exhausted", "attempts", attempts)
		cm.emitConnection(ConnectionStatus{Status: "failed", Attempts: attempts})
		return
	}
	cm.attempts++
	delay := cm.cfg.ReconnectInterval << uint(cm.attempts-1)
	if delay > reconnectMaxDelay || delay <= 0 {
		delay = reconnectMaxDelay
	}
	cm.state = StateReconnecting
	attempt := cm.attempts
	cm.reconnectTimer = time.AfterFunc(delay, func() {
		cm.mu.Lock()
		cm.reconnectTimer = nil
		if cm.state != StateReconnecting {
			// A manual Connect or Disconnect won the race.
			cm.mu.Unlock()
			return
		}
		cm.state = StateDisconnected
		cm.mu.Unlock()
		if err := cm.Connect(context.Background()); err != nil {
			cm.cfg.Logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
		}
	})
	cm.mu.Unlock()
	cm.cfg.Logger.Debug("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// emitConnection dispatches a local "connection" event.
func (cm *ConnManager) emitConnection(status ConnectionStatus) {
	data, _ := json.Marshal(status)
	cm.dispatcher.dispatch(WebSocketMessage{
		ID:        uuid.NewString(),
		Event:     EventConnection,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// currentSocket returns the live socket, or nil when not connected.
func (cm *ConnManager) currentSocket() (Socket, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.sock, cm.state == StateConnected && cm.sock != nil
}
