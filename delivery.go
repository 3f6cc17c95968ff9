package waggle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// deliveryController guarantees outbound messages are either
// delivered-and-acknowledged, retried, or explicitly reported as failed —
// never silently dropped. One instance per ConnManager.
type deliveryController struct {
	cm      *ConnManager
	timeout time.Duration
	retries int
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []QueuedMessage
	pending map[string]*pendingDelivery // one entry per in-flight message id
}

type pendingDelivery struct {
	msg   QueuedMessage
	timer *time.Timer
}

func newDeliveryController(cm *ConnManager, timeout time.Duration, retries int, logger *slog.Logger) *deliveryController {
	return &deliveryController{
		cm:      cm,
		timeout: timeout,
		retries: retries,
		logger:  logger,
		pending: make(map[string]*pendingDelivery),
	}
}

// dispatch transmits the message when connected, otherwise queues it for the
// next flush.
func (d *deliveryController) dispatch(msg QueuedMessage) {
	sock, connected := d.cm.currentSocket()
	if !connected {
		d.enqueue(msg)
		return
	}
	d.transmit(sock, msg)
}

func (d *deliveryController) enqueue(msg QueuedMessage) {
	d.mu.Lock()
	d.queue = append(d.queue, msg)
	d.mu.Unlock()
}

func (d *deliveryController) transmit(sock Socket, msg QueuedMessage) {
	data, err := json.Marshal(msg.WebSocketMessage)
	if err != nil {
		d.logger.Warn("unencodable outbound frame dropped", "event", msg.Event, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	err = sock.Write(ctx, data)
	cancel()
	if err != nil {
		d.logger.Debug("write failed", "event", msg.Event, "error", err)
		d.fail(msg, err.Error())
		return
	}

	// Without a live remote peer there is nothing to confirm against, so a
	// successful local transmission is acknowledged immediately.
	if _, simulated := sock.(*nopSocket); simulated {
		d.emitAck(msg)
		return
	}

	d.mu.Lock()
	if prev, ok := d.pending[msg.ID]; ok {
		prev.timer.Stop()
	}
	entry := &pendingDelivery{msg: msg}
	entry.timer = time.AfterFunc(d.timeout, func() { d.onTimeout(msg.ID) })
	d.pending[msg.ID] = entry
	d.mu.Unlock()
}

// ack resolves an in-flight delivery, cancelling its timer.
func (d *deliveryController) ack(messageID string) {
	d.mu.Lock()
	entry, ok := d.pending[messageID]
	if ok {
		entry.timer.Stop()
		delete(d.pending, messageID)
	}
	d.mu.Unlock()
	if ok {
		d.emitAck(entry.msg)
	}
}

// onTimeout treats a missed acknowledgment as a failed send.
func (d *deliveryController) onTimeout(messageID string) {
	d.mu.Lock()
	entry, ok := d.pending[messageID]
	if ok {
		delete(d.pending, messageID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.fail(entry.msg, "acknowledgment timeout")
}

// fail re-enqueues below the retry budget, otherwise reports the message as
// permanently failed and drops it.
func (d *deliveryController) fail(msg QueuedMessage, reason string) {
	if msg.Retries < msg.MaxRetries {
		msg.Retries++
		d.logger.Debug("message requeued", "event", msg.Event, "retries", msg.Retries)
		d.enqueue(msg)
		return
	}
	d.logger.Warn("message delivery failed", "event", msg.Event, "messageId", msg.ID, "reason", reason)
	d.emitReceipt(EventFailed, msg, reason)
}

// flush drains the queue and re-dispatches every entry. No-op unless
// connected and the queue is non-empty.
func (d *deliveryController) flush() {
	sock, connected := d.cm.currentSocket()
	if !connected {
		return
	}
	d.mu.Lock()
	drained := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, msg := range drained {
		d.transmit(sock, msg)
	}
}

// clear cancels every pending acknowledgment timer and drops the queue.
// Called on Disconnect.
func (d *deliveryController) clear() {
	d.mu.Lock()
	for id, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, id)
	}
	d.queue = nil
	d.mu.Unlock()
}

func (d *deliveryController) emitAck(msg QueuedMessage) {
	d.emitReceipt(EventAcknowledged, msg, "")
}

func (d *deliveryController) emitReceipt(event string, msg QueuedMessage, reason string) {
	data, _ := json.Marshal(DeliveryReceipt{MessageID: msg.ID, Event: msg.Event, Error: reason})
	d.cm.dispatcher.dispatch(WebSocketMessage{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}
