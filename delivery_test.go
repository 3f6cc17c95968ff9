package waggle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// watchReceipts records acknowledgment and failure receipts.
func watchReceipts(t *testing.T, cm *ConnManager) (acked, failed chan DeliveryReceipt) {
	t.Helper()
	acked = make(chan DeliveryReceipt, 8)
	failed = make(chan DeliveryReceipt, 8)
	decode := func(msg WebSocketMessage) DeliveryReceipt {
		var receipt DeliveryReceipt
		assert.NoError(t, json.Unmarshal(msg.Data, &receipt))
		return receipt
	}
	cm.On(EventAcknowledged, func(msg WebSocketMessage) { acked <- decode(msg) })
	cm.On(EventFailed, func(msg WebSocketMessage) { failed <- decode(msg) })
	return acked, failed
}

func TestSendDeliveredAndAcknowledged(t *testing.T) {
	dialer := &fakeDialer{}
	cm := newTestConn(dialer, nil)
	statuses := watchConnection(t, cm)
	acked, failed := watchReceipts(t, cm)

	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()
	waitStatus(t, statuses, "connected")

	id := cm.Send(NamespaceChat, "message", map[string]string{"content": "fetch?"})

	sock := dialer.lastSocket()
	var outbound WebSocketMessage
	require.Eventually(t, func() bool {
		for _, frame := range sock.sentFrames() {
			if frame.ID == id {
				outbound = frame
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "message never written to socket")
	assert.Equal(t, NamespaceChat, outbound.Namespace)
	assert.Equal(t, "message", outbound.Event)

	// The server acknowledges by echoing the message id as correlation id.
	sock.push(t, WebSocketMessage{ID: "srv-1", Event: "ack", CorrelationID: id})

	select {
	case receipt := <-acked:
		assert.Equal(t, id, receipt.MessageID)
	case <-time.After(time.Second):
		t.Fatal("acknowledgment not emitted")
	}
	select {
	case <-failed:
		t.Fatal("acknowledged message must not fail")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAckTimeoutRetriesThenFails(t *testing.T) {
	dialer := &fakeDialer{}
	cm := newTestConn(dialer, func(cfg *ConnConfig) {
		cfg.MessageTimeout = 30 * time.Millisecond
		cfg.MaxRetries = 1
	})
	statuses := watchConnection(t, cm)
	acked, failed := watchReceipts(t, cm)

	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()
	waitStatus(t, statuses, "connected")

	id := cm.Send(NamespaceChat, "message", map[string]string{"content": "anyone?"})
	sock := dialer.lastSocket()

	// First transmission times out and the message returns to the queue.
	require.Eventually(t, func() bool {
		cm.delivery.mu.Lock()
		defer cm.delivery.mu.Unlock()
		return len(cm.delivery.queue) == 1 && cm.delivery.queue[0].Retries == 1
	}, time.Second, 5*time.Millisecond, "timed-out message not requeued")

	// Redelivery exhausts the budget: exactly one failure receipt.
	cm.delivery.flush()

	select {
	case receipt := <-failed:
		assert.Equal(t, id, receipt.MessageID)
		assert.NotEmpty(t, receipt.Error)
	case <-time.After(time.Second):
		t.Fatal("failure receipt not emitted")
	}
	select {
	case <-failed:
		t.Fatal("message failed more than once")
	case <-acked:
		t.Fatal("failed message must not be acknowledged")
	case <-time.After(100 * time.Millisecond):
	}

	// The exhausted message is gone: a later flush rewrites nothing.
	writes := len(sock.sentFrames())
	cm.delivery.flush()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, writes, len(sock.sentFrames()))
}

func TestSendWhileDisconnectedFlushesOnConnect(t *testing.T) {
	dialer := &fakeDialer{}
	cm := newTestConn(dialer, nil)
	statuses := watchConnection(t, cm)

	id := cm.Send(NamespaceChat, "message", map[string]string{"content": "later"})
	require.NotEmpty(t, id)
	assert.Equal(t, 0, dialer.dialCount())

	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()
	waitStatus(t, statuses, "connected")

	sock := dialer.lastSocket()
	require.Eventually(t, func() bool {
		for _, frame := range sock.sentFrames() {
			if frame.ID == id {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "queued message not flushed on connect")
}

func TestWriteFailureConsumesRetry(t *testing.T) {
	dialer := &fakeDialer{}
	cm := newTestConn(dialer, nil)
	statuses := watchConnection(t, cm)

	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()
	waitStatus(t, statuses, "connected")

	sock := dialer.lastSocket()
	sock.mu.Lock()
	sock.writeErr = errors.New("broken pipe")
	sock.mu.Unlock()

	cm.Send(NamespaceChat, "message", map[string]string{"content": "oops"})

	require.Eventually(t, func() bool {
		cm.delivery.mu.Lock()
		defer cm.delivery.mu.Unlock()
		return len(cm.delivery.queue) == 1 && cm.delivery.queue[0].Retries == 1
	}, time.Second, 5*time.Millisecond, "write failure did not requeue the message")
}

func TestDisconnectClearsOutboundState(t *testing.T) {
	dialer := &fakeDialer{}
	cm := newTestConn(dialer, func(cfg *ConnConfig) {
		cfg.MessageTimeout = time.Hour // ack timers must be cancelled, not fired
	})
	statuses := watchConnection(t, cm)
	_, failed := watchReceipts(t, cm)

	require.NoError(t, cm.Connect(context.Background()))
	waitStatus(t, statuses, "connected")

	inflight := cm.Send(NamespaceChat, "message", map[string]string{"content": "in flight"})
	sock := dialer.lastSocket()
	require.Eventually(t, func() bool {
		return len(sock.sentFrames()) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, cm.Disconnect())

	cm.delivery.mu.Lock()
	pending := len(cm.delivery.pending)
	queued := len(cm.delivery.queue)
	cm.delivery.mu.Unlock()
	assert.Zero(t, pending, "pending ack timers must be cleared")
	assert.Zero(t, queued, "outbound queue must be dropped")

	// The dropped in-flight message neither fails nor resurfaces.
	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()
	waitStatus(t, statuses, "connected")
	select {
	case receipt := <-failed:
		t.Fatalf("unexpected failure receipt for %s", receipt.MessageID)
	case <-time.After(100 * time.Millisecond):
	}
	for _, frame := range dialer.lastSocket().sentFrames() {
		assert.NotEqual(t, inflight, frame.ID, "cleared message must not be retransmitted")
	}
}
