package waggle

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// Socket factory
// ============================================================================

// Socket is a single logical realtime connection. Implementations must be
// safe for one concurrent reader and one concurrent writer.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens sockets. It is injected into the ConnManager so the connection
// logic runs unchanged under any runtime, including test fakes and the
// socketless degraded mode.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials real WebSocket connections.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &websocketSocket{conn: conn}, nil
}

type websocketSocket struct {
	conn *websocket.Conn
}

func (s *websocketSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *websocketSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *websocketSocket) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Nop dialer (degraded mode)
// ============================================================================

// NopDialer simulates an always-connected transport for environments without
// realtime socket support. Writes succeed and are locally acknowledged by the
// delivery controller; reads block until the socket is closed.
type NopDialer struct{}

func (NopDialer) Dial(ctx context.Context, url string) (Socket, error) {
	return &nopSocket{closed: make(chan struct{})}, nil
}

type nopSocket struct {
	once   sync.Once
	closed chan struct{}
}

func (s *nopSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, context.Canceled
	}
}

func (s *nopSocket) Write(ctx context.Context, data []byte) error { return nil }

func (s *nopSocket) Close(reason string) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// ============================================================================
// Connectivity signal
// ============================================================================

// ConnectivitySignal reports whether the environment believes it is online
// and notifies subscribers on changes. It replaces the browser's
// navigator.onLine / online events.
type ConnectivitySignal interface {
	Online() bool
	// Subscribe returns a channel receiving each state change and a cancel
	// function that releases the subscription.
	Subscribe() (<-chan bool, func())
}

// ManualConnectivity is a settable ConnectivitySignal, driven by whatever
// network probe the host application has.
type ManualConnectivity struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewManualConnectivity creates a signal in the given initial state.
func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online, subs: make(map[int]chan bool)}
}

func (c *ManualConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline updates the state and notifies subscribers on change.
func (c *ManualConnectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]chan bool, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		// Drop the notification if the subscriber is not draining.
		select {
		case ch <- online:
		default:
		}
	}
}

func (c *ManualConnectivity) Subscribe() (<-chan bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	ch := make(chan bool, 8)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}
