package issuerelay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type linkState int32

const (
	linkDisconnected linkState = iota
	linkConnecting
	linkConnected
)

// EventHandler receives one inbound event at a time, in the order the
// transport delivered them.
type EventHandler func(ctx context.Context, event InboundEvent)

type ingressConn interface {
	ReadEvent(ctx context.Context) (InboundEvent, error)
	Close() error
}

type DialFunc func(ctx context.Context, endpoint, token string) (ingressConn, error)

type IngressOptions struct {
	Endpoint string
	Token    string
	Backoff  BackoffPolicy
	// Dial overrides the websocket dialer; tests inject scripted
	// connections here.
	Dial DialFunc
	Logf func(format string, args ...any)
}

// IngressClient maintains the single persistent connection to the event
// source. The link moves through an explicit disconnected -> connecting ->
// connected state machine; after the first successful handshake the client
// reconnects with capped exponential backoff until Disconnect.
type IngressClient struct {
	endpoint string
	token    string
	handler  EventHandler
	backoff  BackoffPolicy
	dial     DialFunc
	logf     func(format string, args ...any)

	state atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewIngressClient(opts IngressOptions, handler EventHandler) *IngressClient {
	dial := opts.Dial
	if dial == nil {
		dial = dialWebsocket
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	backoff := opts.Backoff
	if backoff.InitialDelay <= 0 && backoff.MaxDelay <= 0 {
		backoff = DefaultBackoffPolicy()
	}
	return &IngressClient{
		endpoint: opts.Endpoint,
		token:    opts.Token,
		handler:  handler,
		backoff:  backoff,
		dial:     dial,
		logf:     logf,
	}
}

// Connect performs the initial handshake and starts the delivery loop. A
// rejected handshake fails with ErrConnection; transport-level drops after
// that are retried indefinitely in the background.
func (c *IngressClient) Connect(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("%w: no event handler registered", ErrInvalidInput)
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("%w: client is disconnected", ErrInvalidState)
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: already connected", ErrInvalidState)
	}
	c.started = true
	c.mu.Unlock()

	c.state.Store(int32(linkConnecting))
	conn, err := c.dial(ctx, c.endpoint, c.token)
	if err != nil {
		c.state.Store(int32(linkDisconnected))
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.state.Store(int32(linkConnected))

	// The delivery loop outlives the Connect call; it is bounded by the
	// client's own lifetime, not the caller's dial context.
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		c.state.Store(int32(linkDisconnected))
		return fmt.Errorf("%w: client is disconnected", ErrInvalidState)
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, conn, done)
	return nil
}

// IsConnected reports the current link state for observability.
func (c *IngressClient) IsConnected() bool {
	return linkState(c.state.Load()) == linkConnected
}

// Disconnect releases the connection and suppresses further reconnect
// attempts. Safe to call even if the client never connected, and safe to
// call more than once.
func (c *IngressClient) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.state.Store(int32(linkDisconnected))
}

func (c *IngressClient) run(ctx context.Context, conn ingressConn, done chan struct{}) {
	defer close(done)
	for {
		c.readLoop(ctx, conn)
		c.state.Store(int32(linkDisconnected))
		if ctx.Err() != nil {
			return
		}
		c.logf("ingress: connection lost, reconnecting")
		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (c *IngressClient) readLoop(ctx context.Context, conn ingressConn) {
	defer func() { _ = conn.Close() }()
	for {
		event, err := conn.ReadEvent(ctx)
		if err != nil {
			return
		}
		c.handler(ctx, event)
	}
}

// reconnect retries until the dial succeeds or the client is stopped. The
// delay schedule comes from the backoff policy; failures only degrade
// delivery, they never crash the caller.
func (c *IngressClient) reconnect(ctx context.Context) ingressConn {
	c.state.Store(int32(linkConnecting))
	for attempt := 0; ; attempt++ {
		conn, err := c.dial(ctx, c.endpoint, c.token)
		if err == nil {
			c.state.Store(int32(linkConnected))
			c.logf("ingress: reconnected after %d attempt(s)", attempt+1)
			return conn
		}
		if ctx.Err() != nil {
			c.state.Store(int32(linkDisconnected))
			return nil
		}
		delay := c.backoff.Delay(attempt)
		c.logf("ingress: reconnect attempt %d failed (retrying in %s): %v", attempt+1, delay, err)
		if sleepContext(ctx, delay) != nil {
			c.state.Store(int32(linkDisconnected))
			return nil
		}
	}
}

type wsIngressConn struct {
	conn *websocket.Conn
}

func dialWebsocket(ctx context.Context, endpoint, token string) (ingressConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &wsIngressConn{conn: conn}, nil
}

func (c *wsIngressConn) ReadEvent(ctx context.Context) (InboundEvent, error) {
	var event InboundEvent
	if err := wsjson.Read(ctx, c.conn, &event); err != nil {
		return InboundEvent{}, err
	}
	return event, nil
}

func (c *wsIngressConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "disconnect")
}
