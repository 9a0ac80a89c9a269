// ABOUTME: WebSocket inlet subscribing to one marker outlet
// ABOUTME: Handles the hello handshake, marker routing and bus clock synchronization
package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/childmindresearch/MoBI-AV/internal/protocol"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
)

// Config holds inlet configuration
type Config struct {
	// URL of the outlet, e.g. ws://host:8937/markers/AudioMarkers
	URL      string
	ClientID string
	Name     string
}

// Client is a connected inlet
type Client struct {
	config Config
	conn   *websocket.Conn
	mu     sync.RWMutex
	wmu    sync.Mutex

	// Message channels; Markers is closed when the connection ends
	Markers      chan protocol.Marker
	TimeSyncResp chan protocol.ServerTime

	info protocol.StreamInfo

	// State
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates an inlet; it does not connect until Connect
func NewClient(config Config) *Client {
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.Name == "" {
		config.Name = "mobi-listen"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:       config,
		Markers:      make(chan protocol.Marker, 100),
		TimeSyncResp: make(chan protocol.ServerTime, 10),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Connect dials the outlet and performs the handshake
func (c *Client) Connect() error {
	log.Printf("Connecting to %s", c.config.URL)

	conn, _, err := websocket.DefaultDialer.Dial(c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()

	return nil
}

// handshake sends client/hello and waits for the stream header
func (c *Client) handshake() error {
	hello := protocol.ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  protocol.Version,
	}

	if err := c.sendJSON(protocol.Message{Type: protocol.TypeClientHello, Payload: hello}); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	if env.Type != protocol.TypeServerHello {
		return fmt.Errorf("expected server/hello, got %s", env.Type)
	}

	var serverHello protocol.ServerHello
	if err := env.DecodePayload(&serverHello); err != nil {
		return err
	}
	if serverHello.Version != protocol.Version {
		return fmt.Errorf("unsupported protocol version %d", serverHello.Version)
	}

	c.mu.Lock()
	c.info = serverHello.Stream
	c.mu.Unlock()

	log.Printf("Subscribed to %s on %s (source: %s)", serverHello.Stream.Name, serverHello.Name, serverHello.Stream.SourceID)
	return nil
}

// Info returns the stream header received in the handshake
func (c *Client) Info() protocol.StreamInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// sendJSON sends a JSON message
func (c *Client) sendJSON(msg protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(msg)
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer close(c.Markers)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Read error: %v", err)
			}
			return
		}

		c.handleJSONMessage(data)
	}
}

// handleJSONMessage routes JSON messages
func (c *Client) handleJSONMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("Failed to parse JSON message: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeMarker:
		var m protocol.Marker
		if err := env.DecodePayload(&m); err != nil {
			log.Printf("Bad marker: %v", err)
			return
		}
		select {
		case c.Markers <- m:
		case <-c.ctx.Done():
		}

	case protocol.TypeServerTime:
		var timeMsg protocol.ServerTime
		if err := env.DecodePayload(&timeMsg); err != nil {
			log.Printf("Bad time response: %v", err)
			return
		}
		select {
		case c.TimeSyncResp <- timeMsg:
		default:
			log.Printf("Dropping unrequested time response")
		}

	default:
		log.Printf("Unknown message type: %s", env.Type)
	}
}

// SendTimeSync sends a client/time message
func (c *Client) SendTimeSync(t1 int64) error {
	return c.sendJSON(protocol.Message{
		Type:    protocol.TypeClientTime,
		Payload: protocol.ClientTime{ClientTransmitted: t1},
	})
}

// SyncOnce performs one four-timestamp exchange and folds it into cs
func (c *Client) SyncOnce(ctx context.Context, cs *internalsync.ClockSync) error {
	t1 := time.Now().UnixMicro()
	if err := c.SendTimeSync(t1); err != nil {
		return err
	}

	for {
		select {
		case resp := <-c.TimeSyncResp:
			if resp.ClientTransmitted != t1 {
				// a late answer to an earlier request
				continue
			}
			t4 := time.Now().UnixMicro()
			cs.ProcessSyncResponse(t1, resp.ServerReceived, resp.ServerTransmitted, t4)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return fmt.Errorf("connection closed")
		}
	}
}

// RunClockSync exchanges time with the bus every interval until ctx ends or
// the connection closes
func (c *Client) RunClockSync(ctx context.Context, cs *internalsync.ClockSync, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		reqCtx, cancel := context.WithTimeout(ctx, interval)
		err := c.SyncOnce(reqCtx, cs)
		cancel()
		if err != nil && c.ctx.Err() == nil && ctx.Err() == nil {
			log.Printf("Clock sync failed: %v", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		log.Printf("Connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
