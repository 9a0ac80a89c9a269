// ABOUTME: WebSocket marker bus serving one endpoint per outlet
// ABOUTME: Fans markers out to subscribers and answers time-sync requests on the bus clock
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/childmindresearch/MoBI-AV/internal/discovery"
	"github.com/childmindresearch/MoBI-AV/internal/marker"
	"github.com/childmindresearch/MoBI-AV/internal/protocol"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
)

const (
	// DefaultPort is the marker bus listen port
	DefaultPort = 8937

	// DefaultSendBuffer is how many messages a subscriber may lag behind
	DefaultSendBuffer = 256

	helloTimeout  = 10 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// ErrBusClosed is returned by outlets after the bus shut down
var ErrBusClosed = errors.New("marker bus closed")

// Config configures a marker bus
type Config struct {
	// Addr to listen on (default: ":8937")
	Addr string

	// Name of the bus for identification
	Name string

	// Hostname stamped into stream headers (default: os.Hostname)
	Hostname string

	// EnableMDNS advertises each outlet via mDNS
	EnableMDNS bool

	// Clock is the bus clock used for time sync
	Clock internalsync.Clock

	// SendBuffer is the per-subscriber queue length
	SendBuffer int
}

// Server is a marker bus
type Server struct {
	config   Config
	serverID string

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu      sync.RWMutex
	outlets map[string]*Outlet
	closed  bool

	mdnsManager *discovery.Manager

	wg sync.WaitGroup
}

// NewServer creates a marker bus; it does not listen until Listen
func NewServer(config Config) (*Server, error) {
	if config.Clock == nil {
		return nil, fmt.Errorf("bus clock is required")
	}
	if config.Addr == "" {
		config.Addr = ":" + strconv.Itoa(DefaultPort)
	}
	if config.Name == "" {
		config.Name = "MoBI-AV"
	}
	if config.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			config.Hostname = h
		}
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultSendBuffer
	}

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// lab network consumers connect from arbitrary origins
				return true
			},
		},
		outlets: make(map[string]*Outlet),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /markers/{stream}", s.handleWebSocket)
	s.httpServer = &http.Server{Handler: mux}

	return s, nil
}

// Listen binds the listen address and serves in the background
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("marker bus listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			Port:     ln.Addr().(*net.TCPAddr).Port,
			Hostname: s.config.Hostname,
		})
	}

	log.Printf("Marker bus listening on %s (ID: %s)", ln.Addr(), s.serverID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Marker bus server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Outlet creates or returns the outlet for a stream. Creation is idempotent
// per stream name; later calls return the existing outlet unchanged.
func (s *Server) Outlet(info protocol.StreamInfo) (marker.Outlet, error) {
	if info.Name == "" {
		return nil, fmt.Errorf("stream name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrBusClosed
	}
	if o, ok := s.outlets[info.Name]; ok {
		return o, nil
	}

	if info.Hostname == "" {
		info.Hostname = s.config.Hostname
	}
	o := &Outlet{
		server:      s,
		info:        info,
		subscribers: make(map[string]*subscriber),
	}
	s.outlets[info.Name] = o

	log.Printf("Created outlet %s (type: %s, source: %s)", info.Name, info.Type, info.SourceID)

	if s.mdnsManager != nil {
		if err := s.mdnsManager.Advertise(info); err != nil {
			log.Printf("Failed to advertise outlet %s: %v", info.Name, err)
		}
	}

	return o, nil
}

// Subscribers returns how many inlets are subscribed to a stream
func (s *Server) Subscribers(stream string) int {
	s.mu.RLock()
	o, ok := s.outlets[stream]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subscribers)
}

// Close withdraws advertisements, drains subscriber queues and stops serving
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	outlets := make([]*Outlet, 0, len(s.outlets))
	for _, o := range s.outlets {
		outlets = append(outlets, o)
	}
	s.mu.Unlock()

	log.Printf("Marker bus shutting down...")

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	for _, o := range outlets {
		o.closeSubscribers()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if s.listener != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("Marker bus shutdown error: %v", err)
		}
	}

	s.wg.Wait()
	log.Printf("Marker bus stopped cleanly")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// handleWebSocket subscribes one inlet to one outlet
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("stream")

	s.mu.RLock()
	o, ok := s.outlets[name]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		http.Error(w, "marker bus closed", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("no stream %q", name), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New subscriber connection to %s from %s", name, r.RemoteAddr)
	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(o, conn)
}

// handleConnection performs the hello exchange, then serves time requests
// until the inlet disconnects
func (s *Server) handleConnection(o *Outlet, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("Error reading hello: %v", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("Error decoding hello: %v", err)
		return
	}
	if env.Type != protocol.TypeClientHello {
		log.Printf("Expected %s, got %s", protocol.TypeClientHello, env.Type)
		return
	}

	var hello protocol.ClientHello
	if err := env.DecodePayload(&hello); err != nil {
		log.Printf("Error decoding client hello: %v", err)
		return
	}
	if hello.ClientID == "" {
		log.Printf("Client hello missing client_id")
		return
	}
	if hello.Name == "" {
		hello.Name = hello.ClientID
	}

	sub := &subscriber{
		id:       hello.ClientID,
		name:     hello.Name,
		conn:     conn,
		sendChan: make(chan protocol.Message, s.config.SendBuffer),
	}

	// hello is queued before registration so it precedes every marker
	sub.send(protocol.Message{
		Type: protocol.TypeServerHello,
		Payload: protocol.ServerHello{
			ServerID: s.serverID,
			Name:     s.config.Name,
			Version:  protocol.Version,
			Stream:   o.info,
		},
	})

	if err := o.add(sub); err != nil {
		log.Printf("Rejecting %s: %v", hello.Name, err)
		return
	}
	defer func() {
		o.remove(sub)
		log.Printf("Subscriber %s left %s", sub.name, o.info.Name)
	}()

	log.Printf("Subscriber %s (ID: %s) joined %s", sub.name, sub.id, o.info.Name)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sub.writer()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		received := internalsync.Micros(s.config.Clock)

		s.handleClientMessage(sub, data, received)
	}
}

// handleClientMessage processes messages from inlets
func (s *Server) handleClientMessage(sub *subscriber, data []byte, received int64) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("Error decoding message from %s: %v", sub.name, err)
		return
	}

	switch env.Type {
	case protocol.TypeClientTime:
		var req protocol.ClientTime
		if err := env.DecodePayload(&req); err != nil {
			log.Printf("Bad time request from %s: %v", sub.name, err)
			return
		}
		sub.send(protocol.Message{
			Type: protocol.TypeServerTime,
			Payload: protocol.ServerTime{
				ClientTransmitted: req.ClientTransmitted,
				ServerReceived:    received,
				ServerTransmitted: internalsync.Micros(s.config.Clock),
			},
		})
	default:
		log.Printf("Unknown message type from %s: %s", sub.name, env.Type)
	}
}

// Outlet is one named marker stream on the bus
type Outlet struct {
	server *Server
	info   protocol.StreamInfo

	mu          sync.RWMutex
	subscribers map[string]*subscriber
}

// Info returns the outlet's stream header
func (o *Outlet) Info() protocol.StreamInfo {
	return o.info
}

// Push queues a marker for every current subscriber. Pushing with no
// subscribers succeeds. A subscriber whose queue is full is disconnected.
func (o *Outlet) Push(m protocol.Marker) error {
	if o.server.isClosed() {
		return ErrBusClosed
	}

	msg := protocol.Message{Type: protocol.TypeMarker, Payload: m}

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, sub := range o.subscribers {
		if !sub.send(msg) {
			log.Printf("Subscriber %s on %s fell behind; disconnecting", sub.name, o.info.Name)
			delete(o.subscribers, id)
			sub.close()
		}
	}
	return nil
}

func (o *Outlet) add(sub *subscriber) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.server.isClosed() {
		return ErrBusClosed
	}
	if _, exists := o.subscribers[sub.id]; exists {
		return fmt.Errorf("client ID %s already subscribed", sub.id)
	}
	o.subscribers[sub.id] = sub
	return nil
}

func (o *Outlet) remove(sub *subscriber) {
	o.mu.Lock()
	if cur, ok := o.subscribers[sub.id]; ok && cur == sub {
		delete(o.subscribers, sub.id)
	}
	o.mu.Unlock()
	sub.close()
}

func (o *Outlet) closeSubscribers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, sub := range o.subscribers {
		delete(o.subscribers, id)
		sub.close()
	}
}

// subscriber is one connected inlet
type subscriber struct {
	id   string
	name string
	conn *websocket.Conn

	mu       sync.Mutex
	closed   bool
	sendChan chan protocol.Message
}

// send queues a message without blocking; false means the queue is full or closed
func (s *subscriber) send(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.sendChan <- msg:
		return true
	default:
		return false
	}
}

// close ends the queue; the writer flushes what is left and hangs up
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.sendChan)
	}
}

// writer sends queued messages to the inlet
func (s *subscriber) writer() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case msg, ok := <-s.sendChan:
			if !ok {
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}

			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteJSON(msg); err != nil {
				log.Printf("Write to %s failed: %v", s.name, err)
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}
