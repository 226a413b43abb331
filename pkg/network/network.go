// Package network provides the websocket transport for the game endpoint
// and the static client assets that share its listener. The transport runs
// on its own goroutines and hands events to the simulation thread through
// a single queue; outbound sends are non-blocking handoffs into per
// connection buffers.
package network

import (
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ConnectionID identifies one websocket connection.
type ConnectionID uint64

// EventType discriminates transport events.
type EventType int

const (
	// EventConnected fires once a websocket upgrade completes.
	EventConnected EventType = iota
	// EventDisconnected fires when the read path observes the close.
	EventDisconnected
	// EventMessage carries one inbound text frame.
	EventMessage
)

// Event is delivered to the simulation thread in transport-arrival order.
type Event struct {
	Type EventType
	Conn ConnectionID
	Data []byte
}

// Options tunes the transport.
type Options struct {
	// ClientDir is the directory static client assets are served from.
	ClientDir string
	// MessageRate is the sustained inbound message rate allowed per
	// connection, in messages per second. Zero disables limiting.
	MessageRate float64
	// MessageBurst is the burst allowance on top of MessageRate.
	MessageBurst int
	// SendBuffer is the outbound queue depth per connection.
	SendBuffer int
	// EventBuffer is the depth of the transport to core event queue.
	EventBuffer int
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.SendBuffer == 0 {
		out.SendBuffer = 64
	}
	if out.EventBuffer == 0 {
		out.EventBuffer = 1024
	}
	return out
}

type connection struct {
	id      ConnectionID
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	once    sync.Once
}

// Server accepts websocket connections and serves client assets.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	listener net.Listener
	events   chan Event

	mu     sync.Mutex
	conns  map[ConnectionID]*connection
	nextID ConnectionID
}

// staticRoutes maps request paths to files under ClientDir.
var staticRoutes = map[string]string{
	"/":              "index.html",
	"/bundle.js":     "bundle.js",
	"/bundle.js.map": "bundle.js.map",
	"/style.css":     "style.css",
}

// Listen binds the endpoint and starts serving. Bind failures are reported
// synchronously; everything after that happens on transport goroutines.
func Listen(addr string, opts *Options) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s := &Server{
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		listener: listener,
		conns:    make(map[ConnectionID]*connection),
	}
	s.events = make(chan Event, s.opts.EventBuffer)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleGame)
	mux.HandleFunc("/", s.handleStatic)

	go func() {
		if err := http.Serve(listener, mux); err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": "network",
			}).WithError(err).Error("http server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"system_name": "network",
		"addr":        listener.Addr().String(),
	}).Info("listening")

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name, ok := staticRoutes[r.URL.Path]
	if !ok || s.opts.ClientDir == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.opts.ClientDir, name))
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"system_name": "network",
		}).WithError(err).Error("websocket upgrade failed")
		return
	}

	conn := &connection{
		ws:   ws,
		send: make(chan []byte, s.opts.SendBuffer),
	}
	if s.opts.MessageRate > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(s.opts.MessageRate), s.opts.MessageBurst)
	}

	s.mu.Lock()
	conn.id = s.nextID
	s.nextID++
	s.conns[conn.id] = conn
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"system_name":   "network",
		"connection_id": conn.id,
		"remote_addr":   ws.RemoteAddr().String(),
	}).Info("connection established")

	s.events <- Event{Type: EventConnected, Conn: conn.id}

	go s.writeLoop(conn)
	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *connection) {
	defer func() {
		s.unregister(conn)
		s.events <- Event{Type: EventDisconnected, Conn: conn.id}
	}()

	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name":   "network",
				"connection_id": conn.id,
			}).WithError(err).Debug("read loop ended")
			return
		}
		if kind != websocket.TextMessage {
			// Binary frames are not part of the protocol.
			s.closeProtocolError(conn)
			return
		}
		if conn.limiter != nil && !conn.limiter.Allow() {
			logrus.WithFields(logrus.Fields{
				"system_name":   "network",
				"connection_id": conn.id,
			}).Warn("message rate exceeded")
			s.closeProtocolError(conn)
			return
		}
		s.events <- Event{Type: EventMessage, Conn: conn.id, Data: data}
	}
}

func (s *Server) writeLoop(conn *connection) {
	for data := range conn.send {
		if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read path will observe the close and emit the
			// disconnect event.
			logrus.WithFields(logrus.Fields{
				"system_name":   "network",
				"connection_id": conn.id,
			}).WithError(err).Debug("outbound send failed")
		}
	}
}

func (s *Server) unregister(conn *connection) {
	s.mu.Lock()
	_, present := s.conns[conn.id]
	delete(s.conns, conn.id)
	s.mu.Unlock()
	if present {
		conn.once.Do(func() { close(conn.send) })
		conn.ws.Close()
	}
}

// PollEvent returns the next pending transport event without blocking.
func (s *Server) PollEvent() (Event, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// Send queues a message to one connection. The handoff never blocks; if
// the connection's buffer is full the message is dropped and logged.
func (s *Server) Send(to ConnectionID, data []byte) {
	s.mu.Lock()
	conn, ok := s.conns[to]
	s.mu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"system_name":   "network",
			"connection_id": to,
		}).Warn("send to unknown connection")
		return
	}
	s.enqueue(conn, data)
}

// Broadcast queues a message to every connection.
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.enqueue(conn, data)
	}
}

func (s *Server) enqueue(conn *connection, data []byte) {
	select {
	case conn.send <- data:
	default:
		logrus.WithFields(logrus.Fields{
			"system_name":   "network",
			"connection_id": conn.id,
		}).Warn("send buffer full, dropping message")
	}
}

// Disconnect closes a connection with a protocol-error close code. Unknown
// ids are a no-op.
func (s *Server) Disconnect(id ConnectionID) {
	s.mu.Lock()
	conn, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.closeProtocolError(conn)
}

func (s *Server) closeProtocolError(conn *connection) {
	message := websocket.FormatCloseMessage(websocket.CloseProtocolError, "protocol error")
	deadline := time.Now().Add(time.Second)
	if err := conn.ws.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		logrus.WithFields(logrus.Fields{
			"system_name":   "network",
			"connection_id": conn.id,
		}).WithError(err).Debug("close message failed")
	}
	conn.ws.Close()
}
