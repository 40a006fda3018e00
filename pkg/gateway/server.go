package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/bus"
)

const (
	writeTimeout = 10 * time.Second

	// DefaultRecipient receives client frames that name no recipient
	DefaultRecipient = "kernel"
	// BroadcastRecipient stands in for the recipient of client broadcasts
	BroadcastRecipient = "*"

	maxFrameBytes = 2 << 20
)

// ErrEndpointRequired is returned when a client connects without ?endpoint=
var ErrEndpointRequired = errors.New("endpoint query parameter is required")

// Config holds server configuration
type Config struct {
	Host   string
	Port   int
	Token  string
	Bus    *bus.Bus
	Logger *zerolog.Logger
}

// Server bridges websocket clients and the message bus. Status, Error and
// addressed messages flow out to clients; Command and Request frames flow in.
type Server struct {
	addr        string
	bus         *bus.Bus
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	auth        *AuthHandler
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	mu             sync.Mutex
	server         *http.Server
	listener       net.Listener
	isShuttingDown bool
	connWG         sync.WaitGroup
}

// NewServer creates a server and subscribes it to the bus
func NewServer(cfg Config) (*Server, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("message bus is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "gateway").Logger()

	clients := NewClientRegistry()
	s := &Server{
		addr:        net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		bus:         cfg.Bus,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, logger),
		auth:        NewAuthHandler(cfg.Token),
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	for _, t := range []bus.MessageType{bus.TypeStatus, bus.TypeError, bus.TypeResponse, bus.TypeBroadcast} {
		cfg.Bus.AddHandler(t, s.deliver)
	}

	return s, nil
}

// Handler returns the HTTP routes served by the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("gateway already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.isShuttingDown = false
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway")

	srv := s.server
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the bound address, useful when the port was 0
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes every client and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.isShuttingDown = true
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down gateway")

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached before all clients closed")
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) deliver(ctx context.Context, msg bus.Message) error {
	s.broadcaster.Deliver(msg)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.bus.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "ok",
		"clients":    s.clients.Count(),
		"busRunning": s.bus.IsRunning(),
		"queueDepth": stats.QueueDepth,
	})
}

// handleWebSocket upgrades /ws?endpoint=<id> connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	shuttingDown := s.isShuttingDown
	s.mu.Unlock()
	if shuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		http.Error(w, ErrEndpointRequired.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = tracing.NewTraceID()
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Endpoint:     endpoint,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("endpoint", endpoint).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	s.connWG.Add(1)
	go s.handleClient(client)
}

// handleClient reads frames until the connection closes
func (s *Server) handleClient(client *Client) {
	defer s.connWG.Done()
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleFrame(client, data)
	}
}

// handleFrame turns a client frame into a bus message and acknowledges it
func (s *Server) handleFrame(client *Client, data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.reply(client, OutboundFrame{Type: FrameError, Error: "malformed frame: " + err.Error()})
		return
	}

	msg, err := s.toMessage(client, frame)
	if err != nil {
		s.reply(client, OutboundFrame{Type: FrameError, Ref: frame.Ref, Error: err.Error()})
		return
	}

	ctx := tracing.NewMessageContext(context.Background(), msg.ID, msg.Sender)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if msg.Type == bus.TypeBroadcast {
		s.broadcast(ctx, client, frame, msg)
		return
	}

	if err := s.bus.Send(ctx, msg); err != nil {
		logger.Debug().Err(err).Str("clientId", client.ID).Msg("Bus refused client message")
		s.reply(client, OutboundFrame{Type: FrameError, Ref: frame.Ref, MessageID: msg.ID, Error: err.Error()})
		return
	}

	s.reply(client, OutboundFrame{Type: FrameAck, Ref: frame.Ref, MessageID: msg.ID})
}

// broadcast fans msg out to every routed recipient except the sending endpoint
func (s *Server) broadcast(ctx context.Context, client *Client, frame InboundFrame, msg bus.Message) {
	if err := s.bus.Validate(msg); err != nil {
		s.reply(client, OutboundFrame{Type: FrameError, Ref: frame.Ref, MessageID: msg.ID, Error: err.Error()})
		return
	}

	delivered := s.bus.Broadcast(ctx, msg, msg.Sender)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("clientId", client.ID).
		Int("delivered", delivered).
		Msg("Broadcast from client")

	s.reply(client, OutboundFrame{Type: FrameAck, Ref: frame.Ref, MessageID: msg.ID, Delivered: &delivered})
}

func (s *Server) toMessage(client *Client, frame InboundFrame) (bus.Message, error) {
	msgType, err := bus.ParseMessageType(frame.Type)
	if err != nil {
		return bus.Message{}, err
	}
	switch msgType {
	case bus.TypeCommand, bus.TypeRequest, bus.TypeBroadcast:
	default:
		return bus.Message{}, fmt.Errorf("%w: clients may only send command, request or broadcast messages", bus.ErrInvalidMessage)
	}

	priority, err := bus.ParsePriority(frame.Priority)
	if err != nil {
		return bus.Message{}, err
	}

	recipient := frame.Recipient
	switch {
	case msgType == bus.TypeBroadcast:
		recipient = BroadcastRecipient
	case recipient == "":
		recipient = DefaultRecipient
	}

	msg := bus.NewMessage(msgType, client.Endpoint, recipient, contentString(frame.Content))
	msg.Priority = priority
	msg.Metadata = frame.Metadata
	return msg, nil
}

// contentString accepts a JSON string or any other JSON value kept verbatim
func contentString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (s *Server) reply(client *Client, frame OutboundFrame) {
	frame.Timestamp = time.Now().UnixMilli()
	if err := client.WriteJSON(frame); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to reply to client")
	}
}
