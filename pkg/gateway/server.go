// Package gateway exposes the daemon's event stream over websockets and
// accepts approval resolutions from connected operator clients.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/marlow/overseer/pkg/approval"
	"github.com/marlow/overseer/pkg/events"
)

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Dispatcher   *events.Dispatcher
	Gate         *approval.Engine
}

// Server serves /ws for the event stream and /healthz for liveness
type Server struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	cancelFeed func()
	feedDone   chan struct{}
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("event dispatcher is required")
	}

	return &Server{
		cfg:     cfg,
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Start begins serving and feeding events to clients
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: mux,
	}

	feed, cancel := s.cfg.Dispatcher.Subscribe()
	s.cancelFeed = cancel
	s.feedDone = make(chan struct{})
	go s.broadcastLoop(feed)

	log.Info().Str("addr", s.server.Addr).Msg("Gateway server starting")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop closes client connections and shuts the server down
func (s *Server) Stop() error {
	log.Info().Msg("Gateway server stopping")

	if s.cancelFeed != nil {
		s.cancelFeed()
		<-s.feedDone
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown gateway: %w", err)
		}
	}

	return nil
}

// broadcastLoop fans dispatcher events out to every connected client
func (s *Server) broadcastLoop(feed <-chan events.Event) {
	defer close(s.feedDone)

	var seq uint64
	for event := range feed {
		seq++
		outbound := OutboundEvent{Seq: seq, Event: event}

		s.mu.RLock()
		clients := make([]*Client, 0, len(s.clients))
		for _, client := range s.clients {
			clients = append(clients, client)
		}
		s.mu.RUnlock()

		for _, client := range clients {
			if err := client.WriteJSON(outbound); err != nil {
				log.Debug().
					Str("client_id", client.ID).
					Err(err).
					Msg("Dropping client after write failure")
				client.Conn.Close()
				s.removeClient(client.ID)
			}
		}
	}
}

// handleWebSocket authenticates and upgrades one connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SharedSecret != "" {
		secret := r.Header.Get("X-Overseer-Secret")
		if secret == "" {
			secret = r.URL.Query().Get("token")
		}
		if secret != s.cfg.SharedSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	log.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Gateway client connected")

	go s.readLoop(client)
}

// readLoop consumes inbound messages until the connection drops
func (s *Server) readLoop(client *Client) {
	defer func() {
		client.Conn.Close()
		s.removeClient(client.ID)
		log.Info().Str("client_id", client.ID).Msg("Gateway client disconnected")
	}()

	for {
		var msg InboundMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("client_id", client.ID).Err(err).Msg("Websocket read error")
			}
			return
		}

		s.handleInbound(client, msg)
	}
}

// handleInbound dispatches one client message
func (s *Server) handleInbound(client *Client, msg InboundMessage) {
	switch msg.Type {
	case "approval.resolve":
		ack := Ack{Type: "approval.ack", RequestID: msg.RequestID, OK: true}
		if s.cfg.Gate == nil {
			ack.OK = false
			ack.Error = "no approval gate configured"
		} else if err := s.cfg.Gate.Resolve(msg.RequestID, msg.Approved, msg.Reason); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}
		if err := client.WriteJSON(ack); err != nil {
			log.Debug().Str("client_id", client.ID).Err(err).Msg("Failed to send ack")
		}

	case "ping":
		_ = client.WriteJSON(Ack{Type: "pong", OK: true})

	default:
		_ = client.WriteJSON(Ack{
			Type:  "error",
			OK:    false,
			Error: fmt.Sprintf("unknown message type: %s", msg.Type),
		})
	}
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
}

// ClientCount reports the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
