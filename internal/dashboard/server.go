// Package dashboard is a minimal read-only view onto the durable queue:
// JSON stats and task endpoints plus a WebSocket feed that pushes stats on
// an interval, for a thin external client to render (§6 "dashboard").
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/klauss/internal/store"
)

// Server is the dashboard HTTP+WebSocket server.
type Server struct {
	store  *store.Store
	hub    *Hub
	addr   string
	server *http.Server
	Logger zerolog.Logger
}

// Config holds server configuration.
type Config struct {
	Addr   string
	Store  *store.Store
	Logger zerolog.Logger
}

// New creates a dashboard server bound to cfg.Store.
func New(cfg Config) *Server {
	return &Server{
		store:  cfg.Store,
		hub:    newHub(),
		addr:   cfg.Addr,
		Logger: cfg.Logger.With().Str("component", "dashboard").Logger(),
	}
}

// Start registers routes and blocks serving HTTP until the server is
// shut down or an unrecoverable listener error occurs.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.server = &http.Server{Addr: s.addr, Handler: mux}

	go s.hub.run()
	go s.broadcastStats()

	s.Logger.Info().Str("addr", s.addr).Msg("dashboard listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Broadcast pushes an event to every connected WebSocket client, or, when
// jobID is non-empty, only to clients subscribed to that job (§6
// "dashboard": a client watching one job's progress shouldn't have to
// filter out every other job's task events client-side).
func (s *Server) Broadcast(eventType, jobID string, data any) {
	s.hub.broadcast <- Event{Type: eventType, JobID: jobID, Data: data}
}

func (s *Server) broadcastStats() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		stats, err := s.getStats()
		if err != nil {
			s.Logger.Warn().Err(err).Msg("broadcasting stats")
			continue
		}
		s.Broadcast(EventStatsUpdate, "", stats)
	}
}

// Hub fans events out to every registered WebSocket client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// Event is one WebSocket message. JobID is empty for job-agnostic events
// (stats_update, worker_status) and set for task events, so the hub can
// route without unmarshaling Data.
type Event struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
	Data  any    `json:"data"`
}

// Client is one connected WebSocket reader/writer pair. jobFilter, when
// non-empty, restricts delivery to events whose JobID matches it or is
// empty; an empty jobFilter receives everything (the default, unscoped
// view).
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	jobFilter string
}

// wantsEvent reports whether c should receive ev, per jobFilter.
func (c *Client) wantsEvent(ev Event) bool {
	return c.jobFilter == "" || ev.JobID == "" || ev.JobID == c.jobFilter
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			msg, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				if !client.wantsEvent(event) {
					continue
				}
				select {
				case client.send <- msg:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

// handleWebSocket upgrades the connection and registers a Client, scoped
// to a single job's events by an optional ?job_id= query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		jobFilter: r.URL.Query().Get("job_id"),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
