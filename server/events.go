package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexusai/nexus/job"
)

// WebSocket timeout constants following Gorilla best practices
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxClients       = 100
	clientBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The surface is token-gated; browsers are not the expected client
	CheckOrigin: func(r *http.Request) bool { return true },
}

// JobUpdateMessage is the event pushed to websocket clients whenever a
// job record changes.
type JobUpdateMessage struct {
	Type string  `json:"type"`
	Job  job.Job `json:"job"`
}

// Client is one websocket subscriber.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan JobUpdateMessage
	id        string
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// BroadcastJobUpdate queues a job event for all connected clients.
// Satisfies scheduler.Broadcaster. Non-blocking: when the hub is
// saturated the event is dropped, clients re-sync via GET /v1/jobs.
func (s *Server) BroadcastJobUpdate(j job.Job) {
	select {
	case s.events <- j:
	default:
		s.logger.Debugw("Event channel full, dropping job update", "job_id", j.ID)
	}
}

// runHub owns the client set. All registration, unregistration, and
// fan-out happens on this goroutine; no locks needed.
func (s *Server) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			for client := range s.clients {
				client.close()
			}
			return

		case client := <-s.register:
			if len(s.clients) >= maxClients {
				s.logger.Warnw("Client limit reached, rejecting websocket", "client_id", client.id)
				client.close()
				continue
			}
			s.clients[client] = true
			s.logger.Debugw("Websocket client connected",
				"client_id", client.id, "clients", len(s.clients))

		case client := <-s.unregister:
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.close()
				s.logger.Debugw("Websocket client disconnected",
					"client_id", client.id, "clients", len(s.clients))
			}

		case j := <-s.events:
			msg := JobUpdateMessage{Type: "job_update", Job: j}
			for client := range s.clients {
				select {
				case client.send <- msg:
				default:
					// Slow consumer; drop it rather than stall the hub
					delete(s.clients, client)
					client.close()
				}
			}
		}
	}
}

// handleWebSocket upgrades the connection and starts the pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan JobUpdateMessage, clientBufferSize),
		id:     fmt.Sprintf("ws_%d", time.Now().UnixNano()),
	}
	s.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames (only pings/closes are expected) and
// unregisters on disconnect.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Debugw("Websocket read error",
					"client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump pushes job events and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Websocket write error",
					"client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
