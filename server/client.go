package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/async"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512
)

// JobUpdateMessage is what /ws/jobs clients receive for every persisted change
type JobUpdateMessage struct {
	Type      string     `json:"type"` // always "job_update"
	Job       *async.Job `json:"job"`
	Timestamp int64      `json:"timestamp"`
}

// Client is one /ws/jobs connection
type Client struct {
	server    *Server
	conn      *websocket.Conn
	updates   chan *async.Job
	id        string
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header and origins that
// start with an allowed origin, so any port on an allowed host passes
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// handleJobStream handles GET /ws/jobs
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.requestLogger(r).Debugw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		server:  s,
		conn:    conn,
		updates: s.engine.Subscribe(),
		id:      r.RemoteAddr,
		done:    make(chan struct{}),
	}
	s.register(c)

	s.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Debugw("WebSocket client connected", "client_id", c.id, logger.FieldCount, n)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		s.engine.Unsubscribe(c.updates)
		s.logger.Debugw("WebSocket client disconnected", "client_id", c.id)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump drains control frames until the peer goes away
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.close()
		c.server.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump forwards job updates and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.server.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			return

		case <-c.server.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case job := <-c.updates:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := JobUpdateMessage{Type: "job_update", Job: job, Timestamp: time.Now().Unix()}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Job update write error", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
