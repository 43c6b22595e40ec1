package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 32
)

const (
	MsgState = "session_state"
	MsgIdle  = "session_idle" // subscribed before the instructor started a session
	MsgEnded = "session_ended"
)

// Message is the envelope pushed to clients.
type Message struct {
	Type    string   `json:"type"`
	Session *Session `json:"session,omitempty"`
}

// Publisher fans session changes out to connected clients.
type Publisher interface {
	Publish(courseID string, m Message)
	CloseCourse(courseID string, m Message)
}

type client struct {
	courseID string
	uid      string
	send     chan []byte
}

// Hub tracks WebSocket clients per course.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewHub accepts connections from any origin when allowed is empty.
func NewHub(allowed []string) *Hub {
	h := &Hub{rooms: map[string]map[*client]struct{}{}}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Count returns the number of clients connected to a course.
func (h *Hub) Count(courseID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[courseID])
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	room := h.rooms[c.courseID]
	if room == nil {
		room = map[*client]struct{}{}
		h.rooms[c.courseID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	metrics.SessionConnections.Inc()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.courseID]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.courseID)
	}
	close(c.send)
	metrics.SessionConnections.Dec()
}

func (h *Hub) Publish(courseID string, m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[courseID] {
		select {
		case c.send <- data:
		default:
			// slow client; it will resync from the next snapshot
		}
	}
}

// CloseCourse delivers m and then closes every socket of the course.
func (h *Hub) CloseCourse(courseID string, m Message) {
	data, _ := json.Marshal(m)
	h.mu.Lock()
	room := h.rooms[courseID]
	delete(h.rooms, courseID)
	h.mu.Unlock()
	for c := range room {
		select {
		case c.send <- data:
		default:
		}
		close(c.send)
		metrics.SessionConnections.Dec()
	}
}

// Serve upgrades the request and streams messages for courseID. initial,
// when non-nil, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, courseID, uid string, initial *Message) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Str("course_id", courseID).Msg("websocket upgrade failed")
		return
	}
	c := &client{courseID: courseID, uid: uid, send: make(chan []byte, sendBuffer)}
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			c.send <- data
		}
	}
	h.register(c)
	go h.writePump(conn, c)
	go h.readPump(conn, c)
}

// readPump only drains control frames; clients act through the REST API.
func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer func() {
		h.unregister(c)
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.L().Debug().Err(err).Str("course_id", c.courseID).Msg("websocket read")
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
