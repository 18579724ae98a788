// Package realtime pushes offer changes to the buyer and seller over
// websockets. Clients subscribe with GET /ws; delivery is best effort and
// clients are expected to re-fetch their offer lists on every frame.
package realtime

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"offer-negotiation-api/internal/events"
	"offer-negotiation-api/internal/models"
)

const (
	readLimit     = 4 << 10
	readDeadline  = 60 * time.Second
	writeDeadline = 5 * time.Second
	pingInterval  = 25 * time.Second
	sendBuffer    = 16
)

// Notification is the frame sent to subscribed clients.
type Notification struct {
	Type    string             `json:"type"`
	OfferID string             `json:"offer_id,omitempty"`
	Status  models.OfferStatus `json:"status,omitempty"`
	ActorID string             `json:"actor_id,omitempty"`
	At      time.Time          `json:"at"`
}

// TypeConnected is the first frame every client receives once subscribed.
const TypeConnected = "connected"

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan Notification
}

type directMsg struct {
	userID string
	msg    Notification
}

// Hub owns the set of connected clients. All access to the set happens on
// the Run goroutine.
type Hub struct {
	clients    map[string]map[*client]struct{}
	register   chan *client
	unregister chan *client
	direct     chan directMsg
	done       chan struct{}
	upgrader   websocket.Upgrader
	infoLog    *log.Logger
	errorLog   *log.Logger
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(infoLog, errorLog *log.Logger) *Hub {
	if infoLog == nil {
		infoLog = log.New(io.Discard, "", 0)
	}
	if errorLog == nil {
		errorLog = log.New(io.Discard, "", 0)
	}
	return &Hub{
		clients:    make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		direct:     make(chan directMsg, 64),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		infoLog:  infoLog,
		errorLog: errorLog,
	}
}

// Run processes registrations and deliveries until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*client]struct{})
			return

		case c := <-h.register:
			set, ok := h.clients[c.userID]
			if !ok {
				set = make(map[*client]struct{})
				h.clients[c.userID] = set
			}
			set[c] = struct{}{}
			c.send <- Notification{Type: TypeConnected, At: time.Now().UTC()}
			h.infoLog.Printf("ws register user=%s connections=%d", c.userID, len(set))

		case c := <-h.unregister:
			if set, ok := h.clients[c.userID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
					if len(set) == 0 {
						delete(h.clients, c.userID)
					}
					h.infoLog.Printf("ws unregister user=%s", c.userID)
				}
			}

		case dm := <-h.direct:
			for c := range h.clients[dm.userID] {
				select {
				case c.send <- dm.msg:
				default:
					// Slow consumer; drop it rather than block every other user.
					h.errorLog.Printf("ws send buffer full user=%s, dropping connection", dm.userID)
					delete(h.clients[dm.userID], c)
					close(c.send)
				}
			}
			if len(h.clients[dm.userID]) == 0 {
				delete(h.clients, dm.userID)
			}
		}
	}
}

// Notify queues a frame for every connection of the user.
func (h *Hub) Notify(userID string, n Notification) {
	select {
	case h.direct <- directMsg{userID: userID, msg: n}:
	case <-h.done:
	}
}

// OfferEventHandler returns an event handler that notifies both parties of an offer.
func (h *Hub) OfferEventHandler() events.Handler {
	return func(ctx context.Context, e events.Event) error {
		data, ok := e.Data.(events.OfferChangedData)
		if !ok {
			return nil
		}
		n := Notification{
			Type:    string(e.Type),
			OfferID: data.Offer.ID,
			Status:  data.Offer.Status,
			ActorID: data.ActorID,
			At:      e.Timestamp.UTC(),
		}
		h.Notify(data.Offer.BuyerID, n)
		h.Notify(data.Offer.SellerID, n)
		return nil
	}
}

// ServeWS upgrades the request and subscribes the connection for userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.errorLog.Printf("ws upgrade failed: %v", err)
		return
	}

	c := &client{userID: userID, conn: conn, send: make(chan Notification, sendBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		_ = writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump only keeps the read deadline alive; clients do not send frames.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = writeClose(c.conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.errorLog.Printf("ws write failed user=%s: %v", c.userID, err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) error {
	return conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeDeadline),
	)
}
