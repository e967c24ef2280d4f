package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"learnhub/api/internal/identity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WSHandler upgrades authenticated HTTP requests to websocket connections
// and pumps their frames through the hub.
type WSHandler struct {
	hub      *Hub
	resolver *identity.Resolver
	upgrader websocket.Upgrader
}

func NewWSHandler(h *Hub, resolver *identity.Resolver) *WSHandler {
	return &WSHandler{
		hub:      h,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin policy is enforced by the browser clients we
			// serve; the credential check below is the real gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := connectionToken(r)
	caller, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed for %s: %v", caller.ID, err)
		return
	}

	session := NewSession(caller.Ref)
	h.hub.Register(session)

	go writePump(conn, session)
	h.readPump(conn, session)
}

// connectionToken accepts the credential from the Authorization header or,
// for browser websocket clients that cannot set headers, a query parameter.
func connectionToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// readPump parses client events and hands them to the hub. It never blocks
// the hub's loop: every hub call only enqueues. Returning unregisters the
// session, which clears its presence entry and room membership.
func (h *WSHandler) readPump(conn *websocket.Conn, session *Session) {
	defer func() {
		h.hub.Unregister(session)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("hub: read error for %s/%s: %v", session.ref.Kind, session.ref.ID, err)
			}
			return
		}
		var evt Event
		if err := json.Unmarshal(frame, &evt); err != nil {
			log.Printf("hub: malformed event from %s/%s: %v", session.ref.Kind, session.ref.ID, err)
			continue
		}
		h.hub.HandleEvent(session, evt)
	}
}

func writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-session.Out():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
