// Package hub is the presence and broadcast broker: it tracks live socket
// connections per identity and fans out chat events to conversation rooms.
//
// All shared state (the presence registry and the room maps) is owned by a
// single goroutine; every mutation runs to completion on its loop, so no
// locks are needed and event ordering within a room is the order operations
// were enqueued. Delivery is best-effort at-most-once: nothing is persisted,
// nothing is retried, and a disconnected recipient re-fetches history over
// REST.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sort"

	"learnhub/api/internal/identity"
)

// Event is the wire envelope for socket traffic in both directions.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

const (
	EventJoinUser       = "joinUser"
	EventJoinChat       = "joinChat"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventTyping         = "typing"
	EventStopTyping     = "stopTyping"
	EventMessageSeen    = "messageSeen"
	EventOnlineUsers    = "onlineUsers"
)

const sessionBuffer = 32

// Session is one live connection. Its identity is resolved at connect time;
// it enters the presence registry only once the client announces with
// joinUser.
type Session struct {
	ref identity.Ref
	out chan []byte
}

func NewSession(ref identity.Ref) *Session {
	return &Session{ref: ref, out: make(chan []byte, sessionBuffer)}
}

func (s *Session) Ref() identity.Ref { return s.ref }

// Out is the stream of outbound frames for this connection. Closed by the
// hub when the session is unregistered or the hub shuts down.
func (s *Session) Out() <-chan []byte { return s.out }

// send is best-effort: a slow consumer's frame is dropped, never queued
// unboundedly and never retried.
func (s *Session) send(frame []byte) {
	select {
	case s.out <- frame:
	default:
		log.Printf("hub: dropping frame for %s/%s: slow consumer", s.ref.Kind, s.ref.ID)
	}
}

type Hub struct {
	ops      chan func()
	sessions map[*Session]struct{}
	presence map[string]*Session
	rooms    map[string]map[*Session]struct{}
	inRoom   map[*Session]string
}

func New() *Hub {
	return &Hub{
		ops:      make(chan func(), 256),
		sessions: make(map[*Session]struct{}),
		presence: make(map[string]*Session),
		rooms:    make(map[string]map[*Session]struct{}),
		inRoom:   make(map[*Session]string),
	}
}

// Run consumes operations until the context is cancelled, then closes every
// session stream. All registry and room mutation happens here.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for s := range h.sessions {
				close(s.out)
			}
			h.sessions = make(map[*Session]struct{})
			h.presence = make(map[string]*Session)
			h.rooms = make(map[string]map[*Session]struct{})
			h.inRoom = make(map[*Session]string)
			return
		case op := <-h.ops:
			op()
		}
	}
}

// Register adds a connected but unannounced session.
func (h *Hub) Register(s *Session) {
	h.ops <- func() {
		h.sessions[s] = struct{}{}
	}
}

// Unregister removes a session from the registry and its room. The presence
// entry is cleared only if this session still owns it; a newer connection for
// the same account keeps its entry.
func (h *Hub) Unregister(s *Session) {
	h.ops <- func() {
		if _, ok := h.sessions[s]; !ok {
			return
		}
		delete(h.sessions, s)
		h.leaveAllRooms(s)
		close(s.out)
		if current, ok := h.presence[s.ref.ID]; ok && current == s {
			delete(h.presence, s.ref.ID)
			h.broadcastOnline()
		}
	}
}

// Announce registers the session in the presence registry. Last writer wins:
// a reconnect (or a second tab) for the same account overwrites the previous
// entry, so each account holds at most one registered connection.
func (h *Hub) Announce(s *Session) {
	h.ops <- func() {
		if _, ok := h.sessions[s]; !ok {
			return
		}
		h.presence[s.ref.ID] = s
		h.broadcastOnline()
	}
}

// JoinChat moves the session into the room for the given conversation,
// leaving any room it was in first. Single-room membership keeps fan-out
// from reaching stale rooms after the client switches chats.
func (h *Hub) JoinChat(s *Session, conversationID string) {
	h.ops <- func() {
		if _, ok := h.sessions[s]; !ok {
			return
		}
		h.leaveAllRooms(s)
		if conversationID == "" {
			return
		}
		room, ok := h.rooms[conversationID]
		if !ok {
			room = make(map[*Session]struct{})
			h.rooms[conversationID] = room
		}
		room[s] = struct{}{}
		h.inRoom[s] = conversationID
	}
}

// Relay fans an event out verbatim to the sender's room peers. The broker
// never persists and never retries.
func (h *Hub) Relay(s *Session, conversationID string, evt Event) {
	h.ops <- func() {
		room, ok := h.rooms[conversationID]
		if !ok {
			return
		}
		frame, err := json.Marshal(evt)
		if err != nil {
			log.Printf("hub: encode %s event: %v", evt.Name, err)
			return
		}
		for peer := range room {
			if peer == s {
				continue
			}
			peer.send(frame)
		}
	}
}

// HandleEvent dispatches one client event. Unknown events are ignored.
func (h *Hub) HandleEvent(s *Session, evt Event) {
	switch evt.Name {
	case EventJoinUser:
		// The announce payload carries an account id, but the registry keys
		// on the identity resolved from the credential at connect time.
		h.Announce(s)
	case EventJoinChat:
		h.JoinChat(s, chatID(evt.Data))
	case EventSendMessage:
		h.Relay(s, chatID(evt.Data), Event{Name: EventReceiveMessage, Data: evt.Data})
	case EventTyping, EventStopTyping, EventMessageSeen:
		h.Relay(s, chatID(evt.Data), evt)
	}
}

func chatID(data json.RawMessage) string {
	var payload struct {
		ChatID string `json:"chatId"`
	}
	_ = json.Unmarshal(data, &payload)
	return payload.ChatID
}

func (h *Hub) leaveAllRooms(s *Session) {
	if id, ok := h.inRoom[s]; ok {
		if room, exists := h.rooms[id]; exists {
			delete(room, s)
			if len(room) == 0 {
				delete(h.rooms, id)
			}
		}
		delete(h.inRoom, s)
	}
}

// broadcastOnline pushes the full online account list to every connection.
// O(n) per presence change; acceptable at expected load.
func (h *Hub) broadcastOnline() {
	ids := make([]string, 0, len(h.presence))
	for id := range h.presence {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		log.Printf("hub: encode online list: %v", err)
		return
	}
	frame, err := json.Marshal(Event{Name: EventOnlineUsers, Data: data})
	if err != nil {
		log.Printf("hub: encode online event: %v", err)
		return
	}
	for s := range h.sessions {
		s.send(frame)
	}
}

// flush blocks until every previously enqueued operation has run. Used by
// tests to observe registry state deterministically.
func (h *Hub) flush() {
	done := make(chan struct{})
	h.ops <- func() { close(done) }
	<-done
}
