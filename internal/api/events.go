package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/kitchenops/internal/selector"
)

// Event types pushed on /location/events.
const (
	EventActiveChanged     = "active_changed"
	EventSuggestionChanged = "suggestion_changed"
	EventStateChanged      = "state_changed"
)

const eventWriteTimeout = 5 * time.Second

// LocationEvent is the message sent to websocket subscribers.
type LocationEvent struct {
	Type              string `json:"type"`
	ActiveLocation    string `json:"activeLocation"`
	PreviousLocation  string `json:"previousLocation,omitempty"`
	SuggestedLocation string `json:"suggestedLocation,omitempty"`
	IsLocationBlocked bool   `json:"isLocationBlocked"`
}

// NewLocationEvent converts a selector event into its wire form.
func NewLocationEvent(ev selector.Event) LocationEvent {
	out := LocationEvent{
		Type:              EventStateChanged,
		ActiveLocation:    ev.Current.ActiveCode,
		SuggestedLocation: ev.Current.SuggestedCode,
		IsLocationBlocked: ev.Current.Status == selector.StatusBlocked,
	}
	switch {
	case ev.ActiveChanged():
		out.Type = EventActiveChanged
		out.PreviousLocation = ev.Previous.ActiveCode
	case ev.Previous.SuggestedCode != ev.Current.SuggestedCode:
		out.Type = EventSuggestionChanged
	}
	return out
}

// Subscribable is the part of a session the broadcaster listens to.
type Subscribable interface {
	Subscribe(fn func(selector.Event)) func()
}

// eventConn serializes writes; gorilla connections allow one writer.
type eventConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *eventConn) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type userConns struct {
	conns       map[*websocket.Conn]*eventConn
	unsubscribe func()
}

// EventBroadcaster fans session changes out to the websocket connections of
// their user. It holds one session subscription per user no matter how many
// connections are open.
type EventBroadcaster struct {
	mu     sync.Mutex
	users  map[string]*userConns
	logger *slog.Logger
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		users:  make(map[string]*userConns),
		logger: logger,
	}
}

// Subscribe registers conn for the events of userID's session.
func (b *EventBroadcaster) Subscribe(userID string, sess Subscribable, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.users[userID]
	if !ok {
		u = &userConns{conns: make(map[*websocket.Conn]*eventConn)}
		u.unsubscribe = sess.Subscribe(func(ev selector.Event) {
			b.Broadcast(userID, NewLocationEvent(ev))
		})
		b.users[userID] = u
	}
	u.conns[conn] = &eventConn{conn: conn}
}

// Unsubscribe removes conn. The session subscription is dropped with the
// user's last connection.
func (b *EventBroadcaster) Unsubscribe(userID string, conn *websocket.Conn) {
	b.mu.Lock()
	u, ok := b.users[userID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(u.conns, conn)
	var unsubscribe func()
	if len(u.conns) == 0 {
		delete(b.users, userID)
		unsubscribe = u.unsubscribe
	}
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Drop closes every connection of userID, used on logout.
func (b *EventBroadcaster) Drop(userID string) {
	b.mu.Lock()
	u, ok := b.users[userID]
	delete(b.users, userID)
	b.mu.Unlock()
	if !ok {
		return
	}

	u.unsubscribe()
	for conn, ec := range u.conns {
		ec.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second))
		ec.mu.Unlock()
		_ = conn.Close()
	}
}

// Broadcast sends event to every connection of userID.
func (b *EventBroadcaster) Broadcast(userID string, event LocationEvent) {
	b.mu.Lock()
	u, ok := b.users[userID]
	if !ok || len(u.conns) == 0 {
		b.mu.Unlock()
		return
	}
	targets := make([]*eventConn, 0, len(u.conns))
	for _, ec := range u.conns {
		targets = append(targets, ec)
	}
	b.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal location event", "error", err)
		return
	}

	for _, ec := range targets {
		if err := ec.send(data); err != nil {
			// The reader loop cleans the connection up.
			b.logger.Warn("failed to send message to websocket client",
				"error", err,
				"user_id", userID,
			)
		}
	}
}

// ConnectionCount returns the number of open connections of userID.
func (b *EventBroadcaster) ConnectionCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.users[userID]; ok {
		return len(u.conns)
	}
	return 0
}
