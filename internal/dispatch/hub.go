package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

const writeWait = 5 * time.Second

func RequestGroup(requestID string) string   { return "request:" + requestID }
func OperatorGroup(operatorID string) string { return "operator:" + operatorID }

// Session represents one connected websocket client.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

func (s *Session) Close() error { return s.conn.Close() }

// Hub holds the live channels of this process, grouped by request or operator.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Session]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{groups: make(map[string]map[*Session]struct{}), logger: logger}
}

func (h *Hub) Join(group string, conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Session]struct{})
		h.groups[group] = members
	}
	members[s] = struct{}{}
	observability.WSSessions.Inc()
	return s
}

func (h *Hub) Leave(group string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.groups[group]; ok {
		if _, joined := members[s]; !joined {
			return
		}
		delete(members, s)
		observability.WSSessions.Dec()
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// Size reports how many sessions are joined to group.
func (h *Hub) Size(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) members(group string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.groups[group]))
	for s := range h.groups[group] {
		out = append(out, s)
	}
	return out
}

// Broadcast writes ev to every session in group and returns how many got it.
// Sessions that fail to write are dropped.
func (h *Hub) Broadcast(group string, ev models.Event) (int, error) {
	sessions := h.members(group)
	if len(sessions) == 0 {
		return 0, ErrNoSession
	}
	sent := 0
	for _, s := range sessions {
		if err := s.Send(ev); err != nil {
			h.logger.Warn("ws send failed", "group", group, "error", err)
			h.Leave(group, s)
			_ = s.Close()
			continue
		}
		sent++
	}
	return sent, nil
}

// Publish satisfies GroupPublisher for single-process deployments.
func (h *Hub) Publish(_ context.Context, group string, ev models.Event) error {
	_, err := h.Broadcast(group, ev)
	return err
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
