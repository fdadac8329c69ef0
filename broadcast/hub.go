package broadcast

import (
	"context"
	"sync"
	"time"

	"auralis_expression/expression"
	"auralis_expression/logger"
	"github.com/google/uuid"
)

// EventTypeExpressionChange is the only message type pushed to viewers.
const EventTypeExpressionChange = "expression-change"

// Envelope is the wire frame sent to viewers.
type Envelope struct {
	Type string                 `json:"type"`
	Data expression.ChangeEvent `json:"data"`
}

func NewEnvelope(event expression.ChangeEvent) Envelope {
	return Envelope{Type: EventTypeExpressionChange, Data: event}
}

// Options tunes per-session delivery.
type Options struct {
	Buffer       int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = 16
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

// Session is one connected viewer. Events arrive on Outbound in emission
// order; Done closes when the hub drops the session.
type Session struct {
	ID       uuid.UUID
	Outbound chan Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub owns the set of connected viewer sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	opts     Options
	log      *logger.Logger
}

func NewHub(log *logger.Logger, opts Options) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		sessions: make(map[*Session]struct{}),
		opts:     opts.withDefaults(),
		log:      log.With("component", "BroadcastHub"),
	}
}

func (h *Hub) NewSession() *Session {
	return &Session{
		ID:       uuid.New(),
		Outbound: make(chan Envelope, h.opts.Buffer),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug("viewer session registered", "sessionID", s.ID, "sessions", count)
}

// Unregister removes the session and closes its Done channel. It is safe to
// call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	s.close()
	if ok {
		h.log.Debug("viewer session unregistered", "sessionID", s.ID)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast enqueues the event on every session without blocking. A session
// whose outbox is full is dropped so that it resyncs on reconnect instead of
// silently missing an event.
func (h *Hub) Broadcast(event expression.ChangeEvent) {
	envelope := NewEnvelope(event)

	var slow []*Session
	h.mu.RLock()
	for s := range h.sessions {
		select {
		case s.Outbound <- envelope:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.log.Warn("closing viewer session; outbound buffer full", "sessionID", s.ID)
		h.Unregister(s)
	}
}

// Publish lets the hub act as the gateway's in-process publisher.
func (h *Hub) Publish(_ context.Context, event expression.ChangeEvent) error {
	h.Broadcast(event)
	return nil
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[*Session]struct{})
	h.mu.Unlock()
	for s := range sessions {
		s.close()
	}
}
