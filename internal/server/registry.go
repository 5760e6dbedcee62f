package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// wireConn is the subset of *websocket.Conn the registry needs. Narrowed to
// an interface so delivery-failure behaviour is testable without sockets.
type wireConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// session is one authenticated, registered display-client connection. Only
// authenticated connections are ever constructed; auth failures are rejected
// before upgrade.
type session struct {
	id          uint64
	conn        wireConn
	connectedAt time.Time

	writeMu  sync.Mutex
	failures atomic.Int32
}

// write sends one message with a deadline, serialized per session so a
// broadcast and a targeted reply never interleave on the wire.
func (s *session) write(v any, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// Registry holds the connected sessions and fans messages out to them.
type Registry struct {
	// WriteTimeout bounds each per-session send so one dead or slow client
	// never blocks delivery to the rest.
	WriteTimeout time.Duration
	// MaxFailures is how many failed sends a session survives before it is
	// dropped.
	MaxFailures int32

	mu       sync.Mutex
	sessions map[uint64]*session
	nextID   atomic.Uint64

	logger *slog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		WriteTimeout: 4 * time.Second,
		MaxFailures:  2,
		sessions:     map[uint64]*session{},
		logger:       logger,
	}
}

func (r *Registry) add(conn wireConn) *session {
	s := &session{
		id:          r.nextID.Add(1),
		conn:        conn,
		connectedAt: time.Now(),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()
	r.logger.Info("client registered", "session", s.id, "clients", count)
	return s
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()
	if ok {
		_ = s.conn.Close()
		r.logger.Info("client deregistered", "session", id, "clients", count)
	}
}

// snapshot copies the session set so broadcast iteration is unaffected by
// concurrent connects and disconnects.
func (r *Registry) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast delivers v to every registered session. Send failures are
// isolated per session: the failing session accrues a strike (dropped once it
// exceeds MaxFailures) and the loop carries on to the rest.
func (r *Registry) Broadcast(v any) {
	for _, s := range r.snapshot() {
		if err := s.write(v, r.WriteTimeout); err != nil {
			strikes := s.failures.Add(1)
			r.logger.Warn("failed to deliver to client", "session", s.id, "strikes", strikes, "err", err)
			if strikes >= r.MaxFailures {
				r.remove(s.id)
			}
			continue
		}
		s.failures.Store(0)
	}
}
