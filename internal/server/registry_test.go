package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records written messages; failing simulates a permanently blocked
// or dead socket.
type fakeConn struct {
	mu       sync.Mutex
	written  []any
	failing  bool
	closed   bool
	readDone chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{readDone: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.readDone
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("write timeout")
	}
	f.written = append(f.written, v)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.readDone)
	}
	return nil
}

func (f *fakeConn) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestBroadcastDeliversToAll(t *testing.T) {
	r := NewRegistry(nil)
	a, b := newFakeConn(), newFakeConn()
	r.add(a)
	r.add(b)

	r.Broadcast(pongMessage{Type: "pong", Timestamp: 1})

	assert.Equal(t, 1, a.writtenCount())
	assert.Equal(t, 1, b.writtenCount())
}

func TestBroadcastIsolatesFailingSession(t *testing.T) {
	r := NewRegistry(nil)
	healthy1, healthy2, dead := newFakeConn(), newFakeConn(), newFakeConn()
	dead.failing = true
	r.add(healthy1)
	r.add(dead)
	r.add(healthy2)
	require.Equal(t, 3, r.Count())

	// First failed send is a strike, second is one too many.
	r.Broadcast(pongMessage{Type: "pong", Timestamp: 1})
	assert.Equal(t, 3, r.Count())
	r.Broadcast(pongMessage{Type: "pong", Timestamp: 2})

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, 2, healthy1.writtenCount())
	assert.Equal(t, 2, healthy2.writtenCount())
	dead.mu.Lock()
	assert.True(t, dead.closed)
	dead.mu.Unlock()

	// The dropped session is gone for good.
	r.Broadcast(pongMessage{Type: "pong", Timestamp: 3})
	assert.Equal(t, 3, healthy1.writtenCount())
}

func TestSuccessfulSendResetsStrikes(t *testing.T) {
	r := NewRegistry(nil)
	flaky := newFakeConn()
	r.add(flaky)

	flaky.failing = true
	r.Broadcast(pongMessage{Type: "pong", Timestamp: 1})
	require.Equal(t, 1, r.Count())

	flaky.failing = false
	r.Broadcast(pongMessage{Type: "pong", Timestamp: 2})

	flaky.failing = true
	r.Broadcast(pongMessage{Type: "pong", Timestamp: 3})
	assert.Equal(t, 1, r.Count(), "strike count resets after a successful send")
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	s := r.add(newFakeConn())
	r.remove(s.id)
	r.remove(s.id)
	assert.Equal(t, 0, r.Count())
}
