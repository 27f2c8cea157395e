// Package hub owns live connections: the user -> connections registry and
// the push primitive used for chat delivery and presence.
package hub

import (
	"errors"
	"sync"
)

// ErrUnauthenticated is returned when registering a connection that has not
// completed the handshake as the given user.
var ErrUnauthenticated = errors.New("connection is not authenticated as this user")

const defaultShards = 32

// Conn is a live connection handle.
type Conn interface {
	ID() string
	// UserID is the authenticated user, zero before the handshake completes.
	UserID() int64
	// Push queues frame without blocking. It reports false when the
	// connection is closed or its outbound buffer is full.
	Push(frame []byte) bool
	Close()
}

type shard struct {
	mu    sync.RWMutex
	users map[int64]map[string]Conn
}

// Registry maps user ids to their live connections. Users are striped over
// a fixed set of shards; each shard has its own lock.
type Registry struct {
	shards []*shard
}

func NewRegistry() *Registry {
	return NewRegistryWithShards(defaultShards)
}

func NewRegistryWithShards(n int) *Registry {
	if n <= 0 {
		n = defaultShards
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[int64]map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	return r.shards[uint64(userID)%uint64(len(r.shards))]
}

// Register adds conn under userID. first is true when userID had no
// connections before.
func (r *Registry) Register(userID int64, conn Conn) (first bool, err error) {
	if userID <= 0 || conn.UserID() != userID {
		return false, ErrUnauthenticated
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]Conn)
		s.users[userID] = conns
	}
	conns[conn.ID()] = conn
	return !ok, nil
}

// Deregister removes conn. last is true when it was the user's final
// connection. Removing an unknown connection is a no-op.
func (r *Registry) Deregister(userID int64, conn Conn) (last bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		return false
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(s.users, userID)
		return true
	}
	return false
}

// ActiveConnections returns a snapshot of userID's connections.
func (r *Registry) ActiveConnections(userID int64) []Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID int64) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// OnlineUsers returns every user with at least one connection. Shards are
// read one at a time, so the result is not an atomic cut across shards.
func (r *Registry) OnlineUsers() []int64 {
	var out []int64
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.users {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}

// ConnectionCount is the number of registered connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			n += len(conns)
		}
		s.mu.RUnlock()
	}
	return n
}

// each calls fn for every registered connection. fn runs under the shard
// read lock and must not block.
func (r *Registry) each(fn func(userID int64, c Conn)) {
	for _, s := range r.shards {
		s.mu.RLock()
		for id, conns := range s.users {
			for _, c := range conns {
				fn(id, c)
			}
		}
		s.mu.RUnlock()
	}
}
