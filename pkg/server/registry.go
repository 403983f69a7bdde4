package server

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrAlreadyOnline is returned by Register when the id already has a session.
var ErrAlreadyOnline = errors.New("server: user already online")

const registryShards = 32

// Session is an authenticated user bound to one connection.
type Session struct {
	ID         string
	RemoteAddr string
	LoginTime  time.Time

	peer *Peer

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Peer returns the session's outbound handle.
func (s *Session) Peer() *Peer { return s.peer }

// Rooms returns the session's room ids, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// InRoom reports whether the session's room set holds roomID.
func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) addRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID         string    `yaml:"id"`
	RemoteAddr string    `yaml:"remote_addr"`
	ConnID     string    `yaml:"conn_id"`
	LoginTime  time.Time `yaml:"login_time"`
	Rooms      []string  `yaml:"rooms"`
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry tracks online sessions by user id. Ids are spread over shards,
// each with its own lock, so logins for different ids rarely contend.
type Registry struct {
	shards [registryShards]registryShard
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	return &r.shards[xxhash.Sum64String(id)%registryShards]
}

// Register creates the session for id bound to peer. The check and the
// insert happen under one shard lock, so concurrent logins for the same id
// have exactly one winner.
func (r *Registry) Register(id string, peer *Peer) (*Session, error) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; ok {
		return nil, ErrAlreadyOnline
	}
	sess := &Session{
		ID:         id,
		RemoteAddr: peer.RemoteAddr(),
		LoginTime:  r.now(),
		peer:       peer,
		rooms:      make(map[string]struct{}),
	}
	sh.sessions[id] = sess
	return sess, nil
}

// Unregister removes sess if it is still the registered session for its id.
func (r *Registry) Unregister(sess *Session) bool {
	sh := r.shard(sess.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[sess.ID]; !ok || cur != sess {
		return false
	}
	delete(sh.sessions, sess.ID)
	return true
}

// Lookup returns the session for id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[id]
	return sess, ok
}

// lockAll read-locks every shard in index order.
func (r *Registry) lockAll() {
	for i := range r.shards {
		r.shards[i].mu.RLock()
	}
}

func (r *Registry) unlockAll() {
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].mu.RUnlock()
	}
}

// sessions returns a point-in-time copy of all sessions.
func (r *Registry) sessions() []*Session {
	r.lockAll()
	defer r.unlockAll()
	var out []*Session
	for i := range r.shards {
		for _, sess := range r.shards[i].sessions {
			out = append(out, sess)
		}
	}
	return out
}

// SnapshotIDs returns the ids of all online users, sorted.
func (r *Registry) SnapshotIDs() []string {
	all := r.sessions()
	ids := make([]string, 0, len(all))
	for _, sess := range all {
		ids = append(ids, sess.ID)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns info on every online session, sorted by id.
func (r *Registry) Snapshot() []SessionInfo {
	all := r.sessions()
	out := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		out = append(out, SessionInfo{
			ID:         sess.ID,
			RemoteAddr: sess.RemoteAddr,
			ConnID:     sess.peer.ConnID(),
			LoginTime:  sess.LoginTime,
			Rooms:      sess.Rooms(),
		})
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Count returns the number of online sessions.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
