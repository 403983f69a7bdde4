package server

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

var (
	ErrRoomExists    = errors.New("server: room exists")
	ErrNoSuchRoom    = errors.New("server: no such room")
	ErrAlreadyMember = errors.New("server: already a member")
	ErrNotMember     = errors.New("server: not a member")

	// ErrRoomCorrupt is returned when a listed room has no members. The room
	// is unlinked so later lookups see ErrNoSuchRoom.
	ErrRoomCorrupt = errors.New("server: room listed with no members")
)

// room is guarded by its own mutex. A room whose last member left is marked
// dead and unlinked from the directory inside the same critical section;
// callers that raced with the removal retry the lookup.
type room struct {
	id        string
	creator   string
	createdAt time.Time

	mu      sync.Mutex
	members map[string]*Session
	dead    bool
}

func (r *room) memberIDs() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// notifyLocked enqueues ROOM_STATUS to every member. Must hold r.mu, which
// keeps notifications of one room in mutation order.
func (r *room) notifyLocked() {
	b := protocol.NewBuilder(protocol.TypeRoomStatus).
		Sender(protocol.ServerID).
		RoomID(r.id).
		UserList(r.memberIDs())
	for id, sess := range r.members {
		sess.peer.Send(b.Receiver(id).Build())
	}
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	ID        string    `yaml:"id"`
	Creator   string    `yaml:"creator"`
	CreatedAt time.Time `yaml:"created_at"`
	Count     int       `yaml:"count"`
	Members   []string  `yaml:"members"`
}

// RoomDirectory tracks rooms and their members.
//
// Lock order: room.mu, then RoomDirectory.mu, then Session.mu.
type RoomDirectory struct {
	mu    sync.RWMutex
	rooms map[string]*room

	metrics *Metrics
	onEvent func(model.Event)
	now     func() time.Time
}

// NewRoomDirectory creates an empty directory. onEvent, if set, is called
// for room created/changed/removed while the room is locked and must not
// block.
func NewRoomDirectory(m *Metrics, onEvent func(model.Event)) *RoomDirectory {
	if onEvent == nil {
		onEvent = func(model.Event) {}
	}
	return &RoomDirectory{
		rooms:   make(map[string]*room),
		metrics: m,
		onEvent: onEvent,
		now:     time.Now,
	}
}

func (d *RoomDirectory) lookup(roomID string) *room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rooms[roomID]
}

// withRoom runs fn with the live room locked.
func (d *RoomDirectory) withRoom(roomID string, fn func(r *room) error) error {
	for {
		r := d.lookup(roomID)
		if r == nil {
			return ErrNoSuchRoom
		}
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		if len(r.members) == 0 {
			d.unlinkLocked(r)
			r.mu.Unlock()
			slog.Error("empty room unlinked", logging.Room(roomID))
			return fmt.Errorf("%w: %q", ErrRoomCorrupt, roomID)
		}
		err := fn(r)
		r.mu.Unlock()
		return err
	}
}

func (d *RoomDirectory) event(kind model.EventKind, r *room) {
	d.onEvent(model.Event{
		Kind:    kind,
		RoomID:  r.id,
		UserID:  r.creator,
		Members: r.memberIDs(),
		Time:    d.now(),
	})
}

// CreateRoom creates roomID with creator as its only member.
func (d *RoomDirectory) CreateRoom(roomID string, creator *Session) error {
	if err := model.ValidateRoomID(roomID); err != nil {
		return fmt.Errorf("server: create room: %w", err)
	}
	r := &room{
		id:        roomID,
		creator:   creator.ID,
		createdAt: d.now(),
		members:   map[string]*Session{creator.ID: creator},
	}

	d.mu.Lock()
	if _, ok := d.rooms[roomID]; ok {
		d.mu.Unlock()
		return ErrRoomExists
	}
	creator.addRoom(roomID)
	d.rooms[roomID] = r
	d.event(model.EventRoomCreated, r)
	d.mu.Unlock()

	d.metrics.RoomsCreated.Inc()
	return nil
}

// AddMember adds sess to roomID and sends ROOM_STATUS to every member.
func (d *RoomDirectory) AddMember(roomID string, sess *Session) error {
	return d.withRoom(roomID, func(r *room) error {
		if _, ok := r.members[sess.ID]; ok {
			return ErrAlreadyMember
		}
		r.members[sess.ID] = sess
		sess.addRoom(roomID)
		r.notifyLocked()
		d.event(model.EventRoomChanged, r)
		return nil
	})
}

// RemoveMember removes sess from roomID. The last member leaving removes
// the room; otherwise the remaining members get ROOM_STATUS.
func (d *RoomDirectory) RemoveMember(roomID string, sess *Session) error {
	return d.withRoom(roomID, func(r *room) error {
		if member, ok := r.members[sess.ID]; !ok || member != sess {
			return ErrNotMember
		}
		delete(r.members, sess.ID)
		sess.removeRoom(roomID)

		if len(r.members) > 0 {
			r.notifyLocked()
			d.event(model.EventRoomChanged, r)
			return nil
		}

		d.unlinkLocked(r)
		return nil
	})
}

// unlinkLocked marks r dead and drops it from the directory. Must hold r.mu.
func (d *RoomDirectory) unlinkLocked(r *room) {
	r.dead = true
	d.mu.Lock()
	if d.rooms[r.id] == r {
		delete(d.rooms, r.id)
	}
	d.mu.Unlock()
	d.metrics.RoomsRemoved.Inc()
	d.event(model.EventRoomRemoved, r)
}

// LeaveAll removes sess from every room it belongs to.
func (d *RoomDirectory) LeaveAll(sess *Session) {
	for _, roomID := range sess.Rooms() {
		_ = d.RemoveMember(roomID, sess)
		sess.removeRoom(roomID)
	}
}

// Members returns the sorted member ids of roomID.
func (d *RoomDirectory) Members(roomID string) ([]string, error) {
	var ids []string
	err := d.withRoom(roomID, func(r *room) error {
		ids = r.memberIDs()
		return nil
	})
	return ids, err
}

// Invitees returns the candidates that are not yet members of roomID.
// The inviter must be a member.
func (d *RoomDirectory) Invitees(roomID, inviter string, candidates []string) ([]string, error) {
	var out []string
	err := d.withRoom(roomID, func(r *room) error {
		if _, ok := r.members[inviter]; !ok {
			return ErrNotMember
		}
		for _, id := range candidates {
			if _, ok := r.members[id]; !ok {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

// Relay sends build(memberID) to every member of roomID except from and
// returns how many packets were queued. from must be a member.
func (d *RoomDirectory) Relay(roomID, from string, build func(to string) protocol.Packet) (int, error) {
	n := 0
	err := d.withRoom(roomID, func(r *room) error {
		if _, ok := r.members[from]; !ok {
			return ErrNotMember
		}
		for id, sess := range r.members {
			if id == from {
				continue
			}
			if sess.peer.Send(build(id)) {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Snapshot returns info on every live room, sorted by id.
func (d *RoomDirectory) Snapshot() []RoomInfo {
	d.mu.RLock()
	rooms := make([]*room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.dead {
			ids := r.memberIDs()
			out = append(out, RoomInfo{
				ID:        r.id,
				Creator:   r.creator,
				CreatedAt: r.createdAt,
				Count:     len(ids),
				Members:   ids,
			})
		}
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Count returns the number of live rooms.
func (d *RoomDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
