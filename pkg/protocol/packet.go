package protocol

import (
	"slices"
	"strconv"
)

// Type identifies the kind of a packet on the wire.
// Values are part of the published protocol and must never be renumbered.
type Type uint16

const (
	TypeSignUp       Type = 0x01
	TypeAcceptSignUp Type = 0x02
	TypeRejectSignUp Type = 0x03
	TypeLogin        Type = 0x04
	TypeLogout       Type = 0x05
	TypeAcceptLogin  Type = 0x06
	TypeRejectLogin  Type = 0x07
	TypeUpdateList   Type = 0x08
	TypeMessage      Type = 0x09
	TypeInvite       Type = 0x0A
	TypeAcceptInvite Type = 0x0B
	TypeRejectInvite Type = 0x0C
	TypeRequestRoom  Type = 0x0D
	TypeAcceptRoom   Type = 0x0E
	TypeRejectRoom   Type = 0x0F
	TypeLeaveRoom    Type = 0x10
	TypeRoomStatus   Type = 0x11
)

// ServerID is the reserved sender/receiver id for server-originated packets.
const ServerID = "server"

var typeNames = map[Type]string{
	TypeSignUp:       "SIGN_UP",
	TypeAcceptSignUp: "ACCEPT_SIGN_UP",
	TypeRejectSignUp: "REJECT_SIGN_UP",
	TypeLogin:        "LOGIN",
	TypeLogout:       "LOGOUT",
	TypeAcceptLogin:  "ACCEPT_LOGIN",
	TypeRejectLogin:  "REJECT_LOGIN",
	TypeUpdateList:   "UPDATE_LIST",
	TypeMessage:      "MESSAGE",
	TypeInvite:       "INVITE",
	TypeAcceptInvite: "ACCEPT_INVITE",
	TypeRejectInvite: "REJECT_INVITE",
	TypeRequestRoom:  "REQUEST_ROOM",
	TypeAcceptRoom:   "ACCEPT_ROOM",
	TypeRejectRoom:   "REJECT_ROOM",
	TypeLeaveRoom:    "LEAVE_ROOM",
	TypeRoomStatus:   "ROOM_STATUS",
}

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

// Presence bits, in wire order.
const (
	fieldSender uint8 = 1 << iota
	fieldReceiver
	fieldMessage
	fieldUserList
	fieldPassword
	fieldRoomID

	fieldMask = fieldSender | fieldReceiver | fieldMessage | fieldUserList | fieldPassword | fieldRoomID
)

// Packet is one protocol message. It is immutable: construct it with a
// Builder and read it through the accessors. Every optional field reports
// whether it was present, so an absent message is distinct from an empty one.
type Packet struct {
	typ      Type
	present  uint8
	sender   string
	receiver string
	message  string
	userList []string // sorted, no duplicates
	password string
	roomID   string
}

// Type returns the packet type.
func (p Packet) Type() Type { return p.typ }

// Sender returns the sender id, if present.
func (p Packet) Sender() (string, bool) { return p.sender, p.has(fieldSender) }

// Receiver returns the receiver id, if present.
func (p Packet) Receiver() (string, bool) { return p.receiver, p.has(fieldReceiver) }

// Message returns the text payload, if present.
func (p Packet) Message() (string, bool) { return p.message, p.has(fieldMessage) }

// Password returns the password, if present. Only SIGN_UP and LOGIN carry one.
func (p Packet) Password() (string, bool) { return p.password, p.has(fieldPassword) }

// RoomID returns the room id, if present.
func (p Packet) RoomID() (string, bool) { return p.roomID, p.has(fieldRoomID) }

// UserList returns a copy of the user id set in ascending order, if present.
func (p Packet) UserList() ([]string, bool) {
	if !p.has(fieldUserList) {
		return nil, false
	}
	return slices.Clone(p.userList), true
}

func (p Packet) has(bit uint8) bool { return p.present&bit != 0 }

// Equal reports whether two packets carry the same type and fields.
func (p Packet) Equal(o Packet) bool {
	return p.typ == o.typ &&
		p.present == o.present &&
		p.sender == o.sender &&
		p.receiver == o.receiver &&
		p.message == o.message &&
		p.password == o.password &&
		p.roomID == o.roomID &&
		slices.Equal(p.userList, o.userList)
}

// Builder accumulates packet fields. The zero value is not useful; start
// with NewBuilder. Build may be called more than once; each call returns an
// independent packet.
type Builder struct {
	p Packet
}

// NewBuilder starts a packet of the given type.
func NewBuilder(t Type) *Builder {
	return &Builder{p: Packet{typ: t}}
}

// Sender sets the sender id.
func (b *Builder) Sender(id string) *Builder {
	b.p.sender = id
	b.p.present |= fieldSender
	return b
}

// Receiver sets the receiver id.
func (b *Builder) Receiver(id string) *Builder {
	b.p.receiver = id
	b.p.present |= fieldReceiver
	return b
}

// Message sets the text payload.
func (b *Builder) Message(text string) *Builder {
	b.p.message = text
	b.p.present |= fieldMessage
	return b
}

// UserList sets the user id set. Order is irrelevant and duplicates collapse.
// A nil or empty slice still marks the field present.
func (b *Builder) UserList(ids []string) *Builder {
	set := slices.Clone(ids)
	if set == nil {
		set = []string{}
	}
	slices.Sort(set)
	b.p.userList = slices.Compact(set)
	b.p.present |= fieldUserList
	return b
}

// Password sets the password.
func (b *Builder) Password(pw string) *Builder {
	b.p.password = pw
	b.p.present |= fieldPassword
	return b
}

// RoomID sets the room id.
func (b *Builder) RoomID(id string) *Builder {
	b.p.roomID = id
	b.p.present |= fieldRoomID
	return b
}

// Build returns the finished packet.
func (b *Builder) Build() Packet {
	p := b.p
	p.userList = slices.Clone(b.p.userList)
	if b.p.present&fieldUserList != 0 && p.userList == nil {
		p.userList = []string{}
	}
	return p
}
