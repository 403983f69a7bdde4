package model

import "time"

// EventKind names something that happened to a connection, session or room.
type EventKind string

// Connection and session events are recorded by the event sink; room events
// are published to live subscribers only.
const (
	EventServerStarted EventKind = "Server Started"
	EventConnected     EventKind = "Connected"
	EventDisconnected  EventKind = "Disconnected"
	EventSignUp        EventKind = "SignUp"
	EventSignUpFailed  EventKind = "SignUp failed"
	EventLogin         EventKind = "Login"
	EventLoginFailed   EventKind = "Login failed"
	EventLogout        EventKind = "Logout"

	EventRoomCreated EventKind = "Room created"
	EventRoomChanged EventKind = "Room changed"
	EventRoomRemoved EventKind = "Room removed"
)

// IsRoomEvent reports whether k describes a room rather than a connection.
func (k EventKind) IsRoomEvent() bool {
	switch k {
	case EventRoomCreated, EventRoomChanged, EventRoomRemoved:
		return true
	default:
		return false
	}
}

// Event is one record emitted by the server core.
type Event struct {
	Kind       EventKind `json:"event"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserID     string    `json:"user_id,omitempty"` // empty before login
	ConnID     string    `json:"conn_id,omitempty"`
	RoomID     string    `json:"room_id,omitempty"`
	Members    []string  `json:"members,omitempty"`
	Time       time.Time `json:"time"`
}
