package server

import (
	"errors"
	"fmt"

	"github.com/NicolasHaas/roomchat/pkg/auth"
	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

// Client-facing rejection texts.
const (
	msgInvalidLogin = "Invalid user id or password"
	msgIDInUse      = "%s is being used"
	msgIDExists     = "%s already exists"
	msgSignUpFailed = "%s failed to sign up"
	msgSignedUp     = "Created user id: %s"
	msgRoomExists   = "%s exists"
	msgNoSuchRoom   = "%s does not exist"
	msgLoggedIn     = "Already logged in as %s"
)

// dispatch routes one packet according to the connection state. Packets that
// are not valid in the current state are ignored.
func (c *connection) dispatch(pkt protocol.Packet) {
	switch c.state {
	case stateUnauthenticated:
		switch pkt.Type() {
		case protocol.TypeSignUp:
			c.handleSignUp(pkt)
		case protocol.TypeLogin:
			c.handleLogin(pkt)
		default:
			c.ignore(pkt)
		}

	case stateAuthenticated:
		switch pkt.Type() {
		case protocol.TypeLogin:
			c.reply(protocol.NewBuilder(protocol.TypeRejectLogin).
				Sender(protocol.ServerID).
				Receiver(c.session.ID).
				Message(fmt.Sprintf(msgLoggedIn, c.session.ID)).
				Build())
		case protocol.TypeLogout:
			c.handleLogout()
		case protocol.TypeRequestRoom:
			c.handleRequestRoom(pkt)
		case protocol.TypeInvite:
			roomID, _ := pkt.RoomID()
			users, _ := pkt.UserList()
			c.invite(roomID, users)
		case protocol.TypeAcceptInvite:
			c.handleAcceptInvite(pkt)
		case protocol.TypeRejectInvite:
			roomID, _ := pkt.RoomID()
			c.log.Debug("invite rejected", logging.Room(roomID))
		case protocol.TypeLeaveRoom:
			c.handleLeaveRoom(pkt)
		case protocol.TypeMessage:
			c.handleMessage(pkt)
		default:
			c.ignore(pkt)
		}

	default:
		c.ignore(pkt)
	}
}

func (c *connection) ignore(pkt protocol.Packet) {
	c.log.Debug("ignoring packet", "state", c.state, "type", pkt.Type())
}

func (c *connection) handleSignUp(pkt protocol.Packet) {
	id, _ := pkt.Sender()
	password, _ := pkt.Password()
	s := c.srv

	err := s.auth.SignUp(s.ctx, id, password)
	if err == nil {
		s.metrics.RecordAuth("signup", "ok")
		c.log.Info("user signed up", logging.User(id))
		s.emit(model.Event{Kind: model.EventSignUp, RemoteAddr: c.peer.RemoteAddr(), UserID: id, ConnID: c.peer.ConnID()})
		c.reply(protocol.NewBuilder(protocol.TypeAcceptSignUp).
			Sender(protocol.ServerID).
			Receiver(id).
			Message(fmt.Sprintf(msgSignedUp, id)).
			Build())
		return
	}

	result := "rejected"
	if errors.Is(err, auth.ErrStore) {
		result = "error"
		c.log.Error("sign up failed", logging.User(id), logging.Err(err))
	} else {
		c.log.Debug("sign up rejected", logging.User(id), logging.Err(err))
	}
	s.metrics.RecordAuth("signup", result)
	s.emit(model.Event{Kind: model.EventSignUpFailed, RemoteAddr: c.peer.RemoteAddr(), UserID: id, ConnID: c.peer.ConnID()})
	c.reply(protocol.NewBuilder(protocol.TypeRejectSignUp).
		Sender(protocol.ServerID).
		Message(signUpRejection(id, err)).
		Build())
}

// signUpRejection maps a sign-up error to the text sent to the client.
func signUpRejection(id string, err error) string {
	switch {
	case errors.Is(err, auth.ErrDuplicateID):
		return fmt.Sprintf(msgIDExists, id)
	case errors.Is(err, auth.ErrWeakPassword):
		return fmt.Sprintf("Password must be at least %d characters", auth.MinPasswordLength)
	}
	for _, e := range []error{model.ErrUserIDEmpty, model.ErrUserIDTooLong, model.ErrUserIDInvalidChars, model.ErrUserIDReserved} {
		if errors.Is(err, e) {
			return "Invalid user id: " + e.Error()
		}
	}
	return fmt.Sprintf(msgSignUpFailed, id)
}

// roomRejection maps a room creation error to the text sent to the client.
func roomRejection(roomID string, err error) string {
	for _, e := range []error{model.ErrRoomIDEmpty, model.ErrRoomIDTooLong, model.ErrRoomIDInvalidChars} {
		if errors.Is(err, e) {
			return "Invalid room id: " + e.Error()
		}
	}
	return fmt.Sprintf(msgRoomExists, roomID)
}

func (c *connection) handleLogin(pkt protocol.Packet) {
	id, _ := pkt.Sender()
	password, _ := pkt.Password()
	s := c.srv

	reject := func(result, text string) {
		s.metrics.RecordAuth("login", result)
		s.emit(model.Event{Kind: model.EventLoginFailed, RemoteAddr: c.peer.RemoteAddr(), UserID: id, ConnID: c.peer.ConnID()})
		c.reply(protocol.NewBuilder(protocol.TypeRejectLogin).
			Sender(protocol.ServerID).
			Receiver(id).
			Message(text).
			Build())
	}

	if err := s.auth.Login(s.ctx, id, password); err != nil {
		if errors.Is(err, auth.ErrStore) {
			c.log.Error("login failed", logging.User(id), logging.Err(err))
			reject("error", msgInvalidLogin)
			return
		}
		c.log.Debug("login rejected", logging.User(id))
		reject("rejected", msgInvalidLogin)
		return
	}

	sess, err := s.registry.Register(id, c.peer)
	if err != nil {
		c.log.Debug("login rejected", logging.User(id), logging.Err(err))
		reject("rejected", fmt.Sprintf(msgIDInUse, id))
		return
	}

	c.session = sess
	c.state = stateAuthenticated
	c.log = c.peer.log.With(logging.User(id))
	s.metrics.RecordAuth("login", "ok")
	c.log.Info("client authenticated")
	s.emit(model.Event{Kind: model.EventLogin, RemoteAddr: c.peer.RemoteAddr(), UserID: id, ConnID: c.peer.ConnID()})
	c.reply(protocol.NewBuilder(protocol.TypeAcceptLogin).
		Sender(protocol.ServerID).
		Receiver(id).
		UserList(s.registry.SnapshotIDs()).
		Build())
}

func (c *connection) handleLogout() {
	id := c.session.ID
	c.log.Info("client logged out")
	c.endSession()
	c.srv.emit(model.Event{Kind: model.EventLogout, RemoteAddr: c.peer.RemoteAddr(), UserID: id, ConnID: c.peer.ConnID()})
}

func (c *connection) handleRequestRoom(pkt protocol.Packet) {
	roomID, _ := pkt.RoomID()
	me := c.session.ID

	err := c.srv.rooms.CreateRoom(roomID, c.session)
	if err != nil {
		c.log.Debug("room request rejected", logging.Room(roomID), logging.Err(err))
		c.reply(protocol.NewBuilder(protocol.TypeRejectRoom).
			Sender(protocol.ServerID).
			Receiver(me).
			RoomID(roomID).
			Message(roomRejection(roomID, err)).
			Build())
		return
	}

	c.log.Debug("room created", logging.Room(roomID))
	c.reply(protocol.NewBuilder(protocol.TypeAcceptRoom).
		Sender(protocol.ServerID).
		Receiver(me).
		RoomID(roomID).
		Build())

	users, _ := pkt.UserList()
	c.invite(roomID, users)
}

// invite forwards INVITE to every listed user that is online and not yet a
// member. The inviter must be a member of the room.
func (c *connection) invite(roomID string, users []string) {
	me := c.session.ID
	invitees, err := c.srv.rooms.Invitees(roomID, me, users)
	if err != nil {
		c.log.Debug("invite ignored", logging.Room(roomID), logging.Err(err))
		return
	}
	for _, id := range invitees {
		sess, ok := c.srv.registry.Lookup(id)
		if !ok {
			continue
		}
		if sess.peer.Send(protocol.NewBuilder(protocol.TypeInvite).
			Sender(me).
			Receiver(id).
			RoomID(roomID).
			Build()) {
			c.srv.metrics.InvitesSent.Inc()
		}
	}
}

func (c *connection) handleAcceptInvite(pkt protocol.Packet) {
	roomID, _ := pkt.RoomID()
	me := c.session.ID

	err := c.srv.rooms.AddMember(roomID, c.session)
	switch {
	case err == nil:
		c.log.Debug("joined room", logging.Room(roomID))
	case errors.Is(err, ErrNoSuchRoom) || errors.Is(err, ErrRoomCorrupt):
		c.reply(protocol.NewBuilder(protocol.TypeRejectRoom).
			Sender(protocol.ServerID).
			Receiver(me).
			RoomID(roomID).
			Message(fmt.Sprintf(msgNoSuchRoom, roomID)).
			Build())
	default:
		c.log.Debug("accept invite ignored", logging.Room(roomID), logging.Err(err))
	}
}

func (c *connection) handleLeaveRoom(pkt protocol.Packet) {
	roomID, _ := pkt.RoomID()
	if err := c.srv.rooms.RemoveMember(roomID, c.session); err != nil {
		c.log.Debug("leave room ignored", logging.Room(roomID), logging.Err(err))
	}
}

func (c *connection) handleMessage(pkt protocol.Packet) {
	roomID, _ := pkt.RoomID()
	text, hasText := pkt.Message()
	me := c.session.ID

	n, err := c.srv.rooms.Relay(roomID, me, func(to string) protocol.Packet {
		b := protocol.NewBuilder(protocol.TypeMessage).
			Sender(me).
			Receiver(to).
			RoomID(roomID)
		if hasText {
			b.Message(text)
		}
		return b.Build()
	})
	if err != nil {
		c.log.Debug("message ignored", logging.Room(roomID), logging.Err(err))
		return
	}
	c.srv.metrics.MessagesRelayed.Add(float64(n))
}
