package client

import "github.com/NicolasHaas/roomchat/pkg/protocol"

// SignUp registers id with password.
func (c *Client) SignUp(id, password string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeSignUp).
		Sender(id).
		Receiver(protocol.ServerID).
		Password(password).
		Build())
}

// Login authenticates this connection as id.
func (c *Client) Login(id, password string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeLogin).
		Sender(id).
		Receiver(protocol.ServerID).
		Password(password).
		Build())
}

// Logout ends the session but keeps the connection open.
func (c *Client) Logout(id string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeLogout).
		Sender(id).
		Receiver(protocol.ServerID).
		Build())
}

// RequestRoom asks for a new room and invites users to it.
func (c *Client) RequestRoom(id, roomID string, users []string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeRequestRoom).
		Sender(id).
		Receiver(protocol.ServerID).
		RoomID(roomID).
		UserList(users).
		Build())
}

// Invite asks the server to invite users to roomID.
func (c *Client) Invite(id, roomID string, users []string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeInvite).
		Sender(id).
		Receiver(protocol.ServerID).
		RoomID(roomID).
		UserList(users).
		Build())
}

// AcceptInvite joins roomID.
func (c *Client) AcceptInvite(id, roomID string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeAcceptInvite).
		Sender(id).
		Receiver(protocol.ServerID).
		RoomID(roomID).
		Build())
}

// RejectInvite declines an invitation to roomID.
func (c *Client) RejectInvite(id, roomID string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeRejectInvite).
		Sender(id).
		Receiver(protocol.ServerID).
		RoomID(roomID).
		Build())
}

// LeaveRoom leaves roomID.
func (c *Client) LeaveRoom(id, roomID string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeLeaveRoom).
		Sender(id).
		Receiver(protocol.ServerID).
		RoomID(roomID).
		Build())
}

// Say posts text to roomID.
func (c *Client) Say(id, roomID, text string) error {
	return c.Send(protocol.NewBuilder(protocol.TypeMessage).
		Sender(id).
		Receiver(protocol.ServerID).
		RoomID(roomID).
		Message(text).
		Build())
}
