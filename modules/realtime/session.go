package realtime

import (
	"context"
	"errors"

	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/protocol"
)

// Session handles the frames of one registered connection.
type Session struct {
	server *Server
	conn   *Connection
}

// Conn returns the session's connection.
func (s *Session) Conn() *Connection {
	return s.conn
}

// UserID returns the authenticated user.
func (s *Session) UserID() string {
	return s.conn.UserID
}

// MarkAlive records a pong for the liveness monitor.
func (s *Session) MarkAlive() {
	s.conn.MarkAlive(s.server.clock.Now())
}

// HandleFrame dispatches one inbound frame. Protocol errors are answered
// with an error envelope; the connection stays open.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) {
	env, err := protocol.DecodeInbound(frame)
	if err != nil {
		s.rejectFrame(err)
		return
	}

	switch env.Type {
	case protocol.TypePing:
		s.MarkAlive()
		s.reply(protocol.TypePong, protocol.Pong{Timestamp: s.server.clock.Now().UTC()})

	case protocol.TypeJoinConversation:
		if ref, ok := s.bindConversation(env); ok {
			s.server.rooms.Join(ref.ConversationID, s.UserID())
		}

	case protocol.TypeLeaveConversation:
		var ref protocol.ConversationRef
		if err := env.Bind(&ref); err != nil {
			s.rejectFrame(err)
			return
		}
		s.server.rooms.Leave(ref.ConversationID, s.UserID())

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		ref, ok := s.bindConversation(env)
		if !ok {
			return
		}
		outType := protocol.TypeUserTyping
		if env.Type == protocol.TypeTypingStop {
			outType = protocol.TypeUserStoppedTyping
		}
		out, err := protocol.New(outType, protocol.Typing{ConversationID: ref.ConversationID, UserID: s.UserID()})
		if err != nil {
			return
		}
		s.server.rooms.Broadcast(ref.ConversationID, out, s.UserID())

	case protocol.TypeSendMessage:
		var req protocol.SendMessage
		if err := env.Bind(&req); err != nil {
			s.rejectFrame(err)
			return
		}
		s.send(ctx, req)
	}
}

func (s *Session) send(ctx context.Context, req protocol.SendMessage) {
	_, err := s.server.relay.Relay(ctx, s.UserID(), req)
	if err == nil {
		return
	}

	var validationErr *ValidationError
	code := protocol.CodePersistenceFailed
	if errors.As(err, &validationErr) {
		code = protocol.CodeInvalidMessage
	}
	s.reply(protocol.TypeError, protocol.Error{Code: code, Message: err.Error(), ClientID: req.ClientID})
}

// bindConversation decodes a conversation reference and checks the user
// takes part in it.
func (s *Session) bindConversation(env protocol.Envelope) (protocol.ConversationRef, bool) {
	var ref protocol.ConversationRef
	if err := env.Bind(&ref); err != nil {
		s.rejectFrame(err)
		return ref, false
	}
	if _, ok := message.Counterpart(ref.ConversationID, s.UserID()); !ok {
		s.reply(protocol.TypeError, protocol.Error{
			Code:    protocol.CodeForbidden,
			Message: "not a participant of " + ref.ConversationID,
		})
		return ref, false
	}
	return ref, true
}

func (s *Session) rejectFrame(err error) {
	code := protocol.CodeInvalidFrame
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		code = perr.Code
	}
	s.server.logger.Warn("Rejected frame", "user_id", s.UserID(), "code", code, "error", err)
	s.reply(protocol.TypeError, protocol.Error{Code: code, Message: err.Error()})
}

func (s *Session) reply(t string, payload any) {
	if err := s.conn.SendEvent(t, payload); err != nil {
		s.server.logger.Debug("Reply not delivered", "user_id", s.UserID(), "type", t, "error", err)
	}
}

// Close deregisters the connection. Room memberships are dropped only if
// the connection had not already been replaced.
func (s *Session) Close() {
	if s.server.registry.DeregisterConn(s.conn) {
		s.server.rooms.LeaveAll(s.UserID())
	}
	s.server.logger.Info("Connection closed", "user_id", s.UserID(), "connection_id", s.conn.ID)
}
