package session

import (
	"errors"

	"github.com/weftworks/weft/core"
)

// Deliver routes one inbound frame. Waiter-addressed frames resolve
// synchronously on the transport goroutine, which is what lets an answer
// unblock a suspended run while the session loop is parked inside it. Chat
// and feedback queue for the loop instead. Anything unroutable is dropped
// with a WARN; a protocol slip from one client must never wedge the pumps.
func (s *Session) Deliver(f Frame) {
	switch f.Type {
	case FrameUserResponse:
		c, err := f.UserResponse()
		if err != nil {
			s.warnDrop(f.Type, err.Error())
			return
		}
		if err := s.questions.Resolve(c.QuestionID, c.Answer()); err != nil {
			s.logger.Warn("Dropping unrouted user_response", map[string]interface{}{
				"operation":   "session_deliver",
				"session_id":  s.ID,
				"question_id": c.QuestionID,
			})
		}

	case FramePermissionResponse:
		c, err := f.PermissionResponse()
		if err != nil {
			s.warnDrop(f.Type, err.Error())
			return
		}
		s.respondPermission(c)

	case FrameChat, FrameFeedback:
		select {
		case s.turns <- f:
		default:
			s.logger.Warn("Turn queue full, dropping frame", map[string]interface{}{
				"operation":  "session_deliver",
				"session_id": s.ID,
				"frame_type": f.Type,
			})
		}

	default:
		s.warnDrop(f.Type, "unknown frame type")
	}
}

// respondPermission decides a pending permission request, scoped to this
// session: ids minted for another session are unroutable here even when the
// process-wide manager knows them.
func (s *Session) respondPermission(c PermissionResponseContent) {
	req, err := s.permissions.Get(c.RequestID)
	if err != nil || req.SessionID != s.ID {
		s.logger.Warn("Dropping unrouted permission_response", map[string]interface{}{
			"operation":  "session_deliver",
			"session_id": s.ID,
			"request_id": c.RequestID,
		})
		return
	}

	if err := s.permissions.Respond(c.RequestID, c.Granted, c.Response); err != nil {
		fields := map[string]interface{}{
			"operation":  "session_deliver",
			"session_id": s.ID,
			"request_id": c.RequestID,
		}
		switch {
		case errors.Is(err, core.ErrAlreadyDecided):
			s.logger.Warn("Permission already decided", fields)
		default:
			fields["error"] = err.Error()
			s.logger.Warn("Permission response failed", fields)
		}
	}
}

func (s *Session) warnDrop(frameType, reason string) {
	s.logger.Warn("Dropping inbound frame", map[string]interface{}{
		"operation":  "session_deliver",
		"session_id": s.ID,
		"frame_type": frameType,
		"reason":     reason,
	})
}
