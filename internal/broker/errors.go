package broker

import "errors"

// Rejection causes. They never leave the process in differentiated form:
// the wire answer for every rejected command is a bare failure, so a
// client cannot distinguish a wrong fingerprint from a missing room.
// Internally the causes feed logs and the rejections metric.
var (
	ErrDuplicateJoin = errors.New("already joined")
	ErrUnauthorized  = errors.New("fingerprint mismatch")
	ErrNotMember     = errors.New("not a member")
	ErrRoomNotFound  = errors.New("room not found")
	ErrSessionClosed = errors.New("session closed")
)

// RejectReason maps a broker error to its metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateJoin):
		return "duplicate_join"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "other"
	}
}
