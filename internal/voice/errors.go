package voice

import "fmt"

// ErrorCode discriminates VoiceError variants so callers can map them to
// websocket error codes without string matching.
type ErrorCode string

const (
	ErrChannelFull   ErrorCode = "channel_full"
	ErrAlreadyJoined ErrorCode = "already_joined"
	ErrRateLimited   ErrorCode = "rate_limited"
	ErrRoomNotFound  ErrorCode = "room_not_found"
	ErrPeerNotFound  ErrorCode = "peer_not_found"
	ErrSignaling     ErrorCode = "signaling_failed"
)

// Error is the error type returned by Room.Join and the SFU Server's join
// flow.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
