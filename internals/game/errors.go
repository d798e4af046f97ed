package game

import "errors"

// Reason is the machine-readable code carried by every rejected operation, so
// the UI can tell "room full" from "game already started".
type Reason string

const (
	ReasonEmptyName         Reason = "empty-name"
	ReasonRoomNotFound      Reason = "room-not-found"
	ReasonPlayerNotFound    Reason = "player-not-found"
	ReasonNotFound          Reason = "not-found"
	ReasonRoomFull          Reason = "room-full"
	ReasonAlreadyStarted    Reason = "already-started"
	ReasonNameTaken         Reason = "name-taken"
	ReasonNotHost           Reason = "not-host"
	ReasonTooFewPlayers     Reason = "too-few-players"
	ReasonNotStarted        Reason = "not-started"
	ReasonUnauthorized      Reason = "unauthorized"
	ReasonEngineUnavailable Reason = "engine-unavailable"
	ReasonCannotConsume     Reason = "cannot-consume"
	ReasonPeerUnavailable   Reason = "peer-unavailable"
	ReasonInternal          Reason = "internal"
)

type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

func NewError(reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message}
}

// ReasonOf extracts the reason code from an error, falling back to "internal"
// for anything that is not a game error.
func ReasonOf(err error) Reason {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return ReasonInternal
}
