package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrCapacity    = errors.New("room is full")
	ErrProvisioner = errors.New("tunnel provisioning failed")
	ErrInternal    = errors.New("internal error")
	ErrTransient   = errors.New("transient store contention")
	ErrInvalid     = errors.New("invalid request")
	ErrForbidden   = errors.New("access denied")

	ErrRoomNotFound   = fmt.Errorf("room %w", ErrNotFound)
	ErrMemberNotFound = fmt.Errorf("member %w", ErrNotFound)
	ErrRoomNameTaken  = fmt.Errorf("%w: room name already in use", ErrConflict)
	ErrAlreadyJoined  = fmt.Errorf("%w: already a member of this room", ErrConflict)
)

const (
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeCapacity    = "capacity"
	CodeProvisioner = "provisioner"
	CodeInvalid     = "invalid"
	CodeForbidden   = "forbidden"
	CodeInternal    = "internal"
)

// ErrorCode maps an error to the code that is sent to clients. Anything unknown is internal.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrCapacity):
		return CodeCapacity
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInternal):
		// exhausted retries may also carry a provisioner cause, the class wins
		return CodeInternal
	case errors.Is(err, ErrProvisioner):
		return CodeProvisioner
	}
	return CodeInternal
}
