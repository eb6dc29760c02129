package domain

import "errors"

// Error taxonomy shared by the store, the engine and the transports. Callers
// classify with errors.Is; messages are wrapped with %w.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrTimeout            = errors.New("timeout")
	ErrTransportFailure   = errors.New("transport failure")
	ErrPermissionDenied   = errors.New("permission denied")
)

// IsRejection reports whether err is a business rejection that must be
// returned to the originating actor rather than treated as a server fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPermissionDenied)
}
