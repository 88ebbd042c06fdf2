package callstate

import "errors"

var (
	ErrInvalidArgument  = errors.New("callstate: invalid argument")
	ErrSelfCall         = errors.New("callstate: cannot call yourself")
	ErrCallInProgress   = errors.New("callstate: a call is already in progress")
	ErrReceiverBusy     = errors.New("callstate: receiver is on another call")
	ErrMicrophoneDenied = errors.New("callstate: microphone permission denied")
)

// IsValidation reports whether err was raised before any network I/O
// because the request itself cannot proceed.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrSelfCall) ||
		errors.Is(err, ErrCallInProgress)
}
