package calls

import "errors"

var (
	ErrUserUnavailable   = errors.New("calls: user unavailable")
	ErrAlreadyInCall     = errors.New("calls: already in call")
	ErrInvalidTransition = errors.New("calls: invalid transition")
	ErrSessionNotFound   = errors.New("calls: session not found")
	ErrNotParticipant    = errors.New("calls: not a participant")
	ErrSelfCall          = errors.New("calls: caller and callee are the same user")
)
