package event

import "errors"

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrEventFull            = errors.New("event and waitlist are full")
	ErrEventClosed          = errors.New("event is closed for registration")
	ErrAlreadyRegistered    = errors.New("user already registered for this event")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrNotCancellable       = errors.New("cancellation window has passed or policy forbids it")
	ErrNotPromoted          = errors.New("registration is not awaiting confirmation")
	ErrClaimExpired         = errors.New("promotion claim window has expired")
)
