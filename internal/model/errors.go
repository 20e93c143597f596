package model

import "errors"

var (
	ErrValidation      = errors.New("validation failed")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionClosed   = errors.New("session already finalized")
	ErrNotParticipant  = errors.New("user is not a participant of this session")
	ErrTransaction     = errors.New("finalization transaction failed")
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrPaperNotFound   = errors.New("paper not found")
)
