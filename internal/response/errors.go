package response

// ErrCode is a typed error code for REST error bodies.
type ErrCode string

const (
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	ErrForbidden ErrCode = "FORBIDDEN"

	ErrValidation ErrCode = "VALIDATION_ERROR"
	ErrInvalidID  ErrCode = "INVALID_ID"

	ErrNotFound          ErrCode = "NOT_FOUND"
	ErrAttemptNotFound   ErrCode = "ATTEMPT_NOT_FOUND"
	ErrNoActiveSession   ErrCode = "NO_ACTIVE_SESSION"
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	ErrUnavailable ErrCode = "SERVICE_UNAVAILABLE"
	ErrInternal    ErrCode = "INTERNAL_ERROR"
)

var messages = map[ErrCode]string{
	ErrTokenRequired:     "Authentication token is required.",
	ErrTokenInvalid:      "Authentication token is invalid or expired.",
	ErrForbidden:         "You are not allowed to access this resource.",
	ErrValidation:        "Validation failed. Check the request parameters.",
	ErrInvalidID:         "Invalid ID format.",
	ErrNotFound:          "Resource not found.",
	ErrAttemptNotFound:   "Attempt not found.",
	ErrNoActiveSession:   "No session is currently in progress.",
	ErrRateLimitExceeded: "Too many requests. Try again shortly.",
	ErrUnavailable:       "A dependency is unavailable.",
	ErrInternal:          "Internal server error.",
}

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "Unexpected error."
}
