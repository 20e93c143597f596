package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/validator"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownType    = errors.New("unknown message type")
)

// ValidationError carries per-field messages for a rejected payload.
type ValidationError struct {
	Type   MessageType
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Type, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return model.ErrValidation
}

// Decode parses one frame into its typed client message and validates it.
func Decode(data []byte) (ClientMessage, MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return nil, "", fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	var msg ClientMessage
	switch env.Type {
	case TypeStart:
		msg = &StartRequest{}
	case TypeQuestion:
		msg = &QuestionRequest{}
	case TypeAnswer:
		msg = &AnswerRequest{}
	case TypeComplete:
		msg = &CompleteRequest{}
	case TypeReconnect:
		msg = &ReconnectRequest{}
	default:
		return nil, env.Type, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	payload := env.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, env.Type, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if fields := validator.Struct(msg); fields != nil {
		return nil, env.Type, &ValidationError{Type: env.Type, Fields: fields}
	}
	return msg, env.Type, nil
}
