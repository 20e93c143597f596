package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Encode builds one {type, payload} frame.
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// EncodeError builds an error frame. It never fails.
func EncodeError(code ErrorCode, message string, details any) []byte {
	frame, err := Encode(TypeError, ErrorPayload{Code: code, Message: message, Details: details})
	if err != nil {
		frame, _ = Encode(TypeError, ErrorPayload{Code: code, Message: message})
	}
	return frame
}

// WriteFrame writes a pre-encoded text frame with a write deadline.
func WriteFrame(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// WritePing sends a ping control frame.
func WritePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWith sends a close frame with code and reason, then closes the connection.
func CloseWith(conn *websocket.Conn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return conn.Close()
}
