package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/middleware"
	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/service"
	ws "github.com/prepline/examcore/internal/websocket"
)

const (
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
	handlerTimeout = 15 * time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// client is one authenticated connection. Only writePump writes to conn.
type client struct {
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) bind(id uuid.UUID) {
	c.mu.Lock()
	c.sessions[id] = struct{}{}
	c.mu.Unlock()
}

func (c *client) unbind(id uuid.UUID) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *client) bound(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

func (c *client) boundSessions() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// enqueue hands a frame to the writer. A client that cannot keep up is dropped.
func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.log.Warn().Msg("Send buffer full, closing slow connection")
		c.close()
	}
}

func (c *client) reply(t ws.MessageType, payload any) {
	frame, err := ws.Encode(t, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(t)).Msg("Encode reply failed")
		c.enqueue(ws.EncodeError(ws.ErrCodeHandler, "internal error", nil))
		return
	}
	c.enqueue(frame)
}

// WSHandler is the connection gateway for live exam sessions.
type WSHandler struct {
	sessions  *service.ExamSessionService
	auth      *service.AuthService
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	log       zerolog.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
}

// NewWSHandler creates the gateway and registers it as the session notifier.
func NewWSHandler(sessions *service.ExamSessionService, auth *service.AuthService, heartbeat time.Duration, allowedOrigins []string, log zerolog.Logger) *WSHandler {
	h := &WSHandler{
		sessions:  sessions,
		auth:      auth,
		upgrader:  buildUpgrader(allowedOrigins),
		heartbeat: heartbeat,
		log:       log.With().Str("component", "ws_handler").Logger(),
		clients:   make(map[uuid.UUID]map[*client]struct{}),
	}
	sessions.SetNotifier(h)
	return h
}

// Stream godoc
// WS /ws/v1/sessions?token=...
// Upgrades to WebSocket for live exam sessions. Connections without a valid
// identity are closed with 1008 before any message is exchanged.
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	claims, err := h.auth.ValidateToken(middleware.TokenFromRequest(c.Request))
	if err != nil {
		h.log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("Rejecting unauthenticated connection")
		_ = ws.CloseWith(conn, websocket.ClosePolicyViolation, "Authentication required")
		return
	}

	cl := &client{
		userID:   claims.UserID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		sessions: make(map[uuid.UUID]struct{}),
		log:      h.log.With().Str("user_id", claims.UserID.String()).Logger(),
	}
	h.register(cl)
	cl.log.Info().Msg("Candidate connected")

	go h.writePump(cl)
	h.readPump(cl)

	h.unregister(cl)
	h.sessions.Disconnect(cl.userID, cl.boundSessions())
	cl.log.Info().Msg("Candidate disconnected")
}

// readPump reads frames until the connection fails. A peer that misses the
// pong after a ping is cut off by the read deadline.
func (h *WSHandler) readPump(cl *client) {
	defer cl.close()

	pongWait := 2 * h.heartbeat
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}
		h.dispatch(cl, data)
	}
}

func (h *WSHandler) writePump(cl *client) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case <-cl.done:
			return
		case frame := <-cl.send:
			if err := ws.WriteFrame(cl.conn, frame); err != nil {
				cl.close()
				return
			}
		case <-ticker.C:
			if err := ws.WritePing(cl.conn); err != nil {
				cl.close()
				return
			}
		}
	}
}

// dispatch routes one frame. Every failure becomes an error reply; nothing
// here closes the connection or escapes as a panic.
func (h *WSHandler) dispatch(cl *client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			cl.log.Error().Interface("panic", r).Msg("Handler panicked")
			cl.enqueue(ws.EncodeError(ws.ErrCodeHandler, "internal error", nil))
		}
	}()

	msg, typ, err := ws.Decode(data)
	if err != nil {
		h.replyError(cl, typ, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch m := msg.(type) {
	case *ws.StartRequest:
		err = h.handleStart(ctx, cl, m)
	case *ws.QuestionRequest:
		err = h.handleQuestion(ctx, cl, m)
	case *ws.AnswerRequest:
		err = h.handleAnswer(ctx, cl, m)
	case *ws.CompleteRequest:
		err = h.handleComplete(ctx, cl, m)
	case *ws.ReconnectRequest:
		err = h.handleReconnect(ctx, cl, m)
	default:
		err = ws.ErrUnknownType
	}
	if err != nil {
		h.replyError(cl, typ, err)
	}
}

func (h *WSHandler) handleStart(ctx context.Context, cl *client, m *ws.StartRequest) error {
	snap, err := h.sessions.Start(ctx, cl.userID, service.StartRequest{
		TestType:        m.TestType,
		QuestionIDs:     m.QuestionsList,
		DurationMinutes: m.DurationMinutes,
		PaperID:         m.PaperID,
	})
	if err != nil {
		return err
	}
	cl.bind(snap.ID)
	cl.reply(ws.TypeStart, ws.StartedPayload{
		SessionID:       snap.ID.String(),
		TestType:        snap.TestType,
		PaperID:         snap.PaperID,
		QuestionsList:   snap.QuestionIDs,
		DurationMinutes: snap.DurationMinutes,
		StartedAt:       snap.StartedAt,
		EndsAt:          snap.EndsAt,
	})
	return nil
}

func (h *WSHandler) handleQuestion(ctx context.Context, cl *client, m *ws.QuestionRequest) error {
	res, err := h.sessions.Navigate(ctx, cl.userID, uuid.MustParse(m.SessionID), *m.QuestionIndex)
	if err != nil {
		return err
	}
	cl.reply(ws.TypeQuestion, ws.QuestionPayload{
		SessionID:     res.SessionID.String(),
		QuestionIndex: res.QuestionIndex,
		QuestionID:    res.QuestionID,
		TimeRemaining: res.TimeRemaining,
	})
	return nil
}

func (h *WSHandler) handleAnswer(ctx context.Context, cl *client, m *ws.AnswerRequest) error {
	req := service.AnswerRequest{
		SessionID:  uuid.MustParse(m.SessionID),
		QuestionID: m.QuestionID,
		Answer:     m.Answer,
		TimeSpent:  m.TimeSpent,
		Flagged:    m.Flagged,
	}
	if m.ClientTimestamp != nil && !m.ClientTimestamp.IsZero() {
		ts := m.ClientTimestamp.Time
		req.ClientTimestamp = &ts
	}

	ack, err := h.sessions.Answer(ctx, cl.userID, req)
	if err != nil {
		return err
	}
	cl.reply(ws.TypeAnswer, ws.AnswerAckPayload{
		SessionID:  ack.SessionID.String(),
		QuestionID: ack.QuestionID,
		Saved:      ack.Saved,
		ServerTime: ack.ServerTime.UnixMilli(),
	})
	return nil
}

func (h *WSHandler) handleComplete(ctx context.Context, cl *client, m *ws.CompleteRequest) error {
	id := uuid.MustParse(m.SessionID)
	wasBound := cl.bound(id)
	summary, err := h.sessions.Complete(ctx, cl.userID, id)
	if err != nil {
		return err
	}
	// Bound connections already received the completion broadcast.
	if !wasBound {
		cl.reply(ws.TypeComplete, completePayload(summary))
	}
	return nil
}

func (h *WSHandler) handleReconnect(ctx context.Context, cl *client, m *ws.ReconnectRequest) error {
	id := uuid.MustParse(m.SessionID)
	res, err := h.sessions.Reconnect(ctx, cl.userID, id)
	if err != nil {
		return err
	}
	if res.Final != nil {
		cl.reply(ws.TypeComplete, completePayload(*res.Final))
		return nil
	}

	if cl.bound(id) {
		// Already counted as a participant through this connection.
		h.sessions.Disconnect(cl.userID, []uuid.UUID{id})
	}
	cl.bind(id)
	cl.reply(ws.TypeState, statePayload(res.State))
	return nil
}

// Tick implements service.Notifier.
func (h *WSHandler) Tick(sessionID uuid.UUID, remaining int, serverTime time.Time) {
	h.Broadcast(sessionID, ws.TypeTimer, ws.TimerPayload{
		SessionID:     sessionID.String(),
		TimeRemaining: remaining,
		ServerTime:    serverTime.UnixMilli(),
	})
}

// Completed implements service.Notifier.
func (h *WSHandler) Completed(sessionID uuid.UUID, summary service.CompletionSummary) {
	h.Broadcast(sessionID, ws.TypeComplete, completePayload(summary))

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for cl := range conns {
			cl.unbind(sessionID)
		}
	}
}

// Broadcast delivers a message only to connections bound to the session whose
// user is in the session's current participant set.
func (h *WSHandler) Broadcast(sessionID uuid.UUID, t ws.MessageType, payload any) {
	participants := h.sessions.Participants(sessionID)
	if len(participants) == 0 {
		return
	}
	frame, err := ws.Encode(t, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(t)).Msg("Encode broadcast failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range participants {
		for cl := range h.clients[userID] {
			if cl.bound(sessionID) {
				cl.enqueue(frame)
			}
		}
	}
}

// Achievements forwards unlocked achievements to every connection of a user.
func (h *WSHandler) Achievements(userID uuid.UUID, achievements json.RawMessage) {
	frame, err := ws.Encode(ws.TypeAchievements, ws.AchievementsPayload{Achievements: achievements})
	if err != nil {
		h.log.Error().Err(err).Msg("Encode achievements failed")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients[userID] {
		cl.enqueue(frame)
	}
}

// Connections returns the number of open connections.
func (h *WSHandler) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

func (h *WSHandler) register(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[cl.userID] == nil {
		h.clients[cl.userID] = make(map[*client]struct{})
	}
	h.clients[cl.userID][cl] = struct{}{}
}

func (h *WSHandler) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[cl.userID], cl)
	if len(h.clients[cl.userID]) == 0 {
		delete(h.clients, cl.userID)
	}
}

func (h *WSHandler) replyError(cl *client, typ ws.MessageType, err error) {
	code, message, details := errorReply(err)
	if code == ws.ErrCodeHandler || code == ws.ErrCodeTransaction {
		cl.log.Error().Err(err).Str("type", string(typ)).Msg("Handler failed")
	} else {
		cl.log.Debug().Err(err).Str("type", string(typ)).Str("code", string(code)).Msg("Request rejected")
	}
	cl.enqueue(ws.EncodeError(code, message, details))
}

func errorReply(err error) (ws.ErrorCode, string, any) {
	var ve *ws.ValidationError
	switch {
	case errors.As(err, &ve):
		return ws.ErrCodeValidation, "invalid payload", ve.Fields
	case errors.Is(err, ws.ErrUnknownType):
		return ws.ErrCodeUnknownType, err.Error(), nil
	case errors.Is(err, ws.ErrInvalidMessage):
		return ws.ErrCodeInvalidMessage, err.Error(), nil
	case errors.Is(err, model.ErrValidation):
		return ws.ErrCodeValidation, err.Error(), nil
	case errors.Is(err, model.ErrSessionNotFound):
		return ws.ErrCodeNotFound, "session not found or no longer resumable", nil
	case errors.Is(err, model.ErrSessionExpired):
		return ws.ErrCodeExpired, "session time is over", nil
	case errors.Is(err, model.ErrSessionClosed):
		return ws.ErrCodeClosed, "session already finalized", nil
	case errors.Is(err, model.ErrNotParticipant):
		return ws.ErrCodeForbidden, "not allowed to act on this session", nil
	case errors.Is(err, model.ErrTransaction):
		return ws.ErrCodeTransaction, "could not save the result, please retry", nil
	default:
		return ws.ErrCodeHandler, "internal error", nil
	}
}

func completePayload(s service.CompletionSummary) ws.CompletePayload {
	return ws.CompletePayload{
		SessionID:      s.SessionID.String(),
		Status:         string(s.Status),
		Score:          s.Score,
		TotalQuestions: s.TotalQuestions,
		CorrectAnswers: s.CorrectAnswers,
		Accuracy:       s.Accuracy,
		XPEarned:       s.XPEarned,
	}
}

func statePayload(st *service.SessionState) ws.StatePayload {
	answers := make([]ws.AnswerState, 0, len(st.Answers))
	for _, qid := range st.QuestionIDs {
		a, ok := st.Answers[qid]
		if !ok {
			continue
		}
		answers = append(answers, ws.AnswerState{
			QuestionID: a.QuestionID,
			Answer:     a.OptionID,
			TimeSpent:  a.TimeSpentSeconds,
			Flagged:    a.Flagged,
		})
	}
	return ws.StatePayload{
		SessionID:            st.ID.String(),
		TestType:             st.TestType,
		PaperID:              st.PaperID,
		Status:               string(st.Status),
		QuestionsList:        st.QuestionIDs,
		CurrentQuestionIndex: st.CurrentQuestionIndex,
		Answers:              answers,
		DurationMinutes:      st.DurationMinutes,
		StartedAt:            st.StartedAt,
		EndsAt:               st.EndsAt,
		TimeRemaining:        st.TimeRemaining,
		ServerTime:           st.ServerTime.UnixMilli(),
		LastEventSequence:    st.LastEventSequence,
	}
}
