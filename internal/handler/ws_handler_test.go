package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/ledger"
	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/repository/memstore"
	"github.com/prepline/examcore/internal/scoring"
	"github.com/prepline/examcore/internal/service"
	"github.com/prepline/examcore/internal/session"
	"github.com/prepline/examcore/internal/timer"
	ws "github.com/prepline/examcore/internal/websocket"
)

type gateway struct {
	server   *httptest.Server
	auth     *service.AuthService
	handler  *WSHandler
	store    *memstore.Store
	sessions *service.ExamSessionService
}

func newGateway(t *testing.T, tick time.Duration) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := memstore.New()
	store.AddQuestion(1, model.OptionSnapshot{ID: 11, IsCorrect: true}, model.OptionSnapshot{ID: 12})
	store.AddQuestion(2, model.OptionSnapshot{ID: 21}, model.OptionSnapshot{ID: 22, IsCorrect: true})

	fin := scoring.NewFinalizer(store, zerolog.Nop())
	registry := session.NewRegistry(store, ledger.NewMemory(), fin, zerolog.Nop())
	scheduler := timer.NewScheduler(tick, zerolog.Nop())
	t.Cleanup(scheduler.Shutdown)
	sessions := service.NewExamSessionService(registry, scheduler, store, store, fin,
		service.NewActiveSessions(rdb), service.SessionConfig{DriftThreshold: 5 * time.Second}, zerolog.Nop())

	auth := service.NewAuthService(&config.Config{JWTSecret: "gateway-secret", JWTExpiry: time.Hour})
	h := NewWSHandler(sessions, auth, time.Minute, nil, zerolog.Nop())

	r := gin.New()
	r.GET("/ws/v1/sessions", h.Stream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &gateway{server: srv, auth: auth, handler: h, store: store, sessions: sessions}
}

func (g *gateway) dial(t *testing.T, user uuid.UUID) *websocket.Conn {
	t.Helper()
	token, err := g.auth.GenerateToken(user, "candidate")
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/v1/sessions"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ ws.MessageType, payload any) {
	t.Helper()
	frame, err := ws.Encode(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one of type want arrives, skipping timer ticks.
func expect(t *testing.T, conn *websocket.Conn, want ws.MessageType, into any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if env.Type == ws.TypeTimer && want != ws.TypeTimer {
			continue
		}
		if env.Type != want {
			t.Fatalf("got %s frame %s, want %s", env.Type, data, want)
		}
		if into != nil {
			if err := json.Unmarshal(env.Payload, into); err != nil {
				t.Fatalf("decode %s payload: %v", want, err)
			}
		}
		return
	}
}

func expectError(t *testing.T, conn *websocket.Conn, code ws.ErrorCode) {
	t.Helper()
	var p ws.ErrorPayload
	expect(t, conn, ws.TypeError, &p)
	if p.Code != code {
		t.Fatalf("error code = %s (%s), want %s", p.Code, p.Message, code)
	}
}

func startSession(t *testing.T, conn *websocket.Conn) ws.StartedPayload {
	t.Helper()
	send(t, conn, ws.TypeStart, map[string]any{"testType": "practice", "questionsList": []int64{1, 2}, "durationMinutes": 20})
	var started ws.StartedPayload
	expect(t, conn, ws.TypeStart, &started)
	return started
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	g := newGateway(t, time.Hour)
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/v1/sessions?token=garbage"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation || ce.Text != "Authentication required" {
		t.Fatalf("read err = %v, want close 1008", err)
	}
}

func TestSessionFlowOverWebSocket(t *testing.T) {
	g := newGateway(t, time.Hour)
	user := uuid.New()
	conn := g.dial(t, user)

	started := startSession(t, conn)
	if started.SessionID == "" || len(started.QuestionsList) != 2 || started.DurationMinutes != 20 {
		t.Fatalf("started = %+v", started)
	}
	if got := started.EndsAt.Sub(started.StartedAt); got != 20*time.Minute {
		t.Fatalf("endsAt - startedAt = %v", got)
	}

	send(t, conn, ws.TypeAnswer, map[string]any{"sessionId": started.SessionID, "questionId": 1, "answer": 11, "timeSpent": 14})
	var ack ws.AnswerAckPayload
	expect(t, conn, ws.TypeAnswer, &ack)
	if !ack.Saved || ack.QuestionID != 1 || ack.ServerTime == 0 {
		t.Fatalf("ack = %+v", ack)
	}

	send(t, conn, ws.TypeQuestion, map[string]any{"sessionId": started.SessionID, "questionIndex": 1})
	var nav ws.QuestionPayload
	expect(t, conn, ws.TypeQuestion, &nav)
	if nav.QuestionIndex != 1 || nav.QuestionID != 2 || nav.TimeRemaining <= 0 {
		t.Fatalf("navigate = %+v", nav)
	}

	send(t, conn, ws.TypeQuestion, map[string]any{"sessionId": started.SessionID, "questionIndex": 5})
	expectError(t, conn, ws.ErrCodeValidation)

	send(t, conn, ws.TypeComplete, map[string]any{"sessionId": started.SessionID})
	var done ws.CompletePayload
	expect(t, conn, ws.TypeComplete, &done)
	if done.Status != string(model.SessionStatusCompleted) || done.Score != 1 || done.CorrectAnswers != 1 || done.Accuracy != 50 || done.XPEarned != 110 {
		t.Fatalf("complete = %+v", done)
	}

	send(t, conn, ws.TypeAnswer, map[string]any{"sessionId": started.SessionID, "questionId": 2, "answer": 22})
	expectError(t, conn, ws.ErrCodeNotFound)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	g := newGateway(t, time.Hour)
	conn := g.dial(t, uuid.New())

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{oops")); err != nil {
		t.Fatal(err)
	}
	expectError(t, conn, ws.ErrCodeInvalidMessage)

	send(t, conn, "test:pause", map[string]any{})
	expectError(t, conn, ws.ErrCodeUnknownType)

	send(t, conn, ws.TypeReconnect, map[string]any{"sessionId": "not-a-uuid"})
	expectError(t, conn, ws.ErrCodeValidation)

	send(t, conn, ws.TypeReconnect, map[string]any{"sessionId": uuid.NewString()})
	expectError(t, conn, ws.ErrCodeNotFound)

	startSession(t, conn)
}

func TestOtherUserCannotTouchSession(t *testing.T) {
	g := newGateway(t, time.Hour)
	owner := g.dial(t, uuid.New())
	intruder := g.dial(t, uuid.New())

	started := startSession(t, owner)

	send(t, intruder, ws.TypeAnswer, map[string]any{"sessionId": started.SessionID, "questionId": 1, "answer": 12})
	expectError(t, intruder, ws.ErrCodeForbidden)

	send(t, intruder, ws.TypeReconnect, map[string]any{"sessionId": started.SessionID})
	expectError(t, intruder, ws.ErrCodeForbidden)
}

func TestReconnectFromSecondConnection(t *testing.T) {
	g := newGateway(t, time.Hour)
	user := uuid.New()
	first := g.dial(t, user)
	started := startSession(t, first)

	send(t, first, ws.TypeAnswer, map[string]any{"sessionId": started.SessionID, "questionId": 2, "answer": 22, "flagged": true})
	expect(t, first, ws.TypeAnswer, nil)

	second := g.dial(t, user)
	send(t, second, ws.TypeReconnect, map[string]any{"sessionId": started.SessionID})
	var st ws.StatePayload
	expect(t, second, ws.TypeState, &st)
	if st.Status != string(model.SessionStatusInProgress) || len(st.Answers) != 1 || !st.Answers[0].Flagged {
		t.Fatalf("state = %+v", st)
	}
	if st.TimeRemaining <= 0 || st.TimeRemaining > 1200 {
		t.Fatalf("timeRemaining = %d", st.TimeRemaining)
	}

	// Completing on one connection reaches both.
	send(t, first, ws.TypeComplete, map[string]any{"sessionId": started.SessionID})
	var a, b ws.CompletePayload
	expect(t, first, ws.TypeComplete, &a)
	expect(t, second, ws.TypeComplete, &b)
	if a.SessionID != started.SessionID || b.SessionID != started.SessionID {
		t.Fatalf("completion payloads = %+v / %+v", a, b)
	}
}

func TestTimerTicksReachBoundConnections(t *testing.T) {
	g := newGateway(t, 20*time.Millisecond)
	conn := g.dial(t, uuid.New())
	started := startSession(t, conn)

	var tick ws.TimerPayload
	expect(t, conn, ws.TypeTimer, &tick)
	if tick.SessionID != started.SessionID || tick.TimeRemaining <= 0 || tick.TimeRemaining > 1200 || tick.ServerTime == 0 {
		t.Fatalf("tick = %+v", tick)
	}

	bystander := g.dial(t, uuid.New())
	bystander.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := bystander.ReadMessage(); err == nil {
		t.Fatalf("unrelated connection received %s", data)
	}
}

func TestAchievementsReachEveryConnectionOfUser(t *testing.T) {
	g := newGateway(t, time.Hour)
	user := uuid.New()
	a := g.dial(t, user)
	b := g.dial(t, user)

	deadline := time.Now().Add(2 * time.Second)
	for g.handler.Connections() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	g.handler.Achievements(user, json.RawMessage(`[{"id":"first-mock"}]`))

	for _, conn := range []*websocket.Conn{a, b} {
		var p ws.AchievementsPayload
		expect(t, conn, ws.TypeAchievements, &p)
		if string(p.Achievements) != `[{"id":"first-mock"}]` {
			t.Fatalf("achievements = %s", p.Achievements)
		}
	}
}
