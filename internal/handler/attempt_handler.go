package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/middleware"
	"github.com/prepline/examcore/internal/model"
	"github.com/prepline/examcore/internal/response"
	"github.com/prepline/examcore/internal/validator"
)

// AttemptReader reads persisted attempts.
type AttemptReader interface {
	GetAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Attempt, int, error)
	ListResponses(ctx context.Context, attemptID uuid.UUID) ([]model.Response, error)
}

// ActiveSessionLookup resolves a user's live session pointer.
type ActiveSessionLookup interface {
	ActiveSession(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
}

// AttemptHandler serves the candidate's attempt history.
type AttemptHandler struct {
	attempts AttemptReader
	active   ActiveSessionLookup
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptReader, active ActiveSessionLookup, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		active:   active,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

type listAttemptsQuery struct {
	Page    int `form:"page" binding:"omitempty,gte=1"`
	PerPage int `form:"per_page" binding:"omitempty,gte=1,lte=100"`
}

type attemptDetail struct {
	model.Attempt
	Accuracy  int              `json:"accuracy"`
	XPEarned  int              `json:"xpEarned"`
	Responses []model.Response `json:"responses"`
}

// ListAttempts godoc
// GET /api/v1/attempts?page=1&per_page=20
// Lists the caller's attempts, newest first.
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var q listAttemptsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PerPage == 0 {
		q.PerPage = 20
	}

	attempts, total, err := h.attempts.ListByUser(c.Request.Context(), claims.UserID, q.PerPage, (q.Page-1)*q.PerPage)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", claims.UserID.String()).Msg("List attempts failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"attempts": attempts}, &response.Pagination{
		Page:       q.Page,
		PerPage:    q.PerPage,
		TotalItems: total,
		TotalPages: (total + q.PerPage - 1) / q.PerPage,
	})
}

// GetAttempt godoc
// GET /api/v1/attempts/:id
// Returns one of the caller's attempts with its per-question responses.
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	a, err := h.attempts.GetAttempt(c.Request.Context(), id)
	if errors.Is(err, model.ErrAttemptNotFound) {
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Get attempt failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	// Other users' attempts look the same as missing ones.
	if a.UserID != claims.UserID {
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}

	responses, err := h.attempts.ListResponses(c.Request.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("attempt_id", id.String()).Msg("List responses failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if responses == nil {
		responses = []model.Response{}
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attemptDetail{
		Attempt:   *a,
		Accuracy:  a.Accuracy(),
		XPEarned:  a.XPEarned(),
		Responses: responses,
	}})
}

// GetActiveSession godoc
// GET /api/v1/sessions/active
// Returns the caller's in-progress session so a reloaded client can reconnect to it.
func (h *AttemptHandler) GetActiveSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, ok, err := h.active.ActiveSession(c.Request.Context(), claims.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", claims.UserID.String()).Msg("Active session lookup failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrUnavailable)
		return
	}
	if !ok {
		response.Fail(c, http.StatusNotFound, response.ErrNoActiveSession)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessionId": id})
}
