package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionHandler exposes the student's attempt over plain HTTP. The attempt
// itself is opened by the WebSocket stream.
type SessionHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.ExamSessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// CheckResume godoc
// GET /api/v1/student/exams/:exam_id/resume
// Reports whether a snapshot younger than the resume window exists. No side effects.
func (h *SessionHandler) CheckResume(c *gin.Context) {
	examID, userID, ok := attemptParams(c)
	if !ok {
		return
	}

	status, err := h.sessionService.CheckResume(c.Request.Context(), examID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("exam_id", examID).Msg("Check resume failed")
		response.FailCode(c, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, status)
}

// GetSession godoc
// GET /api/v1/student/exams/:exam_id/session
func (h *SessionHandler) GetSession(c *gin.Context) {
	examID, userID, ok := attemptParams(c)
	if !ok {
		return
	}

	state, err := h.sessionService.State(examID, userID)
	if err != nil {
		response.FailCode(c, errorCode(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": state})
}

// ResolveResume godoc
// POST /api/v1/student/exams/:exam_id/resume
// Accepts or declines the pending resume offer of the open attempt.
func (h *SessionHandler) ResolveResume(c *gin.Context) {
	examID, userID, ok := attemptParams(c)
	if !ok {
		return
	}

	var req model.ResolveResumeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.sessionService.ResolveResume(c.Request.Context(), examID, userID, *req.Accept)
	if err != nil {
		code := errorCode(err)
		if code == response.ErrInternal {
			h.log.Error().Err(err).Str("exam_id", examID).Msg("Resolve resume failed")
		}
		response.FailCode(c, code)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": state})
}

// Submit godoc
// POST /api/v1/student/exams/:exam_id/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	examID, userID, ok := attemptParams(c)
	if !ok {
		return
	}

	sub, err := h.sessionService.Submit(c.Request.Context(), examID, userID)
	if err != nil {
		response.FailCode(c, errorCode(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"submission": sub})
}

// Abandon godoc
// POST /api/v1/student/exams/:exam_id/abandon
// Ends the attempt without submitting and clears its saved progress.
func (h *SessionHandler) Abandon(c *gin.Context) {
	examID, userID, ok := attemptParams(c)
	if !ok {
		return
	}

	if err := h.sessionService.Abandon(c.Request.Context(), examID, userID); err != nil {
		response.FailCode(c, errorCode(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "abandoned"})
}

// attemptParams extracts the exam ID and the authenticated student. On
// failure the error response has already been written.
func attemptParams(c *gin.Context) (examID, userID string, ok bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return "", "", false
	}

	examID = c.Param("exam_id")
	if !validator.ValidID(examID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", "", false
	}

	return examID, claims.UserID(), true
}
