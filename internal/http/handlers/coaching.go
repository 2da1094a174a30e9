package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courseloom/courseloom-backend/internal/coaching"
	"github.com/courseloom/courseloom-backend/internal/http/response"
	"github.com/courseloom/courseloom-backend/internal/pkg/ctxutil"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
	"github.com/courseloom/courseloom-backend/internal/services"
)

type CoachingHandler struct {
	coach services.CoachingService
	log   *logger.Logger
}

func NewCoachingHandler(coach services.CoachingService, baseLog *logger.Logger) *CoachingHandler {
	return &CoachingHandler{coach: coach, log: baseLog.With("handler", "CoachingHandler")}
}

type sessionView struct {
	SessionID          uuid.UUID              `json:"session_id"`
	ActivityID         uuid.UUID              `json:"activity_id"`
	Status             coaching.SessionStatus `json:"status"`
	CoveragePercentage float64                `json:"coverage_percentage"`
	Persona            coaching.PersonaConfig `json:"persona"`
	OpeningMessage     string                 `json:"opening_message,omitempty"`
}

func viewOf(s *coaching.Session) sessionView {
	v := sessionView{
		SessionID:          s.ID,
		ActivityID:         s.ActivityID,
		Status:             s.Status(),
		CoveragePercentage: s.CoveragePercentage(),
		Persona:            s.Persona(),
	}
	return v
}

// POST /api/coach/sessions
func (h *CoachingHandler) StartSession(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	var req struct {
		ActivityID uuid.UUID `json:"activity_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	session, err := h.coach.StartSession(c.Request.Context(), rd.UserID, req.ActivityID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}

	v := viewOf(session)
	if last, err := session.ContextView(); err == nil && len(last) > 0 {
		v.OpeningMessage = last[len(last)-1].Text
	}
	response.RespondCreated(c, v)
}

// GET /api/coach/sessions/:id resumes from memory or from the stored
// transcript.
func (h *CoachingHandler) GetSession(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	session, err := h.coach.Resume(c.Request.Context(), rd.UserID, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, viewOf(session))
}

type turnRequest struct {
	Message    string         `json:"message"`
	Structured map[string]any `json:"structured"`
}

func (r turnRequest) payload() (coaching.ContentPayload, error) {
	if len(r.Structured) > 0 {
		return coaching.StructuredContent(r.Structured), nil
	}
	if r.Message == "" {
		return coaching.ContentPayload{}, errors.New("message or structured content required")
	}
	return coaching.TextContent(r.Message), nil
}

// POST /api/coach/sessions/:id/turns streams the reply as SSE on this
// request. Closing the connection cancels generation; the engine keeps
// whatever streamed as a partial message.
func (h *CoachingHandler) Turn(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	content, err := req.payload()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "empty_turn", err)
		return
	}

	events, err := h.coach.Turn(c.Request.Context(), rd.UserID, id, content)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", errors.New("response writer cannot stream"))
		return
	}

	// Drain the full channel even if the client goes away so the engine's
	// turn goroutine always completes.
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.log.Warn("failed to marshal turn event", "error", err)
			continue
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}

// POST /api/coach/sessions/:id/cancel
func (h *CoachingHandler) Cancel(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	cancelled, err := h.coach.Cancel(c.Request.Context(), rd.UserID, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"cancelled": cancelled})
}

// POST /api/coach/sessions/:id/end
func (h *CoachingHandler) End(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	transcript, err := h.coach.End(c.Request.Context(), rd.UserID, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, transcript)
}

// POST /api/coach/sessions/:id/extend
func (h *CoachingHandler) Extend(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	deadline, err := h.coach.Extend(c.Request.Context(), rd.UserID, id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deadline": deadline})
}
