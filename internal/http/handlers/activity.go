package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/data/repos"
	"github.com/courseloom/courseloom-backend/internal/domain"
	"github.com/courseloom/courseloom-backend/internal/http/response"
	"github.com/courseloom/courseloom-backend/internal/pkg/ctxutil"
	"github.com/courseloom/courseloom-backend/internal/services"
)

type ActivityHandler struct {
	activities repos.ActivityRepo
	avatars    services.AvatarService
}

func NewActivityHandler(activities repos.ActivityRepo, avatars services.AvatarService) *ActivityHandler {
	return &ActivityHandler{activities: activities, avatars: avatars}
}

type activityInput struct {
	Title       string                  `json:"title" binding:"required"`
	Description string                  `json:"description"`
	CoachConfig services.CoachConfigDoc `json:"coach_config" binding:"required"`
}

// validateAndEncodeConfig round-trips the config through the engine's
// validation so an activity can never be saved in a state that would fail
// at session start.
func validateAndEncodeConfig(doc services.CoachConfigDoc) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if _, err := services.ParseCoachConfig(raw, uuid.New()); err != nil {
		return nil, err
	}
	return raw, nil
}

func (h *ActivityHandler) Create(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	var req activityInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	raw, err := validateAndEncodeConfig(req.CoachConfig)
	if err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "invalid_coach_config", err)
		return
	}

	activity := &domain.Activity{
		ID:          uuid.New(),
		AuthorID:    rd.UserID,
		Title:       req.Title,
		Description: req.Description,
		CoachConfig: raw,
	}
	if err := h.activities.Create(c.Request.Context(), nil, activity); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "activity_create_failed", err)
		return
	}
	response.RespondCreated(c, activity)
}

func (h *ActivityHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_activity_id", err)
		return
	}
	activity, err := h.activities.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondError(c, http.StatusNotFound, "activity_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "activity_lookup_failed", err)
		return
	}
	response.RespondOK(c, activity)
}

func (h *ActivityHandler) List(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	activities, err := h.activities.ListByAuthor(c.Request.Context(), nil, rd.UserID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "activity_list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"activities": activities})
}

// PersonaAvatar serves the coach persona's avatar for an activity. The
// image is a pure function of the persona name, so it is marked cacheable.
func (h *ActivityHandler) PersonaAvatar(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_activity_id", err)
		return
	}
	activity, err := h.activities.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondError(c, http.StatusNotFound, "activity_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "activity_lookup_failed", err)
		return
	}
	cfg, err := services.ParseCoachConfig(activity.CoachConfig, activity.ID)
	if err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "invalid_coach_config", err)
		return
	}

	buf, err := h.avatars.PersonaAvatarPNG(cfg.Persona.Name)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "avatar_render_failed", err)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (h *ActivityHandler) Update(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_activity_id", err)
		return
	}

	activity, err := h.activities.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondError(c, http.StatusNotFound, "activity_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "activity_lookup_failed", err)
		return
	}
	if activity.AuthorID != rd.UserID {
		response.RespondError(c, http.StatusForbidden, "activity_forbidden", errors.New("activity belongs to another author"))
		return
	}

	var req activityInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	raw, err := validateAndEncodeConfig(req.CoachConfig)
	if err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "invalid_coach_config", err)
		return
	}

	activity.Title = req.Title
	activity.Description = req.Description
	activity.CoachConfig = raw
	if err := h.activities.Update(c.Request.Context(), nil, activity); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "activity_update_failed", err)
		return
	}
	response.RespondOK(c, activity)
}

func (h *ActivityHandler) Delete(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_activity_id", err)
		return
	}

	activity, err := h.activities.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondError(c, http.StatusNotFound, "activity_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "activity_lookup_failed", err)
		return
	}
	if activity.AuthorID != rd.UserID {
		response.RespondError(c, http.StatusForbidden, "activity_forbidden", errors.New("activity belongs to another author"))
		return
	}

	if err := h.activities.Delete(c.Request.Context(), nil, id); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "activity_delete_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"ok": true})
}
