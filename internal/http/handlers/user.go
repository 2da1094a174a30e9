package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/data/repos"
	"github.com/courseloom/courseloom-backend/internal/domain"
	"github.com/courseloom/courseloom-backend/internal/http/response"
	"github.com/courseloom/courseloom-backend/internal/pkg/ctxutil"
	"github.com/courseloom/courseloom-backend/internal/platform/media"
	"github.com/courseloom/courseloom-backend/internal/services"
	"github.com/courseloom/courseloom-backend/internal/sse"
)

const maxAvatarUploadBytes = 5 << 20

type UserHandler struct {
	users   repos.UserRepo
	avatars services.AvatarService
	store   media.Store
	emitter services.SSEEmitter
}

func NewUserHandler(users repos.UserRepo, avatars services.AvatarService, store media.Store, emitter services.SSEEmitter) *UserHandler {
	return &UserHandler{users: users, avatars: avatars, store: store, emitter: emitter}
}

type userView struct {
	*domain.User
	AvatarURL string `json:"avatar_url,omitempty"`
}

func (h *UserHandler) view(u *domain.User) userView {
	v := userView{User: u}
	if u.AvatarKey != "" {
		v.AvatarURL = h.store.PublicURL(u.AvatarKey)
	}
	return v
}

// GET /api/me
func (h *UserHandler) GetMe(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	user, err := h.users.GetByID(c.Request.Context(), nil, rd.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondError(c, http.StatusNotFound, "user_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "user_lookup_failed", err)
		return
	}
	response.RespondOK(c, h.view(user))
}

// PUT /api/me/avatar accepts a multipart image upload.
func (h *UserHandler) UploadAvatar(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	user, err := h.users.GetByID(c.Request.Context(), nil, rd.UserID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "user_lookup_failed", err)
		return
	}

	fileHeader, err := c.FormFile("avatar")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_avatar_file", err)
		return
	}
	if fileHeader.Size > maxAvatarUploadBytes {
		response.RespondError(c, http.StatusRequestEntityTooLarge, "avatar_too_large", errors.New("avatar exceeds 5MB"))
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_avatar_file", err)
		return
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxAvatarUploadBytes+1))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_avatar_file", err)
		return
	}

	if err := h.avatars.SetAvatarFromImage(c.Request.Context(), nil, user, raw); err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "avatar_processing_failed", err)
		return
	}

	h.emitter.Emit(context.Background(), sse.SSEMessage{
		Channel: user.ID.String(),
		Event:   sse.SSEEventUserAvatarUpdated,
		Data:    map[string]any{"avatar_url": h.store.PublicURL(user.AvatarKey)},
	})
	response.RespondOK(c, h.view(user))
}

// POST /api/me/avatar/regenerate rebuilds the initials avatar.
func (h *UserHandler) RegenerateAvatar(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	user, err := h.users.GetByID(c.Request.Context(), nil, rd.UserID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "user_lookup_failed", err)
		return
	}
	if err := h.avatars.GenerateInitialsAvatar(c.Request.Context(), user); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "avatar_generation_failed", err)
		return
	}
	response.RespondOK(c, h.view(user))
}
