package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/courseloom/courseloom-backend/internal/http/handlers"
	httpMW "github.com/courseloom/courseloom-backend/internal/http/middleware"
)

type RouterConfig struct {
	HealthHandler     *httpH.HealthHandler
	AuthHandler       *httpH.AuthHandler
	AuthMiddleware    *httpMW.AuthMiddleware
	UserHandler       *httpH.UserHandler
	RealtimeHandler   *httpH.RealtimeHandler
	ActivityHandler   *httpH.ActivityHandler
	CoachingHandler   *httpH.CoachingHandler
	TranscriptHandler *httpH.TranscriptHandler

	AllowedOrigins string
	MediaDir       string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.Health)
	}
	if cfg.MediaDir != "" {
		r.Static("/media", cfg.MediaDir)
	}

	api := r.Group("/api")
	{
		if cfg.AuthHandler != nil {
			api.POST("/register", cfg.AuthHandler.Register)
			api.POST("/login", cfg.AuthHandler.Login)
		}
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.AuthHandler != nil {
			protected.POST("/refresh", cfg.AuthHandler.Refresh)
			protected.POST("/logout", cfg.AuthHandler.Logout)
		}

		if cfg.RealtimeHandler != nil {
			protected.GET("/realtime/stream", cfg.RealtimeHandler.Stream)
			protected.POST("/realtime/subscribe", cfg.RealtimeHandler.Subscribe)
			protected.POST("/realtime/unsubscribe", cfg.RealtimeHandler.Unsubscribe)
		}

		if cfg.UserHandler != nil {
			protected.GET("/me", cfg.UserHandler.GetMe)
			protected.PUT("/me/avatar", cfg.UserHandler.UploadAvatar)
			protected.POST("/me/avatar/regenerate", cfg.UserHandler.RegenerateAvatar)
		}

		if cfg.ActivityHandler != nil {
			protected.POST("/activities", cfg.ActivityHandler.Create)
			protected.GET("/activities", cfg.ActivityHandler.List)
			protected.GET("/activities/:id", cfg.ActivityHandler.Get)
			protected.GET("/activities/:id/persona-avatar", cfg.ActivityHandler.PersonaAvatar)
			protected.PUT("/activities/:id", cfg.ActivityHandler.Update)
			protected.DELETE("/activities/:id", cfg.ActivityHandler.Delete)
		}

		if cfg.TranscriptHandler != nil {
			protected.GET("/activities/:id/transcripts", cfg.TranscriptHandler.ListByActivity)
			protected.GET("/coach/sessions/:id/transcript", cfg.TranscriptHandler.GetBySession)
		}

		if cfg.CoachingHandler != nil {
			protected.POST("/coach/sessions", cfg.CoachingHandler.StartSession)
			protected.GET("/coach/sessions/:id", cfg.CoachingHandler.GetSession)
			protected.POST("/coach/sessions/:id/turns", cfg.CoachingHandler.Turn)
			protected.POST("/coach/sessions/:id/cancel", cfg.CoachingHandler.Cancel)
			protected.POST("/coach/sessions/:id/end", cfg.CoachingHandler.End)
			protected.POST("/coach/sessions/:id/extend", cfg.CoachingHandler.Extend)
		}
	}

	return r
}
