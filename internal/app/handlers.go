package app

import (
	"github.com/gin-gonic/gin"

	internalhttp "github.com/courseloom/courseloom-backend/internal/http"
	httpH "github.com/courseloom/courseloom-backend/internal/http/handlers"
	httpMW "github.com/courseloom/courseloom-backend/internal/http/middleware"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
	"github.com/courseloom/courseloom-backend/internal/sse"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health     *httpH.HealthHandler
	Auth       *httpH.AuthHandler
	User       *httpH.UserHandler
	Realtime   *httpH.RealtimeHandler
	Activity   *httpH.ActivityHandler
	Coaching   *httpH.CoachingHandler
	Transcript *httpH.TranscriptHandler
}

func wireHandlers(log *logger.Logger, r Repos, s Services, hub *sse.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:     httpH.NewHealthHandler(),
		Auth:       httpH.NewAuthHandler(s.Auth),
		User:       httpH.NewUserHandler(r.User, s.Avatar, s.Media, s.Emitter),
		Realtime:   httpH.NewRealtimeHandler(log, hub),
		Activity:   httpH.NewActivityHandler(r.Activity, s.Avatar),
		Coaching:   httpH.NewCoachingHandler(s.Coaching, log),
		Transcript: httpH.NewTranscriptHandler(s.Coaching),
	}
}

func wireMiddleware(log *logger.Logger, s Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, s.Auth),
	}
}

func wireRouter(cfg Config, handlers Handlers, middleware Middleware, mediaDir string) *gin.Engine {
	return internalhttp.NewRouter(internalhttp.RouterConfig{
		HealthHandler:     handlers.Health,
		AuthHandler:       handlers.Auth,
		AuthMiddleware:    middleware.Auth,
		UserHandler:       handlers.User,
		RealtimeHandler:   handlers.Realtime,
		ActivityHandler:   handlers.Activity,
		CoachingHandler:   handlers.Coaching,
		TranscriptHandler: handlers.Transcript,
		AllowedOrigins:    cfg.AllowedOrigins,
		MediaDir:          mediaDir,
	})
}
