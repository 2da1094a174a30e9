package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/coaching"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
	"github.com/courseloom/courseloom-backend/internal/platform/media"
	"github.com/courseloom/courseloom-backend/internal/platform/openai"
	"github.com/courseloom/courseloom-backend/internal/services"
	"github.com/courseloom/courseloom-backend/internal/sse"
)

type Services struct {
	Auth     services.AuthService
	Avatar   services.AvatarService
	Coaching services.CoachingService

	Emitter  services.SSEEmitter
	Notifier services.CoachNotifier
	Bus      services.SSEBus
	Media    media.Store

	Orchestrator *coaching.Orchestrator
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r Repos, hub *sse.SSEHub) (Services, error) {
	log.Info("Wiring services...")

	mediaStore, err := media.NewLocalStore(log)
	if err != nil {
		return Services{}, fmt.Errorf("init media store: %w", err)
	}

	// Redis fan-out is optional; a single node falls back to the local hub.
	var emitter services.SSEEmitter
	bus, err := services.NewRedisSSEBus(log)
	if err != nil {
		log.Warn("Redis SSE bus unavailable, using in-process hub only", "error", err)
		bus = nil
		emitter = &services.HubEmitter{Hub: hub}
	} else {
		emitter = &services.BusEmitter{Bus: bus}
	}

	notifier := services.NewCoachNotifier(emitter)

	openaiClient, err := openai.NewClient(log)
	if err != nil {
		return Services{}, fmt.Errorf("init openai client: %w", err)
	}

	gen := services.NewOpenAIGenerator(openaiClient)
	sum := services.NewOpenAISummarizer(openaiClient)
	store := services.NewGormTranscriptStore(r.Transcript, log)

	orch := coaching.NewOrchestrator(gen, sum, store, notifier, log, coaching.OrchestratorOptions{
		Eviction: coaching.EvictionPolicy{
			MaxIdle:       cfg.IdleTimeout,
			SweepInterval: cfg.SweepInterval,
		},
		MaxBudget:  cfg.SessionMaxBudget,
		KeepRecent: cfg.SessionKeepRecent,
	})

	avatarService, err := services.NewAvatarService(db, log, r.User, mediaStore)
	if err != nil {
		return Services{}, fmt.Errorf("init avatar service: %w", err)
	}
	authService := services.NewAuthService(db, r.User, r.UserToken, avatarService, log)
	coachingService := services.NewCoachingService(orch, r.Activity, r.Transcript, notifier, log)

	return Services{
		Auth:         authService,
		Avatar:       avatarService,
		Coaching:     coachingService,
		Emitter:      emitter,
		Notifier:     notifier,
		Bus:          bus,
		Media:        mediaStore,
		Orchestrator: orch,
	}, nil
}
