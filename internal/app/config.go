package app

import (
	"time"

	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
	"github.com/courseloom/courseloom-backend/internal/utils"
)

type Config struct {
	Port           string
	AllowedOrigins string

	SessionMaxBudget  int
	SessionKeepRecent int
	IdleTimeout       time.Duration
	SweepInterval     time.Duration

	DrainTimeout time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Port:              utils.GetEnv("PORT", "8080", log),
		AllowedOrigins:    utils.GetEnv("ALLOWED_ORIGINS", "", log),
		SessionMaxBudget:  utils.GetEnvAsInt("SESSION_MAX_BUDGET", 0, log),
		SessionKeepRecent: utils.GetEnvAsInt("SESSION_KEEP_RECENT", 0, log),
		IdleTimeout:       utils.GetEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute, log),
		SweepInterval:     utils.GetEnvAsDuration("SESSION_SWEEP_INTERVAL", 30*time.Second, log),
		DrainTimeout:      utils.GetEnvAsDuration("DRAIN_TIMEOUT", 15*time.Second, log),
	}
}
