package app

import (
	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/data/repos"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
)

type Repos struct {
	User       repos.UserRepo
	UserToken  repos.UserTokenRepo
	Activity   repos.ActivityRepo
	Transcript repos.TranscriptRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		User:       repos.NewUserRepo(db, log),
		UserToken:  repos.NewUserTokenRepo(db, log),
		Activity:   repos.NewActivityRepo(db, log),
		Transcript: repos.NewTranscriptRepo(db, log),
	}
}
