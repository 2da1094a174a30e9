package services

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/courseloom/courseloom-backend/internal/data/repos"
	"github.com/courseloom/courseloom-backend/internal/domain"
	"github.com/courseloom/courseloom-backend/internal/platform/media"
)

func newAvatarFixture(t *testing.T) (AvatarService, repos.UserRepo, string) {
	t.Helper()
	mediaDir := t.TempDir()
	t.Setenv("MEDIA_DIR", mediaDir)

	db := testDB(t)
	log := testLogger(t)
	users := repos.NewUserRepo(db, log)

	store, err := media.NewLocalStore(log)
	if err != nil {
		t.Fatalf("media store: %v", err)
	}
	svc, err := NewAvatarService(db, log, users, store)
	if err != nil {
		t.Fatalf("avatar service: %v", err)
	}
	return svc, users, mediaDir
}

func TestPersonaAvatarDeterministic(t *testing.T) {
	svc, _, _ := newAvatarFixture(t)

	a, err := svc.PersonaAvatarPNG("Ada Lovelace")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, err := svc.PersonaAvatarPNG("Ada Lovelace")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("same persona name must render identical bytes")
	}

	c, err := svc.PersonaAvatarPNG("Marcus Aurelius")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if bytes.Equal(a.Bytes(), c.Bytes()) {
		t.Fatal("different persona names should render different avatars")
	}
}

func TestPersonaInitials(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Ada Lovelace", "AL"},
		{"Ada", "A"},
		{"  ", "?"},
		{"jean luc picard", "JP"},
	}
	for _, tc := range cases {
		if got := personaInitials(tc.name); got != tc.want {
			t.Fatalf("personaInitials(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestGenerateInitialsAvatarPersistsKey(t *testing.T) {
	svc, users, mediaDir := newAvatarFixture(t)

	user := &domain.User{
		ID:        uuid.New(),
		Email:     "grace@example.com",
		Password:  "x",
		FirstName: "Grace",
		LastName:  "Hopper",
	}
	if err := users.Create(context.Background(), nil, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := svc.GenerateInitialsAvatar(context.Background(), user); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if user.AvatarKey == "" {
		t.Fatal("expected avatar key to be set")
	}
	if user.AvatarColor == "" {
		t.Fatal("expected avatar color to be set")
	}
	if _, err := os.Stat(filepath.Join(mediaDir, user.AvatarKey)); err != nil {
		t.Fatalf("avatar file missing: %v", err)
	}

	stored, err := users.GetByID(context.Background(), nil, user.ID)
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if stored.AvatarKey != user.AvatarKey {
		t.Fatal("avatar key was not persisted")
	}
}
