package repos

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/courseloom/courseloom-backend/internal/domain"
)

func TestActivityCRUD(t *testing.T) {
	db := testDB(t)
	repo := NewActivityRepo(db, testLogger(t))
	ctx := context.Background()

	authorID := uuid.New()
	activity := &domain.Activity{
		ID:          uuid.New(),
		AuthorID:    authorID,
		Title:       "French Revolution discussion",
		CoachConfig: datatypes.JSON([]byte(`{"persona":{"name":"Ada","style":"supportive"}}`)),
	}
	if err := repo.Create(ctx, nil, activity); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, nil, activity.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Title != activity.Title {
		t.Fatalf("title = %q", got.Title)
	}

	got.Title = "Revised title"
	if err := repo.Update(ctx, nil, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	listed, err := repo.ListByAuthor(ctx, nil, authorID)
	if err != nil {
		t.Fatalf("ListByAuthor: %v", err)
	}
	if len(listed) != 1 || listed[0].Title != "Revised title" {
		t.Fatalf("listed = %+v", listed)
	}

	if err := repo.Delete(ctx, nil, activity.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, nil, activity.ID); err == nil {
		t.Fatal("deleted activity still readable")
	}
}

func TestUserRepoEmailLookups(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepo(db, testLogger(t))
	ctx := context.Background()

	user := &domain.User{
		ID:        uuid.New(),
		Email:     "author@example.com",
		Password:  "hashed",
		FirstName: "Course",
		LastName:  "Author",
	}
	if err := repo.Create(ctx, nil, user); err != nil {
		t.Fatalf("Create: %v", err)
	}

	exists, err := repo.EmailExists(ctx, nil, "author@example.com")
	if err != nil || !exists {
		t.Fatalf("EmailExists = %v, %v", exists, err)
	}
	exists, err = repo.EmailExists(ctx, nil, "nobody@example.com")
	if err != nil || exists {
		t.Fatalf("EmailExists(missing) = %v, %v", exists, err)
	}

	got, err := repo.GetByEmail(ctx, nil, "author@example.com")
	if err != nil || got.ID != user.ID {
		t.Fatalf("GetByEmail = %+v, %v", got, err)
	}
}
