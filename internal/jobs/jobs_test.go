package jobs

import (
	"context"
	"log/slog"
	"testing"

	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage/memory"
)

func TestRecomputeStorage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	log := logger.New(logger.Config{Level: slog.LevelError})

	// alice's figures have drifted; bob's are already right.
	alice := &model.User{
		ID: "u1", Username: "alice", Email: "alice@example.com",
		StorageUsed: model.StorageUsed{DBDocuments: 999, AttachedFiles: 999},
	}
	bob := &model.User{ID: "u2", Username: "bob", Email: "bob@example.com"}
	for _, u := range []*model.User{alice, bob} {
		if err := store.Users().Create(ctx, u); err != nil {
			t.Fatalf("seed %s: %v", u.Username, err)
		}
	}

	seedStream := func(id, name string) {
		s := &model.Stream{ID: id, Name: name}
		s.Stamp("test")
		if err := store.Streams().Create(ctx, "u1", s); err != nil {
			t.Fatalf("seed stream %s: %v", id, err)
		}
	}
	seedStream("work", "Work")
	seedStream("health", "Health")

	e := &model.Event{
		ID: "e1", StreamIDs: []string{"work"}, Type: "note/txt", Time: 100,
		Attachments: []model.Attachment{{ID: "f1", FileName: "a.bin", Size: 512}},
	}
	e.Stamp("test")
	if err := store.Events().Create(ctx, "u1", e); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	a := &model.Access{ID: "a1", Token: "tok", Type: model.AccessApp, Name: "app"}
	a.Stamp("test")
	if err := store.Accesses().Create(ctx, "u1", a); err != nil {
		t.Fatalf("seed access: %v", err)
	}

	users, failed, err := New(store, log).RecomputeStorage(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if users != 2 || failed != 0 {
		t.Errorf("users = %d, failed = %d", users, failed)
	}

	got, err := store.Users().GetByID(ctx, "u1")
	if err != nil {
		t.Fatalf("reload alice: %v", err)
	}
	want := model.StorageUsed{DBDocuments: 4, AttachedFiles: 512}
	if got.StorageUsed != want {
		t.Errorf("alice storageUsed = %+v, want %+v", got.StorageUsed, want)
	}

	got, err = store.Users().GetByID(ctx, "u2")
	if err != nil {
		t.Fatalf("reload bob: %v", err)
	}
	if got.StorageUsed != (model.StorageUsed{}) {
		t.Errorf("bob storageUsed = %+v, want zero", got.StorageUsed)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	store := memory.New()
	log := logger.New(logger.Config{Level: slog.LevelError})

	s := New(store, log)
	if err := s.Start("not a schedule"); err == nil {
		t.Fatal("bad schedule accepted")
	}

	if err := s.Start("@daily"); err != nil {
		t.Fatalf("daily schedule refused: %v", err)
	}
	s.Stop()
}
