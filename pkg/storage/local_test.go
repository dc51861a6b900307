package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
)

func newLocal(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(filepath.Join(t.TempDir(), "data"), nil)
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	return b
}

func TestLocal_MissingUserIsEmptyRecord(t *testing.T) {
	b := newLocal(t)

	rec, err := b.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.UserID != "nobody" || len(rec.MoodHistory) != 0 || rec.MoodHistory == nil {
		t.Errorf("Expected empty record, got %+v", rec)
	}
	if rec.Settings != schema.DefaultSettings() {
		t.Errorf("Expected default settings, got %+v", rec.Settings)
	}
}

func TestLocal_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	if _, err := NewLocalBackend(dir, nil); err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("Storage directory not created: %v", err)
	}
}

func TestLocal_AppendAndReload(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()

	mood := schema.MoodEntry{EntryMeta: schema.EntryMeta{ID: "m1", Timestamp: "2024-05-01T10:00:00"}, Mood: "Positive"}
	if err := b.AppendEntry(ctx, "u1", schema.KindMood, mood); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	task := schema.TaskEntry{EntryMeta: schema.EntryMeta{ID: "t1"}, Title: "Read", Priority: "Low", Status: "pending"}
	if err := b.AppendEntry(ctx, "u1", schema.KindTask, task); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(b.Dir(), "user_u1.json")); err != nil {
		t.Fatalf("User file missing: %v", err)
	}

	// A fresh backend over the same directory sees the same data
	b2, _ := NewLocalBackend(b.Dir(), nil)
	rec, err := b2.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(rec.MoodHistory) != 1 || rec.MoodHistory[0].Mood != "Positive" {
		t.Errorf("Mood history mismatch: %+v", rec.MoodHistory)
	}
	if len(rec.TaskHistory) != 1 || rec.TaskHistory[0].ID != "t1" {
		t.Errorf("Task history mismatch: %+v", rec.TaskHistory)
	}
}

func TestLocal_AppendWrongType(t *testing.T) {
	b := newLocal(t)
	err := b.AppendEntry(context.Background(), "u1", schema.KindTask, schema.MoodEntry{Mood: "Neutral"})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
}

func TestLocal_ProfileKeepsOtherFields(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()

	rec := schema.NewUserRecord("u1")
	rec.Profile.Name = "Ada"
	rec.Settings.Theme = "dark"
	if err := b.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	if err := b.UpdateProfile(ctx, "u1", "maths student", []string{"chess"}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	got, _ := b.Get(ctx, "u1")
	if got.Profile.Bio != "maths student" || got.Profile.Name != "Ada" || len(got.Profile.Interests) != 1 {
		t.Errorf("Unexpected profile %+v", got.Profile)
	}
	if got.Settings.Theme != "dark" {
		t.Errorf("Profile update clobbered settings: %+v", got.Settings)
	}

	if err := b.UpdateSettings(ctx, "u1", schema.Settings{Theme: "light"}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	got, _ = b.Get(ctx, "u1")
	if got.Settings.Theme != "light" || got.Settings.NotificationsEnabled {
		t.Errorf("Unexpected settings %+v", got.Settings)
	}
}

func TestLocal_InvalidIDs(t *testing.T) {
	b := newLocal(t)
	for _, id := range []string{"", "..", "../etc", `a\b`, "a/b", "a b", "a\tb", "u1\n"} {
		if _, err := b.Get(context.Background(), id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q): expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestLocal_WriteFailureIsLocalIO(t *testing.T) {
	b := newLocal(t)
	// A directory squatting on the user file makes the rename fail.
	if err := os.MkdirAll(filepath.Join(b.Dir(), "user_u1.json", "x"), 0755); err != nil {
		t.Fatal(err)
	}
	err := b.PutRecord(context.Background(), schema.NewUserRecord("u1"))
	if !errors.Is(err, ErrLocalIO) {
		t.Errorf("Expected ErrLocalIO, got %v", err)
	}
}

func TestLocal_ListUsers(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	b.PutRecord(ctx, schema.NewUserRecord("a"))
	b.PutRecord(ctx, schema.NewUserRecord("b"))
	b.PutChallenge(ctx, schema.OtpChallenge{Email: "x@y.z", Code: "1", ExpiresAt: time.Now().Format(time.RFC3339)})

	users, err := b.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if strings.Join(users, ",") != "a,b" {
		t.Errorf("Expected [a b], got %v", users)
	}
}

func TestLocal_Challenges(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()

	if _, err := b.GetChallenge(ctx, "a@b.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	c := schema.OtpChallenge{Email: "a@b.com", Code: "123456", ExpiresAt: "2030-01-01T00:00:00Z"}
	if err := b.PutChallenge(ctx, c); err != nil {
		t.Fatalf("PutChallenge failed: %v", err)
	}
	got, err := b.GetChallenge(ctx, "A@b.com ")
	if err != nil || got.Code != "123456" {
		t.Errorf("Expected case-insensitive lookup, got %+v %v", got, err)
	}

	files, _ := os.ReadDir(filepath.Join(b.Dir(), "otp"))
	if len(files) != 1 || strings.Contains(files[0].Name(), "@") {
		t.Errorf("Challenge file should be named by hash, got %v", files)
	}

	if err := b.DeleteChallenge(ctx, "a@b.com"); err != nil {
		t.Fatalf("DeleteChallenge failed: %v", err)
	}
	if _, err := b.GetChallenge(ctx, "a@b.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocal_Chats(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()

	if _, err := b.GetChat(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	b.AppendMessage(ctx, "c1", []string{"u1", "u2"}, schema.BuddyMessage{Sender: "u1", Content: "hi"})
	b.AppendMessage(ctx, "c1", []string{"u1", "u2"}, schema.BuddyMessage{Sender: "u2", Content: "hey"})

	chat, err := b.GetChat(ctx, "c1")
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if len(chat.Participants) != 2 || len(chat.Messages) != 2 || chat.Messages[1].Sender != "u2" {
		t.Errorf("Unexpected chat %+v", chat)
	}
}
