package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

func TestOpen_IsLazy(t *testing.T) {
	b, err := Open("mongodb://127.0.0.1:1", "", nil)
	if err != nil {
		t.Fatalf("Open should not dial: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := b.Ping(ctx); err == nil {
		t.Error("Ping against a closed port should fail")
	}
}

// Set MONGO_TEST_URL to run, e.g. MONGO_TEST_URL="mongodb://localhost:27017"
func TestMongo_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URL")
	if uri == "" {
		t.Skip("MONGO_TEST_URL not set, skipping MongoDB integration test")
	}

	b, err := Open(uri, "mindspace_test", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()
	ctx := context.Background()
	if err := b.client.Database("mindspace_test").Drop(ctx); err != nil {
		t.Fatalf("failed to reset database: %v", err)
	}

	if _, err := b.Get(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	m1 := schema.MoodEntry{EntryMeta: schema.EntryMeta{ID: "m1", Timestamp: "2024-01-01T00:00:00Z"}, Mood: "Neutral"}
	b.AppendEntry(ctx, "u1", schema.KindMood, m1)
	b.AppendEntry(ctx, "u1", schema.KindMood, m1)
	b.UpdateProfile(ctx, "u1", "bio", []string{"go"})

	rec, err := b.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(rec.MoodHistory) != 1 || rec.MoodHistory[0].ID != "m1" {
		t.Errorf("$addToSet should dedupe, got %+v", rec.MoodHistory)
	}
	if rec.Profile.Bio != "bio" || rec.Settings != schema.DefaultSettings() {
		t.Errorf("Unexpected profile/settings %+v %+v", rec.Profile, rec.Settings)
	}

	c := schema.OtpChallenge{Email: "a@b.com", Code: "123456", ExpiresAt: "2030-01-01T00:00:00Z"}
	b.PutChallenge(ctx, c)
	got, err := b.GetChallenge(ctx, "a@b.com")
	if err != nil || got.Code != "123456" {
		t.Errorf("Unexpected challenge %+v %v", got, err)
	}

	b.AppendMessage(ctx, "c1", []string{"a", "b"}, schema.BuddyMessage{Sender: "a", Content: "hi"})
	chat, err := b.GetChat(ctx, "c1")
	if err != nil || len(chat.Messages) != 1 || len(chat.Participants) != 2 {
		t.Errorf("Unexpected chat %+v %v", chat, err)
	}

	users, _ := b.ListUsers(ctx)
	if len(users) != 1 {
		t.Errorf("Unexpected users %v", users)
	}
}
