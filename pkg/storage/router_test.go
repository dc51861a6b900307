package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
	"github.com/mindspace-dev/mindspace-store/pkg/storage/storagetest"
)

func newRouter(t *testing.T) (*storage.Router, *storagetest.Remote, *storage.LocalBackend) {
	t.Helper()
	local, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "data"), nil)
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	remote := storagetest.NewRemote()
	return storage.NewRouter(remote, local, storage.RouterOptions{}), remote, local
}

func TestProbe(t *testing.T) {
	remote := storagetest.NewRemote()
	p := storage.NewProbe(remote, time.Second, nil, nil)
	ctx := context.Background()

	if !p.Available(ctx) {
		t.Error("Expected healthy remote to be available")
	}
	remote.SetDown(true)
	if p.Available(ctx) {
		t.Error("Expected failing remote to be unavailable")
	}
	// Not cached: recovery is seen on the next call
	remote.SetDown(false)
	if !p.Available(ctx) {
		t.Error("Expected recovered remote to be available")
	}

	if storage.NewProbe(nil, 0, nil, nil).Available(ctx) {
		t.Error("Probe without a remote must report unavailable")
	}
}

func TestRouter_WritesGoRemoteWhenAvailable(t *testing.T) {
	r, remote, local := newRouter(t)
	ctx := context.Background()

	entry := schema.MoodEntry{EntryMeta: schema.EntryMeta{ID: "m1", Timestamp: "2024-01-01T00:00:00Z"}, Mood: "Neutral"}
	if err := r.AppendEntry(ctx, "u1", schema.KindMood, entry); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}

	if remote.Calls("append_entry") != 1 {
		t.Errorf("Expected one remote append, got %d", remote.Calls("append_entry"))
	}
	rec, _ := local.Get(ctx, "u1")
	if len(rec.MoodHistory) != 0 {
		t.Errorf("Local store should be untouched, got %+v", rec.MoodHistory)
	}
	got, _ := r.Get(ctx, "u1")
	if len(got.MoodHistory) != 1 {
		t.Errorf("Expected remote read to see the entry, got %+v", got.MoodHistory)
	}
}

// Every write succeeds and is visible locally when the remote is forced to fail.
func TestRouter_FallbackCorrectness(t *testing.T) {
	for _, mode := range []string{"down", "write-errors"} {
		t.Run(mode, func(t *testing.T) {
			r, remote, local := newRouter(t)
			ctx := context.Background()
			if mode == "down" {
				remote.SetDown(true)
			} else {
				remote.SetFailWrites(true)
			}

			writes := []struct {
				kind  schema.HistoryKind
				entry schema.Entry
			}{
				{schema.KindMood, schema.MoodEntry{EntryMeta: schema.EntryMeta{ID: "m1"}, Mood: "Positive"}},
				{schema.KindTask, schema.TaskEntry{EntryMeta: schema.EntryMeta{ID: "t1"}, Title: "x", Priority: "High", Status: "pending"}},
				{schema.KindFocus, schema.FocusEntry{EntryMeta: schema.EntryMeta{ID: "f1"}, Task: "x", Status: "completed"}},
				{schema.KindSchedule, schema.ScheduleEntry{EntryMeta: schema.EntryMeta{ID: "s1"}, Date: "2024-01-01"}},
				{schema.KindChat, schema.ChatEntry{EntryMeta: schema.EntryMeta{ID: "c1"}, Role: "user", Content: "hi"}},
			}
			for _, w := range writes {
				if err := r.AppendEntry(ctx, "u1", w.kind, w.entry); err != nil {
					t.Fatalf("AppendEntry(%s) failed: %v", w.kind, err)
				}
			}
			if err := r.UpdateProfile(ctx, "u1", "bio", []string{"a"}); err != nil {
				t.Fatalf("UpdateProfile failed: %v", err)
			}
			if err := r.UpdateSettings(ctx, "u1", schema.Settings{Theme: "dark"}); err != nil {
				t.Fatalf("UpdateSettings failed: %v", err)
			}

			rec, err := local.Get(ctx, "u1")
			if err != nil {
				t.Fatalf("local Get failed: %v", err)
			}
			for _, w := range writes {
				list := rec.List(w.kind)
				if len(list) != 1 || list[0].EntryID() != w.entry.EntryID() {
					t.Errorf("%s not visible locally: %+v", w.kind, list)
				}
			}
			if rec.Profile.Bio != "bio" || rec.Settings.Theme != "dark" {
				t.Errorf("Profile/settings not written locally: %+v %+v", rec.Profile, rec.Settings)
			}
		})
	}
}

func TestRouter_LocalFailurePropagates(t *testing.T) {
	r, remote, _ := newRouter(t)
	remote.SetDown(true)

	err := r.AppendEntry(context.Background(), "../x", schema.KindMood, schema.MoodEntry{Mood: "Neutral"})
	if !errors.Is(err, storage.ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}
}

func TestRouter_NoRemoteConfigured(t *testing.T) {
	local, _ := storage.NewLocalBackend(t.TempDir(), nil)
	r := storage.NewRouter(nil, local, storage.RouterOptions{})
	ctx := context.Background()

	if r.Available(ctx) {
		t.Error("Router without a remote must not be available")
	}
	if err := r.AppendEntry(ctx, "u1", schema.KindMood, schema.MoodEntry{Mood: "Neutral"}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	rec, _ := r.Get(ctx, "u1")
	if len(rec.MoodHistory) != 1 {
		t.Errorf("Expected local entry, got %+v", rec.MoodHistory)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestRouter_GetFallsBackWhenRemoteMissing(t *testing.T) {
	r, _, local := newRouter(t)
	ctx := context.Background()

	local.AppendEntry(ctx, "u1", schema.KindMood, schema.MoodEntry{EntryMeta: schema.EntryMeta{ID: "m1"}, Mood: "Neutral"})

	rec, err := r.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(rec.MoodHistory) != 1 {
		t.Errorf("Expected local record when remote has none, got %+v", rec)
	}
}

func TestRouter_FindChallenge(t *testing.T) {
	r, remote, local := newRouter(t)
	ctx := context.Background()

	if _, _, err := r.FindChallenge(ctx, "a@b.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	local.PutChallenge(ctx, schema.OtpChallenge{Email: "a@b.com", Code: "111111"})
	c, where, err := r.FindChallenge(ctx, "a@b.com")
	if err != nil || c.Code != "111111" || where != storage.ChallengeStore(local) {
		t.Errorf("Expected local challenge, got %+v %T %v", c, where, err)
	}

	remote.PutChallenge(ctx, schema.OtpChallenge{Email: "a@b.com", Code: "222222"})
	c, where, _ = r.FindChallenge(ctx, "a@b.com")
	if c.Code != "222222" || where != storage.ChallengeStore(remote) {
		t.Errorf("Expected remote challenge to win, got %+v %T", c, where)
	}
}

// A challenge issued during an outage must not be hidden by an older remote one.
func TestRouter_FindChallenge_NewestWins(t *testing.T) {
	r, remote, local := newRouter(t)
	ctx := context.Background()

	remote.PutChallenge(ctx, schema.OtpChallenge{Email: "a@b.com", Code: "111111", ExpiresAt: "2024-05-01T12:10:00Z"})
	local.PutChallenge(ctx, schema.OtpChallenge{Email: "a@b.com", Code: "222222", ExpiresAt: "2024-05-01T12:11:00Z"})

	c, where, err := r.FindChallenge(ctx, "a@b.com")
	if err != nil || c.Code != "222222" || where != storage.ChallengeStore(local) {
		t.Fatalf("Expected newer local challenge, got %+v %T %v", c, where, err)
	}
	if _, err := remote.GetChallenge(ctx, "a@b.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Superseded remote challenge was kept: %v", err)
	}
}

func TestRouter_PutChallengeClearsLocalCopy(t *testing.T) {
	r, remote, local := newRouter(t)
	ctx := context.Background()

	remote.SetDown(true)
	if err := r.PutChallenge(ctx, schema.OtpChallenge{Email: "a@b.com", Code: "111111"}); err != nil {
		t.Fatalf("PutChallenge failed: %v", err)
	}
	remote.SetDown(false)
	if err := r.PutChallenge(ctx, schema.OtpChallenge{Email: "a@b.com", Code: "222222"}); err != nil {
		t.Fatalf("PutChallenge failed: %v", err)
	}

	if _, err := local.GetChallenge(ctx, "a@b.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Stale local challenge was kept: %v", err)
	}
	c, _ := remote.GetChallenge(ctx, "a@b.com")
	if c.Code != "222222" {
		t.Errorf("Unexpected remote challenge %+v", c)
	}
}

func TestRouter_ChatFallback(t *testing.T) {
	r, remote, _ := newRouter(t)
	ctx := context.Background()

	remote.SetDown(true)
	if err := r.AppendMessage(ctx, "c1", []string{"a", "b"}, schema.BuddyMessage{Sender: "a", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	chat, err := r.GetChat(ctx, "c1")
	if err != nil || len(chat.Messages) != 1 {
		t.Errorf("Expected local chat, got %+v %v", chat, err)
	}
}

func TestMigrate(t *testing.T) {
	_, remote, local := newRouter(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		local.AppendEntry(ctx, id, schema.KindTask, schema.TaskEntry{EntryMeta: schema.EntryMeta{ID: "t-" + id}, Title: id, Priority: "Low", Status: "pending"})
	}

	n, err := storage.Migrate(ctx, local, remote, nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 migrated users, got %d", n)
	}
	users, _ := remote.ListUsers(ctx)
	if strings.Join(users, ",") != "a,b" {
		t.Errorf("Unexpected remote users %v", users)
	}
	rec, _ := remote.Get(ctx, "b")
	if len(rec.TaskHistory) != 1 || rec.TaskHistory[0].ID != "t-b" {
		t.Errorf("Task not migrated: %+v", rec.TaskHistory)
	}

	remote.SetFailWrites(true)
	if _, err := storage.Migrate(ctx, local, remote, nil); !errors.Is(err, storagetest.ErrInjected) {
		t.Errorf("Expected write failure to propagate, got %v", err)
	}
}
