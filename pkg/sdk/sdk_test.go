package sdk_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mindspace-dev/mindspace-store/internal/engine"
	"github.com/mindspace-dev/mindspace-store/internal/server"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/sdk"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// startDaemon serves an in-memory engine on a random local port.
func startDaemon(t *testing.T) (string, *engine.MemStore, net.Listener) {
	t.Helper()
	return startDaemonIdle(t, 0)
}

// startDaemonIdle is startDaemon with a custom idle timeout.
func startDaemonIdle(t *testing.T, idle time.Duration) (string, *engine.MemStore, net.Listener) {
	t.Helper()
	store := engine.NewMemStore(nil, nil, nil)
	router := server.NewRouter(store, nil)
	router.SetIdleTimeout(idle)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				router.HandleConnection(conn)
			}()
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return listener.Addr().String(), store, listener
}

func connect(t *testing.T, addr string) *sdk.Client {
	t.Helper()
	client, err := sdk.Connect(context.Background(), addr, sdk.ClientOptions{DisableTLS: true})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_Integration(t *testing.T) {
	addr, _, _ := startDaemon(t)
	client := connect(t, addr)
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if err := client.Put(ctx, "things", "k1", map[string]any{"name": "with spaces inside"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	type Thing struct {
		Name string `json:"name"`
	}
	got, err := sdk.Get[Thing](ctx, client, "things", "k1")
	if err != nil || got.Name != "with spaces inside" {
		t.Errorf("Get failed: %+v %v", got, err)
	}

	added, err := client.Append(ctx, "things", "k1", "tags", "a")
	if err != nil || !added {
		t.Errorf("Append failed: %v %v", added, err)
	}
	added, _ = client.Append(ctx, "things", "k1", "tags", "a")
	if added {
		t.Error("Duplicate append should report false")
	}

	ids, err := client.List(ctx, "things")
	if err != nil || len(ids) != 1 || ids[0] != "k1" {
		t.Errorf("List failed: %v %v", ids, err)
	}

	if err := client.Delete(ctx, "things", "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := client.GetRaw(ctx, "things", "k1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// Protocol-breaking identifiers are rejected before sending
	if err := client.Put(ctx, "things", "has space", map[string]any{}); !errors.Is(err, storage.ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}
}

func TestClient_ServerErrorKeepsConnection(t *testing.T) {
	addr, _, _ := startDaemon(t)
	client := connect(t, addr)
	ctx := context.Background()

	err := client.SetPath(ctx, "things", "k1", "a..b", 1)
	var se *sdk.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("Expected ServerError, got %v", err)
	}
	if err := client.Ping(ctx); err != nil {
		t.Errorf("Connection unusable after ERR reply: %v", err)
	}
}

func TestClient_NoRetry(t *testing.T) {
	addr, _, listener := startDaemon(t)
	client := connect(t, addr)
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	// Kill the daemon: the next call fails once and returns promptly.
	listener.Close()
	client.Close()

	start := time.Now()
	if err := client.Ping(ctx); err == nil {
		t.Fatal("Ping should fail with the daemon gone")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Failed call took %v; expected a single quick attempt", time.Since(start))
	}
}

func TestClient_RedialsAfterIdleClose(t *testing.T) {
	addr, _, _ := startDaemonIdle(t, 100*time.Millisecond)
	client := connect(t, addr)
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	// The daemon has closed the connection by now.
	time.Sleep(300 * time.Millisecond)

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping after idle close failed: %v", err)
	}
	if err := client.Put(ctx, "things", "k1", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Put after idle close failed: %v", err)
	}
}

// A healthy daemon stays the write target across idle gaps.
func TestNew_RemoteSurvivesIdleGap(t *testing.T) {
	addr, store, _ := startDaemonIdle(t, 100*time.Millisecond)
	ctx := context.Background()

	router, err := sdk.New(ctx, sdk.Options{
		DataDir:    t.TempDir(),
		Remote:     sdk.RemoteStore,
		StoreAddr:  addr,
		DisableTLS: true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { router.Close() })

	if !router.Available(ctx) {
		t.Fatal("Expected daemon to be available")
	}
	time.Sleep(300 * time.Millisecond)

	if !router.Available(ctx) {
		t.Fatal("Daemon reported unavailable after an idle gap")
	}
	m := schema.MoodEntry{EntryMeta: schema.EntryMeta{ID: "m1", Timestamp: "2024-01-01T00:00:00Z"}, Mood: "Neutral"}
	time.Sleep(300 * time.Millisecond)
	if err := router.AppendEntry(ctx, "u1", schema.KindMood, m); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	if _, err := store.Get("users", "u1"); err != nil {
		t.Errorf("Entry did not reach the daemon: %v", err)
	}
	if _, err := os.Stat(filepath.Join(router.Local().Dir(), "user_u1.json")); !os.IsNotExist(err) {
		t.Errorf("Entry fell back to local files: %v", err)
	}
}

func TestRemoteBackend(t *testing.T) {
	addr, store, _ := startDaemon(t)
	b := sdk.NewRemoteBackend(connect(t, addr))
	ctx := context.Background()

	if _, err := b.Get(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	m1 := schema.MoodEntry{EntryMeta: schema.EntryMeta{ID: "m1", Timestamp: "2024-01-01T00:00:00Z"}, Mood: "Neutral", UserMessage: "a b  c"}
	if err := b.AppendEntry(ctx, "u1", schema.KindMood, m1); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	b.AppendEntry(ctx, "u1", schema.KindMood, m1)
	if err := b.UpdateProfile(ctx, "u1", "bio", nil); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}

	rec, err := b.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(rec.MoodHistory) != 1 || rec.MoodHistory[0].UserMessage != "a b  c" {
		t.Errorf("Unexpected mood history %+v", rec.MoodHistory)
	}
	if rec.Settings != schema.DefaultSettings() {
		t.Errorf("Missing settings should default, got %+v", rec.Settings)
	}
	if rec.Profile.Bio != "bio" || rec.Profile.Interests == nil {
		t.Errorf("Unexpected profile %+v", rec.Profile)
	}

	// The daemon holds the dotted-path update in a nested object
	doc, _ := store.Get(storage.CollectionUsers, "u1")
	if doc["profile"].(map[string]any)["bio"] != "bio" {
		t.Errorf("Unexpected stored document %v", doc)
	}

	tasks := []schema.Entry{schema.TaskEntry{EntryMeta: schema.EntryMeta{ID: "t1"}, Title: "x", Priority: "Low", Status: "pending"}}
	b.ReplaceList(ctx, "u1", schema.KindTask, tasks)
	b.ReplaceList(ctx, "u1", schema.KindMood, nil)
	rec, _ = b.Get(ctx, "u1")
	if len(rec.TaskHistory) != 1 || len(rec.MoodHistory) != 0 {
		t.Errorf("ReplaceList mismatch: %+v", rec)
	}

	c := schema.OtpChallenge{Email: "a@b.com", Code: "123456", ExpiresAt: "2030-01-01T00:00:00Z", Attempts: 1}
	b.PutChallenge(ctx, c)
	got, err := b.GetChallenge(ctx, "a@b.com")
	if err != nil || got != c {
		t.Errorf("Challenge round trip: %+v %v", got, err)
	}
	b.DeleteChallenge(ctx, "a@b.com")
	if _, err := b.GetChallenge(ctx, "a@b.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	b.AppendMessage(ctx, "c1", []string{"a", "b"}, schema.BuddyMessage{Sender: "a", Content: "hi", Timestamp: "t1"})
	b.AppendMessage(ctx, "c1", []string{"a", "b"}, schema.BuddyMessage{Sender: "b", Content: "yo", Timestamp: "t2"})
	chat, err := b.GetChat(ctx, "c1")
	if err != nil || len(chat.Messages) != 2 || chat.ID != "c1" {
		t.Errorf("Unexpected chat %+v %v", chat, err)
	}
}

func TestOpenRemote(t *testing.T) {
	if b, err := sdk.OpenRemote(sdk.Options{Remote: sdk.RemoteNone}); b != nil || err != nil {
		t.Errorf("Expected no remote, got %v %v", b, err)
	}
	if _, err := sdk.OpenRemote(sdk.Options{Remote: sdk.RemoteStore}); err == nil {
		t.Error("Expected missing address to fail")
	}
	if _, err := sdk.OpenRemote(sdk.Options{Remote: "redis"}); err == nil {
		t.Error("Expected unknown remote kind to fail")
	}
	b, err := sdk.OpenRemote(sdk.Options{Remote: sdk.RemotePostgres, PostgresDSN: "postgres://invalid"})
	if err != nil || b == nil {
		t.Errorf("Expected lazy postgres backend, got %v %v", b, err)
	}
}

func TestNew_FallsBackWhenDaemonDown(t *testing.T) {
	// Nothing listens on this address
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := l.Addr().String()
	l.Close()

	dir := filepath.Join(t.TempDir(), "data")
	router, err := sdk.New(context.Background(), sdk.Options{
		DataDir:      dir,
		Remote:       sdk.RemoteStore,
		StoreAddr:    addr,
		DisableTLS:   true,
		ProbeTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer router.Close()

	ctx := context.Background()
	if err := router.AppendEntry(ctx, "u1", schema.KindMood, schema.MoodEntry{Mood: "Neutral"}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	rec, _ := router.Local().Get(ctx, "u1")
	if len(rec.MoodHistory) != 1 {
		t.Errorf("Expected local fallback write, got %+v", rec.MoodHistory)
	}
}
