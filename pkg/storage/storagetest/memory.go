// Package storagetest provides an in-memory storage.Backend whose
// availability can be switched off, for exercising fallback paths.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// ErrInjected is returned by every call while the remote is failing.
var ErrInjected = errors.New("injected remote failure")

// Remote is an in-memory remote store.
type Remote struct {
	mu         sync.Mutex
	down       bool // Ping fails and every call errors
	failWrites bool // Ping succeeds but writes error
	records    map[string]*schema.UserRecord
	challenges map[string]schema.OtpChallenge
	chats      map[string]*schema.BuddyChat
	calls      map[string]int
}

var _ storage.Backend = (*Remote)(nil)

func NewRemote() *Remote {
	return &Remote{
		records:    make(map[string]*schema.UserRecord),
		challenges: make(map[string]schema.OtpChallenge),
		chats:      make(map[string]*schema.BuddyChat),
		calls:      make(map[string]int),
	}
}

// SetDown makes the remote unreachable (probe fails too).
func (r *Remote) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// SetFailWrites keeps the probe passing while every write fails.
func (r *Remote) SetFailWrites(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites = fail
}

// Calls returns how many times op reached the remote.
func (r *Remote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Seed stores rec as-is.
func (r *Remote) Seed(rec *schema.UserRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.UserID] = rec.Clone()
}

// begin MUST be called while holding r.mu.
func (r *Remote) begin(op string, write bool) error {
	r.calls[op]++
	if r.down || (write && r.failWrites) {
		return ErrInjected
	}
	return nil
}

func (r *Remote) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begin("ping", false)
}

func (r *Remote) Close() error { return nil }

func (r *Remote) Get(ctx context.Context, userID string) (*schema.UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("get", false); err != nil {
		return nil, err
	}
	rec, ok := r.records[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

// record MUST be called while holding r.mu.
func (r *Remote) record(userID string) *schema.UserRecord {
	rec, ok := r.records[userID]
	if !ok {
		rec = schema.NewUserRecord(userID)
		r.records[userID] = rec
	}
	return rec
}

func (r *Remote) AppendEntry(ctx context.Context, userID string, kind schema.HistoryKind, entry schema.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("append_entry", true); err != nil {
		return err
	}
	return r.record(userID).Append(kind, entry)
}

func (r *Remote) ReplaceList(ctx context.Context, userID string, kind schema.HistoryKind, entries []schema.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("replace_list", true); err != nil {
		return err
	}
	return r.record(userID).SetList(kind, entries)
}

func (r *Remote) UpdateProfile(ctx context.Context, userID, bio string, interests []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("update_profile", true); err != nil {
		return err
	}
	rec := r.record(userID)
	rec.Profile.Bio = bio
	rec.Profile.Interests = append([]string{}, interests...)
	return nil
}

func (r *Remote) UpdateSettings(ctx context.Context, userID string, settings schema.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("update_settings", true); err != nil {
		return err
	}
	r.record(userID).Settings = settings
	return nil
}

func (r *Remote) PutRecord(ctx context.Context, rec *schema.UserRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("put_record", true); err != nil {
		return err
	}
	r.records[rec.UserID] = rec.Clone()
	return nil
}

func (r *Remote) ListUsers(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("list_users", false); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Remote) PutChallenge(ctx context.Context, c schema.OtpChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("put_challenge", true); err != nil {
		return err
	}
	r.challenges[c.Email] = c
	return nil
}

func (r *Remote) GetChallenge(ctx context.Context, email string) (schema.OtpChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("get_challenge", false); err != nil {
		return schema.OtpChallenge{}, err
	}
	c, ok := r.challenges[email]
	if !ok {
		return c, storage.ErrNotFound
	}
	return c, nil
}

func (r *Remote) DeleteChallenge(ctx context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("delete_challenge", true); err != nil {
		return err
	}
	delete(r.challenges, email)
	return nil
}

func (r *Remote) AppendMessage(ctx context.Context, chatID string, participants []string, msg schema.BuddyMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("append_message", true); err != nil {
		return err
	}
	chat, ok := r.chats[chatID]
	if !ok {
		chat = &schema.BuddyChat{ID: chatID, Participants: append([]string{}, participants...), Messages: []schema.BuddyMessage{}}
		r.chats[chatID] = chat
	}
	chat.Messages = append(chat.Messages, msg)
	return nil
}

func (r *Remote) GetChat(ctx context.Context, chatID string) (*schema.BuddyChat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("get_chat", false); err != nil {
		return nil, err
	}
	chat, ok := r.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *chat
	c.Participants = append([]string{}, chat.Participants...)
	c.Messages = append([]schema.BuddyMessage{}, chat.Messages...)
	return &c, nil
}
