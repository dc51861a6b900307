package sdk

import (
	"context"
	"fmt"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// RemoteBackend stores user documents in a mindspace-stored daemon.
type RemoteBackend struct {
	client *Client
}

var _ storage.Backend = (*RemoteBackend)(nil)

func NewRemoteBackend(c *Client) *RemoteBackend {
	return &RemoteBackend{client: c}
}

// Client exposes the underlying connection.
func (b *RemoteBackend) Client() *Client { return b.client }

func (b *RemoteBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

func (b *RemoteBackend) Close() error {
	return b.client.Close()
}

func (b *RemoteBackend) Get(ctx context.Context, userID string) (*schema.UserRecord, error) {
	// Fields missing from the stored document keep their defaults.
	rec := schema.NewUserRecord(userID)
	if err := b.client.GetInto(ctx, storage.CollectionUsers, userID, rec); err != nil {
		return nil, err
	}
	rec.UserID = userID
	rec.Normalize()
	return rec, nil
}

// AppendEntry is a single APPEND, executed atomically by the daemon.
func (b *RemoteBackend) AppendEntry(ctx context.Context, userID string, kind schema.HistoryKind, entry schema.Entry) error {
	_, err := b.client.Append(ctx, storage.CollectionUsers, userID, string(kind), entry)
	return err
}

func (b *RemoteBackend) ReplaceList(ctx context.Context, userID string, kind schema.HistoryKind, entries []schema.Entry) error {
	if entries == nil {
		entries = []schema.Entry{}
	}
	return b.client.SetPath(ctx, storage.CollectionUsers, userID, string(kind), entries)
}

func (b *RemoteBackend) UpdateProfile(ctx context.Context, userID, bio string, interests []string) error {
	if interests == nil {
		interests = []string{}
	}
	if err := b.client.SetPath(ctx, storage.CollectionUsers, userID, "profile.bio", bio); err != nil {
		return err
	}
	return b.client.SetPath(ctx, storage.CollectionUsers, userID, "profile.interests", interests)
}

func (b *RemoteBackend) UpdateSettings(ctx context.Context, userID string, settings schema.Settings) error {
	return b.client.SetPath(ctx, storage.CollectionUsers, userID, "settings", settings)
}

func (b *RemoteBackend) PutRecord(ctx context.Context, rec *schema.UserRecord) error {
	c := rec.Clone()
	return b.client.Put(ctx, storage.CollectionUsers, c.UserID, c)
}

func (b *RemoteBackend) ListUsers(ctx context.Context) ([]string, error) {
	return b.client.List(ctx, storage.CollectionUsers)
}

// --- OTP challenges ---

func (b *RemoteBackend) PutChallenge(ctx context.Context, c schema.OtpChallenge) error {
	return b.client.Put(ctx, storage.CollectionOTPs, c.Email, c)
}

func (b *RemoteBackend) GetChallenge(ctx context.Context, email string) (schema.OtpChallenge, error) {
	c, err := Get[schema.OtpChallenge](ctx, b.client, storage.CollectionOTPs, email)
	if err != nil {
		return c, err
	}
	c.Email = email
	return c, nil
}

func (b *RemoteBackend) DeleteChallenge(ctx context.Context, email string) error {
	return b.client.Delete(ctx, storage.CollectionOTPs, email)
}

// --- Buddy chats ---

func (b *RemoteBackend) AppendMessage(ctx context.Context, chatID string, participants []string, msg schema.BuddyMessage) error {
	if err := b.client.SetPath(ctx, storage.CollectionChats, chatID, "participants", participants); err != nil {
		return fmt.Errorf("set participants: %w", err)
	}
	_, err := b.client.Append(ctx, storage.CollectionChats, chatID, "messages", msg)
	return err
}

func (b *RemoteBackend) GetChat(ctx context.Context, chatID string) (*schema.BuddyChat, error) {
	chat, err := Get[schema.BuddyChat](ctx, b.client, storage.CollectionChats, chatID)
	if err != nil {
		return nil, err
	}
	chat.ID = chatID
	if chat.Messages == nil {
		chat.Messages = []schema.BuddyMessage{}
	}
	return &chat, nil
}
