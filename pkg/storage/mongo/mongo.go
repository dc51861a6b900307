// Package mongo stores user documents in MongoDB, the document database
// the app was first written against.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "mindspace"

// Backend implements storage.Backend on MongoDB. List appends use
// $addToSet, the server's native array-union.
type Backend struct {
	client *mongo.Client
	users  *mongo.Collection
	otps   *mongo.Collection
	chats  *mongo.Collection
	logger *log.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Open configures a client for uri. The driver connects lazily, so an
// unreachable server surfaces on the first Ping, not here.
func Open(uri, database string, l *log.Logger) (*Backend, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to configure mongo client: %w", err)
	}
	if database == "" {
		database = DefaultDatabase
	}
	db := client.Database(database)
	return &Backend{
		client: client,
		users:  db.Collection(storage.CollectionUsers),
		otps:   db.Collection(storage.CollectionOTPs),
		chats:  db.Collection(storage.CollectionChats),
		logger: logger.OrDiscard(l),
	}, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, readpref.Primary())
}

func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}

func byID(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

func upsert() *options.UpdateOneOptionsBuilder {
	return options.UpdateOne().SetUpsert(true)
}

func (b *Backend) Get(ctx context.Context, userID string) (*schema.UserRecord, error) {
	rec := schema.NewUserRecord(userID)
	err := b.users.FindOne(ctx, byID(userID)).Decode(rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.UserID = userID
	rec.Normalize()
	return rec, nil
}

func (b *Backend) AppendEntry(ctx context.Context, userID string, kind schema.HistoryKind, entry schema.Entry) error {
	update := bson.D{{Key: "$addToSet", Value: bson.D{
		{Key: string(kind), Value: bson.D{{Key: "$each", Value: bson.A{entry}}}},
	}}}
	_, err := b.users.UpdateOne(ctx, byID(userID), update, upsert())
	return err
}

func (b *Backend) ReplaceList(ctx context.Context, userID string, kind schema.HistoryKind, entries []schema.Entry) error {
	if entries == nil {
		entries = []schema.Entry{}
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: string(kind), Value: entries}}}}
	_, err := b.users.UpdateOne(ctx, byID(userID), update, upsert())
	return err
}

func (b *Backend) UpdateProfile(ctx context.Context, userID, bio string, interests []string) error {
	if interests == nil {
		interests = []string{}
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "profile.bio", Value: bio},
		{Key: "profile.interests", Value: interests},
	}}}
	_, err := b.users.UpdateOne(ctx, byID(userID), update, upsert())
	return err
}

func (b *Backend) UpdateSettings(ctx context.Context, userID string, settings schema.Settings) error {
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "settings", Value: settings}}}}
	_, err := b.users.UpdateOne(ctx, byID(userID), update, upsert())
	return err
}

func (b *Backend) PutRecord(ctx context.Context, rec *schema.UserRecord) error {
	_, err := b.users.ReplaceOne(ctx, byID(rec.UserID), rec.Clone(), options.Replace().SetUpsert(true))
	return err
}

func (b *Backend) ListUsers(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := b.users.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// --- OTP challenges ---

func (b *Backend) PutChallenge(ctx context.Context, c schema.OtpChallenge) error {
	_, err := b.otps.ReplaceOne(ctx, byID(c.Email), c, options.Replace().SetUpsert(true))
	return err
}

func (b *Backend) GetChallenge(ctx context.Context, email string) (schema.OtpChallenge, error) {
	var c schema.OtpChallenge
	err := b.otps.FindOne(ctx, byID(email)).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return c, storage.ErrNotFound
	}
	return c, err
}

func (b *Backend) DeleteChallenge(ctx context.Context, email string) error {
	_, err := b.otps.DeleteOne(ctx, byID(email))
	return err
}

// --- Buddy chats ---

func (b *Backend) AppendMessage(ctx context.Context, chatID string, participants []string, msg schema.BuddyMessage) error {
	update := bson.D{
		{Key: "$setOnInsert", Value: bson.D{{Key: "participants", Value: participants}}},
		{Key: "$push", Value: bson.D{{Key: "messages", Value: msg}}},
	}
	_, err := b.chats.UpdateOne(ctx, byID(chatID), update, upsert())
	return err
}

func (b *Backend) GetChat(ctx context.Context, chatID string) (*schema.BuddyChat, error) {
	var chat schema.BuddyChat
	err := b.chats.FindOne(ctx, byID(chatID)).Decode(&chat)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if chat.Messages == nil {
		chat.Messages = []schema.BuddyMessage{}
	}
	return &chat, nil
}
