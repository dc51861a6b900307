// Package storage defines the backend contract shared by the local file cache
// and every remote document store, plus the probe and router that choose
// between them.
package storage

import (
	"context"
	"errors"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
)

var (
	// ErrRemoteUnavailable marks a failure of the remote store. It triggers
	// fallback to the local store and is never fatal on its own.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrLocalIO marks a failure of the local store. No further fallback exists.
	ErrLocalIO = errors.New("local storage I/O error")
	// ErrNotFound is returned when a requested document or entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidID is returned for identifiers that cannot be used as keys.
	ErrInvalidID = errors.New("invalid identifier")
	// ErrInvalidEntry is returned when an entry fails validation.
	ErrInvalidEntry = errors.New("invalid entry")
)

// Collection names shared by every remote document store.
const (
	CollectionUsers = "users"
	CollectionOTPs  = "otps"
	CollectionChats = "buddy_chats"
)

// --- Functional Interfaces (Interface Segregation) ---

// Pinger is a cheap liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecordReader fetches whole user documents.
type RecordReader interface {
	// Get returns ErrNotFound when the user has no document.
	Get(ctx context.Context, userID string) (*schema.UserRecord, error)
}

// RecordWriter mutates user documents.
type RecordWriter interface {
	// AppendEntry adds entry to the named list without rewriting the rest of
	// the document. It creates the document when missing.
	AppendEntry(ctx context.Context, userID string, kind schema.HistoryKind, entry schema.Entry) error
	// ReplaceList overwrites a list wholesale.
	ReplaceList(ctx context.Context, userID string, kind schema.HistoryKind, entries []schema.Entry) error
	// UpdateProfile sets profile.bio and profile.interests, leaving the rest alone.
	UpdateProfile(ctx context.Context, userID, bio string, interests []string) error
	UpdateSettings(ctx context.Context, userID string, settings schema.Settings) error
	// PutRecord overwrites the whole document.
	PutRecord(ctx context.Context, rec *schema.UserRecord) error
}

// ChallengeStore keeps OTP challenges keyed by email.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, c schema.OtpChallenge) error
	// GetChallenge returns ErrNotFound when no challenge is outstanding.
	GetChallenge(ctx context.Context, email string) (schema.OtpChallenge, error)
	DeleteChallenge(ctx context.Context, email string) error
}

// ChatStore keeps buddy chat documents.
type ChatStore interface {
	// AppendMessage adds msg to the chat, creating it with participants when missing.
	AppendMessage(ctx context.Context, chatID string, participants []string, msg schema.BuddyMessage) error
	// GetChat returns ErrNotFound when the chat does not exist.
	GetChat(ctx context.Context, chatID string) (*schema.BuddyChat, error)
}

// UserLister enumerates stored users. Used by migrations.
type UserLister interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// --- Composite Interfaces ---

// Backend is the full capability set of one storage backend.
// Both the local file cache and every remote driver implement it.
type Backend interface {
	Pinger
	RecordReader
	RecordWriter
	ChallengeStore
	ChatStore
	UserLister
	Close() error
}
