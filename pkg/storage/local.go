package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/engine"
	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
)

const (
	userFilePrefix = "user_"
	otpDir         = "otp"
	chatDir        = "chats"
)

// LocalBackend stores one JSON file per user on local disk. It is the last
// line of durability when the remote store is unreachable, so every write
// failure is reported as ErrLocalIO.
//
// It is safe for concurrent use within one process but not across processes.
type LocalBackend struct {
	files  *engine.Persistence
	mu     sync.Mutex // serializes read-modify-write cycles
	logger *log.Logger
}

// NewLocalBackend creates the storage directory if needed.
func NewLocalBackend(dir string, l *log.Logger) (*LocalBackend, error) {
	files, err := engine.NewPersistence(dir, l)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalIO, err)
	}
	return &LocalBackend{files: files, logger: logger.OrDiscard(l)}, nil
}

// Dir returns the storage directory.
func (b *LocalBackend) Dir() string {
	return b.files.DataDir
}

// Ping always succeeds; the local disk is assumed present.
func (b *LocalBackend) Ping(ctx context.Context) error {
	return nil
}

func (b *LocalBackend) Close() error {
	return nil
}

// ValidateID rejects identifiers that cannot safely become part of a file
// name or a daemon command argument.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) ||
		strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func userFile(userID string) string {
	return userFilePrefix + userID + ".json"
}

// Get loads the user's file. A missing file yields an empty record.
func (b *LocalBackend) Get(ctx context.Context, userID string) (*schema.UserRecord, error) {
	if err := ValidateID(userID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(userID)
}

// load MUST be called while holding b.mu.
func (b *LocalBackend) load(userID string) (*schema.UserRecord, error) {
	rec := schema.NewUserRecord(userID)
	if err := b.files.Load(userFile(userID), rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return schema.NewUserRecord(userID), nil
		}
		return nil, fmt.Errorf("%w: load %s: %v", ErrLocalIO, userID, err)
	}
	rec.UserID = userID
	rec.Normalize()
	return rec, nil
}

// save MUST be called while holding b.mu.
func (b *LocalBackend) save(rec *schema.UserRecord) error {
	rec.Normalize()
	if err := b.files.Save(userFile(rec.UserID), rec); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrLocalIO, rec.UserID, err)
	}
	return nil
}

// mutate runs fn on the loaded record and saves the result.
func (b *LocalBackend) mutate(userID string, fn func(rec *schema.UserRecord) error) error {
	if err := ValidateID(userID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.load(userID)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return b.save(rec)
}

// PutRecord overwrites the user's file atomically.
func (b *LocalBackend) PutRecord(ctx context.Context, rec *schema.UserRecord) error {
	if err := ValidateID(rec.UserID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.save(rec.Clone())
}

// AppendEntry is a read-append-write of the whole file.
func (b *LocalBackend) AppendEntry(ctx context.Context, userID string, kind schema.HistoryKind, entry schema.Entry) error {
	return b.mutate(userID, func(rec *schema.UserRecord) error {
		if err := rec.Append(kind, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		return nil
	})
}

func (b *LocalBackend) ReplaceList(ctx context.Context, userID string, kind schema.HistoryKind, entries []schema.Entry) error {
	return b.mutate(userID, func(rec *schema.UserRecord) error {
		if err := rec.SetList(kind, entries); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		return nil
	})
}

// UpdateProfile rewrites the loaded document with the new bio and interests,
// yielding the same shape as the remote dotted-path update.
func (b *LocalBackend) UpdateProfile(ctx context.Context, userID, bio string, interests []string) error {
	return b.mutate(userID, func(rec *schema.UserRecord) error {
		rec.Profile.Bio = bio
		rec.Profile.Interests = append([]string{}, interests...)
		return nil
	})
}

func (b *LocalBackend) UpdateSettings(ctx context.Context, userID string, settings schema.Settings) error {
	return b.mutate(userID, func(rec *schema.UserRecord) error {
		rec.Settings = settings
		return nil
	})
}

// ListUsers returns every user with a local file.
func (b *LocalBackend) ListUsers(ctx context.Context) ([]string, error) {
	ids, err := b.files.List("", userFilePrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalIO, err)
	}
	return ids, nil
}

// --- OTP challenges ---

func otpFile(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return filepath.Join(otpDir, "otp_"+hex.EncodeToString(sum[:])+".json")
}

func (b *LocalBackend) PutChallenge(ctx context.Context, c schema.OtpChallenge) error {
	if err := b.files.Save(otpFile(c.Email), c); err != nil {
		return fmt.Errorf("%w: save challenge: %v", ErrLocalIO, err)
	}
	return nil
}

func (b *LocalBackend) GetChallenge(ctx context.Context, email string) (schema.OtpChallenge, error) {
	var c schema.OtpChallenge
	if err := b.files.Load(otpFile(email), &c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, ErrNotFound
		}
		return c, fmt.Errorf("%w: load challenge: %v", ErrLocalIO, err)
	}
	return c, nil
}

func (b *LocalBackend) DeleteChallenge(ctx context.Context, email string) error {
	if err := b.files.Remove(otpFile(email)); err != nil {
		return fmt.Errorf("%w: delete challenge: %v", ErrLocalIO, err)
	}
	return nil
}

// --- Buddy chats ---

func chatFile(chatID string) string {
	return filepath.Join(chatDir, "chat_"+chatID+".json")
}

func (b *LocalBackend) AppendMessage(ctx context.Context, chatID string, participants []string, msg schema.BuddyMessage) error {
	if err := ValidateID(chatID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	chat, err := b.loadChat(chatID)
	if errors.Is(err, ErrNotFound) {
		chat = &schema.BuddyChat{ID: chatID, Participants: append([]string{}, participants...)}
	} else if err != nil {
		return err
	}
	chat.Messages = append(chat.Messages, msg)
	if err := b.files.Save(chatFile(chatID), chat); err != nil {
		return fmt.Errorf("%w: save chat: %v", ErrLocalIO, err)
	}
	return nil
}

func (b *LocalBackend) GetChat(ctx context.Context, chatID string) (*schema.BuddyChat, error) {
	if err := ValidateID(chatID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadChat(chatID)
}

func (b *LocalBackend) loadChat(chatID string) (*schema.BuddyChat, error) {
	var chat schema.BuddyChat
	if err := b.files.Load(chatFile(chatID), &chat); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: load chat: %v", ErrLocalIO, err)
	}
	if chat.Messages == nil {
		chat.Messages = []schema.BuddyMessage{}
	}
	return &chat, nil
}
