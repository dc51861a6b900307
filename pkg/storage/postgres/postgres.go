// Package postgres stores user documents as JSONB rows in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	_ "github.com/lib/pq"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// Backend implements storage.Backend on PostgreSQL. Every list append is a
// single upsert statement, so concurrent writers never lose each other's
// entries.
type Backend struct {
	db     *sql.DB
	dsn    string
	logger *log.Logger

	schemaMu sync.Mutex
	migrated bool
}

var _ storage.Backend = (*Backend)(nil)

// Open prepares a connection pool. sql.Open does not connect; the schema is
// migrated on the first successful Ping.
func Open(dsn string, l *log.Logger) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Backend{db: db, dsn: dsn, logger: logger.OrDiscard(l)}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// Ping checks the connection and makes sure the schema exists.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return err
	}
	return b.ensureSchema()
}

func (b *Backend) ensureSchema() error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if b.migrated {
		return nil
	}
	if err := RunMigrations(b.dsn); err != nil {
		return err
	}
	b.logger.Info("PostgreSQL schema up to date")
	b.migrated = true
	return nil
}

func (b *Backend) Get(ctx context.Context, userID string) (*schema.UserRecord, error) {
	var raw []byte
	err := b.db.QueryRowContext(ctx, `SELECT doc FROM user_records WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := schema.NewUserRecord(userID)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", userID, err)
	}
	rec.UserID = userID
	rec.Normalize()
	return rec, nil
}

const appendEntrySQL = `
INSERT INTO user_records (user_id, doc, updated_at)
VALUES ($1, jsonb_build_object($2::text, jsonb_build_array($3::jsonb)), now())
ON CONFLICT (user_id) DO UPDATE SET
    doc = CASE
        WHEN EXISTS (
            SELECT 1 FROM jsonb_array_elements(COALESCE(user_records.doc -> $2::text, '[]'::jsonb)) AS e(v)
            WHERE e.v = $3::jsonb
        ) THEN user_records.doc
        ELSE jsonb_set(user_records.doc, ARRAY[$2::text],
            COALESCE(user_records.doc -> $2::text, '[]'::jsonb) || jsonb_build_array($3::jsonb), true)
    END,
    updated_at = now()`

// AppendEntry adds entry with array-union semantics in one statement.
func (b *Backend) AppendEntry(ctx context.Context, userID string, kind schema.HistoryKind, entry schema.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, appendEntrySQL, userID, string(kind), string(payload))
	return err
}

const replaceListSQL = `
INSERT INTO user_records (user_id, doc, updated_at)
VALUES ($1, jsonb_build_object($2::text, $3::jsonb), now())
ON CONFLICT (user_id) DO UPDATE SET
    doc = jsonb_set(user_records.doc, ARRAY[$2::text], $3::jsonb, true),
    updated_at = now()`

func (b *Backend) ReplaceList(ctx context.Context, userID string, kind schema.HistoryKind, entries []schema.Entry) error {
	if entries == nil {
		entries = []schema.Entry{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, replaceListSQL, userID, string(kind), string(payload))
	return err
}

const updateProfileSQL = `
INSERT INTO user_records (user_id, doc, updated_at)
VALUES ($1, jsonb_build_object('profile', jsonb_build_object('bio', $2::text, 'interests', $3::jsonb)), now())
ON CONFLICT (user_id) DO UPDATE SET
    doc = jsonb_set(user_records.doc, '{profile}',
        COALESCE(user_records.doc -> 'profile', '{}'::jsonb) || jsonb_build_object('bio', $2::text, 'interests', $3::jsonb), true),
    updated_at = now()`

// UpdateProfile merges bio and interests into the profile object,
// leaving name and email untouched.
func (b *Backend) UpdateProfile(ctx context.Context, userID, bio string, interests []string) error {
	if interests == nil {
		interests = []string{}
	}
	payload, err := json.Marshal(interests)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, updateProfileSQL, userID, bio, string(payload))
	return err
}

const updateSettingsSQL = `
INSERT INTO user_records (user_id, doc, updated_at)
VALUES ($1, jsonb_build_object('settings', $2::jsonb), now())
ON CONFLICT (user_id) DO UPDATE SET
    doc = jsonb_set(user_records.doc, '{settings}', $2::jsonb, true),
    updated_at = now()`

func (b *Backend) UpdateSettings(ctx context.Context, userID string, settings schema.Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, updateSettingsSQL, userID, string(payload))
	return err
}

func (b *Backend) PutRecord(ctx context.Context, rec *schema.UserRecord) error {
	payload, err := json.Marshal(rec.Clone())
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO user_records (user_id, doc, updated_at) VALUES ($1, $2::jsonb, now())
ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		rec.UserID, string(payload))
	return err
}

func (b *Backend) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT user_id FROM user_records ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- OTP challenges ---

func (b *Backend) PutChallenge(ctx context.Context, c schema.OtpChallenge) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO otp_challenges (email, otp, expires_at, attempts) VALUES ($1, $2, $3, $4)
ON CONFLICT (email) DO UPDATE SET otp = EXCLUDED.otp, expires_at = EXCLUDED.expires_at, attempts = EXCLUDED.attempts`,
		c.Email, c.Code, c.ExpiresAt, c.Attempts)
	return err
}

func (b *Backend) GetChallenge(ctx context.Context, email string) (schema.OtpChallenge, error) {
	c := schema.OtpChallenge{Email: email}
	err := b.db.QueryRowContext(ctx,
		`SELECT otp, expires_at, attempts FROM otp_challenges WHERE email = $1`, email).
		Scan(&c.Code, &c.ExpiresAt, &c.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return c, storage.ErrNotFound
	}
	return c, err
}

func (b *Backend) DeleteChallenge(ctx context.Context, email string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM otp_challenges WHERE email = $1`, email)
	return err
}

// --- Buddy chats ---

func (b *Backend) AppendMessage(ctx context.Context, chatID string, participants []string, msg schema.BuddyMessage) error {
	p, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	m, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO buddy_chats (chat_id, participants, messages) VALUES ($1, $2::jsonb, jsonb_build_array($3::jsonb))
ON CONFLICT (chat_id) DO UPDATE SET messages = buddy_chats.messages || jsonb_build_array($3::jsonb)`,
		chatID, string(p), string(m))
	return err
}

func (b *Backend) GetChat(ctx context.Context, chatID string) (*schema.BuddyChat, error) {
	var participants, messages []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT participants, messages FROM buddy_chats WHERE chat_id = $1`, chatID).
		Scan(&participants, &messages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	chat := &schema.BuddyChat{ID: chatID}
	if err := json.Unmarshal(participants, &chat.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(messages, &chat.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if chat.Messages == nil {
		chat.Messages = []schema.BuddyMessage{}
	}
	return chat, nil
}
