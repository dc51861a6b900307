package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
)

// MigrationSource is a backend whose users can be enumerated and read.
type MigrationSource interface {
	RecordReader
	UserLister
}

// Migrate copies every user record from src to dst, overwriting what dst
// holds. It is used to upgrade a local-only install to a remote store and to
// back a remote store up to local files. It returns the number of records
// copied.
func Migrate(ctx context.Context, src MigrationSource, dst RecordWriter, l *log.Logger) (int, error) {
	l = logger.OrDiscard(l)

	users, err := src.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	copied := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return copied, err
		}

		rec, err := src.Get(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return copied, fmt.Errorf("read %s: %w", userID, err)
		}
		rec.UserID = userID

		if err := dst.PutRecord(ctx, rec); err != nil {
			return copied, fmt.Errorf("write %s: %w", userID, err)
		}
		l.Debug("Migrated user record", "user", userID)
		copied++
	}

	l.Info("Migration complete", "users", copied)
	return copied, nil
}
