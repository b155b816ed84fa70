package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/quillspace/quill/internal/storage"
)

// wrapDBError wraps a database error with operation context. sql.ErrNoRows
// becomes storage.ErrNotFound and unique-constraint violations become
// storage.ErrConflict so callers can match with errors.Is.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}
