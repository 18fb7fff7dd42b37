package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()
	switch {
	// PostgreSQL (23505)
	case strings.Contains(msg, "duplicate key value violates unique constraint"):
		return true
	// SQLite (2067)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return true
	}
	return false
}

// IsNotFound reports gorm's record-not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
