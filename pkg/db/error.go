package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a unique constraint violation.
// The ledger's conflict inserts on mysql carry no ON CONFLICT clause and
// depend on this check to treat the duplicate as a lost race, not a failure.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// postgres error code 23505
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// mysql error code 1062
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// sqlite error code 2067
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}
