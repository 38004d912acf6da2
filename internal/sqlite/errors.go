package sqlite

import (
	"fmt"
	"strings"

	"github.com/rpggio/parley/internal/repository"
)

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func wrapBusy(op string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
