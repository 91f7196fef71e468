package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// isUniqueViolation matches the sqlite3 and lib/pq unique constraint texts.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func notFound(kind string, id string) error {
	return fmt.Errorf("sqlstore: %s %q: %w", kind, id, core.ErrNotFound)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// staleClaim reports a Complete or Fail whose claim was taken over after the
// lease expired. The caller's result is discarded.
func staleClaim(deliveryID string, claimID string) *goerrors.Error {
	return core.NewError(
		"delivery claim is no longer held",
		goerrors.CategoryConflict,
		http.StatusConflict,
		core.ErrorConflict,
		map[string]any{"delivery_id": deliveryID, "claim_id": claimID},
	)
}

func isPostgres(db bun.IDB) bool {
	return db.Dialect().Name() == dialect.PG
}
