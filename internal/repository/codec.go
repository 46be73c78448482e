package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

// ErrStaleTransition means a conditional update matched no row because the
// job moved on (another worker, a cancel, or a terminal state).
var ErrStaleTransition = errors.New("stale job transition")

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullUUID(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// storeErr classifies a driver failure as retryable store unavailability.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, common.ErrNotFound) || errors.Is(err, ErrStaleTransition) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, common.ErrStoreUnavailable, err)
}

func execCount(ctx context.Context, eq dialect.ExecQuerier, q string, args []any) (int64, error) {
	var res sql.Result
	if err := eq.Exec(ctx, q, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanOne scans the first row of a query. No row yields common.ErrNotFound.
func scanOne(ctx context.Context, eq dialect.ExecQuerier, q string, args []any, dest ...any) error {
	var rows entsql.Rows
	if err := eq.Query(ctx, q, args, &rows); err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return common.ErrNotFound
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	return rows.Err()
}
