package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// jsonValue serializes v for a JSON column, passing NULL for nil values.
func jsonValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal json column: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// scanJSON deserializes a JSON column into dst, leaving dst untouched for
// NULL values.
func scanJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

// nullStr passes NULL for empty strings, used for unique-when-set columns.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt passes NULL for nil int pointers.
func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// intPtr converts a nullable column back to a pointer.
func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// timePtr converts a nullable timestamp back to a pointer, normalized to
// UTC.
func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

// nullTime passes NULL for nil time pointers.
func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

// requireAffected maps a zero-row update onto ErrNotFound.
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// now is the single source of row timestamps, truncated to microseconds so
// both backends store it losslessly.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
