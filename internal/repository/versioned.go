package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"manabi-backend/internal/versioning"
)

// versionTable implements versioning.Backend over one table shaped as
// (id, user_id, <keyColumn>, version, is_active, payload, created_at, expires_at, ...extra).
type versionTable[P any] struct {
	pool      *pgxpool.Pool
	table     string
	keyColumn string
	// keyArg converts Key.Name into the key column's query argument.
	keyArg func(name string) (any, error)

	// extra returns additional columns written on insert.
	extra func(key versioning.Key, payload P) (columns []string, values []any, err error)
	// afterActivate runs inside the write transaction once version is active.
	afterActivate func(ctx context.Context, tx pgx.Tx, key versioning.Key, version int) error
}

func (t *versionTable[P]) MaxVersion(ctx context.Context, key versioning.Key) (int, error) {
	k, err := t.keyArg(key.Name)
	if err != nil {
		return 0, err
	}
	var latest int
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE user_id = $1 AND %s = $2`, t.table, t.keyColumn)
	err = t.pool.QueryRow(ctx, query, key.UserID, k).Scan(&latest)
	return latest, err
}

func (t *versionTable[P]) Insert(ctx context.Context, key versioning.Key, v versioning.Version[P]) error {
	k, err := t.keyArg(key.Name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(v.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	columns := []string{"id", "user_id", t.keyColumn, "version", "is_active", "payload", "created_at", "expires_at"}
	values := []any{v.ID, key.UserID, k, v.Version, true, payload, v.CreatedAt, v.ExpiresAt}
	if t.extra != nil {
		extraCols, extraVals, err := t.extra(key, v.Payload)
		if err != nil {
			return err
		}
		columns = append(columns, extraCols...)
		values = append(values, extraVals...)
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := t.deactivate(ctx, tx, key.UserID, k); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, insertStatement(t.table, columns), values...); err != nil {
		return versionConflict(err)
	}

	if t.afterActivate != nil {
		if err := t.afterActivate(ctx, tx, key, v.Version); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (t *versionTable[P]) Exists(ctx context.Context, key versioning.Key, version int) (bool, error) {
	k, err := t.keyArg(key.Name)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE user_id = $1 AND %s = $2 AND version = $3)`, t.table, t.keyColumn)
	err = t.pool.QueryRow(ctx, query, key.UserID, k, version).Scan(&exists)
	return exists, err
}

func (t *versionTable[P]) Activate(ctx context.Context, key versioning.Key, version int) error {
	k, err := t.keyArg(key.Name)
	if err != nil {
		return err
	}
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := t.deactivate(ctx, tx, key.UserID, k); err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET is_active = TRUE WHERE user_id = $1 AND %s = $2 AND version = $3`, t.table, t.keyColumn)
	tag, err := tx.Exec(ctx, query, key.UserID, k, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return versioning.ErrVersionNotFound
	}

	if t.afterActivate != nil {
		if err := t.afterActivate(ctx, tx, key, version); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (t *versionTable[P]) Active(ctx context.Context, key versioning.Key) (*versioning.Version[P], error) {
	k, err := t.keyArg(key.Name)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, user_id, %s::text, version, is_active, payload, created_at, expires_at
		FROM %s WHERE user_id = $1 AND %s = $2 AND is_active`, t.keyColumn, t.table, t.keyColumn)

	v, err := scanVersion[P](t.pool.QueryRow(ctx, query, key.UserID, k))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (t *versionTable[P]) List(ctx context.Context, key versioning.Key) ([]versioning.Version[P], error) {
	k, err := t.keyArg(key.Name)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, user_id, %s::text, version, is_active, payload, created_at, expires_at
		FROM %s WHERE user_id = $1 AND %s = $2 ORDER BY version DESC`, t.keyColumn, t.table, t.keyColumn)

	rows, err := t.pool.Query(ctx, query, key.UserID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []versioning.Version[P]
	for rows.Next() {
		v, err := scanVersion[P](rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// PurgeExpired deletes rows past their retention.
func (t *versionTable[P]) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := t.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < NOW()`, t.table))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *versionTable[P]) deactivate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, k any) error {
	query := fmt.Sprintf(`UPDATE %s SET is_active = FALSE WHERE user_id = $1 AND %s = $2 AND is_active`, t.table, t.keyColumn)
	_, err := tx.Exec(ctx, query, userID, k)
	return err
}

func scanVersion[P any](row pgx.Row) (*versioning.Version[P], error) {
	v := &versioning.Version[P]{}
	var payload []byte
	err := row.Scan(&v.ID, &v.UserID, &v.Key, &v.Version, &v.IsActive, &payload, &v.CreatedAt, &v.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &v.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", v.ID, err)
	}
	return v, nil
}

func insertStatement(table string, columns []string) string {
	placeholders := ""
	names := ""
	for i, c := range columns {
		if i > 0 {
			placeholders += ", "
			names += ", "
		}
		names += c
		placeholders += fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, names, placeholders)
}
