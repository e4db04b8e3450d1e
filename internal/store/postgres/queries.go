package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/store"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const runColumns = `id, tenant_id, session_id, front, gm, last_front_ping, last_gm_ping, created_at, updated_at`

func queryLatestRun(ctx context.Context, db executor, tenantID, sessionID string) (*model.Run, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM session_runs
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		tenantID, sessionID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return r, nil
}

func queryCreateRun(ctx context.Context, db executor, r *model.Run) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO session_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID,
		r.TenantID,
		r.SessionID,
		string(r.Front),
		string(r.GM),
		nullTimePtr(r.LastFrontPing),
		nullTimePtr(r.LastGMPing),
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func queryUpdateRun(ctx context.Context, db executor, r *model.Run) error {
	res, err := db.ExecContext(ctx, `
		UPDATE session_runs SET
			front = $2,
			gm = $3,
			last_front_ping = $4,
			last_gm_ping = $5,
			updated_at = $6
		WHERE id = $1`,
		r.ID,
		string(r.Front),
		string(r.GM),
		nullTimePtr(r.LastFrontPing),
		nullTimePtr(r.LastGMPing),
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireAffected(res)
}

func queryDeleteRun(ctx context.Context, db executor, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM session_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return requireAffected(res)
}

func queryListRuns(ctx context.Context, db executor, filter model.RunFilter) ([]*model.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if filter.OpenOnly {
		where = append(where, "(front = 'online' OR gm = 'online')")
	}

	q := `SELECT ` + runColumns + ` FROM session_runs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY tenant_id, session_id, created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
