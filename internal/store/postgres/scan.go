package postgres

import (
	"database/sql"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanRun scans a single row in runColumns order.
func scanRun(row scannable) (*model.Run, error) {
	var (
		r         model.Run
		front, gm string
		frontPing sql.NullTime
		gmPing    sql.NullTime
	)
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&r.SessionID,
		&front,
		&gm,
		&frontPing,
		&gmPing,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Front = model.Status(front)
	r.GM = model.Status(gm)
	r.LastFrontPing = timePtr(frontPing)
	r.LastGMPing = timePtr(gmPing)
	return &r, nil
}

// nullTimePtr converts a *time.Time to a sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
