package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNoRuns is returned by LatestRun on an empty history.
var ErrNoRuns = errors.New("no runs recorded")

type RunRow struct {
	ID            uuid.UUID `db:"id"`
	StartedAt     time.Time `db:"started_at"`
	FinishedAt    time.Time `db:"finished_at"`
	Outcome       string    `db:"outcome"`
	Pages         int       `db:"pages"`
	RawRecords    int       `db:"raw_records"`
	UniqueRecords int       `db:"unique_records"`
	NewItems      int       `db:"new_items"`
	SnapshotName  string    `db:"snapshot_name"`
	PreviousName  *string   `db:"previous_name"`
	ErrorMessage  *string   `db:"error_message"`
}

func (db *DB) InsertRun(ctx context.Context, r *RunRow) error {
	query := `
		INSERT INTO monitor_run (
			id, started_at, finished_at, outcome, pages, raw_records,
			unique_records, new_items, snapshot_name, previous_name, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := db.pool.Exec(ctx, query,
		r.ID, r.StartedAt, r.FinishedAt, r.Outcome, r.Pages, r.RawRecords,
		r.UniqueRecords, r.NewItems, r.SnapshotName, r.PreviousName, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.ID, err)
	}
	return nil
}

func (db *DB) LatestRun(ctx context.Context) (*RunRow, error) {
	rows, err := db.pool.Query(ctx, `SELECT * FROM monitor_run ORDER BY started_at DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	run, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[RunRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRuns
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return run, nil
}
