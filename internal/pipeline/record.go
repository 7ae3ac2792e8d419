package pipeline

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/models"
)

// RunStore is the part of *database.DB that keeps run history.
type RunStore interface {
	InsertRun(ctx context.Context, r *database.RunRow) error
}

// DBRecorder writes finished runs to the monitor_run table.
type DBRecorder struct {
	db RunStore
}

func NewDBRecorder(db RunStore) *DBRecorder {
	return &DBRecorder{db: db}
}

func (r *DBRecorder) Record(ctx context.Context, rep *RunReport) error {
	return r.db.InsertRun(ctx, runRow(rep))
}

func runRow(rep *RunReport) *database.RunRow {
	row := &database.RunRow{
		ID:            rep.ID,
		StartedAt:     rep.StartedAt,
		FinishedAt:    rep.FinishedAt,
		Outcome:       rep.Outcome.String(),
		Pages:         rep.Pages,
		RawRecords:    rep.RawRecords,
		UniqueRecords: rep.Unique,
		NewItems:      len(rep.NewItems),
		SnapshotName:  filepath.Base(rep.SnapshotPath),
	}
	if rep.SnapshotPath == "" {
		row.SnapshotName = ""
	}
	if rep.Previous != nil {
		name := rep.Previous.Name
		row.PreviousName = &name
	}
	if rep.Outcome != models.OutcomeSuccess {
		if err := errors.Join(rep.Errors()...); err != nil {
			msg := err.Error()
			row.ErrorMessage = &msg
		}
	}
	return row
}
