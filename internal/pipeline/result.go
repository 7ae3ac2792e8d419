package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/catalog-monitor/internal/diff"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/snapshot"
)

var (
	// ErrNoRecords means the crawl produced nothing usable, so there is no
	// snapshot for today. It is the only crawl result that fails a run.
	ErrNoRecords = errors.New("extraction produced zero records")
	// ErrRunInProgress is returned when Run is called while another run of
	// the same pipeline has not finished.
	ErrRunInProgress = errors.New("a run is already in progress")
)

type Stage string

const (
	StageCrawl    Stage = "crawl"
	StageSnapshot Stage = "snapshot"
	StageSync     Stage = "sync"
	StageCompare  Stage = "compare"
	StageReport   Stage = "report"
	StageNotify   Stage = "notify"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageCrawl, StageSnapshot, StageSync, StageCompare, StageReport, StageNotify}

// StageError identifies the stage a failure came from.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type StageResult struct {
	Outcome models.Outcome
	Err     error
	Detail  string
}

func (r StageResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Outcome models.Outcome `json:"outcome"`
		Error   string         `json:"error,omitempty"`
		Detail  string         `json:"detail,omitempty"`
	}{Outcome: r.Outcome, Detail: r.Detail}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// RunReport is everything one run produced, stage by stage.
type RunReport struct {
	ID         uuid.UUID              `json:"id"`
	Date       time.Time              `json:"date"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Outcome    models.Outcome         `json:"outcome"`
	Stages     map[Stage]StageResult  `json:"stages"`
	Pages      int                    `json:"pages"`
	Stop       string                 `json:"stop"`
	RawRecords int                    `json:"raw_records"`
	Unique     int                    `json:"unique_records"`
	Skipped    int                    `json:"skipped_cards"`
	Comparison diff.Status            `json:"comparison,omitempty"`
	Previous   *snapshot.Artifact     `json:"previous,omitempty"`
	NewItems   []models.ProductRecord `json:"new_items"`

	SnapshotPath string `json:"snapshot_path,omitempty"`
	SnapshotID   string `json:"snapshot_id,omitempty"`
	ReportPath   string `json:"report_path,omitempty"`
	ReportID     string `json:"report_id,omitempty"`
}

func newRunReport(started, date time.Time) *RunReport {
	r := &RunReport{
		ID:        uuid.New(),
		Date:      date,
		StartedAt: started,
		Stages:    make(map[Stage]StageResult, len(Stages)),
	}
	for _, s := range Stages {
		r.Stages[s] = StageResult{Outcome: models.OutcomeSkipped}
	}
	return r
}

func (r *RunReport) set(s Stage, outcome models.Outcome, err error, detail string) {
	r.Stages[s] = StageResult{Outcome: outcome, Err: err, Detail: detail}
}

// Captured reports whether today's snapshot was written locally.
func (r *RunReport) Captured() bool {
	return r.SnapshotPath != "" && r.Stages[StageSnapshot].Outcome == models.OutcomeSuccess
}

// Errors returns every stage error in stage order.
func (r *RunReport) Errors() []error {
	var errs []error
	for _, s := range Stages {
		if err := r.Stages[s].Err; err != nil {
			errs = append(errs, &StageError{Stage: s, Err: err})
		}
	}
	return errs
}

// overall folds stage outcomes into one: the crawl outcome when it was not
// a clean success, partial when any later stage failed, success otherwise.
func (r *RunReport) overall() models.Outcome {
	crawl := r.Stages[StageCrawl].Outcome
	if crawl != models.OutcomeSuccess {
		return crawl
	}
	for _, s := range Stages[1:] {
		switch r.Stages[s].Outcome {
		case models.OutcomeError, models.OutcomePartial, models.OutcomeBlocked:
			return models.OutcomePartial
		}
	}
	return models.OutcomeSuccess
}
