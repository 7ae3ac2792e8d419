package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/pipeline"
	"github.com/maltedev/catalog-monitor/internal/report"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

// Runner is the part of *pipeline.Pipeline the API drives.
type Runner interface {
	Run(ctx context.Context) (*pipeline.RunReport, error)
	Running() bool
	Last() *pipeline.RunReport
}

// RunHistory looks up runs from earlier processes.
type RunHistory interface {
	LatestRun(ctx context.Context) (*database.RunRow, error)
}

type Handlers struct {
	runner    Runner
	openStore pipeline.StoreOpener
	history   RunHistory
	folderID  string
	logger    *slog.Logger

	// runs started over HTTP outlive the request; they use baseCtx.
	baseCtx context.Context
	wg      sync.WaitGroup
}

type Options struct {
	OpenStore pipeline.StoreOpener
	History   RunHistory
	FolderID  string
}

func NewHandlers(ctx context.Context, runner Runner, opts Options, logger *slog.Logger) *Handlers {
	return &Handlers{
		runner:    runner,
		openStore: opts.OpenStore,
		history:   opts.History,
		folderID:  opts.FolderID,
		logger:    logger.With("component", "api"),
		baseCtx:   ctx,
	}
}

// Wait blocks until runs started over HTTP have finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": h.runner.Running(),
	})
}

// StartRun triggers a run in the background.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	if h.runner.Running() {
		h.respondError(w, http.StatusConflict, pipeline.ErrRunInProgress.Error())
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		rep, err := h.runner.Run(h.baseCtx)
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			h.logger.Warn("run request raced with another run")
		case err != nil:
			h.logger.Error("run failed", "error", err)
		default:
			h.logger.Info("run completed", "run_id", rep.ID, "outcome", rep.Outcome.String())
		}
	}()

	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handlers) LastRun(w http.ResponseWriter, r *http.Request) {
	if rep := h.runner.Last(); rep != nil {
		h.respondJSON(w, http.StatusOK, rep)
		return
	}

	if h.history == nil {
		h.respondError(w, http.StatusNotFound, "no runs yet")
		return
	}

	row, err := h.history.LatestRun(r.Context())
	if errors.Is(err, database.ErrNoRuns) {
		h.respondError(w, http.StatusNotFound, "no runs yet")
		return
	}
	if err != nil {
		h.logger.Error("failed to load run history", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load run history")
		return
	}
	h.respondJSON(w, http.StatusOK, row)
}

// LastReport renders the new items of the last run in this process.
func (h *Handlers) LastReport(w http.ResponseWriter, r *http.Request) {
	rep := h.runner.Last()
	if rep == nil {
		h.respondError(w, http.StatusNotFound, "no runs yet")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.Render(w, report.Report{Date: rep.Date, Items: rep.NewItems}); err != nil {
		h.logger.Error("failed to render report", "error", err)
	}
}

func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	suffix := r.URL.Query().Get("suffix")
	if suffix == "" {
		suffix = models.SnapshotSuffix
	}

	items, err := store.List(r.Context(), h.folderID, suffix)
	if err != nil {
		h.logger.Error("failed to list artifacts", "error", err)
		h.respondError(w, http.StatusBadGateway, "failed to list artifacts")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": items,
		"count":     len(items),
	})
}

func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "artifactID")
	data, err := store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get artifact", "id", id, "error", err)
		h.respondError(w, http.StatusBadGateway, "failed to get artifact")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handlers) store(w http.ResponseWriter, r *http.Request) (storage.BlobStore, bool) {
	if h.openStore == nil {
		h.respondError(w, http.StatusServiceUnavailable, "no store configured")
		return nil, false
	}

	store, err := h.openStore(r.Context())
	if err != nil {
		h.logger.Error("failed to open store", "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, storage.ErrAuth) {
			status = http.StatusServiceUnavailable
		}
		h.respondError(w, status, "store unavailable")
		return nil, false
	}
	return store, true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
