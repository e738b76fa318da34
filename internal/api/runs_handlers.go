package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/logging"
	"github.com/JakeFAU/tgscan/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RunsHandler exposes read-only cycle history backed by store.CycleRepository.
type RunsHandler struct {
	repo   store.CycleRepository
	logger *zap.Logger
}

// NewRunsHandler constructs a RunsHandler.
func NewRunsHandler(repo store.CycleRepository, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{repo: repo, logger: logger}
}

// ListRuns handles GET /v1/runs.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.repo.ListCycles(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, runListResponse{Runs: out, Limit: limit, Offset: offset})
}

// GetRun handles GET /v1/runs/{cycle_id}.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCycleID(w, r)
	if !ok {
		return
	}
	run, err := h.repo.GetCycle(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", logging.CycleID(id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// ListRunTargets handles GET /v1/runs/{cycle_id}/targets.
func (h *RunsHandler) ListRunTargets(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCycleID(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := h.repo.ListCycleTargets(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("list run targets failed", logging.CycleID(id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run targets")
		return
	}
	out := make([]targetStatsDTO, 0, len(stats))
	for _, s := range stats {
		out = append(out, targetStatsDTO{
			Target:     s.Target,
			LastUpdate: s.LastUpdate,
			Matches:    s.Matches,
			Scanned:    s.Scanned,
			Failed:     s.Failed,
		})
	}
	writeJSON(w, http.StatusOK, targetListResponse{
		CycleID: id.String(),
		Targets: out,
		Limit:   limit,
		Offset:  offset,
	})
}

type runDTO struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type runListResponse struct {
	Runs   []runDTO `json:"runs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

type targetStatsDTO struct {
	Target     string    `json:"target"`
	LastUpdate time.Time `json:"last_update"`
	Matches    int64     `json:"matches"`
	Scanned    int64     `json:"scanned"`
	Failed     int64     `json:"failed"`
}

type targetListResponse struct {
	CycleID string           `json:"cycle_id"`
	Targets []targetStatsDTO `json:"targets"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func toRunDTO(run store.CycleRun) runDTO {
	dto := runDTO{
		ID:         run.ID.String(),
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.ErrorMessage != nil {
		dto.ErrorMessage = *run.ErrorMessage
	}
	return dto
}

func parseCycleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "cycle_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cycle_id")
		return uuid.Nil, false
	}
	return id, true
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	limit := defaultListLimit
	offset := 0
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(v, maxListLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = v
	}
	return limit, offset, nil
}

func parseStatus(raw string) (*store.RunStatus, error) {
	if raw == "" {
		return nil, nil
	}
	status := store.RunStatus(raw)
	switch status {
	case store.RunRunning, store.RunSuccess, store.RunError:
		return &status, nil
	default:
		return nil, errors.New("invalid status")
	}
}
