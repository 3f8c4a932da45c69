package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/internal/api/response"
	"github.com/kiranshivaraju/calcqueue/internal/compute"
	"github.com/kiranshivaraju/calcqueue/internal/jobs"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

// JobService defines what the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, a, b string) (*jobs.SubmitResult, error)
	Run(ctx context.Context, id uuid.UUID) (*jobs.RunResult, error)
	GetUpdates(ctx context.Context, ids []uuid.UUID) ([]models.Update, error)
	JobStatus(ctx context.Context, id uuid.UUID) (models.Status, error)
	Progress(ctx context.Context) (models.ProgressView, error)
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/calculations.
// Operands may be sent as JSON numbers or as numeric strings.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			NumberA json.RawMessage `json:"number_a"`
			NumberB json.RawMessage `json:"number_b"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "Invalid JSON body", nil)
			return
		}

		a, err := operandText("number_a", req.NumberA)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, err.Error(), nil)
			return
		}
		b, err := operandText("number_b", req.NumberB)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, err.Error(), nil)
			return
		}

		result, err := svc.Submit(r.Context(), a, b)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, result)
	}
}

// NewRunHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/run.
func NewRunHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		result, err := svc.Run(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, result)
	}
}

// NewUpdatesHandler returns an http.HandlerFunc for POST /api/v1/jobs/updates.
func NewUpdatesHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobIDs []string `json:"job_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "Invalid JSON body", nil)
			return
		}

		ids, err := parseIDs(req.JobIDs)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, err.Error(), nil)
			return
		}

		updates, err := svc.GetUpdates(r.Context(), ids)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, updates)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
func NewStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		status, err := svc.JobStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, statusResponse{ID: id, Status: status})
	}
}

// NewProgressHandler returns an http.HandlerFunc for GET /api/v1/progress.
func NewProgressHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Progress(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, view)
	}
}

type statusResponse struct {
	ID     uuid.UUID     `json:"id"`
	Status models.Status `json:"status"`
}

// operandText accepts a JSON number or string and returns its text for parsing.
func operandText(field string, raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%s is required", field)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%s must be a number", field)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%s must be a number", field)
	}
	return n.String(), nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("job id %q is not a valid UUID", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "jobID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain errors onto the error envelope. The run outcome is checked
// before ErrStoreWriteFailed so a compute failure whose failed-status write also broke
// still reports the compute failure.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, err.Error(), nil)
	case errors.Is(err, jobs.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, response.CodeJobNotFound, "Job not found", nil)
	case errors.Is(err, jobs.ErrJobAlreadyProcessed):
		response.Error(w, http.StatusConflict, response.CodeJobAlreadyProcessed, err.Error(), nil)
	case errors.Is(err, jobs.ErrInvalidOperation):
		response.Error(w, http.StatusUnprocessableEntity, response.CodeInvalidOperation, err.Error(), nil)
	case errors.Is(err, compute.ErrComputeUnavailable):
		response.Error(w, http.StatusBadGateway, response.CodeComputeUnavailable,
			"The compute provider is not available", nil)
	case errors.Is(err, compute.ErrInvalidResult):
		response.Error(w, http.StatusBadGateway, response.CodeInvalidResult,
			"The compute provider returned an invalid result", nil)
	case errors.Is(err, jobs.ErrStoreWriteFailed):
		response.Error(w, http.StatusInternalServerError, response.CodeStoreWriteFailed,
			"The job store rejected a write", nil)
	default:
		response.Error(w, http.StatusInternalServerError, response.CodeInternal,
			"An unexpected error occurred", nil)
	}
}
