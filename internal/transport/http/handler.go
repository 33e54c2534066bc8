package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"footprint-service/internal/entity"
	"footprint-service/internal/service"
)

type Handler struct {
	jobSvc *service.JobService
}

func NewHandler(jobSvc *service.JobService) *Handler {
	return &Handler{jobSvc: jobSvc}
}

type submitJobDTO struct {
	Kind       string                 `json:"kind"` // "calculation" (default) or "extraction"
	SubjectRef string                 `json:"subject_ref,omitempty"`
	Inputs     map[string]interface{} `json:"inputs"`
	Options    *entity.Options        `json:"options,omitempty"`
}

type submitJobResp struct {
	ID string `json:"id"`
}

type jobResp struct {
	ID          string                 `json:"id"`
	Kind        entity.PayloadKind     `json:"kind"`
	SubjectRef  string                 `json:"subject_ref"`
	Status      entity.JobStatus       `json:"status"`
	Progress    int                    `json:"progress"`
	Options     entity.Options         `json:"options"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       *string                `json:"error,omitempty"`
	Attempt     int                    `json:"attempt"`
	CreatedAt   string                 `json:"created_at"`
	StartedAt   string                 `json:"started_at,omitempty"`
	CompletedAt string                 `json:"completed_at,omitempty"`
}

type cancelResp struct {
	Cancelled bool `json:"cancelled"`
}

// SubmitJob godoc
// @Summary Submit a footprint calculation job
// @Description Validates the inputs, snapshots them and enqueues the job for background processing.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body submitJobDTO true "job payload"
// @Success 201 {object} submitJobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var dto submitJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	kind := entity.PayloadKind(dto.Kind)
	if dto.Kind == "" {
		kind = entity.KindCalculation
	}

	rawInputs, err := json.Marshal(dto.Inputs)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid inputs")
		return
	}

	var opts entity.Options
	if dto.Options != nil {
		opts = *dto.Options
	}

	id, err := h.jobSvc.Submit(r.Context(), service.SubmitRequest{
		Kind:       kind,
		SubjectRef: dto.SubjectRef,
		Inputs:     rawInputs,
		Options:    opts,
	})
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, submitJobResp{ID: id.String()})
}

// GetJob godoc
// @Summary Get job status and progress
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := jobResp{
		ID:         j.ID.String(),
		Kind:       j.Kind,
		SubjectRef: j.SubjectRef,
		Status:     j.Status,
		Progress:   j.Progress,
		Options:    j.Options,
		Error:      j.Error,
		Attempt:    j.Attempt,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	if j.Status == entity.StatusCompleted && len(j.Result) > 0 {
		_ = json.Unmarshal(j.Result, &resp.Result)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetJobResult godoc
// @Summary Get the raw result of a completed job
// @Description Returns the FootprintResult JSON, including the degraded flag when the result came from the fallback estimator.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if j.Status != entity.StatusCompleted {
		writeErr(w, http.StatusConflict, "job not completed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(j.Result)
}

// CancelJob godoc
// @Summary Request cancellation of a job
// @Description Best-effort cooperative cancellation. Returns cancelled=false when the job is already terminal.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} cancelResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.jobSvc.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, cancelResp{Cancelled: cancelled})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
