package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/pipeline"
)

const maxPayloadBytes = 1 << 20

// JobSubmitter admits a payload into the ledger and queue.
type JobSubmitter interface {
	Submit(ctx context.Context, p pipeline.Payload) (pipeline.Submission, error)
}

// JobHandler accepts stage payloads from external producers.
type JobHandler struct {
	Submitter JobSubmitter
	Logger    *zap.Logger
}

func NewJobHandler(submitter JobSubmitter, logger *zap.Logger) *JobHandler {
	return &JobHandler{Submitter: submitter, Logger: logging.OrNop(logger).Named("jobs")}
}

type submitResponse struct {
	Stage       pipeline.Stage   `json:"stage"`
	Fingerprint string           `json:"fingerprint"`
	JobID       uint             `json:"job_id,omitempty"`
	Payload     pipeline.Payload `json:"payload"`
}

// Submit handles POST /api/jobs/{stage}. A new unit of work answers 202, a
// duplicate of a pending one 200 with status "exists".
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	stage, err := pipeline.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		WriteAPIError(w, h.Logger, http.StatusUnprocessableEntity, "unknown stage",
			APIErrorDetail{Field: "stage", Rule: "oneof", Message: err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		WriteAPIError(w, h.Logger, http.StatusUnprocessableEntity, "could not read request body: "+err.Error())
		return
	}
	p, err := pipeline.Decode(stage, body)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, h.Logger, verr)
			return
		}
		WriteAPIError(w, h.Logger, http.StatusUnprocessableEntity, err.Error())
		return
	}

	sub, err := h.Submitter.Submit(r.Context(), p)
	if err != nil {
		h.Logger.Error("job submission failed", zap.String("stage", string(stage)), zap.Error(err))
		WriteAPIError(w, h.Logger, http.StatusInternalServerError, "failed to submit job")
		return
	}

	data := submitResponse{Stage: stage, Fingerprint: sub.Fingerprint, JobID: sub.JobID, Payload: p}
	if sub.Result == ledger.AlreadyPresent {
		writeJSON(w, h.Logger, http.StatusOK, Response{
			Status:  StatusExists,
			Message: "an identical " + string(stage) + " job is already queued",
			Data:    data,
			Errors:  []APIErrorDetail{},
		})
		return
	}
	writeSuccess(w, h.Logger, http.StatusAccepted, string(stage)+" job queued", data)
}
