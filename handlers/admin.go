package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/queue"
	"github.com/camden-git/mediapipeline/repository"
	"github.com/camden-git/mediapipeline/services"
)

// AdminHandler exposes pipeline inspection and identity maintenance.
type AdminHandler struct {
	Images     *repository.ImageRepository
	Dispatcher *pipeline.Dispatcher
	Ledger     *ledger.Ledger
	Queue      *queue.Store
	Identities *services.IdentityEngine
	Logger     *zap.Logger
}

func NewAdminHandler(db *gorm.DB, dispatcher *pipeline.Dispatcher, l *ledger.Ledger, q *queue.Store, identities *services.IdentityEngine, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		Images:     repository.NewImageRepository(db),
		Dispatcher: dispatcher,
		Ledger:     l,
		Queue:      q,
		Identities: identities,
		Logger:     logging.OrNop(logger).Named("admin"),
	}
}

// ImageStatus is the pipeline view of one image.
type ImageStatus struct {
	Image   *models.Image           `json:"image"`
	Pending map[pipeline.Stage]bool `json:"pending"`
}

func (h *AdminHandler) image(w http.ResponseWriter, r *http.Request) (*models.Image, bool) {
	id, ok := parseID(chi.URLParam(r, "image_id"))
	if !ok {
		WriteAPIError(w, h.Logger, http.StatusBadRequest, "invalid image id")
		return nil, false
	}
	img, err := h.Images.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteAPIError(w, h.Logger, http.StatusNotFound, "image not found")
		} else {
			h.Logger.Error("failed to load image", zap.Uint("image_id", id), zap.Error(err))
			WriteAPIError(w, h.Logger, http.StatusInternalServerError, "failed to load image")
		}
		return nil, false
	}
	return img, true
}

// GetImageStatus handles GET /api/admin/images/{image_id}. Pending reports
// which stages have a ledger entry for the payload the dispatcher would build.
func (h *AdminHandler) GetImageStatus(w http.ResponseWriter, r *http.Request) {
	img, ok := h.image(w, r)
	if !ok {
		return
	}

	payloads := []pipeline.Payload{
		pipeline.MetadataPayload{ImageID: img.ID, SourceDisk: img.Disk, SourcePath: img.Path, SourceFilename: img.Filename},
		pipeline.FacePayload{ImageID: img.ID},
	}
	if tp, err := h.Dispatcher.ThumbnailPayloadFor(img); err == nil {
		payloads = append(payloads, tp)
	}
	if len(img.Metadata) > 0 {
		payloads = append(payloads, pipeline.GeolocationPayload{ImageID: img.ID, Metadata: img.Metadata})
	}

	pending := make(map[pipeline.Stage]bool, len(payloads))
	for _, p := range payloads {
		fp, err := pipeline.FingerprintOf(p)
		if err != nil {
			continue
		}
		present, err := h.Ledger.Exists(r.Context(), fp)
		if err != nil {
			h.Logger.Error("ledger lookup failed", zap.Error(err))
			WriteAPIError(w, h.Logger, http.StatusInternalServerError, "failed to read ledger")
			return
		}
		pending[p.Stage()] = present
	}
	writeSuccess(w, h.Logger, http.StatusOK, "image status", ImageStatus{Image: img, Pending: pending})
}

// DispatchImage handles POST /api/admin/images/{image_id}/dispatch. The body
// may override mode, dry_run and verbose for this call only.
func (h *AdminHandler) DispatchImage(w http.ResponseWriter, r *http.Request) {
	img, ok := h.image(w, r)
	if !ok {
		return
	}

	var req struct {
		Mode    *string `json:"mode"`
		DryRun  *bool   `json:"dry_run"`
		Verbose *bool   `json:"verbose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteAPIError(w, h.Logger, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	overrides := pipeline.Overrides{DryRun: req.DryRun, Verbose: req.Verbose}
	if req.Mode != nil {
		mode, err := pipeline.ParseMode(*req.Mode)
		if err != nil {
			WriteAPIError(w, h.Logger, http.StatusUnprocessableEntity, "invalid mode",
				APIErrorDetail{Field: "mode", Rule: "oneof", Message: err.Error()})
			return
		}
		overrides.Mode = &mode
	}

	statuses := h.Dispatcher.Apply(overrides).DispatchAll(r.Context(), img)
	writeSuccess(w, h.Logger, http.StatusOK, "dispatched", statuses)
}

// Stats handles GET /api/admin/pipeline/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ledgerStats, err := h.Ledger.Stats(r.Context())
	if err != nil {
		h.Logger.Error("ledger stats failed", zap.Error(err))
		WriteAPIError(w, h.Logger, http.StatusInternalServerError, "failed to read ledger stats")
		return
	}
	queueStats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.Logger.Error("queue stats failed", zap.Error(err))
		WriteAPIError(w, h.Logger, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeSuccess(w, h.Logger, http.StatusOK, "pipeline stats", map[string]interface{}{
		"ledger": ledgerStats,
		"queues": queueStats,
	})
}

// ReassignRepresentative handles PUT /api/admin/faces/{face_id}/representative.
// A null parent_id makes the face a representative of its own group.
func (h *AdminHandler) ReassignRepresentative(w http.ResponseWriter, r *http.Request) {
	faceID, ok := parseID(chi.URLParam(r, "face_id"))
	if !ok {
		WriteAPIError(w, h.Logger, http.StatusBadRequest, "invalid face id")
		return
	}
	var req struct {
		ParentID *uint `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, h.Logger, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.Identities.ReassignRepresentative(r.Context(), faceID, req.ParentID); err != nil {
		h.identityError(w, "failed to reassign face", err)
		return
	}
	writeSuccess(w, h.Logger, http.StatusOK, "face reassigned", map[string]interface{}{"face_id": faceID, "parent_id": req.ParentID})
}

// ConfirmFace handles POST /api/admin/faces/{face_id}/confirm.
func (h *AdminHandler) ConfirmFace(w http.ResponseWriter, r *http.Request) {
	faceID, ok := parseID(chi.URLParam(r, "face_id"))
	if !ok {
		WriteAPIError(w, h.Logger, http.StatusBadRequest, "invalid face id")
		return
	}
	var req struct {
		PersonID uint `json:"person_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, h.Logger, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.PersonID == 0 {
		WriteAPIError(w, h.Logger, http.StatusUnprocessableEntity, "person_id is required",
			APIErrorDetail{Field: "person_id", Rule: "required", Message: "is required"})
		return
	}
	if err := h.Identities.ConfirmFace(r.Context(), faceID, req.PersonID); err != nil {
		h.identityError(w, "failed to confirm face", err)
		return
	}
	writeSuccess(w, h.Logger, http.StatusOK, "face confirmed", map[string]uint{"face_id": faceID, "person_id": req.PersonID})
}

// RejectFace handles POST /api/admin/faces/{face_id}/reject.
func (h *AdminHandler) RejectFace(w http.ResponseWriter, r *http.Request) {
	faceID, ok := parseID(chi.URLParam(r, "face_id"))
	if !ok {
		WriteAPIError(w, h.Logger, http.StatusBadRequest, "invalid face id")
		return
	}
	if err := h.Identities.RejectFace(r.Context(), faceID); err != nil {
		h.identityError(w, "failed to reject face", err)
		return
	}
	writeSuccess(w, h.Logger, http.StatusOK, "face rejected", map[string]uint{"face_id": faceID})
}

// RecomputePerson handles POST /api/admin/people/{person_id}/recompute.
func (h *AdminHandler) RecomputePerson(w http.ResponseWriter, r *http.Request) {
	personID, ok := parseID(chi.URLParam(r, "person_id"))
	if !ok {
		WriteAPIError(w, h.Logger, http.StatusBadRequest, "invalid person id")
		return
	}
	res, err := h.Identities.RecomputeCentroid(r.Context(), personID)
	if err != nil {
		h.identityError(w, "failed to recompute centroid", err)
		return
	}
	writeSuccess(w, h.Logger, http.StatusOK, "centroid recomputed", res)
}

// RecomputeAll handles POST /api/admin/people/recompute.
func (h *AdminHandler) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.Identities.RecomputeAll(r.Context())
	if err != nil {
		h.identityError(w, "failed to recompute centroids", err)
		return
	}
	writeSuccess(w, h.Logger, http.StatusOK, "centroids recomputed", results)
}

func (h *AdminHandler) identityError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		WriteAPIError(w, h.Logger, http.StatusNotFound, "not found")
	case errors.Is(err, services.ErrHasChildren), errors.Is(err, services.ErrParentNotRoot), errors.Is(err, services.ErrSelfParent):
		WriteAPIError(w, h.Logger, http.StatusUnprocessableEntity, err.Error())
	default:
		h.Logger.Error(message, zap.Error(err))
		WriteAPIError(w, h.Logger, http.StatusInternalServerError, message)
	}
}
