package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/pipeline"
)

// response statuses
const (
	StatusSuccess = "success"
	StatusExists  = "exists"
	StatusError   = "error"
)

// APIErrorDetail is one entry of a response's errors list. Validation
// failures fill Field and Rule.
type APIErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// Response is the envelope every API endpoint answers with.
type Response struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Errors  []APIErrorDetail `json:"errors"`
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logger.Warn("failed to encode JSON response", zap.Error(err))
		}
	}
}

func writeSuccess(w http.ResponseWriter, logger *zap.Logger, httpStatus int, message string, data interface{}) {
	writeJSON(w, logger, httpStatus, Response{Status: StatusSuccess, Message: message, Data: data, Errors: []APIErrorDetail{}})
}

// WriteAPIError writes an error envelope with a single message.
func WriteAPIError(w http.ResponseWriter, logger *zap.Logger, httpStatus int, message string, details ...APIErrorDetail) {
	if details == nil {
		details = []APIErrorDetail{{Message: message}}
	}
	writeJSON(w, logger, httpStatus, Response{Status: StatusError, Message: message, Errors: details})
}

func writeValidationError(w http.ResponseWriter, logger *zap.Logger, verr *pipeline.ValidationError) {
	details := make([]APIErrorDetail, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		details = append(details, APIErrorDetail{Field: f.Field, Rule: f.Rule, Message: f.Message})
	}
	WriteAPIError(w, logger, http.StatusUnprocessableEntity, "invalid "+string(verr.Stage)+" payload", details...)
}

func parseID(raw string) (uint, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
