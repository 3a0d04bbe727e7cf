package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/camden-git/mediapipeline/models"
)

// Stage is a closed set of pipeline phases. Each maps to exactly one payload
// type and one handler.
type Stage string

const (
	StageImage       Stage = "image"
	StageThumbnail   Stage = "thumbnail"
	StageMetadata    Stage = "metadata"
	StageGeolocation Stage = "geolocation"
	StageFace        Stage = "face"
)

// TopLevelStages are reported by DispatchAll.
var TopLevelStages = []Stage{StageThumbnail, StageMetadata, StageFace, StageGeolocation}

// AllStages includes registration.
var AllStages = []Stage{StageImage, StageThumbnail, StageMetadata, StageGeolocation, StageFace}

func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStages {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// LockFamily names the lock scope used by the stage's handler.
func (s Stage) LockFamily() string {
	return string(s) + "-processing"
}

// Payload is a job description for one stage.
type Payload interface {
	Stage() Stage
}

// AssetPayload is implemented by payloads that reference an existing asset.
type AssetPayload interface {
	Payload
	AssetID() uint
}

type ThumbnailPayload struct {
	ImageID           uint   `json:"image_id,omitempty" validate:"omitempty,min=1"`
	Disk              string `json:"disk" validate:"required"`
	SourcePath        string `json:"source_path" validate:"required"`
	SourceFilename    string `json:"source_filename" validate:"required"`
	ThumbnailPath     string `json:"thumbnail_path" validate:"required"`
	ThumbnailFilename string `json:"thumbnail_filename" validate:"required"`
	ThumbnailMethod   string `json:"thumbnail_method" validate:"required,oneof=cover scale resize contain"`
	ThumbnailWidth    int    `json:"thumbnail_width" validate:"min=1"`
	ThumbnailHeight   int    `json:"thumbnail_height" validate:"min=1"`
}

func (ThumbnailPayload) Stage() Stage { return StageThumbnail }

func (p ThumbnailPayload) AssetID() uint { return p.ImageID }

type MetadataPayload struct {
	ImageID        uint   `json:"image_id" validate:"min=1"`
	SourceDisk     string `json:"source_disk" validate:"required"`
	SourcePath     string `json:"source_path" validate:"required"`
	SourceFilename string `json:"source_filename" validate:"required"`
}

func (MetadataPayload) Stage() Stage { return StageMetadata }

func (p MetadataPayload) AssetID() uint { return p.ImageID }

type GeolocationPayload struct {
	ImageID  uint            `json:"image_id" validate:"min=1"`
	Metadata models.Metadata `json:"metadata" validate:"required,min=1"`
}

func (GeolocationPayload) Stage() Stage { return StageGeolocation }

func (p GeolocationPayload) AssetID() uint { return p.ImageID }

type FacePayload struct {
	ImageID uint `json:"image_id" validate:"min=1"`
}

func (FacePayload) Stage() Stage { return StageFace }

func (p FacePayload) AssetID() uint { return p.ImageID }

type ImagePayload struct {
	SourceDisk     string `json:"source_disk" validate:"required"`
	SourcePath     string `json:"source_path" validate:"required"`
	SourceFilename string `json:"source_filename" validate:"required"`
	Width          int    `json:"width" validate:"min=1"`
	Height         int    `json:"height" validate:"min=1"`
	Size           int64  `json:"size" validate:"min=1"`
	Hash           string `json:"hash" validate:"required,len=32,hexadecimal,lowercase"`
	CreatedAtFile  int64  `json:"created_at_file" validate:"min=0"`
	UpdatedAtFile  int64  `json:"updated_at_file" validate:"min=0"`
	ParentID       *uint  `json:"parent_id,omitempty" validate:"omitempty,min=1"`
}

func (ImagePayload) Stage() Stage { return StageImage }

// NewPayload returns a zero payload of the stage's type.
func NewPayload(stage Stage) (Payload, error) {
	switch stage {
	case StageImage:
		return &ImagePayload{}, nil
	case StageThumbnail:
		return &ThumbnailPayload{}, nil
	case StageMetadata:
		return &MetadataPayload{}, nil
	case StageGeolocation:
		return &GeolocationPayload{}, nil
	case StageFace:
		return &FacePayload{}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

// Decode parses and validates a stored or submitted payload.
func Decode(stage Stage, data []byte) (Payload, error) {
	ptr, err := NewPayload(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", stage, err)
	}
	p := deref(ptr)
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ImagePayload:
		return *v
	case *ThumbnailPayload:
		return *v
	case *MetadataPayload:
		return *v
	case *GeolocationPayload:
		return *v
	case *FacePayload:
		return *v
	}
	return p
}

// FieldError describes one rejected payload field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every rejected field of a payload.
type ValidationError struct {
	Stage  Stage
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Stage, strings.Join(parts, "; "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a payload against its schema.
func Validate(p Payload) error {
	if p == nil {
		return fmt.Errorf("nil payload")
	}
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate %s payload: %w", p.Stage(), err)
	}
	out := &ValidationError{Stage: p.Stage()}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "hexadecimal":
		return "must be hexadecimal"
	case "lowercase":
		return "must be lowercase"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
