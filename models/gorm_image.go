package models

// Metadata is the free-form key/value map produced by the metadata extractor.
type Metadata map[string]any

// Image represents a tracked media asset using GORM.
// It corresponds to the 'images' table.
type Image struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Disk     string `gorm:"not null;uniqueIndex:idx_images_location" json:"disk"`
	Path     string `gorm:"not null;uniqueIndex:idx_images_location" json:"path"` // directory relative to the disk root
	Filename string `gorm:"not null;uniqueIndex:idx_images_location" json:"filename"`

	Hash           string  `gorm:"size:32;index" json:"hash"`                      // md5 of the file content, lowercase hex
	PerceptualHash *string `gorm:"size:16;index" json:"perceptual_hash,omitempty"` // 64-bit difference hash, hex
	Width          int     `gorm:"not null;default:0" json:"width"`
	Height         int     `gorm:"not null;default:0" json:"height"`
	Size           int64   `gorm:"not null;default:0" json:"size"`
	TakenAt        *int64  `gorm:"index" json:"taken_at,omitempty"` // Nullable, capture time from metadata

	CreatedAtFile int64 `gorm:"not null;default:0" json:"created_at_file"`
	UpdatedAtFile int64 `gorm:"not null;default:0" json:"updated_at_file"`

	ParentID           *uint `gorm:"index" json:"parent_id,omitempty"` // duplicate group representative
	GeolocationPointID *uint `gorm:"index" json:"geolocation_point_id,omitempty"`

	Metadata Metadata `gorm:"serializer:json;type:text" json:"metadata,omitempty"`

	Status    string  `gorm:"not null;default:process;index" json:"status"`
	LastError *string `gorm:"" json:"last_error,omitempty"`

	ThumbnailPath *string `gorm:"" json:"thumbnail_path,omitempty"`

	ThumbnailProcessedAt   *int64 `gorm:"" json:"thumbnail_processed_at,omitempty"`
	MetadataProcessedAt    *int64 `gorm:"" json:"metadata_processed_at,omitempty"`
	GeolocationProcessedAt *int64 `gorm:"" json:"geolocation_processed_at,omitempty"`
	FaceProcessedAt        *int64 `gorm:"" json:"face_processed_at,omitempty"`

	CreatedAt int64 `gorm:"not null" json:"created_at"` // Unix timestamp
	UpdatedAt int64 `gorm:"not null" json:"updated_at"` // Unix timestamp

	// Relationships
	Faces            []Face            `gorm:"foreignKey:ImageID" json:"faces,omitempty"`
	GeolocationPoint *GeolocationPoint `gorm:"foreignKey:GeolocationPointID" json:"geolocation_point,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Image) TableName() string {
	return "images"
}
