package models

import "gorm.io/gorm"

// Face represents a detected face on an image using GORM.
// It corresponds to the 'faces' table.
type Face struct {
	ID           uint     `gorm:"primaryKey;autoIncrement" json:"id"`
	ImageID      uint     `gorm:"not null;index" json:"image_id"`
	Index        int      `gorm:"column:face_index;not null" json:"index"` // position of the face within its image
	Encoding     []byte   `gorm:"column:encoding" json:"-"`                // float32 vector as BLOB
	PersonID     *uint    `gorm:"index" json:"person_id,omitempty"`        // Nullable foreign key to people table
	ParentID     *uint    `gorm:"index" json:"parent_id,omitempty"`        // group representative, nil for roots
	Status       string   `gorm:"not null;default:process;index" json:"status"`
	QualityScore *float32 `gorm:"" json:"quality_score,omitempty"`
	X1           int      `gorm:"not null;default:0" json:"x1"`
	Y1           int      `gorm:"not null;default:0" json:"y1"`
	X2           int      `gorm:"not null;default:0" json:"x2"`
	Y2           int      `gorm:"not null;default:0" json:"y2"`

	CreatedAt int64          `gorm:"not null" json:"created_at"`        // Unix timestamp
	UpdatedAt int64          `gorm:"not null" json:"updated_at"`        // Unix timestamp
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"` // For soft deletes

	Person *Person `gorm:"foreignKey:PersonID" json:"person,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Face) TableName() string {
	return "faces"
}

// GetEncoding converts the BLOB data to []float32
func (f *Face) GetEncoding() []float32 {
	return DecodeVector(f.Encoding)
}

// SetEncoding converts []float32 to BLOB data
func (f *Face) SetEncoding(encoding []float32) {
	f.Encoding = EncodeVector(encoding)
}

// IsRoot reports whether the face is a group representative.
func (f *Face) IsRoot() bool {
	return f.ParentID == nil
}
