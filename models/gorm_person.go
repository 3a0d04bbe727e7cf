package models

// Person represents an identity aggregated from confirmed faces using GORM.
// It corresponds to the 'people' table.
type Person struct {
	ID              uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	PrimaryName     string `gorm:"not null" json:"primary_name"`
	Centroid        []byte `gorm:"column:centroid" json:"-"` // float32 vector as BLOB, nil when EmbeddingsCount == 0
	EmbeddingsCount int    `gorm:"not null;default:0" json:"embeddings_count"`
	CreatedAt       int64  `gorm:"not null" json:"created_at"` // Unix timestamp
	UpdatedAt       int64  `gorm:"not null" json:"updated_at"` // Unix timestamp

	Faces []Face `gorm:"foreignKey:PersonID;constraint:OnDelete:SET NULL" json:"faces,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Person) TableName() string {
	return "people"
}

// GetCentroid returns the decoded centroid, or nil when undefined.
func (p *Person) GetCentroid() []float32 {
	if p.EmbeddingsCount == 0 {
		return nil
	}
	return DecodeVector(p.Centroid)
}
