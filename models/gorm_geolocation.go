package models

// GeolocationPoint is a resolved coordinate pair.
// It corresponds to the 'geolocation_points' table.
type GeolocationPoint struct {
	ID        uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	Latitude  float64 `gorm:"not null;uniqueIndex:idx_geolocation_points_coords" json:"latitude"`
	Longitude float64 `gorm:"not null;uniqueIndex:idx_geolocation_points_coords" json:"longitude"`
	AddressID uint    `gorm:"not null;index" json:"address_id"`
	CreatedAt int64   `gorm:"not null" json:"created_at"` // Unix timestamp

	Address *GeolocationAddress `gorm:"foreignKey:AddressID" json:"address,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (GeolocationPoint) TableName() string {
	return "geolocation_points"
}

// Polygon is a closed ring of [longitude, latitude] vertices.
type Polygon [][2]float64

// GeolocationAddress is a reverse-geocoded place with its bounding box.
// It corresponds to the 'geolocation_addresses' table.
type GeolocationAddress struct {
	ID          uint     `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceID    string   `gorm:"not null;uniqueIndex" json:"source_id"` // external geocoder identifier
	DisplayName string   `gorm:"" json:"display_name"`
	LatMin      float64  `gorm:"not null;index:idx_geolocation_addresses_bbox" json:"lat_min"`
	LatMax      float64  `gorm:"not null;index:idx_geolocation_addresses_bbox" json:"lat_max"`
	LonMin      float64  `gorm:"not null;index:idx_geolocation_addresses_bbox" json:"lon_min"`
	LonMax      float64  `gorm:"not null;index:idx_geolocation_addresses_bbox" json:"lon_max"`
	Polygon     Polygon  `gorm:"serializer:json;type:text" json:"polygon"`
	Payload     Metadata `gorm:"serializer:json;type:text" json:"payload,omitempty"`
	CreatedAt   int64    `gorm:"not null" json:"created_at"` // Unix timestamp
}

// TableName explicitly sets the table name for GORM.
func (GeolocationAddress) TableName() string {
	return "geolocation_addresses"
}
