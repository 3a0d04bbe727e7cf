package models

// QueueLedgerEntry marks a unit of work as pending or executing. The unique
// fingerprint is what makes submission admission atomic.
// It corresponds to the 'queue_ledger' table.
type QueueLedgerEntry struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Fingerprint string `gorm:"size:64;not null;uniqueIndex" json:"fingerprint"`
	Stage       string `gorm:"not null;default:''" json:"stage"`
	CreatedAt   int64  `gorm:"not null;index" json:"created_at"` // Unix timestamp
}

// TableName explicitly sets the table name for GORM.
func (QueueLedgerEntry) TableName() string {
	return "queue_ledger"
}

// Job is a durable queued unit of work.
// It corresponds to the 'pipeline_jobs' table.
type Job struct {
	ID          uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	Queue       string  `gorm:"not null;index:idx_pipeline_jobs_ready" json:"queue"`
	Kind        string  `gorm:"not null" json:"kind"`
	Payload     string  `gorm:"type:text;not null" json:"payload"` // JSON encoded stage payload
	Fingerprint string  `gorm:"size:64;index" json:"fingerprint"`
	Attempts    int     `gorm:"not null;default:0" json:"attempts"`
	AvailableAt int64   `gorm:"not null;index:idx_pipeline_jobs_ready" json:"available_at"` // Unix timestamp
	ReservedAt  *int64  `gorm:"index" json:"reserved_at,omitempty"`
	ReservedBy  *string `gorm:"" json:"reserved_by,omitempty"`
	LastError   *string `gorm:"" json:"last_error,omitempty"`
	FailedAt    *int64  `gorm:"index" json:"failed_at,omitempty"`
	CreatedAt   int64   `gorm:"not null" json:"created_at"` // Unix timestamp
	UpdatedAt   int64   `gorm:"not null" json:"updated_at"` // Unix timestamp
}

// TableName explicitly sets the table name for GORM.
func (Job) TableName() string {
	return "pipeline_jobs"
}

// Lock is a lease held by one owner until it expires.
// It corresponds to the 'locks' table.
type Lock struct {
	Key       string `gorm:"primaryKey;column:lock_key" json:"key"`
	Owner     string `gorm:"not null" json:"owner"`
	ExpiresAt int64  `gorm:"not null;index" json:"expires_at"` // Unix milliseconds
}

// TableName explicitly sets the table name for GORM.
func (Lock) TableName() string {
	return "locks"
}
