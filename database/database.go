package database

import (
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// Builder is the squirrel statement builder for sqlite placeholders.
var Builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// image lifecycle statuses
const (
	ImageStatusProcess  = "process"
	ImageStatusRecheck  = "recheck"
	ImageStatusNotPhoto = "not_photo"
	ImageStatusOK       = "ok"
)

// face lifecycle statuses
const (
	FaceStatusProcess = "process"
	FaceStatusUnknown = "unknown"
	FaceStatusNotFace = "not_face"
	FaceStatusOK      = "ok"
)

// IsDuplicateKey reports a uniqueness constraint violation.
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsBusy reports a sqlite lock contention error that survived the busy timeout.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// RetryOnBusy runs fn again when sqlite reports the database is busy.
func RetryOnBusy(attempts int, fn func() error) error {
	var err error
	delay := 25 * time.Millisecond
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsBusy(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// Now returns the current Unix timestamp in seconds.
func Now() int64 {
	return time.Now().Unix()
}
