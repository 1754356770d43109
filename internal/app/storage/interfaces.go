package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
)

var (
	// ErrNotFound is returned when no record exists under a name.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by InsertRecord when the name is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// MutateFunc edits a record in place. Returning an error aborts the update and
// leaves the stored record untouched.
type MutateFunc func(rec *apps.AppRecord) error

// RecordStore is the unique key-value table holding Name -> AppRecord.
// Implementations must make InsertRecord and UpdateRecord atomic: readers see
// either the previous record or the new one, never a partial write.
type RecordStore interface {
	// InsertRecord stores rec under n if n is absent, otherwise ErrAlreadyExists.
	InsertRecord(ctx context.Context, n name.Name, rec apps.AppRecord) (apps.AppRecord, error)
	// UpdateRecord applies fn to the record under n as one atomic step.
	UpdateRecord(ctx context.Context, n name.Name, fn MutateFunc) (apps.AppRecord, error)
	GetRecord(ctx context.Context, n name.Name) (apps.AppRecord, error)
	HasRecord(ctx context.Context, n name.Name) (bool, error)
	DeleteRecord(ctx context.Context, n name.Name) error
	// ListRecords returns all records ordered by name.
	ListRecords(ctx context.Context) ([]apps.AppRecord, error)
	CountRecords(ctx context.Context) (int, error)
}
