package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/storage"
)

// Store is an in-memory implementation of storage.RecordStore. One RWMutex
// guards the whole table, so every mutation is serialized and readers only
// ever observe complete records. Records are cloned on the way in and out.
type Store struct {
	mu      sync.RWMutex
	records map[name.Name]apps.AppRecord
	now     func() time.Time
}

var _ storage.RecordStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[name.Name]apps.AppRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) InsertRecord(_ context.Context, n name.Name, rec apps.AppRecord) (apps.AppRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[n]; exists {
		return apps.AppRecord{}, fmt.Errorf("%s: %w", n, storage.ErrAlreadyExists)
	}

	rec = rec.Clone()
	rec.Name = n
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.records[n] = rec
	return rec.Clone(), nil
}

func (s *Store) UpdateRecord(_ context.Context, n name.Name, fn storage.MutateFunc) (apps.AppRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.records[n]
	if !ok {
		return apps.AppRecord{}, fmt.Errorf("%s: %w", n, storage.ErrNotFound)
	}

	// fn works on a copy; the stored value is swapped only on success.
	working := original.Clone()
	if err := fn(&working); err != nil {
		return apps.AppRecord{}, err
	}
	working.Name = original.Name
	working.CreatedAt = original.CreatedAt
	working.UpdatedAt = s.now()

	s.records[n] = working
	return working.Clone(), nil
}

func (s *Store) GetRecord(_ context.Context, n name.Name) (apps.AppRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[n]
	if !ok {
		return apps.AppRecord{}, fmt.Errorf("%s: %w", n, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) HasRecord(_ context.Context, n name.Name) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.records[n]
	return ok, nil
}

func (s *Store) DeleteRecord(_ context.Context, n name.Name) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[n]; !ok {
		return fmt.Errorf("%s: %w", n, storage.ErrNotFound)
	}
	delete(s.records, n)
	return nil
}

func (s *Store) ListRecords(_ context.Context) ([]apps.AppRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]apps.AppRecord, 0, len(s.records))
	for _, rec := range s.records {
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name.Compare(result[j].Name) < 0
	})
	return result, nil
}

func (s *Store) CountRecords(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Merge folds recs into the table, keeping their timestamps. A record replaces
// the stored one only when the key is absent or recs carries a later
// UpdatedAt, so merging never drops a key or rolls a record back. Duplicate or
// zero names are rejected and leave the store unchanged. Merge reports how many
// records changed.
func (s *Store) Merge(recs []apps.AppRecord) (int, error) {
	seen := make(map[name.Name]struct{}, len(recs))
	for _, rec := range recs {
		if rec.Name.IsZero() {
			return 0, fmt.Errorf("merge: record without name")
		}
		if _, dup := seen[rec.Name]; dup {
			return 0, fmt.Errorf("merge: %s: %w", rec.Name, storage.ErrAlreadyExists)
		}
		seen[rec.Name] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, rec := range recs {
		if cur, ok := s.records[rec.Name]; ok && !rec.UpdatedAt.After(cur.UpdatedAt) {
			continue
		}
		s.records[rec.Name] = rec.Clone()
		changed++
	}
	return changed, nil
}
