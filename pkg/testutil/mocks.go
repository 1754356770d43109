// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/storage"
	"github.com/R3E-Network/app_registry/internal/app/storage/memory"
	"github.com/R3E-Network/app_registry/pkg/logger"
)

// Store methods that can be made to fail.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpGet    = "get"
	OpHas    = "has"
	OpDelete = "delete"
	OpList   = "list"
	OpCount  = "count"
)

// MockRecordStore wraps an in-memory store, counts calls per method and can
// inject errors.
type MockRecordStore struct {
	*memory.Store

	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

var _ storage.RecordStore = (*MockRecordStore)(nil)

// NewMockRecordStore returns an empty mock store.
func NewMockRecordStore() *MockRecordStore {
	return &MockRecordStore{
		Store: memory.New(),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

// FailWith makes every call to op return err until Reset.
func (m *MockRecordStore) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

// Reset clears injected errors and call counts.
func (m *MockRecordStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = make(map[string]error)
	m.calls = make(map[string]int)
}

// Calls returns how often op was invoked.
func (m *MockRecordStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockRecordStore) enter(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	return m.fail[op]
}

func (m *MockRecordStore) InsertRecord(ctx context.Context, n name.Name, rec apps.AppRecord) (apps.AppRecord, error) {
	if err := m.enter(OpInsert); err != nil {
		return apps.AppRecord{}, err
	}
	return m.Store.InsertRecord(ctx, n, rec)
}

func (m *MockRecordStore) UpdateRecord(ctx context.Context, n name.Name, fn storage.MutateFunc) (apps.AppRecord, error) {
	if err := m.enter(OpUpdate); err != nil {
		return apps.AppRecord{}, err
	}
	return m.Store.UpdateRecord(ctx, n, fn)
}

func (m *MockRecordStore) GetRecord(ctx context.Context, n name.Name) (apps.AppRecord, error) {
	if err := m.enter(OpGet); err != nil {
		return apps.AppRecord{}, err
	}
	return m.Store.GetRecord(ctx, n)
}

func (m *MockRecordStore) HasRecord(ctx context.Context, n name.Name) (bool, error) {
	if err := m.enter(OpHas); err != nil {
		return false, err
	}
	return m.Store.HasRecord(ctx, n)
}

func (m *MockRecordStore) DeleteRecord(ctx context.Context, n name.Name) error {
	if err := m.enter(OpDelete); err != nil {
		return err
	}
	return m.Store.DeleteRecord(ctx, n)
}

func (m *MockRecordStore) ListRecords(ctx context.Context) ([]apps.AppRecord, error) {
	if err := m.enter(OpList); err != nil {
		return nil, err
	}
	return m.Store.ListRecords(ctx)
}

func (m *MockRecordStore) CountRecords(ctx context.Context) (int, error) {
	if err := m.enter(OpCount); err != nil {
		return 0, err
	}
	return m.Store.CountRecords(ctx)
}

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger(component string) *logger.Logger {
	return logger.New(component, logger.Config{Output: io.Discard})
}
