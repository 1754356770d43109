package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
)

const lockRetry = 25 * time.Millisecond

// Table is the in-memory side of a snapshot file.
type Table interface {
	ListRecords(ctx context.Context) ([]apps.AppRecord, error)
	// Merge folds recs in without dropping keys or rolling a record back.
	Merge(recs []apps.AppRecord) (int, error)
}

// File keeps a Table and the snapshot at path in step when several processes
// share the file. Every access holds an exclusive lock on path+".lock", and
// every write merges the file into the table first, so no process writes a
// view older than what is already on disk.
type File struct {
	path     string
	registry apps.Registry
	table    Table
	lock     *flock.Flock
	// turn serializes callers inside this process; flock only excludes
	// other open file descriptions.
	turn chan struct{}
}

// NewFile binds table to the snapshot at path for the given registry.
func NewFile(path string, registry apps.Registry, table Table) *File {
	return &File{
		path:     path,
		registry: registry,
		table:    table,
		lock:     flock.New(path + ".lock"),
		turn:     make(chan struct{}, 1),
	}
}

func (f *File) Path() string { return f.path }

// Load merges the snapshot into the table. A missing file reports ok=false.
func (f *File) Load(ctx context.Context) (snap Snapshot, ok bool, err error) {
	if err := f.acquire(ctx); err != nil {
		return Snapshot{}, false, err
	}
	defer f.release()
	return f.sync()
}

// Save merges the file into the table and writes the merged table back.
func (f *File) Save(ctx context.Context) (Snapshot, error) {
	return f.Update(ctx, nil)
}

// Update runs fn between loading the latest file and writing the result, with
// the lock held throughout. An error from fn leaves the file untouched.
func (f *File) Update(ctx context.Context, fn func(context.Context) error) (Snapshot, error) {
	if err := f.acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	defer f.release()

	if _, _, err := f.sync(); err != nil {
		return Snapshot{}, err
	}
	if fn != nil {
		if err := fn(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	snap, err := Capture(ctx, tableSource{f})
	if err != nil {
		return Snapshot{}, err
	}
	if err := WriteFile(f.path, snap); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot %s: %w", f.path, err)
	}
	return snap, nil
}

func (f *File) sync() (Snapshot, bool, error) {
	snap, err := ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if _, err := f.table.Merge(snap.Records); err != nil {
		return Snapshot{}, false, fmt.Errorf("merge %s: %w", f.path, err)
	}
	return snap, true, nil
}

func (f *File) acquire(ctx context.Context) error {
	select {
	case f.turn <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", f.lock.Path(), ctx.Err())
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		<-f.turn
		return err
	}
	locked, err := f.lock.TryLockContext(ctx, lockRetry)
	if err == nil && !locked {
		err = errors.New("not acquired")
	}
	if err != nil {
		<-f.turn
		return fmt.Errorf("lock %s: %w", f.lock.Path(), err)
	}
	return nil
}

func (f *File) release() {
	_ = f.lock.Unlock()
	<-f.turn
}

// tableSource presents a File's table as a Source for Capture.
type tableSource struct{ f *File }

func (s tableSource) Descriptor() apps.Registry { return s.f.registry }

func (s tableSource) List(ctx context.Context) ([]apps.AppRecord, error) {
	return s.f.table.ListRecords(ctx)
}
