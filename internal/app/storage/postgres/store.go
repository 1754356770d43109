package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/storage"
)

const recordColumns = `name, app_cap_id, app_info, networks, metadata, storage_id, created_at, updated_at`

// Store implements storage.RecordStore backed by PostgreSQL.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ storage.RecordStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

type recordRow struct {
	Name      string    `db:"name"`
	AppCapID  string    `db:"app_cap_id"`
	AppInfo   []byte    `db:"app_info"`
	Networks  []byte    `db:"networks"`
	Metadata  []byte    `db:"metadata"`
	StorageID string    `db:"storage_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r recordRow) toRecord() (apps.AppRecord, error) {
	n, err := name.New(r.Name)
	if err != nil {
		return apps.AppRecord{}, fmt.Errorf("stored name %q: %w", r.Name, err)
	}
	rec := apps.AppRecord{
		Name:      n,
		Networks:  map[string]apps.AppInfo{},
		Metadata:  map[string]string{},
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if rec.AppCapID, err = apps.ParseObjectID(r.AppCapID); err != nil {
		return apps.AppRecord{}, err
	}
	if rec.Storage, err = apps.ParseObjectID(r.StorageID); err != nil {
		return apps.AppRecord{}, err
	}
	if len(r.AppInfo) > 0 {
		if err := json.Unmarshal(r.AppInfo, &rec.AppInfo); err != nil {
			return apps.AppRecord{}, fmt.Errorf("decode app_info: %w", err)
		}
	}
	if len(r.Networks) > 0 {
		if err := json.Unmarshal(r.Networks, &rec.Networks); err != nil {
			return apps.AppRecord{}, fmt.Errorf("decode networks: %w", err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &rec.Metadata); err != nil {
			return apps.AppRecord{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}

type encodedRecord struct {
	appInfo  interface{}
	networks string
	metadata string
}

func encode(rec apps.AppRecord) (encodedRecord, error) {
	var out encodedRecord
	if rec.AppInfo.IsSet() {
		raw, err := json.Marshal(rec.AppInfo)
		if err != nil {
			return out, err
		}
		out.appInfo = string(raw)
	}

	networks := rec.Networks
	if networks == nil {
		networks = map[string]apps.AppInfo{}
	}
	raw, err := json.Marshal(networks)
	if err != nil {
		return out, err
	}
	out.networks = string(raw)

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err = json.Marshal(metadata)
	if err != nil {
		return out, err
	}
	out.metadata = string(raw)
	return out, nil
}

func (s *Store) InsertRecord(ctx context.Context, n name.Name, rec apps.AppRecord) (apps.AppRecord, error) {
	rec = rec.Clone()
	rec.Name = n
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	enc, err := encode(rec)
	if err != nil {
		return apps.AppRecord{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO app_registry_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO NOTHING
	`, n.String(), rec.AppCapID.String(), enc.appInfo, enc.networks, enc.metadata, rec.Storage.String(), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return apps.AppRecord{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apps.AppRecord{}, fmt.Errorf("%s: %w", n, storage.ErrAlreadyExists)
	}
	return rec, nil
}

func (s *Store) UpdateRecord(ctx context.Context, n name.Name, fn storage.MutateFunc) (_ apps.AppRecord, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apps.AppRecord{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var row recordRow
	if err = tx.GetContext(ctx, &row, `
		SELECT `+recordColumns+`
		FROM app_registry_records
		WHERE name = $1
		FOR UPDATE
	`, n.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apps.AppRecord{}, fmt.Errorf("%s: %w", n, storage.ErrNotFound)
		}
		return apps.AppRecord{}, err
	}

	original, err := row.toRecord()
	if err != nil {
		return apps.AppRecord{}, err
	}
	working := original.Clone()
	if err = fn(&working); err != nil {
		return apps.AppRecord{}, err
	}
	working.Name = original.Name
	working.CreatedAt = original.CreatedAt
	working.UpdatedAt = s.now()

	enc, err := encode(working)
	if err != nil {
		return apps.AppRecord{}, err
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE app_registry_records
		SET app_cap_id = $2, app_info = $3, networks = $4, metadata = $5, storage_id = $6, updated_at = $7
		WHERE name = $1
	`, n.String(), working.AppCapID.String(), enc.appInfo, enc.networks, enc.metadata, working.Storage.String(), working.UpdatedAt); err != nil {
		return apps.AppRecord{}, err
	}
	if err = tx.Commit(); err != nil {
		return apps.AppRecord{}, err
	}
	return working, nil
}

func (s *Store) GetRecord(ctx context.Context, n name.Name) (apps.AppRecord, error) {
	var row recordRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT `+recordColumns+`
		FROM app_registry_records
		WHERE name = $1
	`, n.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apps.AppRecord{}, fmt.Errorf("%s: %w", n, storage.ErrNotFound)
		}
		return apps.AppRecord{}, err
	}
	return row.toRecord()
}

func (s *Store) HasRecord(ctx context.Context, n name.Name) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM app_registry_records WHERE name = $1)
	`, n.String())
	return exists, err
}

func (s *Store) DeleteRecord(ctx context.Context, n name.Name) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_registry_records WHERE name = $1
	`, n.String())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%s: %w", n, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context) ([]apps.AppRecord, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+recordColumns+`
		FROM app_registry_records
		ORDER BY name
	`); err != nil {
		return nil, err
	}

	result := make([]apps.AppRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM app_registry_records`)
	return count, err
}
