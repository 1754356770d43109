package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/storage"
)

var columns = []string{"name", "app_cap_id", "app_info", "networks", "metadata", "storage_id", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(sqlx.NewDb(db, "postgres"))
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	return store, mock
}

func sampleRecord() apps.AppRecord {
	return apps.AppRecord{
		AppInfo: apps.Canonical(apps.NewAppInfo(apps.MustObjectID("0xaa"), apps.MustAddress("0x01"))),
		Storage: apps.MustObjectID("0x99"),
	}
}

func TestStore_InsertRecord(t *testing.T) {
	store, mock := newMockStore(t)
	n := name.MustNew("app@org")

	mock.ExpectExec("INSERT INTO app_registry_records").
		WithArgs("app@org", apps.ObjectID{}.String(), sqlmock.AnyArg(), "{}", "{}", apps.MustObjectID("0x99").String(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := store.InsertRecord(context.Background(), n, sampleRecord())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.Name != n || rec.CreatedAt.IsZero() {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_InsertRecordConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO app_registry_records").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.InsertRecord(context.Background(), name.MustNew("app@org"), sampleRecord())
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestStore_GetRecord(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM app_registry_records").
		WithArgs("app.example").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"app.example",
			apps.ObjectID{}.String(),
			[]byte(`{"package_info_id":"0xaa","package_address":"0x01"}`),
			[]byte(`{"testnet":{"package_info_id":"0xbb","package_address":"0x02"}}`),
			[]byte(`{"website":"https://example.com"}`),
			apps.MustObjectID("0x99").String(),
			now, now,
		))

	rec, err := store.GetRecord(context.Background(), name.MustNew("app.example"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	info, ok := rec.AppInfo.Get()
	if !ok || *info.PackageInfoID != apps.MustObjectID("0xaa") || info.UpgradeCapID != nil {
		t.Fatalf("unexpected app info: %#v", info)
	}
	net, ok := rec.Network("testnet")
	if !ok || *net.PackageAddress != apps.MustAddress("0x02") {
		t.Fatalf("unexpected network: %#v", net)
	}
	if rec.Metadata["website"] != "https://example.com" {
		t.Fatalf("unexpected metadata: %#v", rec.Metadata)
	}
}

func TestStore_GetRecordNullAppInfo(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM app_registry_records").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"app@org", apps.ObjectID{}.String(), nil, []byte(`{}`), []byte(`{}`), apps.MustObjectID("0x99").String(), now, now,
		))

	rec, err := store.GetRecord(context.Background(), name.MustNew("app@org"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.AppInfo.IsSet() {
		t.Fatalf("NULL app_info decoded as set")
	}
}

func TestStore_GetRecordMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM app_registry_records").WillReturnError(sql.ErrNoRows)

	_, err := store.GetRecord(context.Background(), name.MustNew("app@org"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateRecordCommits(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM app_registry_records (.+) FOR UPDATE").
		WithArgs("app@org").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"app@org", apps.ObjectID{}.String(), []byte(`{"package_info_id":"0xaa","package_address":"0x01"}`),
			[]byte(`{}`), []byte(`{}`), apps.MustObjectID("0x99").String(), now, now,
		))
	mock.ExpectExec("UPDATE app_registry_records").
		WithArgs("app@org", sqlmock.AnyArg(), sqlmock.AnyArg(),
			`{"testnet":{"package_info_id":"0x00000000000000000000000000000000000000000000000000000000000000bb","package_address":"0x0000000000000000000000000000000000000000000000000000000000000002"}}`,
			"{}", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.UpdateRecord(context.Background(), name.MustNew("app@org"), func(rec *apps.AppRecord) error {
		rec.PutNetwork("testnet", apps.NewAppInfo(apps.MustObjectID("0xbb"), apps.MustAddress("0x02")))
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(rec.Networks) != 1 || !rec.AppInfo.IsSet() {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_UpdateRecordRollsBackOnMutateError(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"app@org", apps.ObjectID{}.String(), nil, []byte(`{}`), []byte(`{}`), apps.MustObjectID("0x99").String(), now, now,
		))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err := store.UpdateRecord(context.Background(), name.MustNew("app@org"), func(*apps.AppRecord) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_UpdateRecordMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FOR UPDATE").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.UpdateRecord(context.Background(), name.MustNew("app@org"), func(*apps.AppRecord) error { return nil })
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_CountHasDelete(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	n := name.MustNew("app@org")

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("app@org").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("DELETE FROM app_registry_records").WithArgs("app@org").WillReturnResult(sqlmock.NewResult(0, 0))

	count, err := store.CountRecords(ctx)
	if err != nil || count != 3 {
		t.Fatalf("count = %d, %v", count, err)
	}
	ok, err := store.HasRecord(ctx, n)
	if err != nil || !ok {
		t.Fatalf("has = %v, %v", ok, err)
	}
	if err := store.DeleteRecord(ctx, n); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	n := name.MustNew("integration-" + time.Now().Format("20060102150405") + "@org")
	if _, err := store.InsertRecord(ctx, n, sampleRecord()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	defer store.DeleteRecord(ctx, n)

	if _, err := store.InsertRecord(ctx, n, sampleRecord()); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	rec, err := store.UpdateRecord(ctx, n, func(rec *apps.AppRecord) error {
		rec.PutNetwork("testnet", apps.NewAppInfo(apps.MustObjectID("0xbb"), apps.MustAddress("0x02")))
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := rec.Network("testnet"); !ok {
		t.Fatalf("network not stored")
	}
}
