package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/events"
	"github.com/R3E-Network/app_registry/internal/app/objects"
	"github.com/R3E-Network/app_registry/internal/app/services/registry"
	"github.com/R3E-Network/app_registry/internal/app/storage/memory"
	"github.com/R3E-Network/app_registry/pkg/logger"
)

func populated(t *testing.T) (*registry.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := registry.New(apps.MustObjectID("0xabc"), store, &objects.Sequential{},
		registry.WithLogger(logger.New("registry", logger.Config{Output: io.Discard})))
	ctx := context.Background()

	_, err := svc.AddRecord(ctx, registry.AddRecordRequest{
		Name: "app.example", PackageInfoID: apps.MustObjectID("0xAA"), PackageAddress: apps.MustAddress("0x01"),
	})
	require.NoError(t, err)
	_, err = svc.SetNetwork(ctx, registry.SetNetworkRequest{
		Name: "app.example", Network: "testnet", PackageInfoID: apps.MustObjectID("0xBB"), PackageAddress: apps.MustAddress("0x02"),
	})
	require.NoError(t, err)
	_, err = svc.SetMetadata(ctx, registry.SetMetadataRequest{Name: "app.example", Key: "website", Value: "https://example.com"})
	require.NoError(t, err)
	_, err = svc.AddRecord(ctx, registry.AddRecordRequest{Name: "tool@org", AppCapID: apps.MustObjectID("0xcafe")})
	require.NoError(t, err)
	return svc, store
}

func TestCaptureEncodeDecode(t *testing.T) {
	svc, _ := populated(t)
	snap, err := Capture(context.Background(), svc)
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))
	assert.Contains(t, buf.String(), "name: app.example")
	assert.Contains(t, buf.String(), "testnet:")

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, snap.Registry, decoded.Registry)
	require.Len(t, decoded.Records, 2)

	for i := range snap.Records {
		want, got := snap.Records[i], decoded.Records[i]
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.AppCapID, got.AppCapID)
		assert.Equal(t, want.Storage, got.Storage)
		assert.True(t, want.AppInfo.Equal(got.AppInfo))
		assert.Equal(t, want.Metadata, got.Metadata)
		assert.Equal(t, want.NetworkIDs(), got.NetworkIDs())
	}
}

func TestDecodeRejectsDuplicates(t *testing.T) {
	doc := `
version: 1
records:
  - name: app@org
  - name: APP@org
`
	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestDecodeEmpty(t *testing.T) {
	snap, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	_, err := Decode(strings.NewReader("version: 99\n"))
	assert.Error(t, err)
}

func TestWriteFileAndLoad(t *testing.T) {
	svc, _ := populated(t)
	path := filepath.Join(t.TempDir(), "nested", "registry.yaml")

	snap, err := Capture(context.Background(), svc)
	require.NoError(t, err)
	require.NoError(t, WriteFile(path, snap))

	store := memory.New()
	loaded, ok, err := NewFile(path, svc.Descriptor(), store).Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Registry.ID, loaded.Registry.ID)

	count, err := store.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, ok, err = NewFile(filepath.Join(t.TempDir(), "missing.yaml"), svc.Descriptor(), memory.New()).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFile_SaveKeepsRecordsWrittenElsewhere(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	svc, store := populated(t)
	desc := svc.Descriptor()

	// a second process starts from the same file and adds a record
	_, err := NewFile(path, desc, store).Save(ctx)
	require.NoError(t, err)
	other := memory.New()
	otherFile := NewFile(path, desc, other)
	_, err = otherFile.Update(ctx, func(ctx context.Context) error {
		_, err := other.InsertRecord(ctx, name.MustNew("late@org"), apps.AppRecord{Storage: apps.MustObjectID("0x9")})
		return err
	})
	require.NoError(t, err)

	// the first process saves its older view
	snap, err := NewFile(path, desc, store).Save(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 3)

	onDisk, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, onDisk.Records, 3)
	ok, err := store.HasRecord(ctx, name.MustNew("late@org"))
	require.NoError(t, err)
	assert.True(t, ok, "saving refreshes the local view")
}

func TestFile_UpdateErrorLeavesFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	svc, store := populated(t)
	file := NewFile(path, svc.Descriptor(), store)
	_, err := file.Save(ctx)
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = file.Update(ctx, func(ctx context.Context) error {
		_, err := store.InsertRecord(ctx, name.MustNew("never@org"), apps.AppRecord{})
		require.NoError(t, err)
		return errors.New("rejected")
	})
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestFile_LockRespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	svc, store := populated(t)
	holder := NewFile(path, svc.Descriptor(), store)
	waiter := NewFile(path, svc.Descriptor(), memory.New())

	_, err := holder.Update(context.Background(), func(context.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := waiter.Save(ctx)
		assert.Error(t, err, "a second writer must wait for the lock")
		return nil
	})
	require.NoError(t, err)
}

func TestService_RunAndStop(t *testing.T) {
	svc, store := populated(t)
	path := filepath.Join(t.TempDir(), "registry.yaml")
	rb := events.NewRingBuffer(10)

	snapshotter, err := NewService(NewFile(path, svc.Descriptor(), store), "@every 1h", logger.New("snapshot", logger.Config{Output: io.Discard}), rb)
	require.NoError(t, err)
	require.NoError(t, snapshotter.Start(context.Background()))
	require.NoError(t, snapshotter.Stop(context.Background()))

	_, err = os.Stat(path)
	require.NoError(t, err, "stop writes a final snapshot")
	written := rb.RecentByType(events.EventSnapshotWritten, 10)
	require.Len(t, written, 1)
	assert.Equal(t, "2", written[0].Metadata["records"])
}

func TestNewService_InvalidSchedule(t *testing.T) {
	_, err := NewService(nil, "every so often", nil, nil)
	assert.Error(t, err)
}
