package blobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ChangeEntry{}, &BlobRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Backend: NewSQLiteBackend(db), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "blobstore.service.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestPutAppendsChangeAndStoresBlob(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, fixedClock(at))

	entry, err := service.Put(ctx, "alice", "/notes/n1.json", []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if entry.Key != "notes/n1.json" || entry.Kind != "notes" || !entry.UpdatedAt().Equal(at) {
		t.Fatalf("unexpected entry %+v", entry)
	}
	data, err := service.Get(ctx, "alice", "notes/n1.json")
	if err != nil || string(data) != `{"v":1}` {
		t.Fatalf("unexpected blob %q %v", data, err)
	}
	if _, err := service.Get(ctx, "alice", "notes/missing.json"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestWriteTimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, fixedClock(at))

	var previous int64
	for _, key := range []string{"notes/a.json", "notes/b.json", "notes/a.json"} {
		entry, err := service.Put(ctx, "alice", key, []byte("x"))
		if err != nil {
			t.Fatalf("unexpected put error: %v", err)
		}
		if entry.UpdatedAtNanos <= previous {
			t.Fatalf("expected increasing timestamps, got %d after %d", entry.UpdatedAtNanos, previous)
		}
		previous = entry.UpdatedAtNanos
	}

	entries, _, err := service.ChangesSince(ctx, "alice", time.Time{})
	if err != nil {
		t.Fatalf("unexpected feed error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected every write logged, got %d", len(entries))
	}
}

func TestChangesSinceIsStrictAndOrdered(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, func() time.Time { return current })

	first, _ := service.Put(ctx, "alice", "notes/a.json", []byte("1"))
	current = current.Add(time.Minute)
	second, _ := service.Put(ctx, "alice", "deleted/notes/a.json", []byte("2"))
	current = current.Add(time.Minute)

	entries, now, err := service.ChangesSince(ctx, "alice", first.UpdatedAt())
	if err != nil {
		t.Fatalf("unexpected feed error: %v", err)
	}
	if len(entries) != 1 || entries[0].Sequence != second.Sequence || entries[0].Kind != "deleted/notes" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if !now.Equal(current) {
		t.Fatalf("expected feed time %v, got %v", current, now)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, time.Now)
	_, _ = service.Put(ctx, "alice", "notes/a.json", []byte("alice"))
	_, _ = service.Put(ctx, "bob", "notes/a.json", []byte("bob"))

	if err := service.Wipe(ctx, "alice"); err != nil {
		t.Fatalf("unexpected wipe error: %v", err)
	}
	if _, err := service.Get(ctx, "alice", "notes/a.json"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected alice's blob gone, got %v", err)
	}
	aliceEntries, _, _ := service.ChangesSince(ctx, "alice", time.Time{})
	if len(aliceEntries) != 0 {
		t.Fatalf("expected alice's log cleared, got %d", len(aliceEntries))
	}
	data, err := service.Get(ctx, "bob", "notes/a.json")
	if err != nil || string(data) != "bob" {
		t.Fatalf("expected bob untouched, got %q %v", data, err)
	}
	bobEntries, _, _ := service.ChangesSince(ctx, "bob", time.Time{})
	if len(bobEntries) != 1 {
		t.Fatalf("expected bob's log intact, got %d", len(bobEntries))
	}
}

func TestPutRejectsTraversal(t *testing.T) {
	service, _ := newTestService(t, time.Now)
	if _, err := service.Put(context.Background(), "alice", "notes/../../etc/passwd", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("disk gone")
}
func (failingBackend) Put(context.Context, string, string, []byte) error {
	return errors.New("disk gone")
}
func (failingBackend) DeleteAll(context.Context, string) error { return errors.New("disk gone") }

func TestBackendFailuresAreLoggedWithCodes(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	_, db := newTestService(t, time.Now)
	service, err := NewService(ServiceConfig{Database: db, Backend: failingBackend{}, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	_, err = service.Put(context.Background(), "alice", "notes/a.json", []byte("x"))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "blobstore.put.backend_put_failed" {
		t.Fatalf("unexpected error %v", err)
	}
	entries := logs.FilterField(zap.String("reason", "backend_put_failed")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged failure, got %v", logs.All())
	}
	var count int64
	if err := db.Model(&ChangeEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count change entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected failed write to leave no change entry, got %d", count)
	}
}

func TestFailedChangeAppendLeavesBlobUntouched(t *testing.T) {
	ctx := context.Background()
	service, db := newTestService(t, time.Now)
	if _, err := service.Put(ctx, "alice", "notes/n1.json", []byte("v1")); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if err := db.Migrator().DropTable(&ChangeEntry{}); err != nil {
		t.Fatalf("failed to drop change log: %v", err)
	}

	_, err := service.Put(ctx, "alice", "notes/n1.json", []byte("v2"))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	data, err := service.Get(ctx, "alice", "notes/n1.json")
	if err != nil || string(data) != "v1" {
		t.Fatalf("expected blob to keep its committed value, got %q %v", data, err)
	}
}
