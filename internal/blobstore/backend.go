package blobstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrBlobNotFound indicates no blob exists under the key.
var ErrBlobNotFound = errors.New("blobstore: blob not found")

// Backend stores blob bytes per account. Implementations need no locking of
// their own; the Service serializes writes per account.
type Backend interface {
	Get(ctx context.Context, accountID, key string) ([]byte, error)
	Put(ctx context.Context, accountID, key string, data []byte) error
	DeleteAll(ctx context.Context, accountID string) error
}

// transactionalBackend is a Backend that can take part in a database
// transaction of the Service.
type transactionalBackend interface {
	Backend
	inTransaction(tx *gorm.DB) Backend
}

// SQLiteBackend keeps blobs in the server database.
type SQLiteBackend struct {
	db *gorm.DB
}

// NewSQLiteBackend returns a Backend over db.
func NewSQLiteBackend(db *gorm.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) inTransaction(tx *gorm.DB) Backend {
	return &SQLiteBackend{db: tx}
}

func (b *SQLiteBackend) Get(ctx context.Context, accountID, key string) ([]byte, error) {
	var record BlobRecord
	err := b.db.WithContext(ctx).
		Where("account_id = ? AND blob_key = ?", accountID, key).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.Data, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, accountID, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	return b.db.WithContext(ctx).Save(&BlobRecord{
		AccountID:      accountID,
		Key:            key,
		Data:           data,
		UpdatedAtNanos: time.Now().UTC().UnixNano(),
	}).Error
}

func (b *SQLiteBackend) DeleteAll(ctx context.Context, accountID string) error {
	return b.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&BlobRecord{}).Error
}
