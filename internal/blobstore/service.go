package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServiceError carries an operation.reason code for logging.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "blobstore.service.new"
	opPut        = "blobstore.put"
	opGet        = "blobstore.get"
	opChanges    = "blobstore.changes"
	opWipe       = "blobstore.wipe"
)

var (
	errMissingDatabase = errors.New("database handle required")
	errMissingBackend  = errors.New("blob backend required")
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Backend  Backend
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the per-account blob namespace and change log.
type Service struct {
	db      *gorm.DB
	backend Backend
	clock   func() time.Time
	logger  *zap.Logger
	locks   sync.Map
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Backend == nil {
		return nil, newServiceError(opServiceNew, "missing_backend", errMissingBackend)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, backend: cfg.Backend, clock: clock, logger: logger}, nil
}

func (s *Service) accountLock(accountID string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(accountID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Put writes data under key and appends a change entry. Write timestamps of
// one account strictly increase. A backend that can join the database
// transaction commits the blob and its entry together; any other backend is
// written after the entry is appended, and the entry is withdrawn when the
// write fails.
func (s *Service) Put(ctx context.Context, accountID, rawKey string, data []byte) (ChangeEntry, error) {
	key, err := NormalizeKey(rawKey)
	if err != nil {
		return ChangeEntry{}, err
	}

	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if joinable, ok := s.backend.(transactionalBackend); ok {
		var entry ChangeEntry
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			appended, err := s.appendChange(tx, accountID, key)
			if err != nil {
				return err
			}
			if err := joinable.inTransaction(tx).Put(ctx, accountID, key, data); err != nil {
				s.logError(opPut, "backend_put_failed", err, zap.String("account_id", accountID), zap.String("key", key))
				return newServiceError(opPut, "backend_put_failed", err)
			}
			entry = appended
			return nil
		})
		if err != nil {
			var serviceErr *ServiceError
			if errors.As(err, &serviceErr) {
				return ChangeEntry{}, err
			}
			s.logError(opPut, "commit_failed", err, zap.String("account_id", accountID), zap.String("key", key))
			return ChangeEntry{}, newServiceError(opPut, "commit_failed", err)
		}
		s.logWrite(accountID, key, data)
		return entry, nil
	}

	entry, err := s.appendChange(s.db.WithContext(ctx), accountID, key)
	if err != nil {
		return ChangeEntry{}, err
	}
	if err := s.backend.Put(ctx, accountID, key, data); err != nil {
		s.logError(opPut, "backend_put_failed", err, zap.String("account_id", accountID), zap.String("key", key))
		if withdrawErr := s.db.WithContext(ctx).Delete(&ChangeEntry{}, "sequence = ?", entry.Sequence).Error; withdrawErr != nil {
			s.logError(opPut, "change_withdraw_failed", withdrawErr, zap.String("account_id", accountID), zap.String("key", key))
		}
		return ChangeEntry{}, newServiceError(opPut, "backend_put_failed", err)
	}
	s.logWrite(accountID, key, data)
	return entry, nil
}

// appendChange records a write of key at the next write timestamp of the
// account.
func (s *Service) appendChange(db *gorm.DB, accountID, key string) (ChangeEntry, error) {
	writeTime := s.clock().UTC().UnixNano()
	var latest ChangeEntry
	err := db.
		Where("account_id = ?", accountID).
		Order("updated_at_ns DESC").
		Limit(1).
		Find(&latest).Error
	if err != nil {
		s.logError(opPut, "latest_select_failed", err, zap.String("account_id", accountID))
		return ChangeEntry{}, newServiceError(opPut, "latest_select_failed", err)
	}
	if latest.UpdatedAtNanos >= writeTime {
		writeTime = latest.UpdatedAtNanos + 1
	}

	entry := ChangeEntry{
		AccountID:      accountID,
		Key:            key,
		Kind:           KindOf(key),
		UpdatedAtNanos: writeTime,
	}
	if err := db.Create(&entry).Error; err != nil {
		s.logError(opPut, "change_append_failed", err, zap.String("account_id", accountID), zap.String("key", key))
		return ChangeEntry{}, newServiceError(opPut, "change_append_failed", err)
	}
	return entry, nil
}

func (s *Service) logWrite(accountID, key string, data []byte) {
	s.logger.Debug("blob written",
		zap.String("account_id", accountID),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
}

// Get returns the blob under key or ErrBlobNotFound.
func (s *Service) Get(ctx context.Context, accountID, rawKey string) ([]byte, error) {
	key, err := NormalizeKey(rawKey)
	if err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, accountID, key)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, err
	}
	if err != nil {
		s.logError(opGet, "backend_get_failed", err, zap.String("account_id", accountID), zap.String("key", key))
		return nil, newServiceError(opGet, "backend_get_failed", err)
	}
	return data, nil
}

// ChangesSince returns change entries newer than since in append order,
// together with the server time the feed is consistent with. A zero since
// returns the whole log. The account lock keeps writes from landing between
// the read and the returned time.
func (s *Service) ChangesSince(ctx context.Context, accountID string, since time.Time) ([]ChangeEntry, time.Time, error) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock().UTC()
	query := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !since.IsZero() {
		query = query.Where("updated_at_ns > ?", since.UnixNano())
	}
	var entries []ChangeEntry
	if err := query.Order("sequence ASC").Find(&entries).Error; err != nil {
		s.logError(opChanges, "select_failed", err, zap.String("account_id", accountID))
		return nil, time.Time{}, newServiceError(opChanges, "select_failed", err)
	}
	return entries, now, nil
}

// Wipe irreversibly removes every blob and change entry of the account.
func (s *Service) Wipe(ctx context.Context, accountID string) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.backend.DeleteAll(ctx, accountID); err != nil {
		s.logError(opWipe, "backend_delete_failed", err, zap.String("account_id", accountID))
		return newServiceError(opWipe, "backend_delete_failed", err)
	}
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&ChangeEntry{}).Error; err != nil {
		s.logError(opWipe, "change_delete_failed", err, zap.String("account_id", accountID))
		return newServiceError(opWipe, "change_delete_failed", err)
	}
	s.logger.Info("account wiped", zap.String("account_id", accountID))
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("blobstore service error", attrs...)
}
