package accounts

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/keys"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingCredentials indicates an empty password.
	ErrMissingCredentials = errors.New("accounts: credentials required")
	// ErrInvalidCredentials indicates a password that does not match the stored credential.
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
)

// ServiceConfig describes the dependencies required for account authentication.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service authenticates accounts, creating them on first contact.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Authenticate returns the validated account id for the credential pair. The
// first password presented for an account becomes its permanent credential.
func (s *Service) Authenticate(ctx context.Context, rawAccountID string, password string) (string, error) {
	accountID, err := NewAccountID(rawAccountID)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", ErrMissingCredentials
	}

	digest := sha256.Sum256([]byte(password))
	if cached, ok := s.cache.Load(accountID); ok {
		if known, ok := cached.([sha256.Size]byte); ok {
			if subtle.ConstantTimeCompare(known[:], digest[:]) == 1 {
				return accountID, nil
			}
			return "", ErrInvalidCredentials
		}
	}

	account, err := s.loadOrBootstrap(ctx, accountID, password)
	if err != nil {
		return "", err
	}
	matches, err := keys.VerifyCredential(password, account.CredentialHash)
	if err != nil {
		return "", fmt.Errorf("accounts: verify credential: %w", err)
	}
	if !matches {
		s.logger.Warn("account credential mismatch", zap.String("account_id", accountID))
		return "", ErrInvalidCredentials
	}

	if err := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", accountID).
		Update("last_seen_at", s.now().UTC()).
		Error; err != nil {
		s.logger.Warn("failed to record account activity", zap.String("account_id", accountID), zap.Error(err))
	}
	s.cache.Store(accountID, digest)
	return accountID, nil
}

func (s *Service) loadOrBootstrap(ctx context.Context, accountID string, password string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("accounts: load account: %w", err)
	}

	hash, err := keys.HashCredential(password)
	if err != nil {
		return Account{}, fmt.Errorf("accounts: hash credential: %w", err)
	}
	now := s.now().UTC()
	candidate := Account{
		ID:             accountID,
		CredentialHash: hash,
		LastSeenAt:     now,
		CreatedAt:      now,
	}
	// A concurrent bootstrap may win; the stored row is authoritative either way.
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate).
		Error; err != nil {
		return Account{}, fmt.Errorf("accounts: create account: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		return Account{}, fmt.Errorf("accounts: reload account: %w", err)
	}
	if account.CredentialHash == hash {
		s.logger.Info("account bootstrapped", zap.String("account_id", accountID))
	}
	return account, nil
}
