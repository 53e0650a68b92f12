package accounts

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidAccountID indicates an account identifier outside the allowed alphabet.
var ErrInvalidAccountID = errors.New("accounts: invalid account id")

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,190}$`)

// Account stores the credential an account was bootstrapped with.
type Account struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null"`
	CredentialHash string    `gorm:"column:credential_hash;size:256;not null"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// NewAccountID validates raw input and returns the account identifier.
func NewAccountID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !accountIDPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountID, raw)
	}
	return trimmed, nil
}
