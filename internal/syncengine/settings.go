package syncengine

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
)

// ErrSyncDisabled indicates sync is switched off or not fully configured.
var ErrSyncDisabled = errors.New("syncengine: sync disabled")

const opLoadSettings = "syncengine.load_settings"

// Settings holds the connection parameters persisted in local metadata.
type Settings struct {
	Enabled    bool
	BaseURL    string
	Username   string
	Password   string
	Passphrase string
}

// Complete reports whether every connection value is present.
func (s Settings) Complete() bool {
	return strings.TrimSpace(s.BaseURL) != "" &&
		strings.TrimSpace(s.Username) != "" &&
		s.Password != "" &&
		s.Passphrase != ""
}

// Active reports whether reconciliation may run.
func (s Settings) Active() bool {
	return s.Enabled && s.Complete()
}

// LoadSettings reads the sync settings from metadata.
func LoadSettings(ctx context.Context, store MetaStore) (Settings, error) {
	values := make(map[string]string, 5)
	for _, key := range []string{MetaEnabled, MetaURL, MetaUsername, MetaPassword, MetaPassphrase} {
		value, _, err := store.GetMeta(ctx, key)
		if err != nil {
			return Settings{}, syncerr.New(syncerr.ErrStorage, opLoadSettings, err)
		}
		values[key] = value
	}
	enabled, _ := strconv.ParseBool(strings.TrimSpace(values[MetaEnabled]))
	return Settings{
		Enabled:    enabled,
		BaseURL:    strings.TrimSpace(values[MetaURL]),
		Username:   strings.TrimSpace(values[MetaUsername]),
		Password:   values[MetaPassword],
		Passphrase: values[MetaPassphrase],
	}, nil
}

// SaveSettings persists the sync settings to metadata.
func SaveSettings(ctx context.Context, store MetaStore, settings Settings) error {
	pairs := [][2]string{
		{MetaEnabled, strconv.FormatBool(settings.Enabled)},
		{MetaURL, strings.TrimSpace(settings.BaseURL)},
		{MetaUsername, strings.TrimSpace(settings.Username)},
		{MetaPassword, settings.Password},
		{MetaPassphrase, settings.Passphrase},
	}
	for _, pair := range pairs {
		if err := store.SetMeta(ctx, pair[0], pair[1]); err != nil {
			return syncerr.New(syncerr.ErrStorage, "syncengine.save_settings", err)
		}
	}
	return nil
}

// ResetSyncState forgets the cursor and the tracked dead letters, so the next
// reconciliation pulls the whole change log and pushes every local record.
// It follows a wipe of the account on the server.
func ResetSyncState(ctx context.Context, store MetaStore) error {
	for _, key := range []string{MetaCursor, MetaDeadLetters} {
		if err := store.SetMeta(ctx, key, ""); err != nil {
			return syncerr.New(syncerr.ErrStorage, "syncengine.reset_state", err)
		}
	}
	return nil
}
