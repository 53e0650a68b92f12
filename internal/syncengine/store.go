package syncengine

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"github.com/MarcoPoloResearchLab/jotrip/internal/remote"
)

// Metadata keys shared with the local store.
const (
	MetaCursor      = "sync:last"
	MetaEnabled     = "sync:enabled"
	MetaURL         = "sync:url"
	MetaUsername    = "sync:username"
	MetaPassword    = "sync:password"
	MetaPassphrase  = "sync:passphrase"
	MetaDeadLetters = "sync:deadletters"
)

// MetaStore is the key-value metadata store holding the cursor and settings.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// LocalStore is the local record store the engine reconciles. The Put*Raw
// methods persist records verbatim without touching their timestamps. The
// Remove* methods delete a record and its children without recording a
// tombstone.
type LocalStore interface {
	MetaStore

	GetNote(ctx context.Context, id string) (records.Note, bool, error)
	GetTab(ctx context.Context, id string) (records.Tab, bool, error)
	GetImage(ctx context.Context, id string) (records.Image, bool, error)

	PutNoteRaw(ctx context.Context, note records.Note) error
	PutTabRaw(ctx context.Context, tab records.Tab) error
	PutImageRaw(ctx context.Context, image records.Image) error

	RemoveNote(ctx context.Context, id string) error
	RemoveTab(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, id string) error

	NotesUpdatedAfter(ctx context.Context, after time.Time) ([]records.Note, error)
	TabsUpdatedAfter(ctx context.Context, after time.Time) ([]records.Tab, error)
	ImagesCreatedAfter(ctx context.Context, after time.Time) ([]records.Image, error)

	// AppendTombstone is idempotent per kind and id.
	AppendTombstone(ctx context.Context, tombstone records.Tombstone) error
	// TombstonesSince lists tombstones newer than since; a zero since lists all.
	TombstonesSince(ctx context.Context, since time.Time) ([]records.Tombstone, error)
	HasTombstone(ctx context.Context, kind records.Kind, id string) (bool, error)
}

// Remote is the subset of the remote client the engine needs.
type Remote interface {
	ListChangesSince(ctx context.Context, cursor string) (remote.ChangeFeed, error)
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, data []byte) (string, error)
}

// RemoteFactory builds a Remote for the current settings.
type RemoteFactory func(settings Settings) (Remote, error)
