package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/envelope"
	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
)

// Outcome describes what applying one envelope did to the local store.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeStale      Outcome = "stale"
	OutcomeDeleted    Outcome = "deleted"
	OutcomeSuperseded Outcome = "superseded"
)

const opApply = "syncengine.apply"

// acceptIncoming is the last-write-wins decision. Equal timestamps keep the
// local record so reapplying an envelope is a no-op.
func acceptIncoming(local time.Time, found bool, incoming time.Time) bool {
	if !found {
		return true
	}
	return incoming.After(local)
}

// Apply reconciles one decrypted envelope into the local store.
func Apply(ctx context.Context, store LocalStore, env envelope.Envelope) (Outcome, error) {
	if err := env.Validate(); err != nil {
		return "", syncerr.New(syncerr.ErrValidation, opApply, err)
	}
	switch env.Kind {
	case envelope.KindNote:
		return applyNote(ctx, store, *env.Note)
	case envelope.KindTab:
		return applyTab(ctx, store, *env.Tab)
	case envelope.KindImage:
		return applyImage(ctx, store, *env.Image)
	default:
		return applyTombstone(ctx, store, *env.Tombstone)
	}
}

func applyNote(ctx context.Context, store LocalStore, incoming records.Note) (Outcome, error) {
	deleted, err := anyTombstone(ctx, store, recordRef{records.KindNote, incoming.ID})
	if err != nil || deleted {
		return OutcomeSuperseded, err
	}
	existing, found, err := store.GetNote(ctx, incoming.ID)
	if err != nil {
		return "", storageError("get_note", err)
	}
	if !acceptIncoming(existing.Timestamp(), found, incoming.Timestamp()) {
		return OutcomeStale, nil
	}
	if err := store.PutNoteRaw(ctx, incoming); err != nil {
		return "", storageError("put_note", err)
	}
	return OutcomeApplied, nil
}

func applyTab(ctx context.Context, store LocalStore, incoming records.Tab) (Outcome, error) {
	deleted, err := anyTombstone(ctx, store,
		recordRef{records.KindTab, incoming.ID},
		recordRef{records.KindNote, incoming.NoteID})
	if err != nil || deleted {
		return OutcomeSuperseded, err
	}
	existing, found, err := store.GetTab(ctx, incoming.ID)
	if err != nil {
		return "", storageError("get_tab", err)
	}
	if !acceptIncoming(existing.Timestamp(), found, incoming.Timestamp()) {
		return OutcomeStale, nil
	}
	if err := store.PutTabRaw(ctx, incoming); err != nil {
		return "", storageError("put_tab", err)
	}
	return OutcomeApplied, nil
}

func applyImage(ctx context.Context, store LocalStore, incoming records.Image) (Outcome, error) {
	deleted, err := anyTombstone(ctx, store,
		recordRef{records.KindImage, incoming.ID},
		recordRef{records.KindTab, incoming.TabID},
		recordRef{records.KindNote, incoming.NoteID})
	if err != nil || deleted {
		return OutcomeSuperseded, err
	}
	existing, found, err := store.GetImage(ctx, incoming.ID)
	if err != nil {
		return "", storageError("get_image", err)
	}
	if !acceptIncoming(existing.Timestamp(), found, incoming.Timestamp()) {
		return OutcomeStale, nil
	}
	if err := store.PutImageRaw(ctx, incoming); err != nil {
		return "", storageError("put_image", err)
	}
	return OutcomeApplied, nil
}

// applyTombstone records the deletion and removes the target regardless of
// its local timestamp.
func applyTombstone(ctx context.Context, store LocalStore, tombstone records.Tombstone) (Outcome, error) {
	if err := store.AppendTombstone(ctx, tombstone); err != nil {
		return "", storageError("append_tombstone", err)
	}
	var err error
	switch tombstone.Kind {
	case records.KindNote:
		err = store.RemoveNote(ctx, tombstone.ID)
	case records.KindTab:
		err = store.RemoveTab(ctx, tombstone.ID)
	case records.KindImage:
		err = store.RemoveImage(ctx, tombstone.ID)
	}
	if err != nil {
		return "", storageError("remove_"+tombstone.Kind.String(), err)
	}
	return OutcomeDeleted, nil
}

type recordRef struct {
	kind records.Kind
	id   string
}

// anyTombstone reports whether the record or one of its parents is deleted.
func anyTombstone(ctx context.Context, store LocalStore, refs ...recordRef) (bool, error) {
	for _, ref := range refs {
		if ref.id == "" {
			continue
		}
		deleted, err := store.HasTombstone(ctx, ref.kind, ref.id)
		if err != nil {
			return false, storageError("has_tombstone", err)
		}
		if deleted {
			return true, nil
		}
	}
	return false, nil
}

func storageError(step string, err error) error {
	return syncerr.New(syncerr.ErrStorage, opApply, fmt.Errorf("%s: %w", step, err))
}
