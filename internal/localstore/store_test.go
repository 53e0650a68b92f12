package localstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncengine"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var _ syncengine.LocalStore = (*Store)(nil)

type sequentialIDs struct {
	prefix string
	next   int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("exhausted ids")
}

// steppingClock advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(Config{
		Database:   db,
		Clock:      steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		IDProvider: &sequentialIDs{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestNewStoreRequiresDependencies(t *testing.T) {
	if _, err := NewStore(Config{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
	if _, err := NewStore(Config{Database: &gorm.DB{}}); !errors.Is(err, errMissingIDProvider) {
		t.Fatalf("expected missing id provider error, got %v", err)
	}
}

func TestCreateAndUpdateNoteTouchesTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateNote(ctx, NewNote{Title: "  Trip  ", CollectionIDs: []string{"c1"}})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if created.Title != "Trip" || created.ID != "id-1" {
		t.Fatalf("unexpected note %+v", created)
	}

	updated, err := store.UpdateNote(ctx, created.ID, records.SetTitle("Trip to Rome"))
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("expected updatedAt to advance")
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("expected createdAt preserved")
	}

	stored, found, err := store.GetNote(ctx, created.ID)
	if err != nil || !found {
		t.Fatalf("expected stored note, got %v %v", found, err)
	}
	if stored.Title != "Trip to Rome" || len(stored.CollectionIDs) != 1 {
		t.Fatalf("unexpected stored note %+v", stored)
	}

	if _, err := store.UpdateNote(ctx, "missing", records.SetTitle("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateNoteFailsWithoutID(t *testing.T) {
	store := newTestStore(t)
	store.idProvider = failingIDs{}
	if _, err := store.CreateNote(context.Background(), NewNote{Title: "x"}); err == nil {
		t.Fatalf("expected id generation failure")
	}
}

func TestRawPutPreservesTimestamps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	remoteTime := time.Date(2020, 5, 5, 5, 5, 5, 123456789, time.UTC)

	if err := store.PutNoteRaw(ctx, records.Note{ID: "n1", Title: "Remote", CreatedAt: remoteTime, UpdatedAt: remoteTime}); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	stored, _, err := store.GetNote(ctx, "n1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !stored.UpdatedAt.Equal(remoteTime) {
		t.Fatalf("expected timestamp %v, got %v", remoteTime, stored.UpdatedAt)
	}
}

func TestTabsFollowNoteTabOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	note, _ := store.CreateNote(ctx, NewNote{Title: "Trip"})
	first, err := store.CreateTab(ctx, note.ID, "Day 1", "museum")
	if err != nil {
		t.Fatalf("unexpected tab error: %v", err)
	}
	second, _ := store.CreateTab(ctx, note.ID, "Day 2", "beach")

	reloaded, _, _ := store.GetNote(ctx, note.ID)
	if len(reloaded.TabOrder) != 2 || reloaded.TabOrder[0] != first.ID || reloaded.TabOrder[1] != second.ID {
		t.Fatalf("unexpected tab order %v", reloaded.TabOrder)
	}

	if _, err := store.UpdateNote(ctx, note.ID, records.SetTabOrder([]string{second.ID, first.ID})); err != nil {
		t.Fatalf("unexpected reorder error: %v", err)
	}
	if _, err := store.UpdateTab(ctx, first.ID, records.SetContent("gallery")); err != nil {
		t.Fatalf("unexpected tab update error: %v", err)
	}
	tabs, err := store.ListTabs(ctx, note.ID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(tabs) != 2 || tabs[0].ID != second.ID || tabs[1].Content != "gallery" {
		t.Fatalf("unexpected tabs %+v", tabs)
	}

	if _, err := store.CreateTab(ctx, "missing", "x", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown note, got %v", err)
	}
}

func TestDeleteNoteCascadesAndRecordsTombstone(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	note, _ := store.CreateNote(ctx, NewNote{Title: "Trip"})
	tab, _ := store.CreateTab(ctx, note.ID, "Day 1", "")
	if _, err := store.StoreImage(ctx, NewImage{NoteID: note.ID, TabID: tab.ID, Mime: "image/png", Data: []byte{1}}); err != nil {
		t.Fatalf("unexpected image error: %v", err)
	}

	if err := store.DeleteNote(ctx, note.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, found, _ := store.GetNote(ctx, note.ID); found {
		t.Fatalf("expected note removed")
	}
	if _, found, _ := store.GetTab(ctx, tab.ID); found {
		t.Fatalf("expected tab removed")
	}
	images, _ := store.ListImages(ctx, note.ID, "")
	if len(images) != 0 {
		t.Fatalf("expected images removed, got %d", len(images))
	}
	deleted, err := store.HasTombstone(ctx, records.KindNote, note.ID)
	if err != nil || !deleted {
		t.Fatalf("expected note tombstone, got %v %v", deleted, err)
	}
}

func TestDeleteTabUpdatesNoteOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	note, _ := store.CreateNote(ctx, NewNote{Title: "Trip"})
	keep, _ := store.CreateTab(ctx, note.ID, "Keep", "")
	drop, _ := store.CreateTab(ctx, note.ID, "Drop", "")
	before, _, _ := store.GetNote(ctx, note.ID)

	if err := store.DeleteTab(ctx, drop.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	after, _, _ := store.GetNote(ctx, note.ID)
	if len(after.TabOrder) != 1 || after.TabOrder[0] != keep.ID {
		t.Fatalf("unexpected tab order %v", after.TabOrder)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("expected note to be touched")
	}
	if deleted, _ := store.HasTombstone(ctx, records.KindTab, drop.ID); !deleted {
		t.Fatalf("expected tab tombstone")
	}
	if err := store.DeleteTab(ctx, "missing"); err != nil {
		t.Fatalf("deleting a missing tab should be a no-op, got %v", err)
	}
}

func TestRemoveDoesNotRecordTombstones(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_ = store.PutNoteRaw(ctx, records.Note{ID: "n1"})
	_ = store.PutTabRaw(ctx, records.Tab{ID: "t1", NoteID: "n1"})
	_ = store.PutImageRaw(ctx, records.Image{ID: "i1", NoteID: "n1", TabID: "t1"})

	if err := store.RemoveTab(ctx, "t1"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if _, found, _ := store.GetImage(ctx, "i1"); found {
		t.Fatalf("expected image of removed tab to be gone")
	}
	tombstones, _ := store.TombstonesSince(ctx, time.Time{})
	if len(tombstones) != 0 {
		t.Fatalf("expected no tombstones, got %+v", tombstones)
	}
}

func TestUpdatedAfterFiltersStrictly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	boundary := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = store.PutNoteRaw(ctx, records.Note{ID: "at", UpdatedAt: boundary})
	_ = store.PutNoteRaw(ctx, records.Note{ID: "after", UpdatedAt: boundary.Add(time.Nanosecond)})
	_ = store.PutTabRaw(ctx, records.Tab{ID: "t-before", UpdatedAt: boundary.Add(-time.Hour)})
	_ = store.PutImageRaw(ctx, records.Image{ID: "i-after", CreatedAt: boundary.Add(time.Hour)})

	notes, err := store.NotesUpdatedAfter(ctx, boundary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "after" {
		t.Fatalf("unexpected notes %+v", notes)
	}
	tabs, _ := store.TabsUpdatedAfter(ctx, boundary)
	if len(tabs) != 0 {
		t.Fatalf("unexpected tabs %+v", tabs)
	}
	images, _ := store.ImagesCreatedAfter(ctx, boundary)
	if len(images) != 1 {
		t.Fatalf("unexpected images %+v", images)
	}
	all, _ := store.NotesUpdatedAfter(ctx, time.Time{})
	if len(all) != 2 {
		t.Fatalf("expected zero time to list everything, got %d", len(all))
	}
}

func TestTombstonesAreAppendOnlyAndIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := records.Tombstone{Kind: records.KindNote, ID: "n1", UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	second := records.Tombstone{Kind: records.KindImage, ID: "i1", UpdatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}

	for _, tombstone := range []records.Tombstone{first, second, first} {
		if err := store.AppendTombstone(ctx, tombstone); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	all, err := store.TombstonesSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(all) != 2 || all[0].ID != "n1" || all[1].ID != "i1" {
		t.Fatalf("unexpected tombstones %+v", all)
	}
	recent, _ := store.TombstonesSince(ctx, first.UpdatedAt)
	if len(recent) != 1 || recent[0].Kind != records.KindImage {
		t.Fatalf("unexpected recent tombstones %+v", recent)
	}
	if err := store.AppendTombstone(ctx, records.Tombstone{Kind: "folder", ID: "x"}); err == nil {
		t.Fatalf("expected invalid kind rejected")
	}
}

func TestImageBytesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	width := 640
	image, err := store.StoreImage(ctx, NewImage{NoteID: "n1", TabID: "t1", Mime: "image/jpeg", Data: []byte{0xff, 0xd8, 0x00}, Width: &width})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	stored, found, err := store.GetImage(ctx, image.ID)
	if err != nil || !found {
		t.Fatalf("expected image, got %v %v", found, err)
	}
	if string(stored.Data) != string([]byte{0xff, 0xd8, 0x00}) || stored.Width == nil || *stored.Width != 640 {
		t.Fatalf("unexpected image %+v", stored)
	}
	if err := store.DeleteImage(ctx, image.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if deleted, _ := store.HasTombstone(ctx, records.KindImage, image.ID); !deleted {
		t.Fatalf("expected image tombstone")
	}
}

func TestMetaUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, found, err := store.GetMeta(ctx, syncengine.MetaCursor); err != nil || found {
		t.Fatalf("expected missing key, got %v %v", found, err)
	}
	_ = store.SetMeta(ctx, syncengine.MetaCursor, "a")
	_ = store.SetMeta(ctx, syncengine.MetaCursor, "b")
	value, found, err := store.GetMeta(ctx, syncengine.MetaCursor)
	if err != nil || !found || value != "b" {
		t.Fatalf("expected overwritten value, got %q %v %v", value, found, err)
	}
}

func TestArchivedFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	active, _ := store.CreateNote(ctx, NewNote{Title: "Active"})
	archived, _ := store.CreateNote(ctx, NewNote{Title: "Archived"})
	archivedAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := store.UpdateNote(ctx, archived.ID, records.SetArchivedAt(&archivedAt)); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	activeNotes, _ := store.ListActiveNotes(ctx)
	if len(activeNotes) != 1 || activeNotes[0].ID != active.ID {
		t.Fatalf("unexpected active notes %+v", activeNotes)
	}
	archivedNotes, _ := store.ListArchivedNotes(ctx)
	if len(archivedNotes) != 1 || archivedNotes[0].ID != archived.ID {
		t.Fatalf("unexpected archived notes %+v", archivedNotes)
	}
	all, _ := store.ListNotes(ctx)
	if len(all) != 2 || all[0].ID != archived.ID {
		t.Fatalf("expected most recent first, got %+v", all)
	}
}
