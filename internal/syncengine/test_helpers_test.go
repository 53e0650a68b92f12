package syncengine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/envelope"
	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"github.com/MarcoPoloResearchLab/jotrip/internal/remote"
)

const testPassphrase = "correct horse battery staple"

type memoryStore struct {
	mu         sync.Mutex
	notes      map[string]records.Note
	tabs       map[string]records.Tab
	images     map[string]records.Image
	tombstones []records.Tombstone
	meta       map[string]string
	failMeta   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		notes:  make(map[string]records.Note),
		tabs:   make(map[string]records.Tab),
		images: make(map[string]records.Image),
		meta:   make(map[string]string),
	}
}

func newConfiguredStore() *memoryStore {
	store := newMemoryStore()
	_ = SaveSettings(context.Background(), store, Settings{
		Enabled:    true,
		BaseURL:    "http://sync.test",
		Username:   "alice",
		Password:   "secret",
		Passphrase: testPassphrase,
	})
	return store
}

func (s *memoryStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMeta != nil {
		return "", false, s.failMeta
	}
	value, ok := s.meta[key]
	return value, ok, nil
}

func (s *memoryStore) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *memoryStore) GetNote(_ context.Context, id string) (records.Note, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[id]
	return note, ok, nil
}

func (s *memoryStore) GetTab(_ context.Context, id string) (records.Tab, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[id]
	return tab, ok, nil
}

func (s *memoryStore) GetImage(_ context.Context, id string) (records.Image, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	image, ok := s.images[id]
	return image, ok, nil
}

func (s *memoryStore) PutNoteRaw(_ context.Context, note records.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.ID] = note
	return nil
}

func (s *memoryStore) PutTabRaw(_ context.Context, tab records.Tab) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs[tab.ID] = tab
	return nil
}

func (s *memoryStore) PutImageRaw(_ context.Context, image records.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[image.ID] = image
	return nil
}

func (s *memoryStore) RemoveNote(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, id)
	for tabID, tab := range s.tabs {
		if tab.NoteID == id {
			delete(s.tabs, tabID)
		}
	}
	for imageID, image := range s.images {
		if image.NoteID == id {
			delete(s.images, imageID)
		}
	}
	return nil
}

func (s *memoryStore) RemoveTab(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, id)
	for imageID, image := range s.images {
		if image.TabID == id {
			delete(s.images, imageID)
		}
	}
	return nil
}

func (s *memoryStore) RemoveImage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, id)
	return nil
}

func (s *memoryStore) NotesUpdatedAfter(_ context.Context, after time.Time) ([]records.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []records.Note
	for _, note := range s.notes {
		if note.UpdatedAt.After(after) {
			result = append(result, note)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memoryStore) TabsUpdatedAfter(_ context.Context, after time.Time) ([]records.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []records.Tab
	for _, tab := range s.tabs {
		if tab.UpdatedAt.After(after) {
			result = append(result, tab)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memoryStore) ImagesCreatedAfter(_ context.Context, after time.Time) ([]records.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []records.Image
	for _, image := range s.images {
		if image.CreatedAt.After(after) {
			result = append(result, image)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memoryStore) AppendTombstone(_ context.Context, tombstone records.Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tombstones {
		if existing.Kind == tombstone.Kind && existing.ID == tombstone.ID {
			return nil
		}
	}
	s.tombstones = append(s.tombstones, tombstone)
	return nil
}

func (s *memoryStore) TombstonesSince(_ context.Context, since time.Time) ([]records.Tombstone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []records.Tombstone
	for _, tombstone := range s.tombstones {
		if since.IsZero() || tombstone.UpdatedAt.After(since) {
			result = append(result, tombstone)
		}
	}
	return result, nil
}

func (s *memoryStore) HasTombstone(_ context.Context, kind records.Kind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tombstone := range s.tombstones {
		if tombstone.Kind == kind && tombstone.ID == id {
			return true, nil
		}
	}
	return false, nil
}

type fakeRemote struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	log       []remote.Change
	now       time.Time
	listErr   error
	getErrs   map[string]error
	putErr    error
	putAfter  int
	listCalls int
	getCalls  int
	puts      []string
}

func newFakeRemote(now time.Time) *fakeRemote {
	return &fakeRemote{
		blobs:   make(map[string][]byte),
		now:     now,
		getErrs: make(map[string]error),
	}
}

func (r *fakeRemote) ListChangesSince(_ context.Context, cursor string) (remote.ChangeFeed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.listErr != nil {
		return remote.ChangeFeed{}, r.listErr
	}
	since, _ := records.ParseTimestamp(cursor)
	feed := remote.ChangeFeed{Now: records.FormatTimestamp(r.now), User: "alice"}
	for _, change := range r.log {
		updatedAt, _ := records.ParseTimestamp(change.UpdatedAt)
		if cursor == "" || updatedAt.After(since) {
			feed.Changes = append(feed.Changes, change)
		}
	}
	return feed, nil
}

func (r *fakeRemote) GetBlob(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	if err := r.getErrs[key]; err != nil {
		return nil, err
	}
	blob, ok := r.blobs[key]
	if !ok {
		return nil, remote.ErrBlobNotFound
	}
	return blob, nil
}

func (r *fakeRemote) PutBlob(_ context.Context, key string, data []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil && len(r.puts) >= r.putAfter {
		return "", r.putErr
	}
	r.puts = append(r.puts, key)
	r.blobs[key] = data
	updatedAt := records.FormatTimestamp(r.now)
	r.log = append(r.log, remote.Change{Key: key, UpdatedAt: updatedAt})
	return updatedAt, nil
}

// publish stores env sealed with passphrase and appends a change at updatedAt.
func (r *fakeRemote) publish(t *testing.T, env envelope.Envelope, passphrase string, updatedAt time.Time) string {
	t.Helper()
	key, err := env.Key()
	if err != nil {
		t.Fatalf("failed to derive key: %v", err)
	}
	blob, err := envelope.Seal(env, passphrase)
	if err != nil {
		t.Fatalf("failed to seal envelope: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[key] = blob
	r.log = append(r.log, remote.Change{Key: key, UpdatedAt: records.FormatTimestamp(updatedAt)})
	return key
}

func newTestEngine(t *testing.T, store LocalStore, client *fakeRemote) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{
		Store: store,
		Remote: func(Settings) (Remote, error) {
			return client, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return engine
}

func mustTime(t *testing.T, raw string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.Fatalf("invalid time %q: %v", raw, err)
	}
	return parsed.UTC()
}

func noteAt(id, title string, updatedAt time.Time) records.Note {
	return records.Note{
		ID:            id,
		Title:         title,
		CreatedAt:     updatedAt,
		UpdatedAt:     updatedAt,
		TabOrder:      []string{},
		CollectionIDs: []string{},
	}
}

var errBoom = errors.New("boom")
