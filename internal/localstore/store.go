package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("localstore: record not found")

	errMissingDatabase   = errors.New("localstore: database required")
	errMissingIDProvider = errors.New("localstore: id provider required")
)

// Config wires a Store.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the sqlite-backed record store of one device. The Put*Raw and
// Remove* methods serve remote reconciliation; the remaining methods are the
// application operations that stamp timestamps and record tombstones.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates cfg and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, idProvider: idProvider, logger: logger}, nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// GetMeta returns the metadata value stored under key.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var entry MetaEntry
	err := s.db.WithContext(ctx).Where("meta_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

// SetMeta stores value under key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value"}),
	}).Create(&MetaEntry{Key: key, Value: value}).Error
}

// GetNote returns the note with id.
func (s *Store) GetNote(ctx context.Context, id string) (records.Note, bool, error) {
	var row NoteRecord
	found, err := s.take(ctx, &row, id)
	if err != nil || !found {
		return records.Note{}, false, err
	}
	note, err := decodeNote(row)
	return note, err == nil, err
}

// GetTab returns the tab with id.
func (s *Store) GetTab(ctx context.Context, id string) (records.Tab, bool, error) {
	var row TabRecord
	found, err := s.take(ctx, &row, id)
	if err != nil || !found {
		return records.Tab{}, false, err
	}
	tab, err := decodeTab(row)
	return tab, err == nil, err
}

// GetImage returns the image with id including its binary payload.
func (s *Store) GetImage(ctx context.Context, id string) (records.Image, bool, error) {
	var row ImageRecord
	found, err := s.take(ctx, &row, id)
	if err != nil || !found {
		return records.Image{}, false, err
	}
	image, err := decodeImage(row)
	return image, err == nil, err
}

// PutNoteRaw stores note verbatim.
func (s *Store) PutNoteRaw(ctx context.Context, note records.Note) error {
	return putNote(s.db.WithContext(ctx), note)
}

// PutTabRaw stores tab verbatim.
func (s *Store) PutTabRaw(ctx context.Context, tab records.Tab) error {
	return putTab(s.db.WithContext(ctx), tab)
}

// PutImageRaw stores image verbatim.
func (s *Store) PutImageRaw(ctx context.Context, image records.Image) error {
	row, err := encodeImage(image)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// RemoveNote deletes a note with its tabs and images.
func (s *Store) RemoveNote(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return removeNoteRows(tx, id)
	})
}

// RemoveTab deletes a tab with its images.
func (s *Store) RemoveTab(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return removeTabRows(tx, id)
	})
}

// RemoveImage deletes an image.
func (s *Store) RemoveImage(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&ImageRecord{}).Error
}

// NotesUpdatedAfter lists notes changed strictly after the given time.
func (s *Store) NotesUpdatedAfter(ctx context.Context, after time.Time) ([]records.Note, error) {
	var rows []NoteRecord
	if err := afterQuery(s.db.WithContext(ctx), "updated_at_ns", after).Order("updated_at_ns ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeNotes(rows)
}

// TabsUpdatedAfter lists tabs changed strictly after the given time.
func (s *Store) TabsUpdatedAfter(ctx context.Context, after time.Time) ([]records.Tab, error) {
	var rows []TabRecord
	if err := afterQuery(s.db.WithContext(ctx), "updated_at_ns", after).Order("updated_at_ns ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeTabs(rows)
}

// ImagesCreatedAfter lists images created strictly after the given time.
func (s *Store) ImagesCreatedAfter(ctx context.Context, after time.Time) ([]records.Image, error) {
	var rows []ImageRecord
	if err := afterQuery(s.db.WithContext(ctx), "created_at_ns", after).Order("created_at_ns ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeImages(rows)
}

// AppendTombstone records a deletion once per kind and id.
func (s *Store) AppendTombstone(ctx context.Context, tombstone records.Tombstone) error {
	if err := tombstone.Validate(); err != nil {
		return err
	}
	return appendTombstone(s.db.WithContext(ctx), tombstone)
}

// TombstonesSince lists tombstones newer than since in append order. A zero
// since lists the whole log.
func (s *Store) TombstonesSince(ctx context.Context, since time.Time) ([]records.Tombstone, error) {
	var rows []TombstoneRecord
	if err := afterQuery(s.db.WithContext(ctx), "updated_at_ns", since).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	tombstones := make([]records.Tombstone, 0, len(rows))
	for _, row := range rows {
		tombstones = append(tombstones, records.Tombstone{
			Kind:      records.Kind(row.Kind),
			ID:        row.RecordID,
			UpdatedAt: fromNanos(row.UpdatedAtNanos),
		})
	}
	return tombstones, nil
}

// HasTombstone reports whether the record was deleted.
func (s *Store) HasTombstone(ctx context.Context, kind records.Kind, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TombstoneRecord{}).
		Where("kind = ? AND record_id = ?", kind.String(), id).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) take(ctx context.Context, row any, id string) (bool, error) {
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func afterQuery(db *gorm.DB, column string, after time.Time) *gorm.DB {
	if after.IsZero() {
		return db
	}
	return db.Where(column+" > ?", after.UnixNano())
}

func putNote(db *gorm.DB, note records.Note) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode note %s: %w", note.ID, err)
	}
	return db.Save(&NoteRecord{ID: note.ID, PayloadJSON: string(payload), UpdatedAtNanos: toNanos(note.UpdatedAt)}).Error
}

func putTab(db *gorm.DB, tab records.Tab) error {
	payload, err := json.Marshal(tab)
	if err != nil {
		return fmt.Errorf("encode tab %s: %w", tab.ID, err)
	}
	return db.Save(&TabRecord{ID: tab.ID, NoteID: tab.NoteID, PayloadJSON: string(payload), UpdatedAtNanos: toNanos(tab.UpdatedAt)}).Error
}

func appendTombstone(db *gorm.DB, tombstone records.Tombstone) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&TombstoneRecord{
		Kind:           tombstone.Kind.String(),
		RecordID:       tombstone.ID,
		UpdatedAtNanos: toNanos(tombstone.UpdatedAt),
	}).Error
}

func removeNoteRows(tx *gorm.DB, id string) error {
	if err := tx.Where("note_id = ?", id).Delete(&ImageRecord{}).Error; err != nil {
		return err
	}
	if err := tx.Where("note_id = ?", id).Delete(&TabRecord{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", id).Delete(&NoteRecord{}).Error
}

func removeTabRows(tx *gorm.DB, id string) error {
	if err := tx.Where("tab_id = ?", id).Delete(&ImageRecord{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", id).Delete(&TabRecord{}).Error
}

func encodeImage(image records.Image) (ImageRecord, error) {
	metadata, err := json.Marshal(image)
	if err != nil {
		return ImageRecord{}, fmt.Errorf("encode image %s: %w", image.ID, err)
	}
	return ImageRecord{
		ID:             image.ID,
		NoteID:         image.NoteID,
		TabID:          image.TabID,
		MetadataJSON:   string(metadata),
		Data:           image.Data,
		CreatedAtNanos: toNanos(image.CreatedAt),
	}, nil
}

func decodeNote(row NoteRecord) (records.Note, error) {
	var note records.Note
	if err := json.Unmarshal([]byte(row.PayloadJSON), &note); err != nil {
		return records.Note{}, fmt.Errorf("decode note %s: %w", row.ID, err)
	}
	return note, nil
}

func decodeTab(row TabRecord) (records.Tab, error) {
	var tab records.Tab
	if err := json.Unmarshal([]byte(row.PayloadJSON), &tab); err != nil {
		return records.Tab{}, fmt.Errorf("decode tab %s: %w", row.ID, err)
	}
	return tab, nil
}

func decodeImage(row ImageRecord) (records.Image, error) {
	var image records.Image
	if err := json.Unmarshal([]byte(row.MetadataJSON), &image); err != nil {
		return records.Image{}, fmt.Errorf("decode image %s: %w", row.ID, err)
	}
	image.Data = row.Data
	return image, nil
}

func decodeNotes(rows []NoteRecord) ([]records.Note, error) {
	notes := make([]records.Note, 0, len(rows))
	for _, row := range rows {
		note, err := decodeNote(row)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, nil
}

func decodeTabs(rows []TabRecord) ([]records.Tab, error) {
	tabs := make([]records.Tab, 0, len(rows))
	for _, row := range rows {
		tab, err := decodeTab(row)
		if err != nil {
			return nil, err
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

func decodeImages(rows []ImageRecord) ([]records.Image, error) {
	images := make([]records.Image, 0, len(rows))
	for _, row := range rows {
		image, err := decodeImage(row)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, nil
}
