package localstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewNote describes a note to create.
type NewNote struct {
	Title         string
	CollectionIDs []string
	PrimaryDate   *string
}

// NewImage describes an image to store.
type NewImage struct {
	NoteID           string
	TabID            string
	Mime             string
	Data             []byte
	Width            *int
	Height           *int
	ThumbnailDataURL string
}

// CreateNote stores a new note stamped with the current time.
func (s *Store) CreateNote(ctx context.Context, input NewNote) (records.Note, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return records.Note{}, fmt.Errorf("localstore: generate note id: %w", err)
	}
	now := s.now()
	note := records.Note{
		ID:            id,
		Title:         strings.TrimSpace(input.Title),
		CreatedAt:     now,
		UpdatedAt:     now,
		TabOrder:      []string{},
		CollectionIDs: append([]string{}, input.CollectionIDs...),
		PrimaryDate:   input.PrimaryDate,
	}
	if err := putNote(s.db.WithContext(ctx), note); err != nil {
		return records.Note{}, err
	}
	s.logger.Debug("note created", zap.String("note_id", id))
	return note, nil
}

// UpdateNote applies changes and touches the note's updatedAt.
func (s *Store) UpdateNote(ctx context.Context, id string, changes ...records.NoteChange) (records.Note, error) {
	var updated records.Note
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := loadNote(tx, id)
		if err != nil {
			return err
		}
		updated = existing.With(s.now(), changes...)
		return putNote(tx, updated)
	})
	return updated, err
}

// DeleteNote records a note tombstone and removes the note with its tabs and
// images.
func (s *Store) DeleteNote(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := appendTombstone(tx, records.Tombstone{Kind: records.KindNote, ID: id, UpdatedAt: s.now()}); err != nil {
			return err
		}
		return removeNoteRows(tx, id)
	})
}

// ListNotes returns every note, most recently updated first.
func (s *Store) ListNotes(ctx context.Context) ([]records.Note, error) {
	var rows []NoteRecord
	if err := s.db.WithContext(ctx).Order("updated_at_ns DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeNotes(rows)
}

// ListActiveNotes returns notes that are not archived.
func (s *Store) ListActiveNotes(ctx context.Context) ([]records.Note, error) {
	return s.filterNotes(ctx, func(note records.Note) bool { return note.ArchivedAt == nil })
}

// ListArchivedNotes returns archived notes.
func (s *Store) ListArchivedNotes(ctx context.Context) ([]records.Note, error) {
	return s.filterNotes(ctx, func(note records.Note) bool { return note.ArchivedAt != nil })
}

func (s *Store) filterNotes(ctx context.Context, keep func(records.Note) bool) ([]records.Note, error) {
	notes, err := s.ListNotes(ctx)
	if err != nil {
		return nil, err
	}
	filtered := notes[:0]
	for _, note := range notes {
		if keep(note) {
			filtered = append(filtered, note)
		}
	}
	return filtered, nil
}

// CreateTab stores a new tab and appends it to the note's tab order.
func (s *Store) CreateTab(ctx context.Context, noteID, name, content string) (records.Tab, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return records.Tab{}, fmt.Errorf("localstore: generate tab id: %w", err)
	}
	var tab records.Tab
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := loadNote(tx, noteID)
		if err != nil {
			return err
		}
		now := s.now()
		tab = records.Tab{ID: id, NoteID: noteID, Name: name, Content: content, UpdatedAt: now}
		if err := putTab(tx, tab); err != nil {
			return err
		}
		order := append(append([]string{}, note.TabOrder...), id)
		return putNote(tx, note.With(now, records.SetTabOrder(order)))
	})
	return tab, err
}

// UpdateTab applies changes and touches the tab's updatedAt.
func (s *Store) UpdateTab(ctx context.Context, id string, changes ...records.TabChange) (records.Tab, error) {
	var updated records.Tab
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := loadTab(tx, id)
		if err != nil {
			return err
		}
		updated = existing.With(s.now(), changes...)
		return putTab(tx, updated)
	})
	return updated, err
}

// DeleteTab records a tab tombstone, removes the tab with its images, and
// drops it from the owning note's tab order.
func (s *Store) DeleteTab(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tab, err := loadTab(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := s.now()
		if err := appendTombstone(tx, records.Tombstone{Kind: records.KindTab, ID: id, UpdatedAt: now}); err != nil {
			return err
		}
		if err := removeTabRows(tx, id); err != nil {
			return err
		}
		note, err := loadNote(tx, tab.NoteID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return putNote(tx, note.With(now, records.RemoveTab(id)))
	})
}

// ListTabs returns the note's tabs in the note's tab order.
func (s *Store) ListTabs(ctx context.Context, noteID string) ([]records.Tab, error) {
	var rows []TabRecord
	if err := s.db.WithContext(ctx).Where("note_id = ?", noteID).Order("updated_at_ns ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	tabs, err := decodeTabs(rows)
	if err != nil {
		return nil, err
	}
	note, found, err := s.GetNote(ctx, noteID)
	if err != nil || !found {
		return tabs, err
	}
	position := make(map[string]int, len(tabs))
	for index, tabID := range records.NormalizeTabOrder(note, tabs) {
		position[tabID] = index
	}
	sort.SliceStable(tabs, func(i, j int) bool { return position[tabs[i].ID] < position[tabs[j].ID] })
	return tabs, nil
}

// StoreImage stores a new immutable image.
func (s *Store) StoreImage(ctx context.Context, input NewImage) (records.Image, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return records.Image{}, fmt.Errorf("localstore: generate image id: %w", err)
	}
	image := records.Image{
		ID:               id,
		NoteID:           input.NoteID,
		TabID:            input.TabID,
		Mime:             input.Mime,
		Data:             append([]byte(nil), input.Data...),
		Width:            input.Width,
		Height:           input.Height,
		CreatedAt:        s.now(),
		ThumbnailDataURL: input.ThumbnailDataURL,
	}
	if err := s.PutImageRaw(ctx, image); err != nil {
		return records.Image{}, err
	}
	return image, nil
}

// DeleteImage records an image tombstone and removes the image.
func (s *Store) DeleteImage(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := appendTombstone(tx, records.Tombstone{Kind: records.KindImage, ID: id, UpdatedAt: s.now()}); err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&ImageRecord{}).Error
	})
}

// ListImages returns images of a tab, or of a note when tabID is empty.
func (s *Store) ListImages(ctx context.Context, noteID, tabID string) ([]records.Image, error) {
	query := s.db.WithContext(ctx)
	switch {
	case tabID != "":
		query = query.Where("tab_id = ?", tabID)
	case noteID != "":
		query = query.Where("note_id = ?", noteID)
	}
	var rows []ImageRecord
	if err := query.Order("created_at_ns ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeImages(rows)
}

func loadNote(tx *gorm.DB, id string) (records.Note, error) {
	var row NoteRecord
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Note{}, fmt.Errorf("%w: note %s", ErrNotFound, id)
	}
	if err != nil {
		return records.Note{}, err
	}
	return decodeNote(row)
}

func loadTab(tx *gorm.DB, id string) (records.Tab, error) {
	var row TabRecord
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Tab{}, fmt.Errorf("%w: tab %s", ErrNotFound, id)
	}
	if err != nil {
		return records.Tab{}, err
	}
	return decodeTab(row)
}
