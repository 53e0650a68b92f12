package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the record kinds that can be synchronized and deleted.
type Kind string

const (
	// KindNote identifies a Note record.
	KindNote Kind = "note"
	// KindTab identifies a Tab record.
	KindTab Kind = "tab"
	// KindImage identifies an Image record.
	KindImage Kind = "image"
)

// ErrInvalidKind indicates an unknown record kind.
var ErrInvalidKind = errors.New("records: invalid kind")

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindNote:
		return KindNote, nil
	case KindTab:
		return KindTab, nil
	case KindImage:
		return KindImage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// String returns the underlying kind name.
func (k Kind) String() string {
	return string(k)
}

// Note is the top-level user document.
type Note struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	TabOrder      []string   `json:"tabOrder"`
	CollectionIDs []string   `json:"collectionIds"`
	PrimaryDate   *string    `json:"primaryDate,omitempty"`
	ArchivedAt    *time.Time `json:"archivedAt,omitempty"`
	Color         *string    `json:"color,omitempty"`
	PinnedAt      *time.Time `json:"pinnedAt,omitempty"`
}

// Tab is a named content section belonging to exactly one Note.
type Tab struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"noteId"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Image is an immutable binary attachment of a Note tab.
// Data is transported separately from the JSON metadata.
type Image struct {
	ID               string    `json:"id"`
	NoteID           string    `json:"noteId"`
	TabID            string    `json:"tabId"`
	Mime             string    `json:"mime"`
	Data             []byte    `json:"-"`
	Width            *int      `json:"width,omitempty"`
	Height           *int      `json:"height,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ThumbnailDataURL string    `json:"thumbnailDataUrl,omitempty"`
}

// Tombstone marks a Note, Tab, or Image as deleted.
type Tombstone struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Timestamp returns the last-write-wins comparison timestamp.
func (n Note) Timestamp() time.Time { return n.UpdatedAt }

// Timestamp returns the last-write-wins comparison timestamp.
func (t Tab) Timestamp() time.Time { return t.UpdatedAt }

// Timestamp returns the creation time; images never change after creation.
func (i Image) Timestamp() time.Time { return i.CreatedAt }

// Clone returns a deep copy of the note.
func (n Note) Clone() Note {
	cloned := n
	cloned.TabOrder = cloneStrings(n.TabOrder)
	cloned.CollectionIDs = cloneStrings(n.CollectionIDs)
	cloned.PrimaryDate = clonePointer(n.PrimaryDate)
	cloned.ArchivedAt = clonePointer(n.ArchivedAt)
	cloned.Color = clonePointer(n.Color)
	cloned.PinnedAt = clonePointer(n.PinnedAt)
	return cloned
}

// Clone returns a deep copy of the image.
func (i Image) Clone() Image {
	cloned := i
	if i.Data != nil {
		cloned.Data = append([]byte(nil), i.Data...)
	}
	cloned.Width = clonePointer(i.Width)
	cloned.Height = clonePointer(i.Height)
	return cloned
}

// Validate ensures the tombstone references a known kind and identifier.
func (t Tombstone) Validate() error {
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("records: tombstone id required")
	}
	return nil
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func clonePointer[T any](value *T) *T {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
