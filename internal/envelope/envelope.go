package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
)

// Kind tags the variant carried by an Envelope.
type Kind string

const (
	KindNote      Kind = "note"
	KindTab       Kind = "tab"
	KindImage     Kind = "image"
	KindTombstone Kind = "tombstone"
)

// ErrInvalidEnvelope indicates an envelope whose tag and body disagree.
var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

// Envelope is the unit exchanged with the sync server: exactly one record or
// one deletion marker.
type Envelope struct {
	Kind      Kind
	Note      *records.Note
	Tab       *records.Tab
	Image     *records.Image
	Tombstone *records.Tombstone
}

// ForNote wraps a note.
func ForNote(note records.Note) Envelope {
	cloned := note.Clone()
	return Envelope{Kind: KindNote, Note: &cloned}
}

// ForTab wraps a tab.
func ForTab(tab records.Tab) Envelope {
	return Envelope{Kind: KindTab, Tab: &tab}
}

// ForImage wraps an image including its binary payload.
func ForImage(image records.Image) Envelope {
	cloned := image.Clone()
	return Envelope{Kind: KindImage, Image: &cloned}
}

// ForTombstone wraps a deletion marker.
func ForTombstone(tombstone records.Tombstone) Envelope {
	return Envelope{Kind: KindTombstone, Tombstone: &tombstone}
}

// Validate ensures exactly the body matching Kind is present.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindNote:
		if e.Note == nil || e.Note.ID == "" {
			return fmt.Errorf("%w: note body missing", ErrInvalidEnvelope)
		}
	case KindTab:
		if e.Tab == nil || e.Tab.ID == "" {
			return fmt.Errorf("%w: tab body missing", ErrInvalidEnvelope)
		}
	case KindImage:
		if e.Image == nil || e.Image.ID == "" {
			return fmt.Errorf("%w: image body missing", ErrInvalidEnvelope)
		}
	case KindTombstone:
		if e.Tombstone == nil {
			return fmt.Errorf("%w: tombstone body missing", ErrInvalidEnvelope)
		}
		if err := e.Tombstone.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// Key returns the deterministic blob key the envelope is stored under.
func (e Envelope) Key() (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	switch e.Kind {
	case KindNote:
		return NoteKey(e.Note.ID)
	case KindTab:
		return TabKey(e.Tab.ID)
	case KindImage:
		return ImageKey(e.Image.ID)
	default:
		return TombstoneKey(e.Tombstone.Kind, e.Tombstone.ID)
	}
}

// wireEnvelope mirrors the JSON layout shared with browser clients.
type wireEnvelope struct {
	Kind      Kind           `json:"kind"`
	Note      *records.Note  `json:"note,omitempty"`
	Tab       *records.Tab   `json:"tab,omitempty"`
	Image     *records.Image `json:"image,omitempty"`
	Base64    string         `json:"base64,omitempty"`
	Target    records.Kind   `json:"target,omitempty"`
	ID        string         `json:"id,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// MarshalJSON encodes the envelope; image bytes travel base64-encoded.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	wire := wireEnvelope{Kind: e.Kind}
	switch e.Kind {
	case KindNote:
		wire.Note = e.Note
	case KindTab:
		wire.Tab = e.Tab
	case KindImage:
		wire.Image = e.Image
		wire.Base64 = base64.StdEncoding.EncodeToString(e.Image.Data)
	case KindTombstone:
		updatedAt := e.Tombstone.UpdatedAt.UTC()
		wire.Target = e.Tombstone.Kind
		wire.ID = e.Tombstone.ID
		wire.UpdatedAt = &updatedAt
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes and validates the envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	decoded := Envelope{Kind: wire.Kind}
	switch wire.Kind {
	case KindNote:
		decoded.Note = wire.Note
	case KindTab:
		decoded.Tab = wire.Tab
	case KindImage:
		decoded.Image = wire.Image
		if decoded.Image != nil && wire.Base64 != "" {
			raw, err := base64.StdEncoding.DecodeString(wire.Base64)
			if err != nil {
				return fmt.Errorf("%w: image payload: %v", ErrInvalidEnvelope, err)
			}
			decoded.Image.Data = raw
		}
	case KindTombstone:
		tombstone := records.Tombstone{Kind: wire.Target, ID: wire.ID}
		if wire.UpdatedAt != nil {
			tombstone.UpdatedAt = wire.UpdatedAt.UTC()
		}
		decoded.Tombstone = &tombstone
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*e = decoded
	return nil
}
