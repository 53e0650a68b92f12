package localstore

import "time"

// NoteRecord stores one note as JSON alongside its indexed timestamp.
type NoteRecord struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null;index:idx_notes_updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "notes"
}

// TabRecord stores one tab as JSON.
type TabRecord struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	NoteID         string `gorm:"column:note_id;size:190;not null;index:idx_tabs_note"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null;index:idx_tabs_updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (TabRecord) TableName() string {
	return "tabs"
}

// ImageRecord stores image metadata as JSON and the binary payload as a blob.
type ImageRecord struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	NoteID         string `gorm:"column:note_id;size:190;not null;index:idx_images_note"`
	TabID          string `gorm:"column:tab_id;size:190;not null;index:idx_images_tab"`
	MetadataJSON   string `gorm:"column:metadata_json;type:text;not null"`
	Data           []byte `gorm:"column:data;type:blob"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null;index:idx_images_created_at"`
}

// TableName provides the explicit table binding for GORM.
func (ImageRecord) TableName() string {
	return "images"
}

// TombstoneRecord is one entry of the append-only local deletion log.
type TombstoneRecord struct {
	Sequence       int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	Kind           string `gorm:"column:kind;size:16;not null;uniqueIndex:idx_tombstones_target,priority:1"`
	RecordID       string `gorm:"column:record_id;size:190;not null;uniqueIndex:idx_tombstones_target,priority:2"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null;index:idx_tombstones_updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (TombstoneRecord) TableName() string {
	return "tombstones"
}

// MetaEntry is one key of the metadata store.
type MetaEntry struct {
	Key   string `gorm:"column:meta_key;primaryKey;size:190;not null"`
	Value string `gorm:"column:meta_value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MetaEntry) TableName() string {
	return "meta"
}

// Models lists every table the local store needs.
func Models() []any {
	return []any{&NoteRecord{}, &TabRecord{}, &ImageRecord{}, &TombstoneRecord{}, &MetaEntry{}}
}

func toNanos(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixNano()
}

func fromNanos(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}
