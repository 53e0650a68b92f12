package records

import "time"

// NoteChange transforms a note value. Changes receive a private copy.
type NoteChange func(Note) Note

// TabChange transforms a tab value. Changes receive a private copy.
type TabChange func(Tab) Tab

// With returns a new note with the changes applied and UpdatedAt set to at.
// The receiver is left untouched.
func (n Note) With(at time.Time, changes ...NoteChange) Note {
	updated := n.Clone()
	for _, change := range changes {
		updated = change(updated)
	}
	updated.UpdatedAt = at.UTC()
	return updated
}

// With returns a new tab with the changes applied and UpdatedAt set to at.
func (t Tab) With(at time.Time, changes ...TabChange) Tab {
	updated := t
	for _, change := range changes {
		updated = change(updated)
	}
	updated.UpdatedAt = at.UTC()
	return updated
}

// SetTitle replaces the note title.
func SetTitle(title string) NoteChange {
	return func(n Note) Note {
		n.Title = title
		return n
	}
}

// SetTabOrder replaces the ordered tab identifiers.
func SetTabOrder(tabIDs []string) NoteChange {
	order := cloneStrings(tabIDs)
	return func(n Note) Note {
		n.TabOrder = cloneStrings(order)
		return n
	}
}

// SetCollections replaces the collection membership.
func SetCollections(collectionIDs []string) NoteChange {
	collections := cloneStrings(collectionIDs)
	return func(n Note) Note {
		n.CollectionIDs = cloneStrings(collections)
		return n
	}
}

// SetPrimaryDate sets or clears (nil) the primary calendar date.
func SetPrimaryDate(date *string) NoteChange {
	return func(n Note) Note {
		n.PrimaryDate = clonePointer(date)
		return n
	}
}

// SetColor sets or clears (nil) the note color.
func SetColor(color *string) NoteChange {
	return func(n Note) Note {
		n.Color = clonePointer(color)
		return n
	}
}

// SetArchivedAt archives (non-nil) or restores (nil) the note.
func SetArchivedAt(at *time.Time) NoteChange {
	return func(n Note) Note {
		n.ArchivedAt = clonePointer(at)
		return n
	}
}

// SetPinnedAt pins (non-nil) or unpins (nil) the note.
func SetPinnedAt(at *time.Time) NoteChange {
	return func(n Note) Note {
		n.PinnedAt = clonePointer(at)
		return n
	}
}

// RemoveTab drops a tab identifier from the order.
func RemoveTab(tabID string) NoteChange {
	return func(n Note) Note {
		order := make([]string, 0, len(n.TabOrder))
		for _, id := range n.TabOrder {
			if id != tabID {
				order = append(order, id)
			}
		}
		n.TabOrder = order
		return n
	}
}

// Rename replaces the tab name.
func Rename(name string) TabChange {
	return func(t Tab) Tab {
		t.Name = name
		return t
	}
}

// SetContent replaces the tab content.
func SetContent(content string) TabChange {
	return func(t Tab) Tab {
		t.Content = content
		return t
	}
}

// NormalizeTabOrder returns the note's tab order restricted to existing tabs,
// without duplicates, followed by any tabs missing from the order.
func NormalizeTabOrder(note Note, tabs []Tab) []string {
	known := make(map[string]struct{}, len(tabs))
	for _, tab := range tabs {
		known[tab.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(tabs))
	ordered := make([]string, 0, len(tabs))
	for _, id := range note.TabOrder {
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	for _, tab := range tabs {
		if _, ok := seen[tab.ID]; ok {
			continue
		}
		seen[tab.ID] = struct{}{}
		ordered = append(ordered, tab.ID)
	}
	return ordered
}
