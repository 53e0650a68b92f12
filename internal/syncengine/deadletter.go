package syncengine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
)

// DeadLetter is a change key that could not be applied and is retried on
// every pull until it succeeds or its blob disappears.
type DeadLetter struct {
	Key       string `json:"key"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError"`
	FirstSeen string `json:"firstSeen"`
}

type deadLetterSet struct {
	entries map[string]DeadLetter
	dirty   bool
}

func loadDeadLetters(ctx context.Context, store MetaStore) (*deadLetterSet, error) {
	set := &deadLetterSet{entries: make(map[string]DeadLetter)}
	raw, found, err := store.GetMeta(ctx, MetaDeadLetters)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrStorage, "syncengine.load_dead_letters", err)
	}
	if !found || raw == "" {
		return set, nil
	}
	var stored []DeadLetter
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		// Unreadable bookkeeping is rebuilt from scratch.
		set.dirty = true
		return set, nil
	}
	for _, entry := range stored {
		if entry.Key != "" {
			set.entries[entry.Key] = entry
		}
	}
	return set, nil
}

func (s *deadLetterSet) keys() []string {
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *deadLetterSet) record(key, firstSeen string, cause error) DeadLetter {
	entry, found := s.entries[key]
	if !found {
		entry = DeadLetter{Key: key, FirstSeen: firstSeen}
	}
	entry.Attempts++
	entry.LastError = cause.Error()
	s.entries[key] = entry
	s.dirty = true
	return entry
}

func (s *deadLetterSet) resolve(key string) {
	if _, found := s.entries[key]; found {
		delete(s.entries, key)
		s.dirty = true
	}
}

func (s *deadLetterSet) save(ctx context.Context, store MetaStore) error {
	if !s.dirty {
		return nil
	}
	list := make([]DeadLetter, 0, len(s.entries))
	for _, key := range s.keys() {
		list = append(list, s.entries[key])
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := store.SetMeta(ctx, MetaDeadLetters, string(encoded)); err != nil {
		return syncerr.New(syncerr.ErrStorage, "syncengine.save_dead_letters", err)
	}
	s.dirty = false
	return nil
}

// DeadLetters returns the change keys currently awaiting retry.
func DeadLetters(ctx context.Context, store MetaStore) ([]DeadLetter, error) {
	set, err := loadDeadLetters(ctx, store)
	if err != nil {
		return nil, err
	}
	list := make([]DeadLetter, 0, len(set.entries))
	for _, key := range set.keys() {
		list = append(list, set.entries[key])
	}
	return list, nil
}
