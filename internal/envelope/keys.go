package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
)

// ErrInvalidRecordID indicates an identifier that cannot be embedded in a blob key.
var ErrInvalidRecordID = errors.New("envelope: invalid record id")

// NoteKey returns notes/{id}.json.
func NoteKey(id string) (string, error) {
	return recordKey("notes", id)
}

// TabKey returns tabs/{id}.json.
func TabKey(id string) (string, error) {
	return recordKey("tabs", id)
}

// ImageKey returns images/{id}.json.
func ImageKey(id string) (string, error) {
	return recordKey("images", id)
}

// TombstoneKey returns deleted/{kind}s/{id}.json.
func TombstoneKey(kind records.Kind, id string) (string, error) {
	parsed, err := records.ParseKind(string(kind))
	if err != nil {
		return "", err
	}
	return recordKey("deleted/"+parsed.String()+"s", id)
}

func recordKey(prefix, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecordID, id)
	}
	return prefix + "/" + id + ".json", nil
}
