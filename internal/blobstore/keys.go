package blobstore

import (
	"errors"
	"fmt"
	"strings"
)

const maxKeyLength = 512

// ErrInvalidKey indicates an empty, oversized, or path-escaping blob key.
var ErrInvalidKey = errors.New("blobstore: invalid key")

// NormalizeKey trims surrounding slashes and rejects keys that could escape
// the account namespace.
func NormalizeKey(rawKey string) (string, error) {
	if strings.ContainsAny(rawKey, "\x00\\") {
		return "", fmt.Errorf("%w: forbidden character", ErrInvalidKey)
	}
	key := strings.Trim(strings.TrimSpace(rawKey), "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > maxKeyLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	for _, segment := range strings.Split(key, "/") {
		switch segment {
		case "":
			return "", fmt.Errorf("%w: empty segment", ErrInvalidKey)
		case ".", "..":
			return "", fmt.Errorf("%w: relative segment", ErrInvalidKey)
		}
	}
	return key, nil
}

// KindOf derives the change kind from a key: the first segment, or the first
// two when the key lives under deleted/.
func KindOf(key string) string {
	segments := strings.SplitN(key, "/", 3)
	if len(segments) >= 3 && segments[0] == "deleted" {
		return segments[0] + "/" + segments[1]
	}
	return segments[0]
}
