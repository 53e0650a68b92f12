package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/jotrip/internal/keys"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
)

const (
	// FormatVersion identifies the payload layout.
	FormatVersion = "1"
	// IVSize is the AES-GCM nonce length.
	IVSize = 12

	opEncrypt = "envelope.encrypt"
	opDecrypt = "envelope.decrypt"
)

var (
	errUnsupportedVersion = errors.New("unsupported payload version")
	errMalformedField     = errors.New("malformed payload field")
)

// Payload is the self-describing encrypted form of an Envelope. Every
// payload carries its own random salt and IV.
type Payload struct {
	Version    string `json:"version"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Encrypt serializes env and seals it with a key derived from passphrase and
// a fresh salt, under a fresh IV.
func Encrypt(env Envelope, passphrase string) (Payload, error) {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return Payload{}, fmt.Errorf("%s: serialize: %w", opEncrypt, err)
	}
	salt, err := keys.NewSalt()
	if err != nil {
		return Payload{}, fmt.Errorf("%s: %w", opEncrypt, err)
	}
	iv, err := keys.RandomBytes(IVSize)
	if err != nil {
		return Payload{}, fmt.Errorf("%s: %w", opEncrypt, err)
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return Payload{}, fmt.Errorf("%s: %w", opEncrypt, err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	return Payload{
		Version:    FormatVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens the payload with a key derived from its own salt. Any
// authentication, framing, or JSON failure is reported as a decryption error.
func Decrypt(payload Payload, passphrase string) (Envelope, error) {
	if payload.Version != "" && payload.Version != FormatVersion {
		return Envelope{}, syncerr.New(syncerr.ErrDecryption, opDecrypt, fmt.Errorf("%w: %q", errUnsupportedVersion, payload.Version))
	}
	salt, err := decodeField("salt", payload.Salt, keys.SaltSize)
	if err != nil {
		return Envelope{}, syncerr.New(syncerr.ErrDecryption, opDecrypt, err)
	}
	iv, err := decodeField("iv", payload.IV, IVSize)
	if err != nil {
		return Envelope{}, syncerr.New(syncerr.ErrDecryption, opDecrypt, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return Envelope{}, syncerr.New(syncerr.ErrDecryption, opDecrypt, fmt.Errorf("%w: ciphertext", errMalformedField))
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return Envelope{}, syncerr.New(syncerr.ErrDecryption, opDecrypt, err)
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return Envelope{}, syncerr.New(syncerr.ErrDecryption, opDecrypt, err)
	}
	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return Envelope{}, syncerr.New(syncerr.ErrDecryption, opDecrypt, err)
	}
	return env, nil
}

// Seal encrypts env and returns the JSON bytes stored as the remote blob.
func Seal(env Envelope, passphrase string) ([]byte, error) {
	payload, err := Encrypt(env, passphrase)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// Open parses blob bytes produced by Seal and decrypts them.
func Open(blob []byte, passphrase string) (Envelope, error) {
	var payload Payload
	if err := json.Unmarshal(blob, &payload); err != nil {
		return Envelope{}, syncerr.New(syncerr.ErrDecryption, opDecrypt, err)
	}
	return Decrypt(payload, passphrase)
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := keys.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func decodeField(name, value string, size int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(raw) != size {
		return nil, fmt.Errorf("%w: %s", errMalformedField, name)
	}
	return raw, nil
}
