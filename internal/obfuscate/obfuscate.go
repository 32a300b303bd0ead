// Package obfuscate hides short secrets at rest with a key bound to the
// current machine. The transform is a repeating-key XOR and offers no
// confidentiality against anyone who can read the machine identifier.
package obfuscate

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/denisbrodbeck/machineid"
)

// AppID scopes the machine fingerprint so other applications derive a
// different key on the same host.
const AppID = "warden-obfuscate"

var (
	ErrEmptyInput = errors.New("input is empty")
	ErrDecode     = errors.New("decode obfuscated input")
	ErrInvalidKey = errors.New("deobfuscated data is not valid UTF-8, wrong machine key")
)

// Obfuscator applies the keyed transform.
type Obfuscator struct {
	key []byte
}

// New derives the key from the machine fingerprint scoped to appID.
func New(appID string) (*Obfuscator, error) {
	if appID == "" {
		appID = AppID
	}
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return nil, fmt.Errorf("read machine id: %w", err)
	}
	return NewWithKey([]byte(id)), nil
}

// NewWithKey derives the key from arbitrary seed material.
func NewWithKey(seed []byte) *Obfuscator {
	sum := sha256.Sum256(seed)
	return &Obfuscator{key: sum[:]}
}

// Obfuscate transforms text into standard base64.
func (o *Obfuscator) Obfuscate(text string) (string, error) {
	if text == "" {
		return "", ErrEmptyInput
	}
	return base64.StdEncoding.EncodeToString(o.xor([]byte(text))), nil
}

// Deobfuscate reverses Obfuscate.
func (o *Obfuscator) Deobfuscate(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	plain := o.xor(raw)
	if !utf8.Valid(plain) {
		return "", ErrInvalidKey
	}
	return string(plain), nil
}

func (o *Obfuscator) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ o.key[i%len(o.key)]
	}
	return out
}
