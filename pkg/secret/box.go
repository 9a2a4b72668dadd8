// Package secret seals stored credential values with Fernet. The key is the
// SHA-256 digest of an operator secret, and sealed values carry the "enc::"
// prefix so that sealed and plain values can be mixed in one store.
package secret

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// EncryptedPrefix marks a sealed value
const EncryptedPrefix = "enc::"

// ErrUnseal is returned when a sealed value cannot be opened with the key
var ErrUnseal = errors.New("unable to unseal value")

// Box seals and opens values. It is safe for concurrent use.
type Box struct {
	key *fernet.Key
}

// NewBox derives a Box from secret
func NewBox(secret string) *Box {
	k := fernet.Key(sha256.Sum256([]byte(secret)))
	return &Box{key: &k}
}

// IsSealed returns true if v carries EncryptedPrefix
func IsSealed(v string) bool {
	return strings.HasPrefix(v, EncryptedPrefix)
}

// Seal encrypts plain and returns it with EncryptedPrefix. Values that are
// already sealed are returned unchanged.
func (b *Box) Seal(plain string) (string, error) {
	if IsSealed(plain) {
		return plain, nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plain), b.key)
	if err != nil {
		return "", fmt.Errorf("unable to seal value: %w", err)
	}
	return EncryptedPrefix + string(tok), nil
}

// Open returns the plain text of v. Values without EncryptedPrefix are
// returned unchanged.
func (b *Box) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimPrefix(v, EncryptedPrefix)), -1, []*fernet.Key{b.key})
	if msg == nil {
		return "", ErrUnseal
	}
	return string(msg), nil
}
