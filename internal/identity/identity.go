// Package identity implements the node keypair and PeerID used to address
// peers on the fabric.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of an X25519 key.
const KeySize = 32

// Key is an X25519 key (private or public), 32 raw bytes.
type Key [KeySize]byte

// GeneratePrivateKey generates a new random X25519 private key, clamped
// per RFC 7748 ยง5.
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generating random key: %w", err)
	}
	clampPrivateKey(&k)
	return k, nil
}

// PublicKey derives the X25519 public key from a private key.
func PublicKey(private Key) Key {
	var pub Key
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&private))
	return pub
}

// ParseKey decodes a base64-encoded key string into a Key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding base64 key: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid key length: got %d, want %d", len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// String returns the base64-encoded representation of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether the key is the zero value.
func (k Key) IsZero() bool {
	var zero Key
	return k == zero
}

// MarshalText implements encoding.TextMarshaler for TOML/JSON encoding.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML/JSON decoding.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// clampPrivateKey applies the Curve25519 clamping from RFC 7748 ยง5:
//   - clear the three least significant bits of the first byte
//   - clear the most significant bit of the last byte
//   - set the second most significant bit of the last byte
func clampPrivateKey(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// PeerID is the base58 encoding of a node's X25519 public key. Two
// PeerAddress values are the same peer if and only if their PeerIDs match;
// reachability hints may change without affecting identity.
type PeerID string

// DerivePeerID computes the PeerID for a public key.
func DerivePeerID(public Key) PeerID {
	return PeerID(base58.Encode(public[:]))
}

// PublicKey recovers the raw public key bytes encoded in a PeerID.
func (id PeerID) PublicKey() (Key, error) {
	b, err := base58.Decode(string(id))
	if err != nil {
		return Key{}, fmt.Errorf("decoding peer id: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid peer id length: got %d, want %d", len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

func (id PeerID) String() string { return string(id) }
