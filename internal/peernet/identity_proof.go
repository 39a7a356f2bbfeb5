package peernet

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/kuuji/syneroym/internal/identity"
)

// ErrPeerMismatch is returned when a dialed peer fails to cryptographically
// prove it holds the private key behind its expected PeerID.
var ErrPeerMismatch = errors.New("peernet: remote failed to prove its claimed identity")

const identityNonceSize = 32

// proveIdentity runs the dialer's half of the post-handshake identity proof
// (spec §4.C, §6). The QUIC/TLS layer here carries no CA and no certificate
// binding a peer can't forge on its own (any node can self-sign a cert
// naming any CommonName), so authentication happens one layer up: the
// dialer sends its own public key and a fresh nonce, then checks the
// responder's tag against the X25519 shared secret it expects to share with
// target. Producing a matching tag requires target's actual private key —
// X25519(local, target) == X25519(targetPriv, localPub) only when the
// responder's private key really is the one behind target.
func proveIdentity(rw io.ReadWriter, local identity.Key, target identity.Key) error {
	localPub := identity.PublicKey(local)

	var nonce [identityNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("peernet: generating identity proof nonce: %w", err)
	}

	challenge := make([]byte, 0, identity.KeySize+identityNonceSize)
	challenge = append(challenge, localPub[:]...)
	challenge = append(challenge, nonce[:]...)
	if _, err := rw.Write(challenge); err != nil {
		return fmt.Errorf("peernet: sending identity proof challenge: %w", err)
	}

	tag := make([]byte, sha256.Size)
	if _, err := io.ReadFull(rw, tag); err != nil {
		return fmt.Errorf("peernet: reading identity proof response: %w", err)
	}

	shared, err := curve25519.X25519(local[:], target[:])
	if err != nil {
		return fmt.Errorf("peernet: computing identity proof secret: %w", err)
	}

	expected := hmac.New(sha256.New, shared)
	expected.Write(nonce[:])
	if !hmac.Equal(tag, expected.Sum(nil)) {
		return ErrPeerMismatch
	}
	return nil
}

// respondIdentity runs the listener's half: it reads the dialer's claimed
// public key and nonce, derives the X25519 shared secret using its own
// private key, and returns the HMAC tag over the nonce. It never learns
// whether the caller's claimed key is genuine — only the dialer checks the
// tag, since the listener has no expectation to check it against.
func respondIdentity(rw io.ReadWriter, local identity.Key) error {
	challenge := make([]byte, identity.KeySize+identityNonceSize)
	if _, err := io.ReadFull(rw, challenge); err != nil {
		return fmt.Errorf("peernet: reading identity proof challenge: %w", err)
	}

	var callerPub identity.Key
	copy(callerPub[:], challenge[:identity.KeySize])
	nonce := challenge[identity.KeySize:]

	shared, err := curve25519.X25519(local[:], callerPub[:])
	if err != nil {
		return fmt.Errorf("peernet: computing identity proof secret: %w", err)
	}

	tag := hmac.New(sha256.New, shared)
	tag.Write(nonce)
	if _, err := rw.Write(tag.Sum(nil)); err != nil {
		return fmt.Errorf("peernet: sending identity proof response: %w", err)
	}
	return nil
}
