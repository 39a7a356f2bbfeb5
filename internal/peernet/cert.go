package peernet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/kuuji/syneroym/internal/identity"
)

// selfSignedCert builds a short-lived, self-signed TLS certificate used
// purely to get an encrypted QUIC channel up. The leaf key here is a fresh
// ECDSA key with no relation to the node's X25519 identity — X25519 keys
// can't produce the CertificateVerify signature TLS needs, so there is no
// way to bind this certificate to a PeerID the handshake itself can check.
// CommonName carries id only as a debugging label. Real peer authentication
// happens one layer up, over the opened stream: see proveIdentity.
func selfSignedCert(id identity.PeerID) (tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("peernet: generating leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("peernet: generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: string(id)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour * 365 * 10),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &leafKey.PublicKey, leafKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("peernet: creating certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  leafKey,
	}, nil
}
