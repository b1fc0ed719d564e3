// Package certs handles certificate pinning for development endpoints that
// serve self-signed WebTransport certificates, and generates such
// certificates for local test servers.
package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for fingerprint handling.
var (
	ErrInvalidFingerprint  = errors.New("certs: invalid fingerprint")
	ErrFingerprintMismatch = errors.New("certs: certificate fingerprint mismatch")
)

// Fingerprint is the SHA-256 digest of a DER-encoded certificate.
type Fingerprint [sha256.Size]byte

// String returns the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseHexFingerprint decodes a hex fingerprint, as served by the prism
// /fingerprint endpoint. Surrounding whitespace and ':' separators are
// accepted.
func ParseHexFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	s = strings.ReplaceAll(strings.TrimSpace(s), ":", "")

	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidFingerprint, len(b), len(fp))
	}
	copy(fp[:], b)
	return fp, nil
}

// ParseBase64Fingerprint decodes a standard base64 fingerprint, as carried
// in the prism /api/cert-hash response.
func ParseBase64Fingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fp, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidFingerprint, len(b), len(fp))
	}
	copy(fp[:], b)
	return fp, nil
}

// PinnedTLSConfig returns a client TLS config that accepts exactly the
// certificate whose SHA-256 matches one of fps, in place of chain
// validation. This is the same trust model as the WebTransport
// serverCertificateHashes option.
func PinnedTLSConfig(fps ...Fingerprint) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // replaced by VerifyPeerCertificate below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: no certificate presented", ErrFingerprintMismatch)
			}
			got := Fingerprint(sha256.Sum256(rawCerts[0]))
			for _, fp := range fps {
				if got == fp {
					return nil
				}
			}
			return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, got)
		},
	}
}
