// Package signing produces and checks mandate signatures.
//
// Signatures keep the sig_<role>_ prefix used across the protocol and append
// the algorithm and the hex-encoded recoverable secp256k1 signature:
//
//	sig_merchant_es256k_<130 hex chars>
//
// The signed message is the Keccak-256 hash of the RFC 8785 canonical JSON of
// the mandate with its own signature field blanked.
package signing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// Algorithm is the tag embedded in every real signature.
const Algorithm = "es256k"

const prefix = "sig_"

var (
	// ErrMalformed reports a signature that does not follow the sig_<role>_... layout.
	ErrMalformed = errors.New("signing: malformed signature")
	// ErrPlaceholder reports a placeholder signature where a real one is required.
	ErrPlaceholder = errors.New("signing: placeholder signature not accepted")
	// ErrMismatch reports a signature produced by a different key or over a different document.
	ErrMismatch = errors.New("signing: signature does not match public key")
	// ErrNoPublicKey reports that verification was requested without a key.
	ErrNoPublicKey = errors.New("signing: no public key configured")
)

// Digest returns the Keccak-256 hash of the canonical JSON form of doc.
func Digest(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("signing: encode document: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("signing: canonicalize document: %w", err)
	}
	return crypto.Keccak256(canonical), nil
}

// GenerateKey creates a new secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// LoadPrivateKey parses a hex-encoded private key, with or without 0x.
func LoadPrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signing: load private key: %w", err)
	}
	return key, nil
}

// PublicKeyHex returns the compressed public key in hex, the form stored in
// agent registry entries.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(pub))
}

func parsePublicKey(hexKey string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signing: decode public key: %w", err)
	}
	switch len(raw) {
	case 33:
		return crypto.DecompressPubkey(raw)
	case 65:
		return crypto.UnmarshalPubkey(raw)
	default:
		return nil, fmt.Errorf("signing: unexpected public key length %d", len(raw))
	}
}

// ECDSASigner signs documents with a secp256k1 key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner wraps a private key.
func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

// PublicKeyHex returns the signer's compressed public key in hex.
func (s *ECDSASigner) PublicKeyHex() string {
	return PublicKeyHex(&s.key.PublicKey)
}

// Sign implements mandate.Signer.
func (s *ECDSASigner) Sign(role string, doc any) (string, error) {
	if s == nil || s.key == nil {
		return "", errors.New("signing: signer has no key")
	}
	if role == "" || strings.Contains(role, "_") {
		return "", fmt.Errorf("signing: invalid role %q", role)
	}
	digest, err := Digest(doc)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("signing: sign digest: %w", err)
	}
	return prefix + role + "_" + Algorithm + "_" + hex.EncodeToString(sig), nil
}

// Parsed is a decomposed signature string.
type Parsed struct {
	Role      string
	Algorithm string
	Raw       []byte
}

// Placeholder reports whether the signature carries no cryptographic payload.
func (p Parsed) Placeholder() bool { return p.Algorithm != Algorithm }

// Parse splits a signature into role, algorithm, and raw bytes. Placeholder
// signatures parse with an empty algorithm.
func Parse(signature string) (Parsed, error) {
	if !strings.HasPrefix(signature, prefix) {
		return Parsed{}, ErrMalformed
	}
	parts := strings.SplitN(strings.TrimPrefix(signature, prefix), "_", 3)
	if len(parts) < 2 || parts[0] == "" {
		return Parsed{}, ErrMalformed
	}
	if len(parts) != 3 || parts[1] != Algorithm {
		return Parsed{Role: parts[0]}, nil
	}
	raw, err := hex.DecodeString(parts[2])
	if err != nil || len(raw) != crypto.SignatureLength {
		return Parsed{}, ErrMalformed
	}
	return Parsed{Role: parts[0], Algorithm: Algorithm, Raw: raw}, nil
}

// Verifier checks signatures against registry public keys.
type Verifier struct {
	// AllowPlaceholder accepts well-formed placeholder signatures when the
	// counterparty has no key on record.
	AllowPlaceholder bool
}

// Verify checks that signature was produced over doc by the holder of publicKey.
func (v Verifier) Verify(signature string, doc any, publicKey string) error {
	parsed, err := Parse(signature)
	if err != nil {
		return err
	}
	if strings.TrimSpace(publicKey) == "" {
		if v.AllowPlaceholder {
			return nil
		}
		return ErrNoPublicKey
	}
	if parsed.Placeholder() {
		return ErrPlaceholder
	}
	expected, err := parsePublicKey(publicKey)
	if err != nil {
		return err
	}
	digest, err := Digest(doc)
	if err != nil {
		return err
	}
	recovered, err := crypto.SigToPub(digest, parsed.Raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	if !expected.Equal(recovered) {
		return ErrMismatch
	}
	return nil
}
