package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer produces secp256k1 signatures over a message digest. Real
// maintainer/keyholder keys never live in the engine process; Signer exists
// to support test fixtures and the property-based test suite.
type Signer struct {
	priv *secp256k1.PrivateKey
}

// NewSigner generates a fresh secp256k1 keypair.
func NewSigner() (*Signer, error) {
	priv, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// NewSignerFromHex constructs a Signer from a 32-byte hex-encoded private
// scalar, for deterministic test fixtures.
func NewSignerFromHex(privHex string) (*Signer, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return &Signer{priv: priv}, nil
}

// PublicKeyHex returns the compressed SEC1 public key, hex-encoded. This is
// the form stored in Maintainer.public_key / EmergencyKeyholder.public_key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.priv.PubKey().SerializeCompressed())
}

// SignDigest signs a 32-byte digest, returning a low-S DER-encoded signature
// as hex. ecdsa.Sign from dcrd already normalizes to low-S.
func (s *Signer) SignDigest(digest [32]byte) (string, error) {
	sig := ecdsa.Sign(s.priv, digest[:])
	return hex.EncodeToString(sig.Serialize()), nil
}

// SignCanonical signs the canonical message for a change at a given head
// revision and ruleset version — the exact payload a `/governance-sign`
// comment must contain.
func (s *Signer) SignCanonical(change ChangeID, headRevisionHex, rulesetVersion string) (string, error) {
	digest := MessageDigest(change, headRevisionHex, rulesetVersion)
	return s.SignDigest(digest)
}
