// Package crypto implements C1: signature verification over secp256k1,
// canonical message encoding, and hash-chain primitives for the audit log.
//
// The signature algorithm and canonicalization rules are fixed by the wire
// contract; nothing here is a design choice.
package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// ChangeID identifies a proposed change by repo and forge-assigned number.
type ChangeID struct {
	Repo   string
	Number int64
}

func (c ChangeID) String() string {
	return fmt.Sprintf("%s#%d", c.Repo, c.Number)
}

// CanonicalMessage builds the exact byte sequence signatures are computed
// over. The format is fixed wire
// contract, not subject to reordering or whitespace changes.
func CanonicalMessage(change ChangeID, headRevisionHex, rulesetVersion string) []byte {
	var buf bytes.Buffer
	buf.WriteString("BTCDECODED-GOV-v1\n")
	fmt.Fprintf(&buf, "repo=%s\n", change.Repo)
	fmt.Fprintf(&buf, "change=%d\n", change.Number)
	fmt.Fprintf(&buf, "head=%s\n", headRevisionHex)
	fmt.Fprintf(&buf, "ruleset=%s\n", rulesetVersion)
	return buf.Bytes()
}

// MessageDigest returns the SHA-256 digest of the canonical message; this is
// the value secp256k1 signatures are computed over (signatures sign the
// digest, not the raw message, per §6).
func MessageDigest(change ChangeID, headRevisionHex, rulesetVersion string) [32]byte {
	return sha256.Sum256(CanonicalMessage(change, headRevisionHex, rulesetVersion))
}

// CanonicalJSON marshals v using RFC 8785 JSON Canonicalization Scheme, via
// gowebpki/jcs, so that structurally equal values always produce identical
// bytes regardless of field insertion order. Used for payload_digest
// computation in audit entries and for hashing RuleSet snapshots.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal for canonicalization: %w", err)
	}
	canon, err := transformJCS(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: jcs transform: %w", err)
	}
	return canon, nil
}

// Digest256Hex returns the lowercase-hex SHA-256 digest of arbitrary bytes.
func Digest256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hexEncode(h[:])
}

// PayloadDigest computes the payload_digest field of an AuditEntry: the
// SHA-256 digest of the canonical JSON encoding of the payload.
func PayloadDigest(payload interface{}) (string, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return Digest256Hex(canon), nil
}
