package crypto

import "crypto/sha256"

// ChainHash computes the next link in a hash chain: SHA-256 of prev
// concatenated with the event bytes. Used by the audit log to compute
// self_hash = H(prev_hash || seq || event_kind || subject || payload_digest || at),
// where event_bytes is the caller's pre-built concatenation of the fields
// after prev_hash.
func ChainHash(prev []byte, eventBytes []byte) [32]byte {
	buf := make([]byte, 0, len(prev)+len(eventBytes))
	buf = append(buf, prev...)
	buf = append(buf, eventBytes...)
	return sha256.Sum256(buf)
}
