package crypto

import (
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// transformJCS re-serializes already-valid JSON bytes into RFC 8785 canonical
// form (sorted object keys, minimal number/string representation).
func transformJCS(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
