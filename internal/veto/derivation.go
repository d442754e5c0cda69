package veto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"github.com/btcdecoded/govcore/internal/crypto"
	"github.com/btcdecoded/govcore/internal/ruleset"
)

// DeriveChildPublicKeyHex computes the one-way hierarchical child public
// key for a registered parent secret under a declared derivation path and
// signal index: a voter who holds parentSecretHex can compute the same
// child and sign with its private scalar, while the engine — which only
// ever holds the registered parent *secret*, never a voter's private
// material — can recompute the same public key and verify against it
// without learning which registered parent a signal belongs to. The child
// scalar is expanded from the parent secret via HKDF-SHA256 with the path
// and signal index as the info binding, then reduced mod the curve order
// and multiplied by the base point.
func DeriveChildPublicKeyHex(parentSecretHex, path string, signalIndex int) (string, error) {
	parentSecret, err := hex.DecodeString(parentSecretHex)
	if err != nil {
		return "", fmt.Errorf("veto: decode parent secret: %w", err)
	}
	info := fmt.Sprintf("%s:%d", path, signalIndex)
	childScalar := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, parentSecret, nil, []byte(info)), childScalar); err != nil {
		return "", fmt.Errorf("veto: derive child scalar: %w", err)
	}

	child := secp256k1.PrivKeyFromBytes(childScalar)
	return hex.EncodeToString(child.PubKey().SerializeCompressed()), nil
}

// VerifyDerivation reports whether signatureHex verifies over digest under
// the child public key parentSecretHex derives for (path, signalIndex). A
// true result proves both halves of §4.8's requirement at once: the voting
// key is a valid child of this parent under the declared path/index, and
// the signer holds the corresponding private key. On success it also
// returns the derived child public key hex, the only identifier the engine
// ever records for this signal.
func VerifyDerivation(parentSecretHex, path string, signalIndex int, digest [32]byte, signatureHex string) (ok bool, childPublicKeyHex string, err error) {
	childHex, err := DeriveChildPublicKeyHex(parentSecretHex, path, signalIndex)
	if err != nil {
		return false, "", err
	}
	valid, err := crypto.Verify(childHex, signatureHex, digest)
	if err != nil {
		// A malformed signature is not a derivation-layer error: this
		// candidate parent simply doesn't match, try the next one.
		return false, "", nil
	}
	return valid, childHex, nil
}

// ResolveVoter tries signatureHex against every active registered parent
// key until one derives a child public key the signature verifies under.
// It returns that derived child key (the only identifier ever recorded for
// the accepted signal) and ok=true; ok=false means no registered parent
// vouches for this signature and the caller must refuse the veto comment
// rather than accept an unverified signal.
func ResolveVoter(parents []ruleset.VotingParentKey, path string, signalIndex int, digest [32]byte, signatureHex string) (childPublicKeyHex string, ok bool) {
	for _, parent := range parents {
		if !parent.Active {
			continue
		}
		valid, childHex, err := VerifyDerivation(parent.SecretHex, path, signalIndex, digest, signatureHex)
		if err != nil || !valid {
			continue
		}
		return childHex, true
	}
	return "", false
}

// SignalIndexFromPath extracts the trailing numeric component of a
// bip32-like derivation path (e.g. "m/44'/0'/0/3" -> 3), so a voter can
// mint a fresh per-signal index simply by varying the last path segment.
// An empty or non-numeric trailing segment defaults to 0 — signal_index is
// optional per §3's VetoSignal ("derivation_path?").
func SignalIndexFromPath(path string) int {
	if path == "" {
		return 0
	}
	segments := strings.Split(path, "/")
	last := strings.TrimSuffix(segments[len(segments)-1], "'")
	n, err := strconv.Atoi(last)
	if err != nil {
		return 0
	}
	return n
}
