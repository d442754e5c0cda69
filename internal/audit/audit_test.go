package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	ChangeRepo string `json:"change_repo"`
	Decision   string `json:"decision"`
}

func TestAppendChainsSequentially(t *testing.T) {
	log := NewLog(NewMemoryBackend())
	ctx := context.Background()

	e1, err := log.Append(ctx, EventTransition, "repo#1", samplePayload{ChangeRepo: "a", Decision: "pending"})
	require.NoError(t, err)
	require.EqualValues(t, 1, e1.Seq)
	require.Equal(t, genesisHash, e1.PrevHash)

	e2, err := log.Append(ctx, EventTransition, "repo#1", samplePayload{ChangeRepo: "a", Decision: "ready-to-merge"})
	require.NoError(t, err)
	require.EqualValues(t, 2, e2.Seq)
	require.Equal(t, e1.SelfHash, e2.PrevHash)
}

func TestVerifyDetectsNoBreakOnCleanChain(t *testing.T) {
	log := NewLog(NewMemoryBackend())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, EventTransition, "repo#1", samplePayload{Decision: "x"})
		require.NoError(t, err)
	}

	brokenAt, err := log.Verify(ctx, 1, 5)
	require.NoError(t, err)
	require.EqualValues(t, 0, brokenAt)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	backend := NewMemoryBackend()
	log := NewLog(backend)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, EventTransition, "repo#1", samplePayload{Decision: "x"})
		require.NoError(t, err)
	}

	// Mutate the subject of the middle entry directly in the backend,
	// simulating an attempt to alter history after the fact.
	backend.entries[1].Subject = "tampered"

	brokenAt, err := log.Verify(ctx, 1, 3)
	require.ErrorIs(t, err, ErrChainBroken)
	require.EqualValues(t, 2, brokenAt)
}

func TestAppendFailureIsFatal(t *testing.T) {
	log := NewLog(&failingBackend{})
	_, err := log.Append(context.Background(), EventTransition, "repo#1", samplePayload{Decision: "x"})
	require.Error(t, err)
}

type failingBackend struct{}

func (f *failingBackend) AppendLocked(context.Context, Entry) error { return assertErr }
func (f *failingBackend) Tail(context.Context) (Entry, bool, error) { return Entry{}, false, nil }
func (f *failingBackend) Range(context.Context, uint64, uint64) ([]Entry, error) {
	return nil, nil
}

var assertErr = &sentinelErr{"append rejected"}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }
