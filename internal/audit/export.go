package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/btcdecoded/govcore/internal/crypto"
)

// Bundle is an exportable, self-verifying slice of the audit log — the
// artifact an operator hands to an external auditor. It mirrors the
// teacher's AuditEvidenceBundle shape: a content-addressed wrapper around a
// contiguous run of chained entries.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	CreatedAt  time.Time `json:"created_at"`
	FromSeq    uint64    `json:"from_seq"`
	ToSeq      uint64    `json:"to_seq"`
	Entries    []Entry   `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// BuildBundle ranges the log and wraps the result with a content hash over
// the serialized entries, so a recipient can detect tampering in transit
// independent of re-verifying the hash chain itself.
func (l *Log) BuildBundle(ctx context.Context, fromSeq, toSeq uint64) (*Bundle, error) {
	entries, err := l.backend.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("audit: range for bundle: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("audit: no entries in range [%d, %d]", fromSeq, toSeq)
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal bundle entries: %w", err)
	}

	bundle := &Bundle{
		BundleID:   uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		FromSeq:    entries[0].Seq,
		ToSeq:      entries[len(entries)-1].Seq,
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].SelfHashHex(),
		BundleHash: crypto.Digest256Hex(raw),
	}
	return bundle, nil
}

// S3Client is the subset of the S3 API the exporter depends on, so tests
// can substitute a fake without pulling in AWS network calls.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter archives audit evidence bundles to S3 for retention beyond the
// hot store's lifetime.
type Exporter struct {
	client S3Client
	bucket string
}

// NewExporter constructs an Exporter writing to the given bucket.
func NewExporter(client S3Client, bucket string) *Exporter {
	return &Exporter{client: client, bucket: bucket}
}

// Export uploads a bundle as a single JSON object keyed by its bundle ID.
func (e *Exporter) Export(ctx context.Context, bundle *Bundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("audit: marshal bundle for export: %w", err)
	}
	key := fmt.Sprintf("audit-bundles/%s.json", bundle.BundleID)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("audit: put bundle %s: %w", bundle.BundleID, err)
	}
	return nil
}
