package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store archives finished workflow records to S3.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger, now: time.Now}
}

// Enabled returns true if archival is configured (bucket is set).
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// ArchiveWorkflow writes a WorkflowRecord as JSON to S3 and appends to the manifest.
func (s *Store) ArchiveWorkflow(ctx context.Context, record *WorkflowRecord) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if record.ArchivedAt.IsZero() {
		record.ArchivedAt = s.now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("archive: marshal record: %w", err)
	}

	at := record.ArchivedAt
	key := fmt.Sprintf("booking-workflows/v1/by-date/%d/%02d/%02d/%s.json",
		at.Year(), at.Month(), at.Day(), record.WorkflowID)

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}

	s.logger.Info("archived booking workflow to S3",
		"workflow_id", record.WorkflowID,
		"s3_key", key,
		"status", record.Status,
		"call_count", record.CallCount,
	)

	entry := ManifestEntry{
		WorkflowID:      record.WorkflowID,
		IncidentID:      record.IncidentID,
		S3Key:           key,
		Status:          record.Status,
		MedicalCenterID: record.MedicalCenterID,
		CallCount:       record.CallCount,
		ArchivedAt:      at.Format(time.RFC3339),
	}
	if err := s.AppendManifest(ctx, entry); err != nil {
		// the record itself is stored
		s.logger.Warn("failed to append manifest", "error", err, "workflow_id", record.WorkflowID)
	}
	return key, nil
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// S3 has no append, so this is read-modify-write.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	now := s.now().UTC()
	manifestKey := fmt.Sprintf("booking-workflows/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("archive: s3 get manifest: %w", err)
		}
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	} else {
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey")
}
