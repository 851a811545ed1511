package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/models"
)

const exportPageSize = 500

// Store is the part of the job store the exporter reads and prunes.
type Store interface {
	ListAudit(ctx context.Context, jobID string, afterID int64, limit int) ([]models.AuditLog, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter writes a job's audit trail as JSON Lines to a local directory or an S3 bucket.
type Exporter struct {
	store     Store
	local     uploader
	s3        uploader
	retention time.Duration
	now       func() time.Time
}

// NewExporter chooses S3 when AUDIT_S3_BUCKET is set, otherwise the local export directory.
func NewExporter(ctx context.Context, cfg config.Config, st Store) (*Exporter, error) {
	baseDir := cfg.AuditExportDir
	if baseDir == "" {
		baseDir = "./audit"
	}

	var s3Upload uploader
	if cfg.AuditS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.AuditS3Bucket}
	}

	return &Exporter{
		store:     st,
		local:     &localUploader{baseDir: baseDir},
		s3:        s3Upload,
		retention: cfg.AuditRetention,
		now:       time.Now,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AuditS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AuditS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AuditS3Endpoint)
		}
		o.UsePathStyle = cfg.AuditS3PathStyle
	}), nil
}

// Export uploads every audit entry of the job and returns where it went.
func (e *Exporter) Export(ctx context.Context, jobID string) (string, error) {
	var (
		buf     bytes.Buffer
		afterID int64
		count   int
	)
	enc := json.NewEncoder(&buf)
	for {
		page, err := e.store.ListAudit(ctx, jobID, afterID, exportPageSize)
		if err != nil {
			return "", err
		}
		for _, entry := range page {
			if err := enc.Encode(entry); err != nil {
				return "", fmt.Errorf("encode audit entry %d: %w", entry.ID, err)
			}
			afterID = entry.ID
			count++
		}
		if len(page) < exportPageSize {
			break
		}
	}
	if count == 0 {
		return "", fmt.Errorf("job %s has no audit entries", jobID)
	}

	key := fmt.Sprintf("audit/%s/%s.jsonl", sanitizeKey(jobID), e.now().UTC().Format("20060102T150405Z"))
	up := e.local
	if e.s3 != nil {
		up = e.s3
	}
	loc, err := up.Upload(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

// Prune deletes entries older than olderThan, or older than the configured retention when
// olderThan is zero.
func (e *Exporter) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = e.retention
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("audit retention must be positive")
	}
	return e.store.PruneAudit(ctx, e.now().Add(-olderThan))
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return strings.ReplaceAll(key, "..", "_")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
