// Package report writes backfill completion summaries to object storage for
// downstream consumption and audit.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"backfill-service/internal/models"
)

// S3Sink uploads completion reports as JSON objects.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds a sink using the ambient AWS credential chain.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Sink{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

type completionReport struct {
	BackfillID   string         `json:"backfill_id"`
	TenantID     string         `json:"tenant_id"`
	StartDate    time.Time      `json:"start_date"`
	EndDate      time.Time      `json:"end_date"`
	Status       string         `json:"status"`
	ItemsByState map[string]int `json:"items_by_state"`
	LastUpdated  *time.Time     `json:"last_updated,omitempty"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// UploadCompletion writes one summary object keyed by tenant and backfill id.
// Re-uploading after a resolver re-run overwrites the same key, so duplicate
// promotion sweeps stay idempotent.
func (s *S3Sink) UploadCompletion(ctx context.Context, backfill models.Backfill, statusCounts map[string]int) error {
	body, err := json.Marshal(completionReport{
		BackfillID:   backfill.ID,
		TenantID:     backfill.TenantID,
		StartDate:    backfill.StartDate,
		EndDate:      backfill.EndDate,
		Status:       backfill.Status,
		ItemsByState: statusCounts,
		LastUpdated:  backfill.LastUpdated,
		GeneratedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal completion report: %w", err)
	}

	key := fmt.Sprintf("%s%s/%s.json", s.prefix, backfill.TenantID, backfill.ID)
	contentType := "application/json"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("put completion report %s: %w", key, err)
	}
	return nil
}
