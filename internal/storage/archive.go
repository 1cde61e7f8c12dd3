package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetwatch/pkg/config"
	"fleetwatch/pkg/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AlertArchive persists pruned alerts to object storage before the
// retention sweep deletes them from the repository. One gzipped
// JSON-lines object per sweep.
type AlertArchive struct {
	client *minio.Client
	bucket string
}

func NewMinioClient(cfg *config.Config) (*minio.Client, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// Verify connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.ListBuckets(ctx); err != nil {
		return nil, fmt.Errorf("failed to list MinIO buckets: %w", err)
	}

	return client, nil
}

func NewAlertArchive(client *minio.Client, bucket string) (*AlertArchive, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// Bucket might already exist, which is fine
		exists, errBucketExists := client.BucketExists(ctx, bucket)
		if errBucketExists != nil || !exists {
			return nil, fmt.Errorf("failed to create archive bucket: %w", err)
		}
	}

	return &AlertArchive{client: client, bucket: bucket}, nil
}

// Store uploads the given alerts as one gzipped JSON-lines object keyed
// by sweep time. No-op for an empty batch.
func (a *AlertArchive) Store(ctx context.Context, sweptAt time.Time, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	objectName := fmt.Sprintf("pruned-alerts/%s/%s.jsonl.gz",
		sweptAt.UTC().Format("2006/01/02"),
		sweptAt.UTC().Format("150405"),
	)

	var buf bytes.Buffer
	gzipWriter, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	encoder := json.NewEncoder(gzipWriter)
	for i := range alerts {
		if err := encoder.Encode(archiveRecord(&alerts[i])); err != nil {
			gzipWriter.Close()
			return fmt.Errorf("failed to encode archived alert: %w", err)
		}
	}

	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}

	_, err = a.client.PutObject(ctx, a.bucket, objectName, &buf, int64(buf.Len()),
		minio.PutObjectOptions{
			ContentType:     "application/gzip",
			ContentEncoding: "gzip",
		})
	if err != nil {
		return fmt.Errorf("failed to upload archived alerts: %w", err)
	}

	return nil
}

func archiveRecord(alert *models.Alert) map[string]interface{} {
	record := map[string]interface{}{
		"id":           alert.ID,
		"service_name": alert.ServiceName,
		"alert_type":   alert.AlertType,
		"severity":     alert.Severity,
		"status":       alert.Status,
		"title":        alert.Title,
		"description":  alert.Description,
		"created_at":   alert.CreatedAt.Format(time.RFC3339),
	}
	if alert.Value != nil {
		record["value"] = *alert.Value
	}
	if alert.Threshold != nil {
		record["threshold"] = *alert.Threshold
	}
	if len(alert.Labels) > 0 {
		record["labels"] = alert.Labels
	}
	if alert.AcknowledgedAt != nil {
		record["acknowledged_at"] = alert.AcknowledgedAt.Format(time.RFC3339)
	}
	if alert.AcknowledgedBy != nil {
		record["acknowledged_by"] = *alert.AcknowledgedBy
	}
	if alert.ResolvedAt != nil {
		record["resolved_at"] = alert.ResolvedAt.Format(time.RFC3339)
	}
	return record
}
