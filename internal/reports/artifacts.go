// Package reports stores scan findings artifacts in object storage.
package reports

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArtifactStore reads and writes findings documents keyed by
// customer, tenant and job.
type ArtifactStore interface {
	PutFindings(ctx context.Context, customer, tenant, jobID string, findings []byte) (string, error)
	GetFindings(ctx context.Context, customer, tenant, jobID string) ([]byte, error)
}

// S3Store keeps findings under
// s3://{bucket}/{customer}/{tenant}/{job}/findings.json.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3-backed artifact store.
func NewS3Store(ctx context.Context, region, bucket string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("findings bucket is not configured")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func findingsKey(customer, tenant, jobID string) string {
	return path.Join(customer, tenant, jobID, "findings.json")
}

// PutFindings uploads one findings document and returns its key.
func (s *S3Store) PutFindings(ctx context.Context, customer, tenant, jobID string, findings []byte) (string, error) {
	key := findingsKey(customer, tenant, jobID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(findings),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload findings %s: %w", key, err)
	}
	return key, nil
}

// GetFindings downloads one findings document.
func (s *S3Store) GetFindings(ctx context.Context, customer, tenant, jobID string) ([]byte, error) {
	key := findingsKey(customer, tenant, jobID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download findings %s: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read findings %s: %w", key, err)
	}
	return body, nil
}
