package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"embedding-sync-pipeline/internal/config"
	"embedding-sync-pipeline/internal/models"
)

// S3Exporter copies dead-lettered job payloads to an S3 bucket so poison
// jobs stay inspectable after they leave the live queue.
type S3Exporter struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Exporter returns nil (export disabled) when no bucket is configured.
func NewS3Exporter(ctx context.Context, cfg config.Config) (*S3Exporter, error) {
	if cfg.DeadLetterBucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Exporter{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.DeadLetterBucket,
		prefix: cfg.DeadLetterPrefix,
	}, nil
}

type deadLetterObject struct {
	MsgID     int64             `json:"msg_id"`
	ReadCount int               `json:"read_count"`
	Reason    string            `json:"reason"`
	Payload   models.JobPayload `json:"payload"`
}

// Export writes one dead-lettered message as a JSON object.
func (e *S3Exporter) Export(ctx context.Context, msg models.Message, reason string) error {
	body, err := json.Marshal(deadLetterObject{
		MsgID:     msg.MsgID,
		ReadCount: msg.ReadCount,
		Reason:    reason,
		Payload:   msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal dead-letter object: %w", err)
	}
	key := fmt.Sprintf("%s%d.json", e.prefix, msg.MsgID)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
