// Package sqs sends permission sync jobs to the external worker queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
)

// API is the subset of *sqs.Client the producer calls.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the SQS endpoint, e.g. for LocalStack.
	Endpoint string
}

// Message is the job body sent to the queue.
type Message struct {
	JobID      string              `json:"job_id"`
	TenantID   string              `json:"tenant_id"`
	OwnerType  string              `json:"owner_type"`
	OwnerID    string              `json:"owner_id"`
	Users      []db.PermissionUser `json:"users"`
	EnqueuedAt int64               `json:"enqueued_at"`
}

// Producer sends permission sync jobs to SQS.
type Producer struct {
	client   API
	queueURL string
	fifo     bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer loads the default AWS configuration for cfg.Region.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs producer initialized", zap.String("queue_url", cfg.QueueURL))
	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

// NewProducerWithClient wraps an existing client. A queue URL ending in
// .fifo gets per-owner message groups and job-id deduplication.
func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
		now:      time.Now,
	}
}

// QueueName returns the last path segment of the queue URL.
func (p *Producer) QueueName() string {
	if i := strings.LastIndex(p.queueURL, "/"); i >= 0 {
		return p.queueURL[i+1:]
	}
	return p.queueURL
}

// Enqueue sends job and returns the SQS message id.
func (p *Producer) Enqueue(ctx context.Context, job *db.PermissionSyncJob) (string, error) {
	body, err := json.Marshal(Message{
		JobID:      job.ID.String(),
		TenantID:   job.TenantID,
		OwnerType:  job.OwnerType,
		OwnerID:    job.OwnerID,
		Users:      job.Users,
		EnqueuedAt: p.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"owner_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.OwnerType),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(job.OwnerType + ":" + job.OwnerID)
		input.MessageDeduplicationId = aws.String(job.ID.String())
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
