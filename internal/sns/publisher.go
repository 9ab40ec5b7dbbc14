// Package sns delivers notifications to an AWS SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
)

// API is the subset of *sns.Client the publisher calls.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config identifies the topic.
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the SNS endpoint, e.g. for LocalStack.
	Endpoint string
}

// Message is the JSON body published to the topic.
type Message struct {
	NotificationID string          `json:"notification_id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	EventKey       string          `json:"event_key"`
	Recipients     []db.Recipient  `json:"recipients"`
	Payload        json.RawMessage `json:"payload"`
}

// Publisher is the sns delivery channel. Subscribers filter on the
// event_key and tenant_id message attributes.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewPublisher loads the default AWS configuration for cfg.Region.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns publisher initialized", zap.String("topic_arn", cfg.TopicARN))
	return NewPublisherWithClient(client, cfg.TopicARN, logger), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// Name returns db.ChannelSNS.
func (p *Publisher) Name() string { return db.ChannelSNS }

// Deliver publishes notif to the topic.
func (p *Publisher) Deliver(ctx context.Context, notif *db.Notification) error {
	body, err := json.Marshal(Message{
		NotificationID: notif.ID.String(),
		TenantID:       notif.TenantID,
		EventKey:       notif.EventKey,
		Recipients:     notif.Recipients,
		Payload:        notif.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sns message: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"event_key": {
			DataType:    aws.String("String"),
			StringValue: aws.String(notif.EventKey),
		},
	}
	if notif.TenantID != "" {
		attrs["tenant_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notif.TenantID),
		}
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	p.logger.Debug("notification published to sns",
		zap.String("notification_id", notif.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
