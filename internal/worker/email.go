package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
)

// SESAPI is the subset of *ses.Client the email channel calls.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConfig configures the email channel.
type SESConfig struct {
	Region    string
	FromEmail string
	Endpoint  string
}

// EmailPayload is the part of a notification payload the email channel reads.
// Title and Message are accepted as fallbacks for Subject and Body.
type EmailPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// EmailChannel delivers notifications through AWS SES to every recipient
// whose external channel id is an email address.
type EmailChannel struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

// NewEmailChannel loads the default AWS configuration for cfg.Region.
func NewEmailChannel(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*EmailChannel, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	client := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewEmailChannelWithClient(client, cfg.FromEmail, logger), nil
}

// NewEmailChannelWithClient wraps an existing client.
func NewEmailChannelWithClient(client SESAPI, from string, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{client: client, from: from, logger: logger}
}

func (c *EmailChannel) Name() string { return db.ChannelEmail }

// Deliver sends one email to all addressable recipients.
func (c *EmailChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	var payload EmailPayload
	if err := json.Unmarshal(notif.Payload, &payload); err != nil {
		return fmt.Errorf("invalid email payload: %w", err)
	}

	subject := firstNonEmpty(payload.Subject, payload.Title, notif.EventKey)
	body := firstNonEmpty(payload.Body, payload.Message)
	if body == "" {
		return errors.New("email payload missing body")
	}

	var to []string
	for _, r := range notif.Recipients {
		if strings.Contains(r.ExternalChannelID, "@") {
			to = append(to, r.ExternalChannelID)
		}
	}
	if len(to) == 0 {
		return errors.New("no recipient has an email address")
	}

	result, err := c.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(c.from),
		Destination: &types.Destination{ToAddresses: to},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	c.logger.Info("email sent via SES",
		zap.String("notification_id", notif.ID.String()),
		zap.Int("recipients", len(to)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
