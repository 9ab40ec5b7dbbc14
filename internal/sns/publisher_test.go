package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
)

type mockSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (m *mockSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func testNotification(tenant string) *db.Notification {
	return &db.Notification{
		ID:         uuid.New(),
		TenantID:   tenant,
		EventKey:   "payments.synced",
		Recipients: []db.Recipient{{UserID: "u-1"}},
		Payload:    json.RawMessage(`{"amount":"10.00"}`),
	}
}

func TestPublisher_Deliver(t *testing.T) {
	client := &mockSNS{}
	p := NewPublisherWithClient(client, "arn:aws:sns:us-east-1:123:relay", zap.NewNop())
	notif := testNotification("tenant-1")

	if err := p.Deliver(context.Background(), notif); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.inputs))
	}

	in := client.inputs[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123:relay" {
		t.Errorf("topic = %s", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["event_key"].StringValue); got != "payments.synced" {
		t.Errorf("event_key attribute = %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["tenant_id"].StringValue); got != "tenant-1" {
		t.Errorf("tenant_id attribute = %q", got)
	}

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &msg); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if msg.NotificationID != notif.ID.String() || string(msg.Payload) != `{"amount":"10.00"}` {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestPublisher_OmitsEmptyTenant(t *testing.T) {
	client := &mockSNS{}
	p := NewPublisherWithClient(client, "arn", zap.NewNop())

	if err := p.Deliver(context.Background(), testNotification("")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, ok := client.inputs[0].MessageAttributes["tenant_id"]; ok {
		t.Error("empty tenant must not be sent as an attribute")
	}
}

func TestPublisher_Error(t *testing.T) {
	throttled := errors.New("throttled")
	p := NewPublisherWithClient(&mockSNS{err: throttled}, "arn", zap.NewNop())

	err := p.Deliver(context.Background(), testNotification("t"))
	if !errors.Is(err, throttled) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
	if p.Name() != db.ChannelSNS {
		t.Errorf("name = %q", p.Name())
	}
}
