package app

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/dispatch"
)

type namedChannel string

func (c namedChannel) Name() string                                    { return string(c) }
func (c namedChannel) Deliver(context.Context, *db.Notification) error { return nil }

func TestDefaultChannels(t *testing.T) {
	available := []dispatch.Channel{namedChannel(db.ChannelBroker), namedChannel(db.ChannelLiveStream)}

	tests := []struct {
		name   string
		wanted []string
		want   []string
	}{
		{"all available", []string{"broker", "live_stream"}, []string{"broker", "live_stream"}},
		{"pubsub without redis", []string{"broker", "pubsub", "live_stream"}, []string{"broker", "live_stream"}},
		{"none available", []string{"sns"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := defaultChannels(tt.wanted, available, zap.NewNop())
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("defaultChannels() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthWithoutBackends(t *testing.T) {
	a := &App{}
	if checks := a.Health(); len(checks) != 0 {
		t.Fatalf("expected no checks, got %d", len(checks))
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
