package identity

import (
	"context"
	"testing"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{TenantID: "t-1", UserID: "u-1"})

	id, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected identity in context")
	}
	if id.TenantID != "t-1" || id.UserID != "u-1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if TenantID(ctx) != "t-1" {
		t.Fatalf("TenantID = %q", TenantID(ctx))
	}
}

func TestIdentityMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no identity")
	}
	if TenantID(context.Background()) != "" {
		t.Fatal("expected empty tenant")
	}
}
