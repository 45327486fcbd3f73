package instrumentation

import (
	"context"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.Metrics() == nil {
		t.Fatal("Metrics() returned nil")
	}
	if inst.Meter("server") == nil {
		t.Error("Meter() returned nil")
	}
	if inst.Tracer("server") == nil {
		t.Error("Tracer() returned nil")
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestMetrics_RecordingIsSafe(t *testing.T) {
	inst, err := New(Config{ServiceName: "test", Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	m := inst.Metrics()

	// No-op providers must accept every recording call.
	m.RecordHTTPRequest(ctx, "POST", "/token", 200, 1.5)
	m.RecordTokenIssued(ctx, "authorization_code", true)
	m.RecordTokenRefreshed(ctx, true)
	m.RecordTokenRevoked(ctx, "")
	m.RecordIntrospection(ctx, false)
	m.RecordCodeIssued(ctx, true)
	m.RecordCodeRedeemed(ctx, "success")
	m.RecordGrant(ctx, "password", "success", 0.3)
	m.RecordAuthFailure(ctx, "invalid_client")
	m.RecordRateLimitExceeded(ctx, "/token")
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordStorageOperation(ctx, "save_token", "success", 0.1)
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		func() int64 { return 3 },
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}
