package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestRegistryGlobalLimitEnforced(t *testing.T) {
	r := NewRegistry(Config{
		GlobalRPM: 600, GlobalBurst: 10, // 10 RPS global, burst override
		DefaultRPM: 3000, DefaultBurst: 50,
	})
	defer r.Close()

	successCount := 0

	for i := 0; i < 11; i++ {
		if r.Allow("any-service") {
			successCount++
		}
	}

	if successCount != 10 {
		t.Errorf("expected 10 successful requests under the global burst, got %d", successCount)
	}
}

func TestRegistryPerServiceLimitIndependent(t *testing.T) {
	r := NewRegistry(Config{
		GlobalRPM: 6000, GlobalBurst: 1000,
		DefaultRPM: 6000, DefaultBurst: 1000,
		Services: map[string]ServiceLimit{
			"tight": {RequestsPerMinute: 300, Burst: 5},
		},
	})
	defer r.Close()

	tightAllowed := 0
	for i := 0; i < 10; i++ {
		if r.Allow("tight") {
			tightAllowed++
		}
	}

	if tightAllowed != 5 {
		t.Errorf("expected tight service to allow 5 (its burst), got %d", tightAllowed)
	}

	if !r.Allow("other-service") {
		t.Errorf("expected an unrelated service to still have capacity under the default bucket")
	}
}

func TestRegistryUnconfiguredServiceUsesDefault(t *testing.T) {
	r := NewRegistry(Config{
		GlobalRPM: 6000, GlobalBurst: 1000,
		DefaultRPM: 60, DefaultBurst: 3,
	})
	defer r.Close()

	allowed := 0
	for i := 0; i < 5; i++ {
		if r.Allow("unlisted") {
			allowed++
		}
	}

	if allowed != 3 {
		t.Errorf("expected the shared default bucket's burst of 3, got %d", allowed)
	}
}

func TestRegistryWaitRespectsContextCancellation(t *testing.T) {
	r := NewRegistry(Config{
		GlobalRPM: 1, GlobalBurst: 1,
		DefaultRPM: 1, DefaultBurst: 1,
	})
	defer r.Close()

	if err := r.Wait(context.Background(), "svc"); err != nil {
		t.Fatalf("first wait should consume the burst token immediately: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := r.Wait(ctx, "svc"); err == nil {
		t.Fatalf("expected the second wait to exceed the short deadline, got nil error")
	}
}

func TestRegistryCleanupRemovesIdleServiceLimiters(t *testing.T) {
	r := NewRegistry(Config{
		GlobalRPM: 6000, GlobalBurst: 1000,
		DefaultRPM: 6000, DefaultBurst: 1000,
		Services: map[string]ServiceLimit{
			"svc": {RequestsPerMinute: 60, Burst: 5},
		},
		IdleTimeout: time.Millisecond,
	})
	defer r.Close()

	r.Allow("svc")

	if _, tracked := r.perSvc["svc"]; !tracked {
		t.Fatalf("expected svc to be tracked after first use")
	}

	time.Sleep(2 * time.Millisecond)
	r.cleanup()

	if _, tracked := r.perSvc["svc"]; tracked {
		t.Errorf("expected an idle service limiter to be reclaimed by cleanup")
	}
}
