package ratelimit

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestAllow_BurstExhausts(t *testing.T) {
	m := NewManager()

	// clob:auth:get carries a burst of 3.
	for i := 0; i < 3; i++ {
		if !m.Allow("clob:auth:get") {
			t.Fatalf("request %d inside burst denied", i)
		}
	}
	if m.Allow("clob:auth:get") {
		t.Fatal("request beyond burst admitted")
	}
}

func TestUnknownEndpointUsesFallback(t *testing.T) {
	m := NewManager()
	if !m.Allow("some:unknown:endpoint") {
		t.Fatal("fallback limiter denied the first request")
	}
}

func TestSetOverridesLimit(t *testing.T) {
	m := NewManager()
	m.Set("clob:auth:get", rate.Limit(1), 1)

	if !m.Allow("clob:auth:get") {
		t.Fatal("first request denied after override")
	}
	if m.Allow("clob:auth:get") {
		t.Fatal("override burst of 1 admitted a second request")
	}
}

func TestWait_HonoursContext(t *testing.T) {
	m := NewManager()
	m.Set("slow", rate.Limit(0.001), 1)

	if err := m.Wait(context.Background(), "slow"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx, "slow"); err == nil {
		t.Fatal("wait beyond the budget should fail with a deadline error")
	}
}
