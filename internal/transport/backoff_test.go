package transport

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/despot/internal/testutil/testlog"
)

func TestNextBackoffDelayGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 350 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		got := NextBackoffDelay(cfg, 1, rng)
		if got < 50*time.Millisecond || got >= 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", got)
		}
	}
}

func TestNextBackoffDelayZeroInitial(t *testing.T) {
	testlog.Start(t)
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("expected zero delay, got %s", got)
	}
}

func TestSleepContextCancelled(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConfigWithDefaultsKeepsToggles(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Compress: false, Encrypt: false}.WithDefaults()
	if cfg.Compress || cfg.Encrypt {
		t.Fatalf("toggles must be kept as given")
	}
	if cfg.HandshakeTimeout != DefaultConfig().HandshakeTimeout {
		t.Fatalf("expected default handshake timeout, got %s", cfg.HandshakeTimeout)
	}
	if cfg.Limits.MaxPayloadBytes == 0 || cfg.EventBuffer == 0 {
		t.Fatalf("zero limits not defaulted: %+v", cfg)
	}
}
