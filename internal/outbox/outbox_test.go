package outbox_test

import (
	"testing"
	"time"

	"github.com/stablegate/stablegate/internal/outbox"
	"github.com/stablegate/stablegate/testutil"
)

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	base := 5 * time.Second
	cap := time.Hour

	got := outbox.Backoff(0, base, cap, 1.0)
	testutil.AssertEqual(t, 5*time.Second, got)

	got = outbox.Backoff(1, base, cap, 1.0)
	testutil.AssertEqual(t, 10*time.Second, got)

	got = outbox.Backoff(3, base, cap, 1.0)
	testutil.AssertEqual(t, 40*time.Second, got)
}

func TestBackoff_CappedAtMax(t *testing.T) {
	base := 5 * time.Second
	cap := time.Minute

	got := outbox.Backoff(20, base, cap, 1.0)
	testutil.AssertEqual(t, cap, got)
}

func TestBackoff_JitterScalesDelay(t *testing.T) {
	base := 5 * time.Second
	cap := time.Hour

	got := outbox.Backoff(0, base, cap, 0.5)
	testutil.AssertEqual(t, 2500*time.Millisecond, got)

	got = outbox.Backoff(0, base, cap, 1.5)
	testutil.AssertEqual(t, 7500*time.Millisecond, got)
}

func TestDefaultBackoffConstants(t *testing.T) {
	testutil.AssertEqual(t, 5*time.Second, outbox.DefaultBaseDelay)
	testutil.AssertEqual(t, time.Hour, outbox.DefaultCapDelay)
	testutil.AssertEqual(t, 12, outbox.DefaultMaxAttempts)
}
