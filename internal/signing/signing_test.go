package signing_test

import (
	"testing"
	"time"

	"github.com/stablegate/stablegate/internal/signing"
	"github.com/stablegate/stablegate/testutil"
)

func TestSignAndVerify_RoundTrips(t *testing.T) {
	secret := "super-secret"
	ts := int64(1700000000)
	body := []byte(`{"invoiceId":"abc"}`)

	header := signing.Sign(secret, ts, body)
	err := signing.Verify(secret, ts, body, header)
	testutil.AssertMsg(t, err == nil, "verification with the same secret must pass")
}

func TestVerify_MutatedBodyFails(t *testing.T) {
	secret := "super-secret"
	ts := int64(1700000000)
	body := []byte(`{"invoiceId":"abc"}`)
	header := signing.Sign(secret, ts, body)

	mutated := []byte(`{"invoiceId":"abd"}`)
	err := signing.Verify(secret, ts, mutated, header)
	testutil.AssertMsg(t, err != nil, "mutating the body must invalidate the signature")
}

func TestVerify_MutatedTimestampFails(t *testing.T) {
	secret := "super-secret"
	ts := int64(1700000000)
	body := []byte(`{"invoiceId":"abc"}`)
	header := signing.Sign(secret, ts, body)

	err := signing.Verify(secret, ts+1, body, header)
	testutil.AssertMsg(t, err != nil, "mutating the timestamp must invalidate the signature")
}

func TestVerify_WrongSecretFails(t *testing.T) {
	ts := int64(1700000000)
	body := []byte(`{"invoiceId":"abc"}`)
	header := signing.Sign("secret-a", ts, body)

	err := signing.Verify("secret-b", ts, body, header)
	testutil.AssertMsg(t, err != nil, "the wrong secret must invalidate the signature")
}

func TestVerifyWithSkew_RejectsStaleTimestamp(t *testing.T) {
	secret := "super-secret"
	body := []byte(`{"invoiceId":"abc"}`)
	old := time.Now().Add(-10 * time.Minute)
	header := signing.Sign(secret, old.Unix(), body)

	err := signing.VerifyWithSkew(secret, old.Unix(), body, header, time.Now())
	testutil.AssertMsg(t, err != nil, "a timestamp older than the skew tolerance must be rejected")
}

// TestProperty5_CallbackSigningRoundTrips is the named anchor for
// spec.md Property 5: verification with the signing secret passes, and
// mutating either the body or the timestamp invalidates it. The
// preceding tests in this file exercise the same property in finer
// grain; this one states it as a single round trip.
func TestProperty5_CallbackSigningRoundTrips(t *testing.T) {
	secret := "super-secret"
	ts := int64(1700000000)
	body := []byte(`{"invoiceId":"abc"}`)
	header := signing.Sign(secret, ts, body)

	testutil.AssertMsg(t, signing.Verify(secret, ts, body, header) == nil,
		"verification with the same secret and unmutated body/timestamp must pass")
	testutil.AssertMsg(t, signing.Verify(secret, ts, []byte(`{"invoiceId":"abd"}`), header) != nil,
		"mutating any byte of the body must invalidate the signature")
	testutil.AssertMsg(t, signing.Verify(secret, ts+1, body, header) != nil,
		"mutating the timestamp must invalidate the signature")
}

func TestVerifyWithSkew_AcceptsFreshTimestamp(t *testing.T) {
	secret := "super-secret"
	body := []byte(`{"invoiceId":"abc"}`)
	now := time.Now()
	header := signing.Sign(secret, now.Unix(), body)

	err := signing.VerifyWithSkew(secret, now.Unix(), body, header, now)
	testutil.AssertMsg(t, err == nil, "a fresh timestamp must be accepted")
}
