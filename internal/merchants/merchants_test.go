package merchants_test

import (
	"testing"

	"github.com/stablegate/stablegate/internal/merchants"
	"github.com/stablegate/stablegate/testutil"
)

func TestNewAPIKey_HashIsDeterministic(t *testing.T) {
	raw, hash, err := merchants.NewAPIKey()
	testutil.AssertMsg(t, err == nil, "NewAPIKey should not fail")
	testutil.AssertEqual(t, merchants.HashAPIKey(raw), hash)
}

func TestNewAPIKey_RawNeverEqualsHash(t *testing.T) {
	raw, hash, _ := merchants.NewAPIKey()
	testutil.AssertMsg(t, raw != hash, "the raw key must never be stored or compared directly")
}

func TestHashAPIKey_DifferentKeysDifferentHashes(t *testing.T) {
	rawA, _, _ := merchants.NewAPIKey()
	rawB, _, _ := merchants.NewAPIKey()
	testutil.AssertMsg(t, merchants.HashAPIKey(rawA) != merchants.HashAPIKey(rawB), "distinct keys must hash differently")
}

func TestNewCallbackSigningSecret_NotEmpty(t *testing.T) {
	secret, err := merchants.NewCallbackSigningSecret()
	testutil.AssertMsg(t, err == nil, "NewCallbackSigningSecret should not fail")
	testutil.AssertMsg(t, len(secret) == 64, "secret should be 32 bytes hex-encoded")
}
