package idempotency_test

import (
	"database/sql"
	"testing"

	"github.com/stablegate/stablegate/internal/idempotency"
	"github.com/stablegate/stablegate/testutil"
)

func TestFingerprint_SameBodySameFingerprint(t *testing.T) {
	a := idempotency.Fingerprint([]byte(`{"foo":1}`))
	b := idempotency.Fingerprint([]byte(`{"foo":1}`))
	testutil.AssertEqual(t, a, b)
}

func TestFingerprint_DifferentBodyDifferentFingerprint(t *testing.T) {
	a := idempotency.Fingerprint([]byte(`{"foo":1}`))
	b := idempotency.Fingerprint([]byte(`{"foo":2}`))
	testutil.AssertMsg(t, a != b, "different bodies must fingerprint differently")
}

func TestRecord_Response_Unmarshal(t *testing.T) {
	record := idempotency.Record{
		StoredResponse: sql.NullString{String: `{"invoiceId":"abc"}`, Valid: true},
	}
	var dest struct {
		InvoiceID string `json:"invoiceId"`
	}
	err := record.Response(&dest)
	testutil.AssertMsg(t, err == nil, "unmarshal should succeed")
	testutil.AssertEqual(t, "abc", dest.InvoiceID)
}

func TestRecord_Response_NoStoredResponse(t *testing.T) {
	record := idempotency.Record{}
	var dest map[string]interface{}
	err := record.Response(&dest)
	testutil.AssertMsg(t, err != nil, "should fail when no response was stored")
}
