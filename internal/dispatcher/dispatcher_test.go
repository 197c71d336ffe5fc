package dispatcher

import (
	"encoding/json"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/engine"
	"github.com/stablegate/stablegate/internal/intents"
	"github.com/stablegate/stablegate/internal/invoices"
	"github.com/stablegate/stablegate/internal/merchants"
	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/internal/outbox"
	"github.com/stablegate/stablegate/internal/signing"
	"github.com/stablegate/stablegate/testutil"
)

// fakeCalloutStore is an in-memory calloutStore: just enough to exercise
// buildEnvelope/deliverCallback without a live Postgres.
type fakeCalloutStore struct {
	invoice   invoices.Invoice
	merchant  merchants.Merchant
	intent    intents.Intent
	hasIntent bool
	txHashes  []string
}

func (f fakeCalloutStore) InvoiceByID(id uuid.UUID) (invoices.Invoice, error) {
	return f.invoice, nil
}

func (f fakeCalloutStore) MerchantByID(id uuid.UUID) (merchants.Merchant, error) {
	return f.merchant, nil
}

func (f fakeCalloutStore) IntentByID(id uuid.UUID) (intents.Intent, error) {
	return f.intent, nil
}

func (f fakeCalloutStore) FundingIntent(invoiceID uuid.UUID) (intents.Intent, bool, error) {
	return f.intent, f.hasIntent, nil
}

func (f fakeCalloutStore) TxHashesForIntent(intentID uuid.UUID) ([]string, error) {
	return f.txHashes, nil
}

func mustAtomic(t *testing.T, s string) money.Atomic {
	a, err := money.NewAtomic(s)
	testutil.AssertMsg(t, err == nil, "test fixture amount must parse")
	return a
}

func newTestDispatcher(store calloutStore, poster HTTPPoster) *Dispatcher {
	return &Dispatcher{store: store, poster: poster, cfg: Config{}}
}

// TestDeliverCallback_InvoiceStatusChangedBuildsFullEnvelope exercises
// the gap a maintainer review caught directly: deliverCallback must ship
// the documented nine-field CallbackEnvelope, not the engine's internal
// per-kind payload struct, and txHashes must come from
// transfers.TxHashesForIntent (here, its calloutStore seam) rather than
// being silently left empty.
func TestDeliverCallback_InvoiceStatusChangedBuildsFullEnvelope(t *testing.T) {
	invoiceID, merchantID, intentID := uuid.NewV4(), uuid.NewV4(), uuid.NewV4()

	invoice := invoices.Invoice{
		ID:              invoiceID,
		MerchantID:      merchantID,
		MerchantOrderID: "order-123",
		CallbackURL:     "https://merchant.example/webhooks/stablegate",
		Status:          invoices.StatusConfirmed,
	}
	merchant := merchants.Merchant{ID: merchantID, CallbackSigningSecret: "test-secret"}
	intent := intents.Intent{
		ID:                   intentID,
		InvoiceID:            invoiceID,
		Token:                "USDT",
		Chain:                "arbitrum",
		CreditedAtomicAmount: mustAtomic(t, "10000000"),
		Status:               intents.StatusConfirmed,
	}
	store := fakeCalloutStore{
		invoice: invoice, merchant: merchant, intent: intent,
		hasIntent: true, txHashes: []string{"0xabc"},
	}
	doer := testutil.GetMockHTTPDoer()
	disp := newTestDispatcher(store, doer)

	payload, err := json.Marshal(engine.InvoiceStatusChangedPayload{InvoiceID: invoiceID, WireStatus: engine.WireConfirmed})
	testutil.AssertMsg(t, err == nil, "test fixture payload must marshal")
	record := outbox.Record{
		ID:         uuid.NewV4(),
		DeliveryID: uuid.NewV4(),
		Kind:       outbox.KindInvoiceStatusChanged,
		InvoiceID:  uuid.NullUUID{UUID: invoiceID, Valid: true},
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}

	err = disp.deliverCallback(record)
	testutil.AssertMsg(t, err == nil, "delivery against a 200-returning poster must succeed")
	testutil.AssertEqual(t, 1, doer.RequestCount())

	var envelope engine.CallbackEnvelope
	testutil.AssertMsg(t, json.Unmarshal(doer.Body(0), &envelope) == nil, "delivered body must be valid JSON")

	testutil.AssertEqual(t, record.DeliveryID.String(), envelope.DeliveryID)
	testutil.AssertEqual(t, invoiceID.String(), envelope.InvoiceID)
	testutil.AssertEqual(t, "order-123", envelope.MerchantOrderID)
	testutil.AssertEqual(t, engine.WireConfirmed, envelope.Status)
	testutil.AssertEqual(t, "10000000", envelope.PaidAmountAtomic)
	testutil.AssertEqual(t, "USDT", envelope.Token)
	testutil.AssertEqual(t, "arbitrum", envelope.Chain)
	testutil.AssertEqual(t, 1, len(envelope.TxHashes))
	testutil.AssertEqual(t, "0xabc", envelope.TxHashes[0])

	req := doer.Request(0)
	testutil.AssertEqual(t, record.DeliveryID.String(), req.Header.Get(signing.HeaderIdempotencyKey))
	testutil.AssertMsg(t, req.Header.Get(signing.HeaderSignature) != "", "callback request must carry a signature header")
}

// TestDeliverCallback_OverpaymentUsesPayloadIntentID covers the other
// decodeCallbackPayload branch: a kind whose payload already names the
// intent must not fall back to the invoice's best-funded intent.
func TestDeliverCallback_OverpaymentUsesPayloadIntentID(t *testing.T) {
	invoiceID, merchantID, intentID := uuid.NewV4(), uuid.NewV4(), uuid.NewV4()

	invoice := invoices.Invoice{
		ID: invoiceID, MerchantID: merchantID, MerchantOrderID: "order-456",
		CallbackURL: "https://merchant.example/webhooks/stablegate", Status: invoices.StatusPaid,
	}
	merchant := merchants.Merchant{ID: merchantID, CallbackSigningSecret: "test-secret"}
	intent := intents.Intent{
		ID: intentID, InvoiceID: invoiceID, Token: "USDC", Chain: "arbitrum",
		CreditedAtomicAmount: mustAtomic(t, "15000000"), Status: intents.StatusOverfunded,
	}
	// FundingIntent reports no intent, so a fallback would leave Token empty.
	store := fakeCalloutStore{invoice: invoice, merchant: merchant, intent: intent, hasIntent: false}
	doer := testutil.GetMockHTTPDoer()
	disp := newTestDispatcher(store, doer)

	payload, err := json.Marshal(engine.OverpaymentPayload{InvoiceID: invoiceID, IntentID: intentID, SurplusAtomic: "5000000"})
	testutil.AssertMsg(t, err == nil, "test fixture payload must marshal")
	record := outbox.Record{
		ID: uuid.NewV4(), DeliveryID: uuid.NewV4(), Kind: outbox.KindOverpayment,
		InvoiceID: uuid.NullUUID{UUID: invoiceID, Valid: true}, Payload: payload, CreatedAt: time.Now().UTC(),
	}

	err = disp.deliverCallback(record)
	testutil.AssertMsg(t, err == nil, "delivery against a 200-returning poster must succeed")

	var envelope engine.CallbackEnvelope
	testutil.AssertMsg(t, json.Unmarshal(doer.Body(0), &envelope) == nil, "delivered body must be valid JSON")
	testutil.AssertEqual(t, "USDC", envelope.Token)
	testutil.AssertEqual(t, "15000000", envelope.PaidAmountAtomic)
	// OVERPAYMENT's wire status is derived from current invoice/intent
	// state, not carried on the payload.
	testutil.AssertEqual(t, engine.WireOverpaid, envelope.Status)
}

// TestDeliverCallback_NoCallbackURLIsANoOp confirms an invoice with no
// callback configured is treated as a successful, empty delivery rather
// than an error - deliverCallback must never dereference a nil response
// in this path.
func TestDeliverCallback_NoCallbackURLIsANoOp(t *testing.T) {
	invoiceID, merchantID := uuid.NewV4(), uuid.NewV4()
	invoice := invoices.Invoice{ID: invoiceID, MerchantID: merchantID, Status: invoices.StatusPending}
	merchant := merchants.Merchant{ID: merchantID, CallbackSigningSecret: "test-secret"}
	store := fakeCalloutStore{invoice: invoice, merchant: merchant}
	doer := testutil.GetMockHTTPDoer()
	disp := newTestDispatcher(store, doer)

	payload, err := json.Marshal(engine.InvoiceStatusChangedPayload{InvoiceID: invoiceID, WireStatus: engine.WirePending})
	testutil.AssertMsg(t, err == nil, "test fixture payload must marshal")
	record := outbox.Record{
		ID: uuid.NewV4(), DeliveryID: uuid.NewV4(), Kind: outbox.KindInvoiceStatusChanged,
		InvoiceID: uuid.NullUUID{UUID: invoiceID, Valid: true}, Payload: payload, CreatedAt: time.Now().UTC(),
	}

	err = disp.deliverCallback(record)
	testutil.AssertMsg(t, err == nil, "an invoice with no callback URL must not be treated as a delivery failure")
	testutil.AssertEqual(t, 0, doer.RequestCount())
}
