package engine_test

import (
	"testing"

	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/engine"
	"github.com/stablegate/stablegate/internal/invoices"
	"github.com/stablegate/stablegate/internal/intents"
	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/internal/outbox"
	"github.com/stablegate/stablegate/testutil"
)

// confirmedWireCallbacks counts how many of the given records are
// wire-visible INVOICE_STATUS_CHANGED callbacks carrying the CONFIRMED
// status - the "exactly one CONFIRMED callback" assertion every
// confirmation scenario below makes.
func confirmedWireCallbacks(records []outbox.NewRecord) int {
	n := 0
	for _, r := range records {
		if r.Kind != outbox.KindInvoiceStatusChanged {
			continue
		}
		if payload, ok := r.Payload.(engine.InvoiceStatusChangedPayload); ok && payload.WireStatus == engine.WireConfirmed {
			n++
		}
	}
	return n
}

// TestS1_HappyPathExactPay mirrors spec.md S1: a single transfer that
// exactly matches the intent's target amount pays the invoice in full,
// and once the chain confirms it, exactly one CONFIRMED callback is
// produced.
func TestS1_HappyPathExactPay(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")

	credit := engine.ApplyCredit(invoiceID, intentID, invoices.StatusPending, intents.StatusAwaitingFunds,
		target, money.Zero, atomic(t, "10000000"))
	testutil.AssertEqual(t, invoices.StatusPaid, credit.NewInvoiceStatus)
	testutil.AssertEqual(t, 0, confirmedWireCallbacks(credit.Records))

	confirm := engine.ApplyConfirmation(invoiceID, intentID, credit.NewInvoiceStatus, true)
	testutil.AssertEqual(t, invoices.StatusConfirmed, confirm.NewInvoiceStatus)
	testutil.AssertEqual(t, 1, confirmedWireCallbacks(confirm.Records))
}

// TestS2_SplitPayment mirrors spec.md S2: two transfers land in
// sequence, taking the invoice through PENDING -> UNDERPAID -> PAID,
// and confirmation still yields exactly one CONFIRMED callback.
func TestS2_SplitPayment(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")

	first := engine.ApplyCredit(invoiceID, intentID, invoices.StatusPending, intents.StatusAwaitingFunds,
		target, money.Zero, atomic(t, "6000000"))
	testutil.AssertEqual(t, invoices.StatusUnderpaid, first.NewInvoiceStatus)
	testutil.AssertEqual(t, intents.StatusPartiallyFunded, first.NewIntentStatus)

	second := engine.ApplyCredit(invoiceID, intentID, first.NewInvoiceStatus, first.NewIntentStatus,
		target, first.NewCredited, atomic(t, "4000000"))
	testutil.AssertEqual(t, invoices.StatusPaid, second.NewInvoiceStatus)
	testutil.AssertEqual(t, "10000000", second.NewCredited.String())

	confirm := engine.ApplyConfirmation(invoiceID, intentID, second.NewInvoiceStatus, true)
	testutil.AssertEqual(t, invoices.StatusConfirmed, confirm.NewInvoiceStatus)
	testutil.AssertEqual(t, 1, confirmedWireCallbacks(confirm.Records))
}

// TestS3_Overpay mirrors spec.md S3: a single transfer above target
// overfunds the intent; the invoice still reaches CONFIRMED with one
// CONFIRMED callback, plus a distinct OVERPAYMENT informational one.
func TestS3_Overpay(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")

	credit := engine.ApplyCredit(invoiceID, intentID, invoices.StatusPending, intents.StatusAwaitingFunds,
		target, money.Zero, atomic(t, "15000000"))
	testutil.AssertEqual(t, intents.StatusOverfunded, credit.NewIntentStatus)
	testutil.AssertEqual(t, invoices.StatusPaid, credit.NewInvoiceStatus)

	overpaymentCallbacks := 0
	for _, r := range credit.Records {
		if r.Kind == outbox.KindOverpayment {
			overpaymentCallbacks++
		}
	}
	testutil.AssertEqual(t, 1, overpaymentCallbacks)

	confirm := engine.ApplyConfirmation(invoiceID, intentID, credit.NewInvoiceStatus, true)
	testutil.AssertEqual(t, invoices.StatusConfirmed, confirm.NewInvoiceStatus)
	testutil.AssertEqual(t, 1, confirmedWireCallbacks(confirm.Records))
}

// TestS4_LateFundsAfterExpiry mirrors spec.md S4: the invoice expires
// before a transfer lands; the transfer is still recorded and yields
// exactly one LATE_FUNDS callback, and the invoice status never leaves
// EXPIRED.
func TestS4_LateFundsAfterExpiry(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")

	expiry := engine.ApplyExpiry(invoiceID, invoices.StatusPending)
	testutil.AssertMsg(t, expiry.Expired, "invoice past its expiry with no funds must expire")
	testutil.AssertEqual(t, invoices.StatusExpired, expiry.NewInvoiceStatus)

	late := engine.ApplyCredit(invoiceID, intentID, expiry.NewInvoiceStatus, intents.StatusAwaitingFunds,
		target, money.Zero, atomic(t, "10000000"))
	testutil.AssertEqual(t, invoices.StatusExpired, late.NewInvoiceStatus)
	testutil.AssertMsg(t, !late.StateChanged, "late funds on an expired invoice must not change its status")

	lateFundsCallbacks := 0
	for _, r := range late.Records {
		if r.Kind == outbox.KindLateFunds {
			lateFundsCallbacks++
		}
	}
	testutil.AssertEqual(t, 1, lateFundsCallbacks)
}

// TestProperty1_CreditedSumMatchesDistinctTransfers covers the pure-
// function half of spec.md Property 1: applying a sequence of distinct
// transfer amounts exactly once each (as internal/ingress's per-event
// transaction and transfers table unique constraint guarantee upstream
// of this call) leaves the intent's credited sum equal to the sum of
// those amounts, regardless of the order applied.
func TestProperty1_CreditedSumMatchesDistinctTransfers(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "100000000")
	amounts := []string{"6000000", "4000000", "1500000", "2500000"}

	credited := money.Zero
	status := invoices.StatusPending
	intentStatus := intents.StatusAwaitingFunds
	for _, amt := range amounts {
		result := engine.ApplyCredit(invoiceID, intentID, status, intentStatus, target, credited, atomic(t, amt))
		credited = result.NewCredited
		status = result.NewInvoiceStatus
		intentStatus = result.NewIntentStatus
	}

	testutil.AssertEqual(t, "14000000", credited.String())
}

// TestProperty3_ConfirmedStatusNeverRegresses covers spec.md Property 3
// across every rule that could otherwise move an invoice's status: once
// CONFIRMED, a late transfer, a reorg, an expiry sweep, and a cancel all
// leave it CONFIRMED.
func TestProperty3_ConfirmedStatusNeverRegresses(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")

	credit := engine.ApplyCredit(invoiceID, intentID, invoices.StatusConfirmed, intents.StatusConfirmed,
		target, target, atomic(t, "1000000"))
	testutil.AssertEqual(t, invoices.StatusConfirmed, credit.NewInvoiceStatus)

	reorg := engine.ApplyReorgCheck(invoiceID, intentID, invoices.StatusConfirmed, false)
	testutil.AssertEqual(t, 1, len(reorg))
	testutil.AssertEqual(t, outbox.KindChargebackSuspected, reorg[0].Kind)

	expiry := engine.ApplyExpiry(invoiceID, invoices.StatusConfirmed)
	testutil.AssertMsg(t, !expiry.Expired, "a confirmed invoice must never be swept into expiry")
	testutil.AssertEqual(t, invoices.StatusConfirmed, expiry.NewInvoiceStatus)

	cancel := engine.ApplyCancel(invoiceID, invoices.StatusConfirmed)
	testutil.AssertMsg(t, !cancel.Cancelled, "a confirmed invoice must never be cancellable")
	testutil.AssertEqual(t, invoices.StatusConfirmed, cancel.NewInvoiceStatus)
}
