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

func atomic(t *testing.T, s string) money.Atomic {
	a, err := money.NewAtomic(s)
	testutil.AssertMsg(t, err == nil, "test fixture amount must parse")
	return a
}

func TestApplyCredit_PartialPayment(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")
	prior := money.Zero
	transfer := atomic(t, "6000000")

	result := engine.ApplyCredit(invoiceID, intentID, invoices.StatusPending, intents.StatusAwaitingFunds, target, prior, transfer)

	testutil.AssertEqual(t, intents.StatusPartiallyFunded, result.NewIntentStatus)
	testutil.AssertEqual(t, invoices.StatusUnderpaid, result.NewInvoiceStatus)
	testutil.AssertEqual(t, "6000000", result.NewCredited.String())
	testutil.AssertEqual(t, 1, len(result.Records))
	testutil.AssertEqual(t, outbox.KindInvoiceStatusChanged, result.Records[0].Kind)
}

func TestApplyCredit_ExactPay(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")
	prior := money.Zero
	transfer := atomic(t, "10000000")

	result := engine.ApplyCredit(invoiceID, intentID, invoices.StatusPending, intents.StatusAwaitingFunds, target, prior, transfer)

	testutil.AssertEqual(t, intents.StatusFunded, result.NewIntentStatus)
	testutil.AssertEqual(t, invoices.StatusPaid, result.NewInvoiceStatus)
	testutil.AssertEqual(t, 2, len(result.Records))
	testutil.AssertEqual(t, outbox.KindInvoiceStatusChanged, result.Records[0].Kind)
	testutil.AssertEqual(t, outbox.KindPaidAwaitingConfirm, result.Records[1].Kind)
}

func TestApplyCredit_SplitPaymentSecondLegCompletes(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")
	prior := atomic(t, "6000000")
	transfer := atomic(t, "4000000")

	result := engine.ApplyCredit(invoiceID, intentID, invoices.StatusUnderpaid, intents.StatusPartiallyFunded, target, prior, transfer)

	testutil.AssertEqual(t, intents.StatusFunded, result.NewIntentStatus)
	testutil.AssertEqual(t, invoices.StatusPaid, result.NewInvoiceStatus)
	testutil.AssertEqual(t, "10000000", result.NewCredited.String())
}

func TestApplyCredit_Overpay(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")
	prior := money.Zero
	transfer := atomic(t, "15000000")

	result := engine.ApplyCredit(invoiceID, intentID, invoices.StatusPending, intents.StatusAwaitingFunds, target, prior, transfer)

	testutil.AssertEqual(t, intents.StatusOverfunded, result.NewIntentStatus)
	testutil.AssertEqual(t, invoices.StatusPaid, result.NewInvoiceStatus)
	testutil.AssertEqual(t, 3, len(result.Records))
	testutil.AssertEqual(t, outbox.KindInvoiceStatusChanged, result.Records[0].Kind)
	testutil.AssertEqual(t, outbox.KindOverpayment, result.Records[1].Kind)
	testutil.AssertEqual(t, outbox.KindPaidAwaitingConfirm, result.Records[2].Kind)
	payload, ok := result.Records[1].Payload.(engine.OverpaymentPayload)
	testutil.AssertMsg(t, ok, "overpayment payload must have the expected type")
	testutil.AssertEqual(t, "5000000", payload.SurplusAtomic)
}

func TestApplyCredit_LateFundsAfterExpiry(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")
	prior := money.Zero
	transfer := atomic(t, "10000000")

	result := engine.ApplyCredit(invoiceID, intentID, invoices.StatusExpired, intents.StatusExpired, target, prior, transfer)

	testutil.AssertEqual(t, invoices.StatusExpired, result.NewInvoiceStatus)
	testutil.AssertMsg(t, !result.StateChanged, "a terminal-EXPIRED invoice must not change state on late funds")
	testutil.AssertEqual(t, 1, len(result.Records))
	testutil.AssertEqual(t, outbox.KindLateFunds, result.Records[0].Kind)
}

func TestApplyCredit_OverpaymentAfterConfirmed(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")
	prior := atomic(t, "10000000")
	transfer := atomic(t, "1000000")

	result := engine.ApplyCredit(invoiceID, intentID, invoices.StatusConfirmed, intents.StatusConfirmed, target, prior, transfer)

	testutil.AssertEqual(t, invoices.StatusConfirmed, result.NewInvoiceStatus)
	testutil.AssertEqual(t, 1, len(result.Records))
	testutil.AssertEqual(t, outbox.KindOverpaymentAfterTerminal, result.Records[0].Kind)
}

func TestApplyCredit_ZeroAmountNeverCredited(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	target := atomic(t, "10000000")
	prior := money.Zero

	result := engine.ApplyCredit(invoiceID, intentID, invoices.StatusPending, intents.StatusAwaitingFunds, target, prior, money.Zero)

	testutil.AssertEqual(t, "0", result.NewCredited.String())
	testutil.AssertEqual(t, 0, len(result.Records))
	testutil.AssertMsg(t, !result.StateChanged, "zero-amount transfer must never change state")
}

func TestApplyConfirmation_AdvancesPaidToConfirmed(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	result := engine.ApplyConfirmation(invoiceID, intentID, invoices.StatusPaid, true)

	testutil.AssertEqual(t, invoices.StatusConfirmed, result.NewInvoiceStatus)
	testutil.AssertEqual(t, 2, len(result.Records))
	testutil.AssertEqual(t, outbox.KindInvoiceStatusChanged, result.Records[0].Kind)
	testutil.AssertEqual(t, outbox.KindReorgCheck, result.Records[1].Kind)
}

func TestApplyConfirmation_NotYetAllConfirmed(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	result := engine.ApplyConfirmation(invoiceID, intentID, invoices.StatusPaid, false)

	testutil.AssertEqual(t, invoices.StatusPaid, result.NewInvoiceStatus)
	testutil.AssertEqual(t, 0, len(result.Records))
}

func TestApplyConfirmation_IgnoresNonPaidInvoices(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	result := engine.ApplyConfirmation(invoiceID, intentID, invoices.StatusPending, true)

	testutil.AssertEqual(t, invoices.StatusPending, result.NewInvoiceStatus)
	testutil.AssertEqual(t, 0, len(result.Records))
}

func TestApplyReorgCheck_NeverRegressesConfirmed(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	records := engine.ApplyReorgCheck(invoiceID, intentID, invoices.StatusConfirmed, false)

	testutil.AssertEqual(t, 1, len(records))
	testutil.AssertEqual(t, outbox.KindChargebackSuspected, records[0].Kind)
}

func TestApplyReorgCheck_NoOpWhenStillConfirmed(t *testing.T) {
	invoiceID, intentID := uuid.NewV4(), uuid.NewV4()
	records := engine.ApplyReorgCheck(invoiceID, intentID, invoices.StatusConfirmed, true)
	testutil.AssertEqual(t, 0, len(records))
}

func TestApplyExpiry_PendingExpires(t *testing.T) {
	invoiceID := uuid.NewV4()
	result := engine.ApplyExpiry(invoiceID, invoices.StatusPending)

	testutil.AssertMsg(t, result.Expired, "pending past expiry must expire")
	testutil.AssertEqual(t, invoices.StatusExpired, result.NewInvoiceStatus)
	payload, ok := result.Records[0].Payload.(engine.InvoiceStatusChangedPayload)
	testutil.AssertMsg(t, ok, "expiry payload must have the expected type")
	testutil.AssertEqual(t, engine.WireExpired, payload.WireStatus)
}

func TestApplyExpiry_UnderpaidExpiresWithPartialWireStatus(t *testing.T) {
	invoiceID := uuid.NewV4()
	result := engine.ApplyExpiry(invoiceID, invoices.StatusUnderpaid)

	testutil.AssertEqual(t, invoices.StatusExpired, result.NewInvoiceStatus)
	payload, ok := result.Records[0].Payload.(engine.InvoiceStatusChangedPayload)
	testutil.AssertMsg(t, ok, "expiry payload must have the expected type")
	testutil.AssertEqual(t, engine.WireExpiredWithPartial, payload.WireStatus)
}

func TestApplyExpiry_LeavesPaidAlone(t *testing.T) {
	invoiceID := uuid.NewV4()
	result := engine.ApplyExpiry(invoiceID, invoices.StatusPaid)
	testutil.AssertMsg(t, !result.Expired, "a paid invoice must never be swept into expiry")
	testutil.AssertEqual(t, invoices.StatusPaid, result.NewInvoiceStatus)
}

func TestApplyCancel_PendingCancels(t *testing.T) {
	invoiceID := uuid.NewV4()
	result := engine.ApplyCancel(invoiceID, invoices.StatusPending)
	testutil.AssertMsg(t, result.Cancelled, "pending invoice must be cancellable")
	testutil.AssertEqual(t, invoices.StatusCancelled, result.NewInvoiceStatus)
}

func TestApplyCancel_TerminalIsNoOp(t *testing.T) {
	invoiceID := uuid.NewV4()
	result := engine.ApplyCancel(invoiceID, invoices.StatusConfirmed)
	testutil.AssertMsg(t, !result.Cancelled, "a confirmed invoice must not be cancellable")
	testutil.AssertEqual(t, invoices.StatusConfirmed, result.NewInvoiceStatus)
	testutil.AssertEqual(t, 0, len(result.Records))
}
