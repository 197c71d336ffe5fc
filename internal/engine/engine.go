// Package engine implements the invoice/intent state machine as pure
// functions: (state, event) -> (new state, outbox records). No I/O
// happens here; callers fetch rows under lock, call into this package,
// and persist whatever it returns inside the same transaction.
package engine

import (
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/invoices"
	"github.com/stablegate/stablegate/internal/intents"
	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/internal/outbox"
)

// Wire status values for the merchant callback payload.
// OVERPAID is distinct from the internal PAID status an overfunded
// invoice is actually stored as - it's surfaced only on the wire.
const (
	WirePending            = "PENDING"
	WireUnderpaid          = "UNDERPAID"
	WirePaid               = "PAID"
	WireOverpaid           = "OVERPAID"
	WireConfirmed          = "CONFIRMED"
	WireExpired            = "EXPIRED"
	WireExpiredWithPartial = "EXPIRED_WITH_PARTIAL"
	WireCancelled          = "CANCELLED"
)

// CallbackEnvelope is the wire shape of every outbound merchant
// callback - the same nine fields regardless of which outbox kind
// triggered delivery, since a merchant's webhook consumer should not
// need to branch on an internal kind it never sees (that's carried
// only in the Idempotency-Key header's delivery id and the signature).
type CallbackEnvelope struct {
	DeliveryID       string   `json:"deliveryId"`
	InvoiceID        string   `json:"invoiceId"`
	MerchantOrderID  string   `json:"merchantOrderId"`
	Status           string   `json:"status"`
	PaidAmountAtomic string   `json:"paidAmountAtomic"`
	Token            string   `json:"token"`
	Chain            string   `json:"chain"`
	TxHashes         []string `json:"txHashes"`
	OccurredAt       string   `json:"occurredAt"`
}

// InvoiceStatusChangedPayload is the body of an INVOICE_STATUS_CHANGED
// outbox record.
type InvoiceStatusChangedPayload struct {
	InvoiceID  uuid.UUID `json:"invoiceId"`
	WireStatus string    `json:"status"`
}

// PaidAwaitingConfirmationPayload schedules the dispatcher's
// confirmation-check loop for an intent that just reached FUNDED or
// OVERFUNDED.
type PaidAwaitingConfirmationPayload struct {
	InvoiceID uuid.UUID `json:"invoiceId"`
	IntentID  uuid.UUID `json:"intentId"`
}

// OverpaymentPayload records the surplus above target on an intent that
// is still within a live (non-terminal) invoice.
type OverpaymentPayload struct {
	InvoiceID     uuid.UUID `json:"invoiceId"`
	IntentID      uuid.UUID `json:"intentId"`
	SurplusAtomic string    `json:"surplusAtomic"`
}

// LateFundsPayload records a transfer observed after its invoice has
// already expired (the credit rule's terminal-EXPIRED case).
type LateFundsPayload struct {
	InvoiceID           uuid.UUID `json:"invoiceId"`
	IntentID            uuid.UUID `json:"intentId"`
	TransferAtomicAmount string   `json:"transferAtomicAmount"`
}

// OverpaymentAfterTerminalPayload records a transfer observed after its
// invoice has reached CONFIRMED or CANCELLED (the terminal-invoice invariant) -
// distinct from LateFundsPayload, which is specifically the
// already-expired case.
type OverpaymentAfterTerminalPayload struct {
	InvoiceID            uuid.UUID `json:"invoiceId"`
	IntentID             uuid.UUID `json:"intentId"`
	TransferAtomicAmount string    `json:"transferAtomicAmount"`
}

// ChargebackSuspectedPayload is observability-only: a reorg dropped a
// previously-sufficient transfer's confirmations below threshold after
// the invoice was already reported CONFIRMED to the merchant. No state
// change accompanies it.
type ChargebackSuspectedPayload struct {
	InvoiceID uuid.UUID `json:"invoiceId"`
	IntentID  uuid.UUID `json:"intentId"`
}

// CreditResult is the outcome of applying a new transfer's amount to an
// intent.
type CreditResult struct {
	NewIntentStatus  intents.Status
	NewInvoiceStatus invoices.Status
	NewCredited      money.Atomic
	StateChanged     bool
	Records          []outbox.NewRecord
}

// ApplyCredit implements the credit rule. invoiceStatus and
// intentStatus must be the values read under the per-intent row lock;
// target/priorCredited/transferAmount are atomic-unit amounts.
func ApplyCredit(invoiceID, intentID uuid.UUID, invoiceStatus invoices.Status, intentStatus intents.Status,
	target, priorCredited, transferAmount money.Atomic) CreditResult {

	// Zero-amount transfers are recorded by the caller but never credited.
	if transferAmount.IsZero() {
		return CreditResult{
			NewIntentStatus:  intentStatus,
			NewInvoiceStatus: invoiceStatus,
			NewCredited:      priorCredited,
		}
	}

	if invoiceStatus.Terminal() {
		if invoiceStatus == invoices.StatusExpired {
			return CreditResult{
				NewIntentStatus:  intentStatus,
				NewInvoiceStatus: invoiceStatus,
				NewCredited:      priorCredited,
				Records: []outbox.NewRecord{{
					Kind:      outbox.KindLateFunds,
					InvoiceID: invoiceID,
					Payload: LateFundsPayload{
						InvoiceID:            invoiceID,
						IntentID:             intentID,
						TransferAtomicAmount: transferAmount.String(),
					},
				}},
			}
		}
		return CreditResult{
			NewIntentStatus:  intentStatus,
			NewInvoiceStatus: invoiceStatus,
			NewCredited:      priorCredited,
			Records: []outbox.NewRecord{{
				Kind:      outbox.KindOverpaymentAfterTerminal,
				InvoiceID: invoiceID,
				Payload: OverpaymentAfterTerminalPayload{
					InvoiceID:            invoiceID,
					IntentID:             intentID,
					TransferAtomicAmount: transferAmount.String(),
				},
			}},
		}
	}

	newCredited := priorCredited.Add(transferAmount)
	cmp := newCredited.Cmp(target)

	var records []outbox.NewRecord
	var newIntentStatus intents.Status
	var newInvoiceStatus invoices.Status

	switch {
	case cmp < 0:
		newIntentStatus = intents.StatusPartiallyFunded
		newInvoiceStatus = invoiceStatus
		if invoiceStatus == invoices.StatusPending {
			newInvoiceStatus = invoices.StatusUnderpaid
			records = append(records, invoiceStatusChanged(invoiceID, WireUnderpaid))
		}
	case cmp == 0:
		newIntentStatus = intents.StatusFunded
		newInvoiceStatus = invoices.StatusPaid
		if invoiceStatus != invoices.StatusPaid {
			records = append(records, invoiceStatusChanged(invoiceID, WirePaid))
		}
		records = append(records, outbox.NewRecord{
			Kind:      outbox.KindPaidAwaitingConfirm,
			InvoiceID: invoiceID,
			Payload:   PaidAwaitingConfirmationPayload{InvoiceID: invoiceID, IntentID: intentID},
		})
	default:
		newIntentStatus = intents.StatusOverfunded
		newInvoiceStatus = invoices.StatusPaid
		if invoiceStatus != invoices.StatusPaid {
			records = append(records, invoiceStatusChanged(invoiceID, WireOverpaid))
		}
		surplus := newCredited.Sub(target)
		records = append(records, outbox.NewRecord{
			Kind:      outbox.KindOverpayment,
			InvoiceID: invoiceID,
			Payload: OverpaymentPayload{
				InvoiceID:     invoiceID,
				IntentID:      intentID,
				SurplusAtomic: surplus.String(),
			},
		})
		records = append(records, outbox.NewRecord{
			Kind:      outbox.KindPaidAwaitingConfirm,
			InvoiceID: invoiceID,
			Payload:   PaidAwaitingConfirmationPayload{InvoiceID: invoiceID, IntentID: intentID},
		})
	}

	return CreditResult{
		NewIntentStatus:  newIntentStatus,
		NewInvoiceStatus: newInvoiceStatus,
		NewCredited:      newCredited,
		StateChanged:     newInvoiceStatus != invoiceStatus || newIntentStatus != intentStatus || newCredited.Cmp(priorCredited) != 0,
		Records:          records,
	}
}

// ReorgCheckWindow bounds how many post-CONFIRMED reorg polls the
// dispatcher runs for a given intent before it stops watching. Chosen
// so a chain that reorgs slowly past the configured confirmation depth
// still gets a handful of checks, without keeping every confirmed
// invoice under indefinite observation (Open Question (c): exact reorg
// depth policy beyond N_confirm is pinned here as "keep checking for
// ReorgCheckWindow polls, then stop").
const ReorgCheckWindow = 12

// ReorgCheckPayload schedules the dispatcher's post-CONFIRMED reorg
// watch for an intent. RemainingChecks records ReorgCheckWindow at
// scheduling time and is not decremented; the dispatcher counts checks
// by the record's attempt count and marks the record DONE once that
// count reaches ReorgCheckWindow, regardless of outcome.
type ReorgCheckPayload struct {
	InvoiceID       uuid.UUID `json:"invoiceId"`
	IntentID        uuid.UUID `json:"intentId"`
	RemainingChecks int       `json:"remainingChecks"`
}

// ConfirmationResult is the outcome of re-evaluating a PAID invoice's
// funding transfers against the current block height.
type ConfirmationResult struct {
	NewInvoiceStatus invoices.Status
	Records          []outbox.NewRecord
}

// ApplyConfirmation implements the PAID -> CONFIRMED half of the
// confirmation rule. allConfirmed must already reflect
// "every transfer contributing to the funding intent has confirmations
// >= N_confirm", recomputed from a freshly-read current block height.
// Invoices not currently PAID are left untouched - only a PAID invoice
// can advance to CONFIRMED. Reaching CONFIRMED also schedules a bounded
// reorg watch (ReorgCheckWindow polls) over the funding intent, since a
// reorg can still drop confirmations below threshold after the merchant
// has already been told the invoice is CONFIRMED.
func ApplyConfirmation(invoiceID, intentID uuid.UUID, invoiceStatus invoices.Status, allConfirmed bool) ConfirmationResult {
	if invoiceStatus != invoices.StatusPaid || !allConfirmed {
		return ConfirmationResult{NewInvoiceStatus: invoiceStatus}
	}
	return ConfirmationResult{
		NewInvoiceStatus: invoices.StatusConfirmed,
		Records: []outbox.NewRecord{
			invoiceStatusChanged(invoiceID, WireConfirmed),
			{
				Kind:      outbox.KindReorgCheck,
				InvoiceID: invoiceID,
				Payload: ReorgCheckPayload{
					InvoiceID:       invoiceID,
					IntentID:        intentID,
					RemainingChecks: ReorgCheckWindow,
				},
			},
		},
	}
}

// ApplyReorgCheck implements the "does not regress once CONFIRMED has
// been emitted" clause: a CONFIRMED invoice whose funding transfers have
// since dropped below threshold (reorg) never reverts its status; it
// only raises an observability-only CHARGEBACK_SUSPECTED outbox record.
func ApplyReorgCheck(invoiceID, intentID uuid.UUID, invoiceStatus invoices.Status, stillConfirmed bool) []outbox.NewRecord {
	if invoiceStatus != invoices.StatusConfirmed || stillConfirmed {
		return nil
	}
	return []outbox.NewRecord{{
		Kind:      outbox.KindChargebackSuspected,
		InvoiceID: invoiceID,
		Payload:   ChargebackSuspectedPayload{InvoiceID: invoiceID, IntentID: intentID},
	}}
}

// ExpiryResult is the outcome of the sweeper's per-invoice expiry check.
type ExpiryResult struct {
	NewInvoiceStatus invoices.Status
	Expired          bool
	Records          []outbox.NewRecord
}

// ApplyExpiry implements the expiry rule. Only PENDING and
// UNDERPAID invoices can expire; an invoice that was UNDERPAID at the
// moment of expiry carries the EXPIRED_WITH_PARTIAL wire status (Open
// Question (b)) instead of plain EXPIRED, so merchants can tell a clean
// no-show apart from a partial payment that never completed.
func ApplyExpiry(invoiceID uuid.UUID, invoiceStatus invoices.Status) ExpiryResult {
	if invoiceStatus != invoices.StatusPending && invoiceStatus != invoices.StatusUnderpaid {
		return ExpiryResult{NewInvoiceStatus: invoiceStatus}
	}

	wireStatus := WireExpired
	if invoiceStatus == invoices.StatusUnderpaid {
		wireStatus = WireExpiredWithPartial
	}

	return ExpiryResult{
		NewInvoiceStatus: invoices.StatusExpired,
		Expired:          true,
		Records:          []outbox.NewRecord{invoiceStatusChanged(invoiceID, wireStatus)},
	}
}

// CancelResult is the outcome of an administrative cancel operation.
type CancelResult struct {
	NewInvoiceStatus invoices.Status
	Cancelled        bool
	Records          []outbox.NewRecord
}

// ApplyCancel implements the cancellation rule: cancel on a
// PENDING or UNDERPAID invoice transitions it to CANCELLED; cancel on a
// PAID or terminal invoice is a no-op.
func ApplyCancel(invoiceID uuid.UUID, invoiceStatus invoices.Status) CancelResult {
	if invoiceStatus != invoices.StatusPending && invoiceStatus != invoices.StatusUnderpaid {
		return CancelResult{NewInvoiceStatus: invoiceStatus}
	}
	return CancelResult{
		NewInvoiceStatus: invoices.StatusCancelled,
		Cancelled:        true,
		Records:          []outbox.NewRecord{invoiceStatusChanged(invoiceID, WireCancelled)},
	}
}

// WireStatusForInvoice derives the wire-visible status string for an
// on-demand status poll (`GET /api/invoices/{id}/status`),
// using the same OVERPAID/EXPIRED_WITH_PARTIAL distinctions the credit
// and expiry rules apply when they emit an INVOICE_STATUS_CHANGED
// record. hasFundingIntent/fundingIntentStatus describe the intent
// intents.GetFundingIntent picked as best representing the invoice's
// payment state; callers pass hasFundingIntent=false for an invoice with
// no intents yet.
func WireStatusForInvoice(invoiceStatus invoices.Status, fundingIntentStatus intents.Status, hasFundingIntent bool) string {
	switch invoiceStatus {
	case invoices.StatusPending:
		return WirePending
	case invoices.StatusUnderpaid:
		return WireUnderpaid
	case invoices.StatusPaid:
		if hasFundingIntent && fundingIntentStatus == intents.StatusOverfunded {
			return WireOverpaid
		}
		return WirePaid
	case invoices.StatusConfirmed:
		return WireConfirmed
	case invoices.StatusExpired:
		if hasFundingIntent && fundingIntentStatus == intents.StatusPartiallyFunded {
			return WireExpiredWithPartial
		}
		return WireExpired
	case invoices.StatusCancelled:
		return WireCancelled
	default:
		return string(invoiceStatus)
	}
}

func invoiceStatusChanged(invoiceID uuid.UUID, wireStatus string) outbox.NewRecord {
	return outbox.NewRecord{
		Kind:      outbox.KindInvoiceStatusChanged,
		InvoiceID: invoiceID,
		Payload:   InvoiceStatusChangedPayload{InvoiceID: invoiceID, WireStatus: wireStatus},
	}
}
