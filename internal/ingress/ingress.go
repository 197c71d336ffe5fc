// Package ingress accepts normalized on-chain transfer events, matches
// them to payment intents, and advances the state machine - all inside
// one transaction per event.
package ingress

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/stablegate/stablegate/internal/engine"
	"github.com/stablegate/stablegate/internal/intents"
	"github.com/stablegate/stablegate/internal/invoices"
	"github.com/stablegate/stablegate/internal/outbox"
	"github.com/stablegate/stablegate/internal/platform/db"
	"github.com/stablegate/stablegate/internal/poison"
	"github.com/stablegate/stablegate/internal/transfers"
)

// Accept runs the one-transaction-per-event ingestion algorithm: insert
// the transfer (duplicate = success), lock the matching intent,
// apply the credit rule, persist the resulting state change and its
// outbox rows, commit. Returns nil on any durable outcome, including a
// duplicate event and an unmatched transfer.
func Accept(d *db.DB, evt transfers.Event) error {
	tx, err := d.BeginTx()
	if err != nil {
		return errors.Wrap(err, "could not begin ingress transaction")
	}
	defer func() { _ = tx.Rollback() }()

	transfer, inserted, err := transfers.Insert(tx, evt)
	if err != nil {
		return errors.Wrap(err, "could not insert transfer")
	}
	if !inserted {
		// Duplicate (chain, txHash, logIndex): already durably recorded,
		// nothing further to do - a replayed event returns success without
		// side effects.
		return tx.Commit()
	}

	intent, err := intents.LockForUpdate(tx, evt.Chain, evt.Token, evt.To)
	if errors.Is(err, sql.ErrNoRows) {
		if bufErr := transfers.BufferUnmatched(tx, transfer.ID, evt.Chain, evt.Token, evt.To); bufErr != nil {
			return errors.Wrap(bufErr, "could not buffer unmatched transfer")
		}
		return tx.Commit()
	}
	if err != nil {
		return errors.Wrap(err, "could not lock matching intent")
	}

	invoice, err := invoices.LockForUpdate(tx, intent.InvoiceID)
	if err != nil {
		return errors.Wrap(err, "could not lock invoice for matched intent")
	}

	result := engine.ApplyCredit(invoice.ID, intent.ID, invoice.Status, intent.Status,
		intent.TargetAtomicAmount, intent.CreditedAtomicAmount, transfer.AtomicAmount)

	if result.StateChanged {
		if err := intents.UpdateCreditedAndStatus(tx, intent.ID, result.NewCredited, result.NewIntentStatus); err != nil {
			return errors.Wrap(err, "could not update intent")
		}
		if result.NewInvoiceStatus != invoice.Status {
			if err := invoices.UpdateStatus(tx, invoice.ID, result.NewInvoiceStatus); err != nil {
				return errors.Wrap(err, "could not update invoice status")
			}
		}
		if err := transfers.CreditIntentFund(tx, intent.ID, transfer.ID, transfer.AtomicAmount); err != nil {
			return errors.Wrap(err, "could not credit intent fund")
		}

		// An intent's credited amount always equals the sum of its
		// intent_funds rows. A mismatch here means
		// this event, or one that ran before it, broke the ledger - abort
		// rather than commit a state change we can no longer trust.
		sum, err := transfers.SumCredited(tx, intent.ID)
		if err != nil {
			return errors.Wrap(err, "could not verify credited sum invariant")
		}
		if sum.Cmp(result.NewCredited) != 0 {
			_ = tx.Rollback()
			reason := "intent_funds sum " + sum.String() + " does not match credited amount " + result.NewCredited.String()
			return quarantine(d, "ingress", evt, reason)
		}
	}

	if err := outbox.Insert(tx, result.Records); err != nil {
		return errors.Wrap(err, "could not insert outbox records")
	}

	return tx.Commit()
}

// RebindUnmatched resolves every transfer that was buffered against
// (chain, token, toAddress) before any intent claimed that deposit
// address, and replays the credit rule for each against the intent that
// now binds it: a reused deposit address is re-evaluated whenever a
// new intent is created with that address. Called once, right after
// intents.Create succeeds for a fresh intent.
func RebindUnmatched(d *db.DB, chain, token, toAddress string) error {
	tx, err := d.BeginTx()
	if err != nil {
		return errors.Wrap(err, "could not begin rebind transaction")
	}
	defer func() { _ = tx.Rollback() }()

	transferIDs, err := transfers.ResolveUnmatched(tx, chain, token, toAddress)
	if err != nil {
		return errors.Wrap(err, "could not resolve unmatched transfers")
	}
	if len(transferIDs) == 0 {
		return tx.Commit()
	}

	intent, err := intents.LockForUpdate(tx, chain, token, toAddress)
	if err != nil {
		return errors.Wrap(err, "could not lock intent claiming rebound address")
	}
	invoice, err := invoices.LockForUpdate(tx, intent.InvoiceID)
	if err != nil {
		return errors.Wrap(err, "could not lock invoice for rebound intent")
	}

	var allRecords []outbox.NewRecord
	for _, transferID := range transferIDs {
		transfer, err := transfers.GetByID(tx, transferID)
		if err != nil {
			return errors.Wrap(err, "could not load unmatched transfer")
		}

		result := engine.ApplyCredit(invoice.ID, intent.ID, invoice.Status, intent.Status,
			intent.TargetAtomicAmount, intent.CreditedAtomicAmount, transfer.AtomicAmount)
		if !result.StateChanged {
			continue
		}

		if err := intents.UpdateCreditedAndStatus(tx, intent.ID, result.NewCredited, result.NewIntentStatus); err != nil {
			return errors.Wrap(err, "could not update rebound intent")
		}
		if result.NewInvoiceStatus != invoice.Status {
			if err := invoices.UpdateStatus(tx, invoice.ID, result.NewInvoiceStatus); err != nil {
				return errors.Wrap(err, "could not update invoice status for rebound intent")
			}
		}
		if err := transfers.CreditIntentFund(tx, intent.ID, transfer.ID, transfer.AtomicAmount); err != nil {
			return errors.Wrap(err, "could not credit rebound intent fund")
		}

		intent.Status = result.NewIntentStatus
		intent.CreditedAtomicAmount = result.NewCredited
		invoice.Status = result.NewInvoiceStatus
		allRecords = append(allRecords, result.Records...)
	}

	sum, err := transfers.SumCredited(tx, intent.ID)
	if err != nil {
		return errors.Wrap(err, "could not verify credited sum invariant after rebind")
	}
	if sum.Cmp(intent.CreditedAtomicAmount) != 0 {
		_ = tx.Rollback()
		reason := "intent_funds sum " + sum.String() + " does not match credited amount " + intent.CreditedAtomicAmount.String() + " after rebind"
		return quarantine(d, "rebind", transfers.Event{Chain: chain, Token: token, To: toAddress}, reason)
	}

	if err := outbox.Insert(tx, allRecords); err != nil {
		return errors.Wrap(err, "could not insert rebind outbox records")
	}
	return tx.Commit()
}

func quarantine(d *db.DB, source string, evt transfers.Event, reason string) error {
	if qErr := poison.Quarantine(d, source, evt, reason); qErr != nil {
		return errors.Wrap(qErr, "could not quarantine poisoned ingress event after: "+reason)
	}
	return errors.New(reason)
}
