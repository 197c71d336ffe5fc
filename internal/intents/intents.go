// Package intents holds the buyer's chosen payment method for an
// invoice: a specific token on a specific chain, bound to a deposit
// address.
package intents

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/internal/platform/db"
)

// Status is one of the intent state machine's named states.
type Status string

const (
	StatusAwaitingFunds   Status = "AWAITING_FUNDS"
	StatusPartiallyFunded Status = "PARTIALLY_FUNDED"
	StatusFunded          Status = "FUNDED"
	StatusOverfunded      Status = "OVERFUNDED"
	StatusExpired         Status = "EXPIRED"
	StatusCancelled       Status = "CANCELLED"
	StatusConfirmed       Status = "CONFIRMED"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Intent is the database representation of the PaymentIntent entity.
type Intent struct {
	ID                   uuid.UUID    `db:"id"`
	InvoiceID            uuid.UUID    `db:"invoice_id"`
	Token                string       `db:"token"`
	Chain                string       `db:"chain"`
	DepositAddress       string       `db:"deposit_address"`
	TargetAtomicAmount   money.Atomic `db:"target_atomic_amount"`
	CreditedAtomicAmount money.Atomic `db:"credited_atomic_amount"`
	Status               Status       `db:"status"`
	CreatedAt            time.Time    `db:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at"`
}

// AddressAllocator is the external deposit-address allocator
// collaborator - we only define the seam we call into.
type AddressAllocator interface {
	Allocate(ctx context.Context, token, chain string) (string, error)
}

// PricingCalculator is the external fiat->token pricing calculator
// collaborator.
type PricingCalculator interface {
	Convert(ctx context.Context, fiatCents money.FiatCents, currency, token string) (money.Atomic, error)
}

// CreateParams is the input to Create.
type CreateParams struct {
	InvoiceID uuid.UUID
	Token     string
	Chain     string
}

// Create allocates a deposit address and target amount for a new intent,
// rebinding any address previously bound to a now-terminal intent.
func Create(ctx context.Context, d *db.DB, allocator AddressAllocator, pricing PricingCalculator,
	invoiceFiatCents money.FiatCents, invoiceCurrency string, p CreateParams) (Intent, error) {

	address, err := allocator.Allocate(ctx, p.Token, p.Chain)
	if err != nil {
		return Intent{}, errors.Wrap(err, "could not allocate deposit address")
	}
	target, err := pricing.Convert(ctx, invoiceFiatCents, invoiceCurrency, p.Token)
	if err != nil {
		return Intent{}, errors.Wrap(err, "could not price invoice into token amount")
	}

	var intent Intent
	query := `INSERT INTO payment_intents
		(id, invoice_id, token, chain, deposit_address, target_atomic_amount, credited_atomic_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		RETURNING id, invoice_id, token, chain, deposit_address, target_atomic_amount, credited_atomic_amount, status, created_at, updated_at`
	err = d.Get(&intent, query,
		uuid.NewV4().String(), p.InvoiceID.String(), p.Token, p.Chain, address,
		target.String(), StatusAwaitingFunds)
	if err != nil {
		return Intent{}, errors.Wrap(err, "could not create payment intent")
	}
	return intent, nil
}

// LockForUpdate selects the active intent for (chain, token, to) under a
// row-level lock. It must be called inside an open transaction. Returns
// sql.ErrNoRows if no intent binds this address.
//
// Two intents can legitimately share a deposit address only if one is
// terminal; when both an active and a stale-terminal intent exist for the
// same address, the active one is preferred.
func LockForUpdate(tx *sqlx.Tx, chain, token, toAddress string) (Intent, error) {
	var intent Intent
	query := `SELECT id, invoice_id, token, chain, deposit_address, target_atomic_amount, credited_atomic_amount, status, created_at, updated_at
		FROM payment_intents
		WHERE chain = $1 AND token = $2 AND deposit_address = $3
		ORDER BY (status NOT IN ('CONFIRMED', 'EXPIRED', 'CANCELLED')) DESC, created_at DESC
		LIMIT 1
		FOR UPDATE`
	row := tx.QueryRowx(query, chain, token, toAddress)
	if err := scanIntent(row, &intent); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

func scanIntent(row *sqlx.Row, intent *Intent) error {
	var target, credited string
	err := row.Scan(
		&intent.ID, &intent.InvoiceID, &intent.Token, &intent.Chain, &intent.DepositAddress,
		&target, &credited, &intent.Status, &intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if intent.TargetAtomicAmount, err = money.NewAtomic(target); err != nil {
		return err
	}
	if intent.CreditedAtomicAmount, err = money.NewAtomic(credited); err != nil {
		return err
	}
	return nil
}

// scanIntentRows is scanIntent's counterpart for a *sqlx.Rows cursor
// (ListByInvoiceID iterates a result set rather than reading one row).
func scanIntentRows(rows *sqlx.Rows, intent *Intent) error {
	var target, credited string
	err := rows.Scan(
		&intent.ID, &intent.InvoiceID, &intent.Token, &intent.Chain, &intent.DepositAddress,
		&target, &credited, &intent.Status, &intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if intent.TargetAtomicAmount, err = money.NewAtomic(target); err != nil {
		return err
	}
	if intent.CreditedAtomicAmount, err = money.NewAtomic(credited); err != nil {
		return err
	}
	return nil
}

// GetByID looks up a single intent by primary key.
func GetByID(d *db.DB, id uuid.UUID) (Intent, error) {
	var intent Intent
	query := `SELECT id, invoice_id, token, chain, deposit_address, target_atomic_amount, credited_atomic_amount, status, created_at, updated_at
		FROM payment_intents WHERE id = $1`
	row := d.QueryRowx(query, id.String())
	if err := scanIntent(row, &intent); err != nil {
		return Intent{}, errors.Wrap(err, "payment intent not found")
	}
	return intent, nil
}

// ListByInvoiceID returns every intent created against an invoice, newest
// first - used both by the invoice detail endpoint and by the callback
// envelope builder to find the funding intent for kinds whose payload
// doesn't carry an intent id.
func ListByInvoiceID(d *db.DB, invoiceID uuid.UUID) ([]Intent, error) {
	query := `SELECT id, invoice_id, token, chain, deposit_address, target_atomic_amount, credited_atomic_amount, status, created_at, updated_at
		FROM payment_intents
		WHERE invoice_id = $1
		ORDER BY created_at DESC`
	rows, err := d.Queryx(query, invoiceID.String())
	if err != nil {
		return nil, errors.Wrap(err, "could not list payment intents")
	}
	defer func() { _ = rows.Close() }()

	var out []Intent
	for rows.Next() {
		var intent Intent
		if err := scanIntentRows(rows, &intent); err != nil {
			return nil, errors.Wrap(err, "could not scan payment intent")
		}
		out = append(out, intent)
	}
	return out, nil
}

// fundingRank orders intent statuses by how far along the funding rule
// they've advanced, most-advanced first, so GetFundingIntent can pick the
// single intent best representing an invoice's payment state.
func fundingRank(s Status) int {
	switch s {
	case StatusConfirmed:
		return 0
	case StatusOverfunded:
		return 1
	case StatusFunded:
		return 2
	case StatusPartiallyFunded:
		return 3
	case StatusExpired, StatusCancelled:
		return 4
	default:
		return 5
	}
}

// GetFundingIntent returns the intent that best represents an invoice's
// current payment state - the most funded, most recent one - for
// building an outbound callback envelope when the triggering event
// doesn't itself carry an intent id (the INVOICE_STATUS_CHANGED kind).
func GetFundingIntent(d *db.DB, invoiceID uuid.UUID) (Intent, bool, error) {
	all, err := ListByInvoiceID(d, invoiceID)
	if err != nil {
		return Intent{}, false, err
	}
	if len(all) == 0 {
		return Intent{}, false, nil
	}
	best := all[0]
	for _, candidate := range all[1:] {
		if fundingRank(candidate.Status) < fundingRank(best.Status) {
			best = candidate
		}
	}
	return best, true, nil
}

// UpdateCreditedAndStatus persists the new credited sum and status for an
// intent, inside the caller's open transaction.
func UpdateCreditedAndStatus(tx *sqlx.Tx, id uuid.UUID, credited money.Atomic, status Status) error {
	query := `UPDATE payment_intents SET credited_atomic_amount = $1, status = $2, updated_at = now()
		WHERE id = $3`
	if _, err := tx.Exec(query, credited.String(), status, id.String()); err != nil {
		return errors.Wrap(err, "could not update payment intent")
	}
	return nil
}
