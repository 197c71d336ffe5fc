// Package invoices holds the commercial-obligation entity merchants
// create and buyers pay against.
package invoices

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/internal/platform/db"
)

// Status is one of the invoice state machine's named states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusUnderpaid Status = "UNDERPAID"
	StatusPaid      Status = "PAID"
	StatusConfirmed Status = "CONFIRMED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
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

// Option is one allowed (token, chain) pair a buyer may pay an invoice
// with.
type Option struct {
	Token string `json:"token"`
	Chain string `json:"chain"`
}

// Invoice is the database representation of the Invoice entity.
type Invoice struct {
	ID              uuid.UUID       `db:"id"`
	MerchantID      uuid.UUID       `db:"merchant_id"`
	MerchantOrderID string          `db:"merchant_order_id"`
	FiatAmountCents money.FiatCents `db:"fiat_amount_cents"`
	Currency        string          `db:"currency"`
	AllowedOptions  optionsJSON     `db:"allowed_options"`
	CallbackURL     string          `db:"callback_url"`
	ExpiresAt       time.Time       `db:"expires_at"`
	Status          Status          `db:"status"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// optionsJSON adapts []Option to the JSONB allowed_options column.
type optionsJSON []Option

func (o optionsJSON) Value() (driver.Value, error) {
	b, err := json.Marshal([]Option(o))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (o *optionsJSON) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*o = nil
		return nil
	default:
		return errors.Errorf("cannot scan %T into invoices.optionsJSON", src)
	}
	return json.Unmarshal(raw, (*[]Option)(o))
}

// AllowsOption reports whether (token, chain) is one of the invoice's
// allowed payment options.
func (i Invoice) AllowsOption(token, chain string) bool {
	for _, opt := range i.AllowedOptions {
		if opt.Token == token && opt.Chain == chain {
			return true
		}
	}
	return false
}

// CreateParams is the input to Create.
type CreateParams struct {
	MerchantID      uuid.UUID
	MerchantOrderID string
	FiatAmountCents money.FiatCents
	Currency        string
	AllowedOptions  []Option
	CallbackURL     string
	ExpiresAt       time.Time
}

// execer is satisfied by both *db.DB and *sqlx.Tx.
type execer interface {
	Get(dest interface{}, query string, args ...interface{}) error
}

// Create inserts a new PENDING invoice. Uniqueness of
// (merchant_id, merchant_order_id) is enforced by the database.
func Create(q execer, p CreateParams) (Invoice, error) {
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}

	encodedOptions, err := json.Marshal(p.AllowedOptions)
	if err != nil {
		return Invoice{}, errors.Wrap(err, "could not encode allowed options")
	}

	invoice := Invoice{}
	query := `INSERT INTO invoices
		(id, merchant_id, merchant_order_id, fiat_amount_cents, currency, allowed_options, callback_url, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, merchant_id, merchant_order_id, fiat_amount_cents, currency, allowed_options, callback_url, expires_at, status, created_at, updated_at`
	err = q.Get(&invoice, query,
		uuid.NewV4().String(), p.MerchantID.String(), p.MerchantOrderID,
		int64(p.FiatAmountCents), currency, encodedOptions, p.CallbackURL,
		p.ExpiresAt, StatusPending)
	if err != nil {
		return Invoice{}, errors.Wrap(err, "could not create invoice")
	}
	return invoice, nil
}

// GetByID looks up an invoice scoped to a merchant, so merchants can
// never read each other's invoices.
func GetByID(d *db.DB, merchantID, id uuid.UUID) (Invoice, error) {
	var invoice Invoice
	query := `SELECT id, merchant_id, merchant_order_id, fiat_amount_cents, currency, allowed_options, callback_url, expires_at, status, created_at, updated_at
		FROM invoices
		WHERE id = $1 AND merchant_id = $2
		LIMIT 1`
	if err := d.Get(&invoice, query, id.String(), merchantID.String()); err != nil {
		return Invoice{}, errors.Wrap(err, "invoice not found")
	}
	return invoice, nil
}

// GetByMerchantOrderID is the uniqueness-scoped lookup used by the
// idempotent-create path.
func GetByMerchantOrderID(d *db.DB, merchantID uuid.UUID, merchantOrderID string) (Invoice, error) {
	var invoice Invoice
	query := `SELECT id, merchant_id, merchant_order_id, fiat_amount_cents, currency, allowed_options, callback_url, expires_at, status, created_at, updated_at
		FROM invoices
		WHERE merchant_id = $1 AND merchant_order_id = $2
		LIMIT 1`
	if err := d.Get(&invoice, query, merchantID.String(), merchantOrderID); err != nil {
		return Invoice{}, errors.Wrap(err, "invoice not found")
	}
	return invoice, nil
}

// LockForUpdate reads an invoice row under a row-level lock, so the
// matcher can read-then-write its status inside the same transaction
// that credits its funding intent. Must be called inside an open
// transaction.
func LockForUpdate(tx execer, id uuid.UUID) (Invoice, error) {
	var invoice Invoice
	query := `SELECT id, merchant_id, merchant_order_id, fiat_amount_cents, currency, allowed_options, callback_url, expires_at, status, created_at, updated_at
		FROM invoices
		WHERE id = $1
		FOR UPDATE`
	if err := tx.Get(&invoice, query, id.String()); err != nil {
		return Invoice{}, errors.Wrap(err, "could not lock invoice")
	}
	return invoice, nil
}

// UpdateStatus persists a new status for an invoice that is not already
// terminal. It must be called inside the same transaction as any
// outbox rows describing the transition.
func UpdateStatus(tx execerExec, id uuid.UUID, newStatus Status) error {
	query := `UPDATE invoices SET status = $1, updated_at = now()
		WHERE id = $2 AND status NOT IN ('CONFIRMED', 'EXPIRED', 'CANCELLED')`
	res, err := tx.Exec(query, newStatus, id.String())
	if err != nil {
		return errors.Wrap(err, "could not update invoice status")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "could not read rows affected")
	}
	if rows == 0 {
		return errors.New("invoice is already terminal, status not updated")
	}
	return nil
}

type execerExec interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}
