// Package outbox implements the side-effect outbox: rows co-committed
// with the state change they describe, drained by the dispatcher for
// at-least-once delivery.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/platform/db"
)

// Kind enumerates the closed set of outbox record kinds the credit
// rule and dispatcher produce.
type Kind string

const (
	KindInvoiceStatusChanged     Kind = "INVOICE_STATUS_CHANGED"
	KindPaidAwaitingConfirm      Kind = "PAID_AWAITING_CONFIRMATION"
	KindOverpayment              Kind = "OVERPAYMENT"
	KindOverpaymentAfterTerminal Kind = "OVERPAYMENT_AFTER_TERMINAL"
	KindLateFunds                Kind = "LATE_FUNDS"
	KindChargebackSuspected      Kind = "CHARGEBACK_SUSPECTED"
	KindReorgCheck               Kind = "REORG_CHECK"
)

// Status is the claim-protocol lifecycle of a row.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInFlight Status = "IN_FLIGHT"
	StatusDone     Status = "DONE"
	StatusDead     Status = "DEAD"
)

// Backoff defaults.
const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultCapDelay    = 1 * time.Hour
	DefaultMaxAttempts = 12
)

// Record is the database representation of the OutboxRecord entity.
type Record struct {
	ID            uuid.UUID      `db:"id"`
	DeliveryID    uuid.UUID      `db:"delivery_id"`
	Kind          Kind           `db:"kind"`
	InvoiceID     uuid.NullUUID  `db:"invoice_id"`
	Payload       json.RawMessage `db:"payload"`
	CreatedAt     time.Time      `db:"created_at"`
	NextAttemptAt time.Time      `db:"next_attempt_at"`
	AttemptCount  int            `db:"attempt_count"`
	Status        Status         `db:"status"`
	ClaimToken    uuid.NullUUID  `db:"claim_token"`
	ClaimDeadline *time.Time     `db:"claim_deadline"`
	LastError     *string        `db:"last_error"`
}

// NewRecord is what pure engine functions return alongside a state
// change: an outbox row to be written in the same transaction.
type NewRecord struct {
	Kind      Kind
	InvoiceID uuid.UUID
	Payload   interface{}
}

// Insert writes a set of outbox rows in the caller's open transaction -
// a state change and its outbox rows are always one atomic unit.
func Insert(tx *sqlx.Tx, records []NewRecord) error {
	for _, r := range records {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return errors.Wrap(err, "could not marshal outbox payload")
		}
		query := `INSERT INTO outbox_records (id, delivery_id, kind, invoice_id, payload, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, now())`
		_, err = tx.Exec(query, uuid.NewV4().String(), uuid.NewV4().String(), r.Kind, r.InvoiceID.String(), payload)
		if err != nil {
			return errors.Wrap(err, "could not insert outbox record")
		}
	}
	return nil
}

// Claim atomically claims up to batchSize PENDING rows whose
// next_attempt_at has passed (or whose prior claim_deadline has expired),
// setting status=IN_FLIGHT and a fresh claim_token/claim_deadline. Rows
// are claimed in (invoice_id, id) order and locked per row with SKIP
// LOCKED; there is no per-invoice claim key, so two claimants can hold
// different rows of the same invoice at the same time.
func Claim(d *db.DB, batchSize int, visibilityTimeout time.Duration) ([]Record, error) {
	claimToken := uuid.NewV4()
	deadline := time.Now().UTC().Add(visibilityTimeout)

	query := `WITH claimable AS (
			SELECT id FROM outbox_records
			WHERE (status = 'PENDING' AND next_attempt_at <= now())
			   OR (status = 'IN_FLIGHT' AND claim_deadline < now())
			ORDER BY invoice_id, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_records
		SET status = 'IN_FLIGHT', claim_token = $2, claim_deadline = $3
		FROM claimable
		WHERE outbox_records.id = claimable.id
		RETURNING outbox_records.id, outbox_records.delivery_id, outbox_records.kind,
			outbox_records.invoice_id, outbox_records.payload, outbox_records.created_at,
			outbox_records.next_attempt_at, outbox_records.attempt_count, outbox_records.status,
			outbox_records.claim_token, outbox_records.claim_deadline, outbox_records.last_error`

	var records []Record
	if err := d.Select(&records, query, batchSize, claimToken.String(), deadline); err != nil {
		return nil, errors.Wrap(err, "could not claim outbox records")
	}
	return records, nil
}

// MarkDone marks a claimed row as successfully delivered.
func MarkDone(d *db.DB, id, claimToken uuid.UUID) error {
	query := `UPDATE outbox_records SET status = 'DONE' WHERE id = $1 AND claim_token = $2`
	_, err := d.Exec(query, id.String(), claimToken.String())
	return errors.Wrap(err, "could not mark outbox record done")
}

// Reschedule releases a claim and schedules the next attempt after a
// transient failure, recording the error and incrementing attempt_count.
// If the incremented attempt_count reaches maxAttempts, the row is
// marked DEAD instead.
func Reschedule(d *db.DB, id, claimToken uuid.UUID, nextAttempt time.Time, lastErr string, maxAttempts int) error {
	query := `UPDATE outbox_records
		SET status = CASE WHEN attempt_count + 1 >= $4 THEN 'DEAD' ELSE 'PENDING' END,
		    attempt_count = attempt_count + 1,
		    next_attempt_at = $3,
		    last_error = $5,
		    claim_token = NULL,
		    claim_deadline = NULL
		WHERE id = $1 AND claim_token = $2`
	_, err := d.Exec(query, id.String(), claimToken.String(), nextAttempt, maxAttempts, lastErr)
	return errors.Wrap(err, "could not reschedule outbox record")
}

// ReschedulePoll releases a claim and schedules the next attempt at a
// fixed offset, without touching attempt_count or risking a DEAD
// transition. This is the PAID_AWAITING_CONFIRMATION self-reschedule:
// a confirmation check is not a delivery attempt spent against the
// callback retry budget, so it must never dead-letter just because a
// chain is slow to accumulate confirmations.
func ReschedulePoll(d *db.DB, id, claimToken uuid.UUID, nextAttempt time.Time) error {
	query := `UPDATE outbox_records
		SET status = 'PENDING',
		    next_attempt_at = $3,
		    claim_token = NULL,
		    claim_deadline = NULL
		WHERE id = $1 AND claim_token = $2`
	_, err := d.Exec(query, id.String(), claimToken.String(), nextAttempt)
	return errors.Wrap(err, "could not reschedule confirmation poll")
}

// ReschedulePollCounting behaves like ReschedulePoll but also increments
// attempt_count, for counted polling loops (the post-CONFIRMED reorg
// watch) that need to know how many checks have already run without
// being subject to the callback retry budget's DEAD transition.
func ReschedulePollCounting(d *db.DB, id, claimToken uuid.UUID, nextAttempt time.Time) error {
	query := `UPDATE outbox_records
		SET status = 'PENDING',
		    attempt_count = attempt_count + 1,
		    next_attempt_at = $3,
		    claim_token = NULL,
		    claim_deadline = NULL
		WHERE id = $1 AND claim_token = $2`
	_, err := d.Exec(query, id.String(), claimToken.String(), nextAttempt)
	return errors.Wrap(err, "could not reschedule reorg check")
}

// MarkDead marks a row permanently failed without scheduling a retry.
func MarkDead(d *db.DB, id, claimToken uuid.UUID, lastErr string) error {
	query := `UPDATE outbox_records SET status = 'DEAD', last_error = $3, claim_token = NULL, claim_deadline = NULL
		WHERE id = $1 AND claim_token = $2`
	_, err := d.Exec(query, id.String(), claimToken.String(), lastErr)
	return errors.Wrap(err, "could not mark outbox record dead")
}

// Backoff computes the exponential-with-jitter retry delay:
// delay = min(cap, base * 2^attempt) * uniform(0.5, 1.5).
// jitter must be a caller-supplied value in [0.5, 1.5) so the function
// stays deterministic and testable.
func Backoff(attempt int, base, cap time.Duration, jitter float64) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > cap {
			delay = cap
			break
		}
	}
	return time.Duration(float64(delay) * jitter)
}
