// Package sweeper is the single cooperative worker that expires invoices
// whose payment window has elapsed. Exactly one process holds the sweep
// lease at a time, acquired from the locks table the way
// the dispatcher's outbox claim protocol acquires per-row claims, but
// scoped to the whole sweep rather than a single record.
package sweeper

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/build"
	"github.com/stablegate/stablegate/internal/engine"
	"github.com/stablegate/stablegate/internal/invoices"
	"github.com/stablegate/stablegate/internal/outbox"
	"github.com/stablegate/stablegate/internal/platform/db"
)

var log = build.AddSubLogger("SWEP")

// LeaseName is the locks row name the sweeper holds while it runs.
const LeaseName = "sweeper"

// Sweeper periodically expires PENDING/UNDERPAID invoices past their
// expires_at.
type Sweeper struct {
	db            *db.DB
	holder        string
	batchSize     int
	interval      time.Duration
	leaseDuration time.Duration
}

// New builds a Sweeper. holder identifies this process instance in the
// locks table, for operator debugging of which host currently owns the
// lease.
func New(d *db.DB, holder string, batchSize int, interval, leaseDuration time.Duration) *Sweeper {
	return &Sweeper{db: d, holder: holder, batchSize: batchSize, interval: interval, leaseDuration: leaseDuration}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepIfLeased(); err != nil {
				log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// sweepIfLeased attempts to acquire the sweep lease and, on success,
// expires one batch of invoices. Returning without acquiring the lease
// is the normal, expected outcome whenever another process already holds
// it.
func (s *Sweeper) sweepIfLeased() error {
	acquired, err := s.acquireLease()
	if err != nil {
		return errors.Wrap(err, "could not acquire sweeper lease")
	}
	if !acquired {
		return nil
	}
	return s.sweepBatch()
}

// acquireLease claims or renews the sweeper's lock row using
// SELECT ... FOR UPDATE SKIP LOCKED semantics: if the row is held by
// another process whose lease hasn't expired, this returns false without
// blocking.
func (s *Sweeper) acquireLease() (bool, error) {
	tx, err := s.db.BeginTxTimeout(db.SweeperStatementTimeout)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current struct {
		Holder         string    `db:"holder"`
		LeaseExpiresAt time.Time `db:"lease_expires_at"`
	}
	err = tx.Get(&current, `SELECT holder, lease_expires_at FROM locks WHERE name = $1 FOR UPDATE SKIP LOCKED`, LeaseName)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Either no lease row exists yet, or SKIP LOCKED skipped a row a
		// concurrent holder has locked: in the latter case the insert
		// conflicts and the lease is not available.
		res, err := tx.Exec(`INSERT INTO locks (name, holder, lease_expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING`,
			LeaseName, s.holder, time.Now().UTC().Add(s.leaseDuration))
		if err != nil {
			return false, errors.Wrap(err, "could not insert sweeper lease")
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return false, err
		}
		return true, tx.Commit()
	case err != nil:
		// Any other read error: treat as "lease not available".
		return false, nil
	}

	if current.Holder != s.holder && time.Now().UTC().Before(current.LeaseExpiresAt) {
		return false, nil
	}

	if _, err := tx.Exec(`UPDATE locks SET holder = $2, lease_expires_at = $3 WHERE name = $1`,
		LeaseName, s.holder, time.Now().UTC().Add(s.leaseDuration)); err != nil {
		return false, errors.Wrap(err, "could not renew sweeper lease")
	}
	return true, tx.Commit()
}

// sweepBatch expires up to batchSize PENDING/UNDERPAID invoices whose
// expires_at has passed, one transaction per invoice so a single
// mid-batch failure doesn't roll back invoices already expired.
func (s *Sweeper) sweepBatch() error {
	candidates, err := s.expirableCandidates()
	if err != nil {
		return errors.Wrap(err, "could not list expirable invoices")
	}

	for _, id := range candidates {
		if err := s.expireOne(id); err != nil {
			log.WithError(err).WithField("invoiceId", id).Error("could not expire invoice")
		}
	}
	return nil
}

func (s *Sweeper) expirableCandidates() ([]uuid.UUID, error) {
	query := `SELECT id FROM invoices
		WHERE status IN ('PENDING', 'UNDERPAID') AND expires_at <= now()
		ORDER BY expires_at
		LIMIT $1`
	var raw []string
	if err := s.db.Select(&raw, query, s.batchSize); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.FromString(r)
		if err != nil {
			return nil, errors.Wrap(err, "could not parse invoice id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Sweeper) expireOne(id uuid.UUID) error {
	tx, err := s.db.BeginTxTimeout(db.SweeperStatementTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	invoice, err := invoices.LockForUpdate(tx, id)
	if err != nil {
		return errors.Wrap(err, "could not lock invoice")
	}

	result := engine.ApplyExpiry(invoice.ID, invoice.Status)
	if !result.Expired {
		return tx.Commit()
	}

	if err := invoices.UpdateStatus(tx, invoice.ID, result.NewInvoiceStatus); err != nil {
		return errors.Wrap(err, "could not mark invoice expired")
	}
	if err := outbox.Insert(tx, result.Records); err != nil {
		return errors.Wrap(err, "could not insert expiry outbox records")
	}
	return tx.Commit()
}
