// Package transfers holds observed on-chain credits toward deposit
// addresses, the append-only ledger ingress writes into before the state
// engine matches them to intents.
package transfers

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/money"
)

// Transfer is the database representation of the Transfer entity.
type Transfer struct {
	ID              uuid.UUID    `db:"id"`
	Chain           string       `db:"chain"`
	TxHash          string       `db:"tx_hash"`
	LogIndex        int          `db:"log_index"`
	TokenContract   string       `db:"token_contract"`
	ToAddress       string       `db:"to_address"`
	AtomicAmount    money.Atomic `db:"atomic_amount"`
	BlockNumber     int64        `db:"block_number"`
	ProviderEventID sql.NullString `db:"provider_event_id"`
	FirstSeenAt     time.Time    `db:"first_seen_at"`
	LastSeenAt      time.Time    `db:"last_seen_at"`
}

// Confirmations computes the effective confirmation count for this
// transfer given the chain's current block height:
// max(0, currentBlock - blockNumber + 1).
func (t Transfer) Confirmations(currentBlock int64) int64 {
	c := currentBlock - t.BlockNumber + 1
	if c < 0 {
		return 0
	}
	return c
}

// Event is the normalized ingress event shape.
type Event struct {
	Chain           string
	TxHash          string
	LogIndex        int
	Token           string
	To              string
	Amount          money.Atomic
	BlockNumber     int64
	ProviderEventID string
}

// Insert writes a transfer row, returning (transfer, true, nil) on first
// insert or (transfer, false, nil) if (chain, tx_hash, log_index) already
// existed - insert is idempotent by design, so a conflict counts as
// success. Must run inside the caller's open transaction.
func Insert(tx *sqlx.Tx, evt Event) (Transfer, bool, error) {
	var t Transfer
	query := `INSERT INTO transfers (id, chain, tx_hash, log_index, token_contract, to_address, atomic_amount, block_number, provider_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chain, tx_hash, log_index) DO NOTHING
		RETURNING id, chain, tx_hash, log_index, token_contract, to_address, atomic_amount, block_number, provider_event_id, first_seen_at, last_seen_at`
	row := tx.QueryRowx(query,
		uuid.NewV4().String(), evt.Chain, evt.TxHash, evt.LogIndex, evt.Token, evt.To,
		evt.Amount.String(), evt.BlockNumber, evt.ProviderEventID)

	if err := scan(row, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, getErr := GetByNaturalKey(tx, evt.Chain, evt.TxHash, evt.LogIndex)
			if getErr != nil {
				return Transfer{}, false, errors.Wrap(getErr, "could not load existing transfer after conflict")
			}
			return existing, false, nil
		}
		return Transfer{}, false, errors.Wrap(err, "could not insert transfer")
	}
	return t, true, nil
}

// GetByNaturalKey looks up a transfer by its unique (chain, tx_hash,
// log_index) key.
func GetByNaturalKey(tx *sqlx.Tx, chain, txHash string, logIndex int) (Transfer, error) {
	var t Transfer
	query := `SELECT id, chain, tx_hash, log_index, token_contract, to_address, atomic_amount, block_number, provider_event_id, first_seen_at, last_seen_at
		FROM transfers WHERE chain = $1 AND tx_hash = $2 AND log_index = $3`
	row := tx.QueryRowx(query, chain, txHash, logIndex)
	if err := scan(row, &t); err != nil {
		return Transfer{}, errors.Wrap(err, "transfer not found")
	}
	return t, nil
}

func scan(row *sqlx.Row, t *Transfer) error {
	var amount string
	err := row.Scan(
		&t.ID, &t.Chain, &t.TxHash, &t.LogIndex, &t.TokenContract, &t.ToAddress,
		&amount, &t.BlockNumber, &t.ProviderEventID, &t.FirstSeenAt, &t.LastSeenAt,
	)
	if err != nil {
		return err
	}
	if t.AtomicAmount, err = money.NewAtomic(amount); err != nil {
		return err
	}
	return nil
}

// BufferUnmatched records a transfer observed for an address with no
// known intent, in the unmatched_transfers table.
func BufferUnmatched(tx *sqlx.Tx, transferID uuid.UUID, chain, tokenContract, toAddress string) error {
	query := `INSERT INTO unmatched_transfers (id, transfer_id, chain, token_contract, to_address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transfer_id) DO NOTHING`
	_, err := tx.Exec(query, uuid.NewV4().String(), transferID.String(), chain, tokenContract, toAddress)
	if err != nil {
		return errors.Wrap(err, "could not buffer unmatched transfer")
	}
	return nil
}

// ResolveUnmatched marks every unresolved buffered transfer for
// (chain, tokenContract, toAddress) as resolved, returning their ids so
// the caller can re-run the credit rule against the newly created intent.
func ResolveUnmatched(tx *sqlx.Tx, chain, tokenContract, toAddress string) ([]uuid.UUID, error) {
	query := `UPDATE unmatched_transfers SET resolved_at = now()
		WHERE chain = $1 AND token_contract = $2 AND to_address = $3 AND resolved_at IS NULL
		RETURNING transfer_id`
	rows, err := tx.Query(query, chain, tokenContract, toAddress)
	if err != nil {
		return nil, errors.Wrap(err, "could not resolve unmatched transfers")
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "could not scan unmatched transfer id")
		}
		parsed, err := uuid.FromString(raw)
		if err != nil {
			return nil, errors.Wrap(err, "could not parse unmatched transfer id")
		}
		ids = append(ids, parsed)
	}
	return ids, nil
}

// GetByID looks up a transfer by primary key, for replaying the credit
// rule against transfers resolved out of the unmatched buffer.
func GetByID(tx *sqlx.Tx, id uuid.UUID) (Transfer, error) {
	var t Transfer
	query := `SELECT id, chain, tx_hash, log_index, token_contract, to_address, atomic_amount, block_number, provider_event_id, first_seen_at, last_seen_at
		FROM transfers WHERE id = $1`
	row := tx.QueryRowx(query, id.String())
	if err := scan(row, &t); err != nil {
		return Transfer{}, errors.Wrap(err, "transfer not found")
	}
	return t, nil
}

// CreditIntentFund records the immutable link from a transfer to the
// intent it funded (the IntentFund entity). A transfer is
// credited to at most one intent ever, enforced by the unique index on
// intent_funds(transfer_id).
func CreditIntentFund(tx *sqlx.Tx, intentID, transferID uuid.UUID, creditedAmount money.Atomic) error {
	query := `INSERT INTO intent_funds (intent_id, transfer_id, credited_atomic_amount)
		VALUES ($1, $2, $3)`
	if _, err := tx.Exec(query, intentID.String(), transferID.String(), creditedAmount.String()); err != nil {
		return errors.Wrap(err, "could not credit intent fund")
	}
	return nil
}

// SumCredited returns the total credited to an intent across all its
// funding transfers.
func SumCredited(tx *sqlx.Tx, intentID uuid.UUID) (money.Atomic, error) {
	var sum sql.NullString
	query := `SELECT SUM(credited_atomic_amount)::text FROM intent_funds WHERE intent_id = $1`
	if err := tx.Get(&sum, query, intentID.String()); err != nil {
		return money.Zero, errors.Wrap(err, "could not sum intent funds")
	}
	if !sum.Valid {
		return money.Zero, nil
	}
	return money.NewAtomic(sum.String)
}

// queryer is satisfied by both *db.DB and *sqlx.Tx.
type queryer interface {
	Select(dest interface{}, query string, args ...interface{}) error
}

// TxHashesForIntent returns the distinct transaction hashes that have
// funded an intent, in first-seen order, for the outbound callback
// envelope's txHashes field.
func TxHashesForIntent(q queryer, intentID uuid.UUID) ([]string, error) {
	query := `SELECT DISTINCT t.tx_hash, MIN(t.first_seen_at) AS first_seen_at
		FROM transfers t
		JOIN intent_funds f ON f.transfer_id = t.id
		WHERE f.intent_id = $1
		GROUP BY t.tx_hash
		ORDER BY first_seen_at`
	var rows []struct {
		TxHash      string    `db:"tx_hash"`
		FirstSeenAt time.Time `db:"first_seen_at"`
	}
	if err := q.Select(&rows, query, intentID.String()); err != nil {
		return nil, errors.Wrap(err, "could not list tx hashes for intent")
	}
	hashes := make([]string, len(rows))
	for i, r := range rows {
		hashes[i] = r.TxHash
	}
	return hashes, nil
}
