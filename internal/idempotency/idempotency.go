// Package idempotency is a scoped cache table: any API surface that
// needs an Idempotency-Key contract records its first response here,
// keyed by (scope, key), and detects replays with a different body as
// a conflict rather than serving a stale response.
package idempotency

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Scopes an idempotency record may belong to.
const (
	ScopeCreateInvoice    = "create-invoice"
	ScopeWebhook          = "webhook"
	ScopeCallbackDelivery = "callback-delivery"
)

// DefaultTTL is how long an idempotency record is honored before the key
// may be reused for an unrelated request.
const DefaultTTL = 24 * time.Hour

// Record is the persisted row backing one (scope, key) pair.
type Record struct {
	Scope              string         `db:"scope"`
	Key                string         `db:"key"`
	RequestFingerprint string         `db:"request_fingerprint"`
	StoredResponse     sql.NullString `db:"stored_response"`
	CreatedAt          time.Time      `db:"created_at"`
	ExpiresAt          time.Time      `db:"expires_at"`
}

// Fingerprint hashes a request body so two requests can be compared for
// equality without storing the raw body twice.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// queryer is satisfied by both *db.DB and *sqlx.Tx, so idempotency checks
// can run inside the same transaction as the operation they guard.
type queryer interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// ErrConflict is returned by Check when the same key was used with a
// different request body.
var ErrConflict = errors.New("idempotency key reused with a different request body")

// Check looks up an existing record for (scope, key). If none exists, it
// returns (nil, nil) - the caller should proceed and call Store. If one
// exists with a matching fingerprint, it's returned so the caller can
// replay the stored response. If one exists with a different
// fingerprint, ErrConflict is returned.
func Check(q queryer, scope, key, fingerprint string) (*Record, error) {
	var record Record
	query := `SELECT scope, key, request_fingerprint, stored_response, created_at, expires_at
		FROM idempotency_records
		WHERE scope = $1 AND key = $2 AND expires_at > now()
		LIMIT 1`
	err := q.Get(&record, query, scope, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not look up idempotency record")
	}

	if record.RequestFingerprint != fingerprint {
		return nil, ErrConflict
	}
	return &record, nil
}

// Store persists the response for a (scope, key) pair so a later replay
// with the same fingerprint can be served without repeating side effects.
func Store(q queryer, scope, key, fingerprint string, response interface{}, ttl time.Duration) error {
	body, err := json.Marshal(response)
	if err != nil {
		return errors.Wrap(err, "could not marshal idempotent response")
	}

	query := `INSERT INTO idempotency_records (scope, key, request_fingerprint, stored_response, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, key) DO NOTHING`
	if _, err := q.Exec(query, scope, key, fingerprint, body, time.Now().UTC().Add(ttl)); err != nil {
		return errors.Wrap(err, "could not store idempotency record")
	}
	return nil
}

// Response unmarshals the stored response into dest.
func (r Record) Response(dest interface{}) error {
	if !r.StoredResponse.Valid {
		return errors.New("idempotency record has no stored response")
	}
	return json.Unmarshal([]byte(r.StoredResponse.String), dest)
}
