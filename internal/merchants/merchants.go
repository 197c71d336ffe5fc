// Package merchants manages the tenants that issue invoices: their API
// key (stored hashed, never in the clear) and their callback-signing
// secret.
package merchants

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/platform/db"
)

// Merchant is the database representation of a tenant.
type Merchant struct {
	ID                    uuid.UUID `db:"id"`
	APIKeyHash            string    `db:"api_key_hash"`
	CallbackSigningSecret string    `db:"callback_signing_secret"`
	Active                bool      `db:"active"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

// NewAPIKey generates a fresh API key and returns both the raw key (shown
// to the merchant exactly once) and its hash (what we persist).
func NewAPIKey() (rawKey string, hash string, err error) {
	keyUUID := uuid.NewV4()
	raw := "sg_live_" + keyUUID.String()
	return raw, HashAPIKey(raw), nil
}

// NewCallbackSigningSecret generates fresh signing-secret material for
// HMAC callback signing (internal/signing).
func NewCallbackSigningSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "could not generate callback signing secret")
	}
	return hex.EncodeToString(buf), nil
}

// HashAPIKey hashes a raw API key the same way on creation and on lookup.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create inserts a new, active merchant with freshly generated key
// material, returning both the persisted record and the one-time raw key.
func Create(d *db.DB) (Merchant, string, error) {
	raw, hash, err := NewAPIKey()
	if err != nil {
		return Merchant{}, "", err
	}
	secret, err := NewCallbackSigningSecret()
	if err != nil {
		return Merchant{}, "", err
	}

	merchant := Merchant{
		ID:                    uuid.NewV4(),
		APIKeyHash:            hash,
		CallbackSigningSecret: secret,
		Active:                true,
	}

	query := `INSERT INTO merchants (id, api_key_hash, callback_signing_secret, active)
		VALUES (:id, :api_key_hash, :callback_signing_secret, :active)
		RETURNING id, api_key_hash, callback_signing_secret, active, created_at, updated_at`
	rows, err := d.NamedQuery(query, merchant)
	if err != nil {
		return Merchant{}, "", errors.Wrap(err, "could not insert merchant")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Merchant{}, "", errors.Wrap(sql.ErrNoRows, "could not insert merchant")
	}
	if err := rows.StructScan(&merchant); err != nil {
		return Merchant{}, "", errors.Wrap(err, "could not scan inserted merchant")
	}
	return merchant, raw, nil
}

// GetByAPIKeyHash looks up the merchant owning the given API key hash. It
// returns an error if no active merchant matches.
func GetByAPIKeyHash(d *db.DB, hash string) (Merchant, error) {
	var merchant Merchant
	query := `SELECT id, api_key_hash, callback_signing_secret, active, created_at, updated_at
		FROM merchants
		WHERE api_key_hash = $1 AND active = true
		LIMIT 1`
	if err := d.Get(&merchant, query, hash); err != nil {
		return Merchant{}, errors.Wrap(err, "merchant not found")
	}
	return merchant, nil
}

// GetByID looks up a merchant by primary key, active or not.
func GetByID(d *db.DB, id uuid.UUID) (Merchant, error) {
	var merchant Merchant
	query := `SELECT id, api_key_hash, callback_signing_secret, active, created_at, updated_at
		FROM merchants
		WHERE id = $1
		LIMIT 1`
	if err := d.Get(&merchant, query, id.String()); err != nil {
		return Merchant{}, errors.Wrap(err, "merchant not found")
	}
	return merchant, nil
}
