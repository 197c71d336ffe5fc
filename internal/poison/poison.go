// Package poison quarantines events that fail an invariant check so
// instead of silently corrupting state or crashing, they are recorded
// for operator inspection and the caller's transaction is rolled back:
// abort transaction, log loudly, continue serving other requests.
package poison

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/internal/platform/db"
)

// Event is the database representation of a quarantined event.
type Event struct {
	ID             uuid.UUID       `db:"id"`
	Source         string          `db:"source"`
	RawPayload     json.RawMessage `db:"raw_payload"`
	Error          string          `db:"error"`
	CreatedAt      time.Time       `db:"created_at"`
	AcknowledgedAt *time.Time      `db:"acknowledged_at"`
}

// Quarantine records source/payload/reason in a fresh, independent
// transaction (db, not the caller's *sqlx.Tx, since the caller's
// transaction is about to be rolled back). Call this from a recover/error
// path after the offending transaction has already been aborted.
func Quarantine(d *db.DB, source string, payload interface{}, reason string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(`"could not encode payload: ` + err.Error() + `"`)
	}

	query := `INSERT INTO poison_events (id, source, raw_payload, error)
		VALUES ($1, $2, $3, $4)`
	if _, err := d.Exec(query, uuid.NewV4().String(), source, encoded, reason); err != nil {
		return errors.Wrap(err, "could not write poison event")
	}
	return nil
}

// Unacknowledged returns every poison event an operator hasn't yet
// marked resolved, oldest first.
func Unacknowledged(d *db.DB) ([]Event, error) {
	var events []Event
	query := `SELECT id, source, raw_payload, error, created_at, acknowledged_at
		FROM poison_events
		WHERE acknowledged_at IS NULL
		ORDER BY created_at ASC`
	if err := d.Select(&events, query); err != nil {
		return nil, errors.Wrap(err, "could not list poison events")
	}
	return events, nil
}

// Acknowledge marks a poison event resolved.
func Acknowledge(d *db.DB, id uuid.UUID) error {
	query := `UPDATE poison_events SET acknowledged_at = now() WHERE id = $1`
	_, err := d.Exec(query, id.String())
	return errors.Wrap(err, "could not acknowledge poison event")
}
