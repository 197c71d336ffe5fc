// Package dispatcher drains internal/outbox and turns each record into
// the side effect it describes: a signed merchant callback for the
// wire-visible kinds, or a confirmation re-check for
// PAID_AWAITING_CONFIRMATION.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/stablegate/stablegate/build"
	"github.com/stablegate/stablegate/internal/alerts"
	"github.com/stablegate/stablegate/internal/engine"
	"github.com/stablegate/stablegate/internal/intents"
	"github.com/stablegate/stablegate/internal/invoices"
	"github.com/stablegate/stablegate/internal/merchants"
	"github.com/stablegate/stablegate/internal/outbox"
	"github.com/stablegate/stablegate/internal/platform/db"
	"github.com/stablegate/stablegate/internal/provider"
	"github.com/stablegate/stablegate/internal/signing"
	"github.com/stablegate/stablegate/internal/transfers"
)

var log = build.AddSubLogger("DISP")

// HTTPPoster is the merchant callback transport seam: a single method
// so the HMAC signature/timestamp headers can be set on the request
// before it's sent. Small enough to mock in tests, satisfied by
// *http.Client without modification.
type HTTPPoster interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config parameterizes one dispatcher worker loop.
type Config struct {
	ClaimBatchSize    int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	CallbackTimeout   time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	ConfirmationsFor  func(chain string) int64
}

// calloutStore is the narrow read seam buildEnvelope needs to assemble a
// callback: small enough to fake in tests without a live Postgres, even
// though the claim/credit/confirmation paths above it stay on concrete
// *db.DB/*sqlx.Tx (their row-locking semantics are genuinely
// Postgres-specific and not worth faking).
type calloutStore interface {
	InvoiceByID(id uuid.UUID) (invoices.Invoice, error)
	MerchantByID(id uuid.UUID) (merchants.Merchant, error)
	IntentByID(id uuid.UUID) (intents.Intent, error)
	FundingIntent(invoiceID uuid.UUID) (intents.Intent, bool, error)
	TxHashesForIntent(intentID uuid.UUID) ([]string, error)
}

// dbCalloutStore is the production calloutStore, backed by the real
// database.
type dbCalloutStore struct {
	db *db.DB
}

func (s dbCalloutStore) InvoiceByID(id uuid.UUID) (invoices.Invoice, error) {
	return invoiceByID(s.db, id)
}

func (s dbCalloutStore) MerchantByID(id uuid.UUID) (merchants.Merchant, error) {
	return merchants.GetByID(s.db, id)
}

func (s dbCalloutStore) IntentByID(id uuid.UUID) (intents.Intent, error) {
	return intents.GetByID(s.db, id)
}

func (s dbCalloutStore) FundingIntent(invoiceID uuid.UUID) (intents.Intent, bool, error) {
	return intents.GetFundingIntent(s.db, invoiceID)
}

func (s dbCalloutStore) TxHashesForIntent(intentID uuid.UUID) ([]string, error) {
	return transfers.TxHashesForIntent(s.db, intentID)
}

// Dispatcher claims and processes outbox records in a loop.
type Dispatcher struct {
	db       *db.DB
	store    calloutStore
	poster   HTTPPoster
	provider *provider.Client
	alerts   alerts.Sender
	cfg      Config
}

// New builds a Dispatcher.
func New(d *db.DB, poster HTTPPoster, providerClient *provider.Client, sender alerts.Sender, cfg Config) *Dispatcher {
	return &Dispatcher{db: d, store: dbCalloutStore{db: d}, poster: poster, provider: providerClient, alerts: sender, cfg: cfg}
}

// Run claims and processes batches until ctx is cancelled.
func (disp *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(disp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			disp.tick(ctx)
		}
	}
}

func (disp *Dispatcher) tick(ctx context.Context) {
	records, err := outbox.Claim(disp.db, disp.cfg.ClaimBatchSize, disp.cfg.VisibilityTimeout)
	if err != nil {
		log.WithError(err).Error("could not claim outbox records")
		return
	}
	for _, record := range records {
		disp.process(ctx, record)
	}
}

func (disp *Dispatcher) process(ctx context.Context, record outbox.Record) {
	claimToken := record.ClaimToken.UUID

	var err error
	switch record.Kind {
	case outbox.KindPaidAwaitingConfirm:
		err = disp.checkConfirmation(ctx, record)
	case outbox.KindReorgCheck:
		err = disp.checkReorg(ctx, record)
	default:
		err = disp.deliverCallback(record)
	}

	if err == nil {
		if markErr := outbox.MarkDone(disp.db, record.ID, claimToken); markErr != nil {
			log.WithError(markErr).WithField("recordId", record.ID).Error("could not mark outbox record done")
		}
		return
	}

	if errors.Is(err, errNotYetConfirmed) {
		// Not a delivery failure: just keep polling at a fixed cadence
		// until the chain catches up, never counting against the callback
		// retry budget.
		next := time.Now().UTC().Add(disp.cfg.PollInterval)
		if rescheduleErr := outbox.ReschedulePoll(disp.db, record.ID, claimToken, next); rescheduleErr != nil {
			log.WithError(rescheduleErr).WithField("recordId", record.ID).Error("could not reschedule confirmation poll")
		}
		return
	}

	if errors.Is(err, errKeepWatchingReorg) {
		next := time.Now().UTC().Add(disp.cfg.PollInterval)
		if rescheduleErr := outbox.ReschedulePollCounting(disp.db, record.ID, claimToken, next); rescheduleErr != nil {
			log.WithError(rescheduleErr).WithField("recordId", record.ID).Error("could not reschedule reorg check")
		}
		return
	}

	var permErr *permanentCallbackError
	if errors.As(err, &permErr) {
		// 4xx other than 408/425/429 is a permanent external failure -
		// dead immediately, no retry budget spent on it.
		log.WithError(err).WithField("recordId", record.ID).Error("merchant callback permanently failed, marking dead")
		if markErr := outbox.MarkDead(disp.db, record.ID, claimToken, err.Error()); markErr != nil {
			log.WithError(markErr).WithField("recordId", record.ID).Error("could not mark outbox record dead")
			return
		}
		if alertErr := disp.alerts.SendOutboxDead(record.ID.String(), string(record.Kind), err.Error()); alertErr != nil {
			log.WithError(alertErr).Error("could not notify operator of dead outbox record")
		}
		return
	}

	disp.reschedule(record, claimToken, err)
}

// permanentCallbackError marks a callback delivery failure that must
// not be retried: every merchant-endpoint 4xx other than
// 408/425/429 is a permanent external failure, not a transient
// infrastructure one.
type permanentCallbackError struct {
	statusCode int
}

func (e *permanentCallbackError) Error() string {
	return errors.Errorf("callback endpoint returned permanent failure status %d", e.statusCode).Error()
}

// transientStatus reports whether an HTTP status the merchant endpoint
// returned should be retried with backoff rather than dead-lettered
// immediately.
func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	default:
		return code >= 500
	}
}

func (disp *Dispatcher) reschedule(record outbox.Record, claimToken uuid.UUID, causeErr error) {
	nextAttempt := time.Now().UTC().Add(outbox.Backoff(record.AttemptCount, disp.cfg.BackoffBase, disp.cfg.BackoffCap, jitter()))
	if err := outbox.Reschedule(disp.db, record.ID, claimToken, nextAttempt, causeErr.Error(), disp.cfg.MaxAttempts); err != nil {
		log.WithError(err).WithField("recordId", record.ID).Error("could not reschedule outbox record")
		return
	}
	if record.AttemptCount+1 >= disp.cfg.MaxAttempts {
		if alertErr := disp.alerts.SendOutboxDead(record.ID.String(), string(record.Kind), causeErr.Error()); alertErr != nil {
			log.WithError(alertErr).Error("could not notify operator of dead outbox record")
		}
	}
}

// jitter returns a uniform value in [0.5, 1.5), matching the tolerance
// outbox.Backoff's doc comment specifies. Tests exercise outbox.Backoff
// directly with a fixed jitter value, so this source doesn't need to be
// deterministic.
func jitter() float64 {
	return 0.5 + rand.Float64()
}

// deliverCallback signs and POSTs the callback payload for every kind
// that is visible on the wire (everything except
// PAID_AWAITING_CONFIRMATION, which is purely an internal scheduling
// signal).
func (disp *Dispatcher) deliverCallback(record outbox.Record) error {
	if !record.InvoiceID.Valid {
		return errors.Errorf("outbox record %s of kind %s has no invoice id", record.ID, record.Kind)
	}

	invoice, err := disp.store.InvoiceByID(record.InvoiceID.UUID)
	if err != nil {
		return errors.Wrap(err, "could not load invoice for callback")
	}
	merchant, err := disp.store.MerchantByID(invoice.MerchantID)
	if err != nil {
		return errors.Wrap(err, "could not load merchant for callback")
	}
	if invoice.CallbackURL == "" {
		// No callback configured: nothing to deliver, but still a
		// successful outcome for the outbox row.
		return nil
	}

	envelope, err := disp.buildEnvelope(record, invoice)
	if err != nil {
		return errors.Wrap(err, "could not build callback envelope")
	}
	if envelope.Status == engine.WireUnderpaid {
		// UNDERPAID is internal-only: the row completes without a callback.
		return nil
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "could not marshal callback envelope")
	}

	timestamp := time.Now().UTC().Unix()
	signature := signing.Sign(merchant.CallbackSigningSecret, timestamp, body)

	req, err := http.NewRequest(http.MethodPost, invoice.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "could not build callback request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderSignature, signature)
	req.Header.Set(signing.HeaderTimestamp, signing.Timestamp(time.Unix(timestamp, 0)))
	req.Header.Set(signing.HeaderIdempotencyKey, record.DeliveryID.String())

	resp, err := disp.poster.Do(req)
	if err != nil {
		return errors.Wrap(err, "callback request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && !transientStatus(resp.StatusCode) {
			return &permanentCallbackError{statusCode: resp.StatusCode}
		}
		return errors.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// buildEnvelope assembles the spec.md-§6 callback wire shape for a
// claimed outbox row: every kind delivers the same nine fields, the
// representative intent supplying token/chain/paidAmountAtomic/txHashes
// is either the one named in the triggering payload (every kind but
// INVOICE_STATUS_CHANGED carries an intent id) or, failing that, the
// invoice's best-funded intent per intents.GetFundingIntent.
func (disp *Dispatcher) buildEnvelope(record outbox.Record, invoice invoices.Invoice) (engine.CallbackEnvelope, error) {
	wireStatus, intentID, hasIntentID, err := decodeCallbackPayload(record)
	if err != nil {
		return engine.CallbackEnvelope{}, err
	}

	var (
		intent    intents.Intent
		hasIntent bool
	)
	if hasIntentID {
		intent, err = disp.store.IntentByID(intentID)
		if err != nil {
			return engine.CallbackEnvelope{}, errors.Wrap(err, "could not load intent for callback")
		}
		hasIntent = true
	} else {
		intent, hasIntent, err = disp.store.FundingIntent(invoice.ID)
		if err != nil {
			return engine.CallbackEnvelope{}, errors.Wrap(err, "could not load funding intent for callback")
		}
	}

	if wireStatus == "" {
		wireStatus = engine.WireStatusForInvoice(invoice.Status, intent.Status, hasIntent)
	}

	envelope := engine.CallbackEnvelope{
		DeliveryID:      record.DeliveryID.String(),
		InvoiceID:       invoice.ID.String(),
		MerchantOrderID: invoice.MerchantOrderID,
		Status:          wireStatus,
		OccurredAt:      record.CreatedAt.UTC().Format(time.RFC3339),
	}

	if hasIntent {
		envelope.PaidAmountAtomic = intent.CreditedAtomicAmount.String()
		envelope.Token = intent.Token
		envelope.Chain = intent.Chain

		txHashes, err := disp.store.TxHashesForIntent(intent.ID)
		if err != nil {
			return engine.CallbackEnvelope{}, errors.Wrap(err, "could not load tx hashes for callback")
		}
		envelope.TxHashes = txHashes
	} else {
		envelope.PaidAmountAtomic = "0"
	}

	return envelope, nil
}

// decodeCallbackPayload unmarshals record.Payload into the per-kind
// struct engine produced it as, returning the wire status it already
// carries (INVOICE_STATUS_CHANGED only - every other kind's wire status
// is derived from the invoice/intent's current state instead) and the
// intent id it references, if any.
func decodeCallbackPayload(record outbox.Record) (wireStatus string, intentID uuid.UUID, hasIntentID bool, err error) {
	switch record.Kind {
	case outbox.KindInvoiceStatusChanged:
		var payload engine.InvoiceStatusChangedPayload
		if err = json.Unmarshal(record.Payload, &payload); err != nil {
			return "", uuid.UUID{}, false, errors.Wrap(err, "could not decode invoice-status-changed payload")
		}
		return payload.WireStatus, uuid.UUID{}, false, nil
	case outbox.KindOverpayment:
		var payload engine.OverpaymentPayload
		if err = json.Unmarshal(record.Payload, &payload); err != nil {
			return "", uuid.UUID{}, false, errors.Wrap(err, "could not decode overpayment payload")
		}
		return "", payload.IntentID, true, nil
	case outbox.KindLateFunds:
		var payload engine.LateFundsPayload
		if err = json.Unmarshal(record.Payload, &payload); err != nil {
			return "", uuid.UUID{}, false, errors.Wrap(err, "could not decode late-funds payload")
		}
		return "", payload.IntentID, true, nil
	case outbox.KindOverpaymentAfterTerminal:
		var payload engine.OverpaymentAfterTerminalPayload
		if err = json.Unmarshal(record.Payload, &payload); err != nil {
			return "", uuid.UUID{}, false, errors.Wrap(err, "could not decode overpayment-after-terminal payload")
		}
		return "", payload.IntentID, true, nil
	case outbox.KindChargebackSuspected:
		var payload engine.ChargebackSuspectedPayload
		if err = json.Unmarshal(record.Payload, &payload); err != nil {
			return "", uuid.UUID{}, false, errors.Wrap(err, "could not decode chargeback-suspected payload")
		}
		return "", payload.IntentID, true, nil
	default:
		return "", uuid.UUID{}, false, errors.Errorf("outbox kind %s is not a wire-visible callback", record.Kind)
	}
}

// checkConfirmation re-evaluates a PAID invoice's funding transfers
// against current block height and advances it to CONFIRMED once every
// contributing transfer has reached the chain's configured confirmation
// depth. If confirmation hasn't yet
// been reached, the record is rescheduled rather than marked done -
// callers of process() treat a non-nil error as "retry later", so a
// sentinel "not yet" error drives that path without logging noise.
func (disp *Dispatcher) checkConfirmation(ctx context.Context, record outbox.Record) error {
	var payload engine.PaidAwaitingConfirmationPayload
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		return errors.Wrap(err, "could not decode confirmation payload")
	}

	tx, err := disp.db.BeginTx()
	if err != nil {
		return errors.Wrap(err, "could not begin confirmation-check transaction")
	}
	defer func() { _ = tx.Rollback() }()

	invoice, err := invoiceByID(disp.db, payload.InvoiceID)
	if err != nil {
		return errors.Wrap(err, "could not load invoice for confirmation check")
	}

	currentBlock, err := disp.provider.CurrentBlock(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read current block height")
	}

	allConfirmed, err := disp.allTransfersConfirmed(payload.IntentID, currentBlock)
	if err != nil {
		return errors.Wrap(err, "could not evaluate confirmation depth")
	}

	result := engine.ApplyConfirmation(payload.InvoiceID, payload.IntentID, invoice.Status, allConfirmed)
	if result.NewInvoiceStatus == invoice.Status {
		if allConfirmed {
			return nil
		}
		return errNotYetConfirmed
	}

	if err := invoices.UpdateStatus(tx, invoice.ID, result.NewInvoiceStatus); err != nil {
		return errors.Wrap(err, "could not update invoice to confirmed")
	}
	if err := outbox.Insert(tx, result.Records); err != nil {
		return errors.Wrap(err, "could not insert confirmation outbox records")
	}
	return tx.Commit()
}

var errNotYetConfirmed = errors.New("funding transfers have not yet reached required confirmation depth")
var errKeepWatchingReorg = errors.New("reorg watch has checks remaining")

// checkReorg implements the post-CONFIRMED half of the confirmation
// rule: a CONFIRMED invoice never regresses in status, but if a reorg
// has since dropped a funding transfer's confirmations below threshold,
// that's raised as an observability-only CHARGEBACK_SUSPECTED record.
// The watch runs for at most engine.ReorgCheckWindow polls before it
// stops, regardless of outcome.
func (disp *Dispatcher) checkReorg(ctx context.Context, record outbox.Record) error {
	var payload engine.ReorgCheckPayload
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		return errors.Wrap(err, "could not decode reorg check payload")
	}

	invoice, err := invoiceByID(disp.db, payload.InvoiceID)
	if err != nil {
		return errors.Wrap(err, "could not load invoice for reorg check")
	}

	currentBlock, err := disp.provider.CurrentBlock(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read current block height")
	}

	allConfirmed, err := disp.allTransfersConfirmed(payload.IntentID, currentBlock)
	if err != nil {
		return errors.Wrap(err, "could not evaluate confirmation depth")
	}

	if chargebackRecords := engine.ApplyReorgCheck(payload.InvoiceID, payload.IntentID, invoice.Status, allConfirmed); len(chargebackRecords) > 0 {
		tx, err := disp.db.BeginTx()
		if err != nil {
			return errors.Wrap(err, "could not begin chargeback-suspected transaction")
		}
		if err := outbox.Insert(tx, chargebackRecords); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "could not insert chargeback-suspected outbox record")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "could not commit chargeback-suspected outbox record")
		}
		if alertErr := disp.alerts.SendChargebackSuspected(payload.InvoiceID.String(), payload.IntentID.String()); alertErr != nil {
			log.WithError(alertErr).Error("could not notify operator of suspected chargeback")
		}
	}

	if record.AttemptCount+1 >= engine.ReorgCheckWindow {
		return nil
	}
	return errKeepWatchingReorg
}

func (disp *Dispatcher) allTransfersConfirmed(intentID uuid.UUID, currentBlock int64) (bool, error) {
	tx, err := disp.db.BeginTx()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []transfers.Transfer
	query := `SELECT t.id, t.chain, t.tx_hash, t.log_index, t.token_contract, t.to_address,
			t.atomic_amount, t.block_number, t.provider_event_id, t.first_seen_at, t.last_seen_at
		FROM transfers t
		JOIN intent_funds f ON f.transfer_id = t.id
		WHERE f.intent_id = $1`
	if err := tx.Select(&rows, query, intentID.String()); err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	for _, t := range rows {
		required := disp.cfg.ConfirmationsFor(t.Chain)
		if t.Confirmations(currentBlock) < required {
			return false, nil
		}
	}
	return true, nil
}

func invoiceByID(d *db.DB, id uuid.UUID) (invoices.Invoice, error) {
	var invoice invoices.Invoice
	query := `SELECT id, merchant_id, merchant_order_id, fiat_amount_cents, currency, allowed_options, callback_url, expires_at, status, created_at, updated_at
		FROM invoices WHERE id = $1`
	if err := d.Get(&invoice, query, id.String()); err != nil {
		return invoices.Invoice{}, err
	}
	return invoice, nil
}
