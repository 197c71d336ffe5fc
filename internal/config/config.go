// Package config collects every tunable named in the gateway's operating
// contract - confirmation depths, callback retry policy, invoice expiry,
// sweeper batching - into one struct, read the same way cmd/tlc/flags
// reads urfave/cli flags into its own conf structs.
package config

import (
	"time"

	"github.com/pkg/errors"

	"github.com/stablegate/stablegate/internal/platform/db"
)

// DefaultArbitrumConfirmations is the number of confirmations required on
// Arbitrum before a funding transfer counts toward an invoice's
// CONFIRMED transition, absent an explicit confirmations.arbitrum
// override.
const DefaultArbitrumConfirmations = 20

// Config is every runtime-tunable the gateway reads at startup. Fields
// mirror the CLI flags cmd/tlc/flags registers; nothing here is
// re-read once the process has started.
type Config struct {
	DB db.Config

	// Port is the HTTP listen port for the merchant-facing API and the
	// provider webhook receiver.
	Port int

	// LogLevel and LogHTTPLevel are parsed separately so request logging
	// can be turned up or down independent of the rest of the process.
	LogLevel     string
	LogHTTPLevel string
	LogDirectory string

	// Confirmations maps a chain name (e.g. "arbitrum") to the number of
	// confirmations a funding transfer needs before it counts toward an
	// invoice's CONFIRMED transition.
	Confirmations map[string]int64

	// InvoiceDefaultExpiry is how long a newly created invoice stays
	// payable before the sweeper expires it, absent a caller-supplied
	// override.
	InvoiceDefaultExpiry time.Duration

	// SweeperBatchSize bounds how many candidate invoices the sweeper
	// examines per lease cycle.
	SweeperBatchSize int
	// SweeperInterval is how often the sweeper attempts to acquire its
	// lease and sweep a batch.
	SweeperInterval time.Duration
	// SweeperLeaseDuration is how long the sweeper's lock row is held
	// before another process may steal it.
	SweeperLeaseDuration time.Duration

	// DispatcherClaimBatchSize and DispatcherVisibilityTimeout parameterize
	// outbox.Claim's claim protocol.
	DispatcherClaimBatchSize     int
	DispatcherVisibilityTimeout  time.Duration
	DispatcherPollInterval       time.Duration
	// CallbackTimeout bounds how long the dispatcher waits for a merchant
	// callback endpoint to respond.
	CallbackTimeout time.Duration
	// CallbackMaxAttempts is the attempt ceiling before an outbox row
	// moves to DEAD.
	CallbackMaxAttempts int
	// CallbackBackoffBase and CallbackBackoffCap parameterize
	// outbox.Backoff.
	CallbackBackoffBase time.Duration
	CallbackBackoffCap  time.Duration

	// ProviderRPCURL is the JSON-RPC endpoint used to read block height
	// and, in polling mode, transfer logs.
	ProviderRPCURL string
	// ProviderWebhookSecret verifies X-Signature on inbound provider
	// webhooks (push mode).
	ProviderWebhookSecret string
	// ProviderPollInterval is how often polling mode re-scans for new
	// transfer logs, when no push webhook is configured.
	ProviderPollInterval time.Duration

	// SendGridAPIKey and OperatorEmail configure internal/alerts.
	SendGridAPIKey string
	OperatorEmail  string
}

// ConfirmationsFor defaults every chain not explicitly configured to
// DefaultArbitrumConfirmations: Arbitrum, the gateway's first supported
// chain, defaults to 20 confirmations.
func (c Config) ConfirmationsFor(chain string) int64 {
	if n, ok := c.Confirmations[chain]; ok {
		return n
	}
	return DefaultArbitrumConfirmations
}

// Validate checks the handful of fields that have no sane zero-value
// default and must be supplied explicitly.
func (c Config) Validate() error {
	if c.ProviderWebhookSecret == "" {
		return errors.New("provider.webhook-secret must be set")
	}
	if c.SendGridAPIKey == "" {
		return errors.New("sendgrid.api-key must be set")
	}
	if c.OperatorEmail == "" {
		return errors.New("alerts.operator-email must be set")
	}
	return nil
}
