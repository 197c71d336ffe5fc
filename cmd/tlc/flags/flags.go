// Package flags provides functionality for managing flags for gatewayd
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/stablegate/stablegate/build"
	"github.com/stablegate/stablegate/internal/config"
	"github.com/stablegate/stablegate/internal/platform/db"
)

var log = build.AddSubLogger("FLAG")

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat(logging)

// ReadDbConf reads the appropriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.Config {
	conf := db.Config{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// how flags work in urfave/cli can be a bit confusing. flags belongs to a
	// context, and I haven't been able to find a natural way of scoping flags
	// correctly. so one issue that kept popping up was that DB flags were passed
	// in, but weren't picked up, because we did c.String instead of c.GlobalString.
	// however, doing c.GlobalString (or Int, or whatever) everywhere doesn't work
	// either. therefore, we recurse here until we find a context where the flags
	// are defined
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadGatewayConf reads every flag serve needs to build an
// internal/config.Config for the ingress/matcher/dispatcher/sweeper
// processes and the merchant-facing API.
func ReadGatewayConf(c *cli.Context) config.Config {
	conf := config.Config{
		DB:           ReadDbConf(c),
		Port:         c.Int("port"),
		LogLevel:     c.GlobalString("logging.level"),
		LogHTTPLevel: c.GlobalString("logging.httplevel"),
		LogDirectory: c.GlobalString("logging.directory"),

		Confirmations: map[string]int64{
			"arbitrum": c.Int64("confirmations.arbitrum"),
		},

		InvoiceDefaultExpiry: c.Duration("invoice.default-expiry"),

		SweeperBatchSize:     c.Int("sweeper.batch-size"),
		SweeperInterval:      c.Duration("sweeper.interval"),
		SweeperLeaseDuration: c.Duration("sweeper.lease-duration"),

		DispatcherClaimBatchSize:    c.Int("dispatcher.claim-batch-size"),
		DispatcherVisibilityTimeout: c.Duration("dispatcher.visibility-timeout"),
		DispatcherPollInterval:      c.Duration("dispatcher.poll-interval"),
		CallbackTimeout:             c.Duration("callback.timeout"),
		CallbackMaxAttempts:         c.Int("callback.max-attempts"),
		CallbackBackoffBase:         c.Duration("callback.backoff-base"),
		CallbackBackoffCap:          c.Duration("callback.backoff-cap"),

		ProviderRPCURL:        c.String("provider.rpc-url"),
		ProviderWebhookSecret: c.String("provider.webhook-secret"),
		ProviderPollInterval:  c.Duration("provider.poll-interval"),

		SendGridAPIKey: c.String("sendgrid.api-key"),
		OperatorEmail:  c.String("alerts.operator-email"),
	}

	if conf.Confirmations["arbitrum"] == 0 {
		delete(conf.Confirmations, "arbitrum")
	}
	return conf
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "Database user",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Database password",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "stablegate",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path"`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "internal", "platform", "db", "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Apply migrations before starting the gateway",
	},
}

// Gateway is the set of flags the serve command reads, in addition to Db.
var Gateway = Concat([]cli.Flag{
	cli.IntFlag{
		Name:  "port",
		Usage: "HTTP port the merchant API and provider webhook receiver listen on",
		Value: 8080,
	},
	cli.Int64Flag{
		Name:  "confirmations.arbitrum",
		Usage: "Confirmations required on Arbitrum before a funding transfer counts toward CONFIRMED",
	},
	cli.DurationFlag{
		Name:  "invoice.default-expiry",
		Usage: "How long a newly created invoice stays payable before the sweeper expires it",
		Value: 15 * time.Minute,
	},
	cli.IntFlag{
		Name:  "sweeper.batch-size",
		Usage: "Max number of candidate invoices the sweeper examines per lease cycle",
		Value: 100,
	},
	cli.DurationFlag{
		Name:  "sweeper.interval",
		Usage: "How often the sweeper attempts to acquire its lease and sweep a batch",
		Value: 30 * time.Second,
	},
	cli.DurationFlag{
		Name:  "sweeper.lease-duration",
		Usage: "How long the sweeper's lock row is held before another process may steal it",
		Value: 2 * time.Minute,
	},
	cli.IntFlag{
		Name:  "dispatcher.claim-batch-size",
		Usage: "Max number of outbox records the dispatcher claims per tick",
		Value: 50,
	},
	cli.DurationFlag{
		Name:  "dispatcher.visibility-timeout",
		Usage: "How long a claimed outbox record stays invisible to other dispatcher workers",
		Value: 30 * time.Second,
	},
	cli.DurationFlag{
		Name:  "dispatcher.poll-interval",
		Usage: "How often the dispatcher polls the outbox for claimable records",
		Value: 2 * time.Second,
	},
	cli.DurationFlag{
		Name:  "callback.timeout",
		Usage: "How long the dispatcher waits for a merchant callback endpoint to respond",
		Value: 10 * time.Second,
	},
	cli.IntFlag{
		Name:  "callback.max-attempts",
		Usage: "Attempt ceiling before an outbox row moves to DEAD",
		Value: 12,
	},
	cli.DurationFlag{
		Name:  "callback.backoff-base",
		Usage: "Base delay for the dispatcher's exponential backoff",
		Value: 5 * time.Second,
	},
	cli.DurationFlag{
		Name:  "callback.backoff-cap",
		Usage: "Cap on the dispatcher's exponential backoff delay",
		Value: 1 * time.Hour,
	},
	cli.StringFlag{
		Name:     "provider.rpc-url",
		Usage:    "JSON-RPC endpoint for reading block height and, in polling mode, transfer logs",
		Required: true,
	},
	cli.StringFlag{
		Name:     "provider.webhook-secret",
		Usage:    "Shared secret used to verify X-Signature on inbound provider webhooks",
		EnvVar:   "PROVIDER_WEBHOOK_SECRET",
		Required: true,
	},
	cli.DurationFlag{
		Name:  "provider.poll-interval",
		Usage: "How often polling mode re-scans for new transfer logs, when no push webhook is configured",
		Value: 15 * time.Second,
	},
	cli.StringFlag{
		Name:     "sendgrid.api-key",
		Usage:    "SendGrid API key used to email operators about poisoned events and dead outbox rows",
		EnvVar:   "SENDGRID_API_KEY",
		Required: true,
	},
	cli.StringFlag{
		Name:     "alerts.operator-email",
		Usage:    "Address that receives operator alert emails",
		Required: true,
	},

	// dummy data generation
	cli.BoolFlag{
		Name:  "dummy.gen-data",
		Usage: "Populate the DB with fake merchants, invoices, and payment intents on startup",
	},
	cli.BoolFlag{
		Name:  "dummy.force",
		Usage: "Skip the confirmation prompt before populating with dummy data",
	},
	cli.BoolFlag{
		Name:  "dummy.only-once",
		Usage: "Only fill with dummy data if the merchants table is empty",
	},
}, Db)

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:  "logging.httplevel",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for HTTP requests {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "logs")
		}(),
		Usage: "What directory to write log files to",
	},
}
