package actions

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/stablegate/stablegate/build"
	"github.com/stablegate/stablegate/cmd/tlc/flags"
	"github.com/stablegate/stablegate/dummy"
	"github.com/stablegate/stablegate/internal/alerts"
	"github.com/stablegate/stablegate/internal/api"
	"github.com/stablegate/stablegate/internal/dispatcher"
	"github.com/stablegate/stablegate/internal/platform/db"
	"github.com/stablegate/stablegate/internal/provider"
	"github.com/stablegate/stablegate/internal/sweeper"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// awaitProvider waits for the chain RPC endpoint to answer before the
// dispatcher/sweeper/API goroutines start depending on it.
func awaitProvider(ctx context.Context, client *provider.Client) error {
	var lastErr error
	for attempt := 0; attempt < rpcAwaitAttempts; attempt++ {
		_, err := client.CurrentBlock(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		log.WithError(err).Debug("provider RPC not yet reachable")
		time.Sleep(rpcAwaitDuration)
	}
	return fmt.Errorf("couldn't reach provider RPC: %w", lastErr)
}

// Serve starts the ingress/matcher/dispatcher/sweeper worker loops and
// the merchant-facing REST API and provider webhook receiver in one
// process: a single gatewayd process runs every worker loop plus the
// HTTP API.
func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the stablecoin payment gateway",
		Action: func(c *cli.Context) error {
			conf := flags.ReadGatewayConf(c)
			if err := conf.Validate(); err != nil {
				return err
			}

			database, err := db.Open(conf.DB)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			status, err := database.MigrationStatus()
			if err != nil {
				return fmt.Errorf("could not query DB migration status: %w", err)
			}
			if c.Bool("db.migrateup") {
				if status.Dirty {
					return fmt.Errorf("database migration version %d is dirty", status.Version)
				}
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			providerClient, err := provider.Dial(ctx, "arbitrum", conf.ProviderRPCURL)
			if err != nil {
				return err
			}
			defer providerClient.Close()

			if err := awaitProvider(ctx, providerClient); err != nil {
				return err
			}
			log.Info("provider RPC is reachable")

			alertSender := alerts.NewSendGridSender(conf.SendGridAPIKey, conf.OperatorEmail)

			disp := dispatcher.New(database, &http.Client{Timeout: conf.CallbackTimeout}, providerClient, alertSender, dispatcher.Config{
				ClaimBatchSize:    conf.DispatcherClaimBatchSize,
				VisibilityTimeout: conf.DispatcherVisibilityTimeout,
				PollInterval:      conf.DispatcherPollInterval,
				CallbackTimeout:   conf.CallbackTimeout,
				MaxAttempts:       conf.CallbackMaxAttempts,
				BackoffBase:       conf.CallbackBackoffBase,
				BackoffCap:        conf.CallbackBackoffCap,
				ConfirmationsFor:  conf.ConfirmationsFor,
			})
			go disp.Run(ctx)

			hostname, err := os.Hostname()
			if err != nil {
				hostname = "unknown-host"
			}
			sweep := sweeper.New(database, hostname, conf.SweeperBatchSize, conf.SweeperInterval, conf.SweeperLeaseDuration)
			go sweep.Run(ctx)

			if c.Bool("dummy.gen-data") {
				proceed := c.Bool("dummy.force")
				if !proceed {
					fmt.Println("Are you sure you want to fill dummy data? y/n")
					proceed = askForConfirmation()
				}
				if !proceed {
					log.Info("Not populating DB with dummy data")
				} else if err := dummy.FillWithData(database, c.Bool("dummy.only-once")); err != nil {
					return err
				}
			}

			logLevel, err := build.ToLogLevel(conf.LogLevel)
			if err != nil {
				return err
			}

			app, err := api.NewApp(database, api.Config{
				LogLevel:              logLevel,
				ProviderWebhookSecret: conf.ProviderWebhookSecret,
				InvoiceDefaultExpiry:  conf.InvoiceDefaultExpiry,
			})
			if err != nil {
				return err
			}

			address := fmt.Sprintf(":%d", conf.Port)
			return app.Router.Run(address)
		},
	}

	serve.Flags = flags.Gateway
	return serve
}
