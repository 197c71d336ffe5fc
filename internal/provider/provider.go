// Package provider is the gateway's one seam onto the outside
// blockchain: reading current block height for confirmation counting,
// and normalizing inbound transfer notifications - whether pushed by
// the provider's webhook or discovered by polling - into the
// internal/transfers.Event shape internal/ingress.Accept consumes.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/stablegate/stablegate/async"
	"github.com/stablegate/stablegate/build"
	"github.com/stablegate/stablegate/internal/ingress"
	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/internal/platform/db"
	"github.com/stablegate/stablegate/internal/transfers"
)

var log = build.AddSubLogger("PROV")

// rpcAwaitAttempts and rpcAwaitRetryDelay bound how long Client methods
// retry a failing RPC call before giving up.
const (
	rpcAwaitAttempts  = 3
	rpcAwaitRetryDelay = 500 * time.Millisecond
)

// Client wraps an ethclient.Client with the narrow surface the gateway
// needs: current block height for confirmation counting.
type Client struct {
	eth   *ethclient.Client
	chain string
}

// Dial connects to a chain's JSON-RPC endpoint.
func Dial(ctx context.Context, chain, rpcURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial %s RPC at %s", chain, rpcURL)
	}
	return &Client{eth: eth, chain: chain}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// CurrentBlock returns the chain's current block height, retried up to
// rpcAwaitAttempts times against transient RPC failures.
func (c *Client) CurrentBlock(ctx context.Context) (int64, error) {
	var height uint64
	err := async.Retry(rpcAwaitAttempts, rpcAwaitRetryDelay, func() error {
		h, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "could not read current block height for %s", c.chain)
	}
	return int64(height), nil
}

// WebhookEnvelope is the shape of the provider's push notification
// body. Field names are the provider's own wire format, not ours -
// Normalize translates it.
type WebhookEnvelope struct {
	Chain       string `json:"chain"`
	TxHash      string `json:"txHash"`
	LogIndex    int    `json:"logIndex"`
	Token       string `json:"tokenContract"`
	To          string `json:"toAddress"`
	Amount      string `json:"amount"`
	BlockNumber int64  `json:"blockNumber"`
	EventID     string `json:"eventId"`
}

// Normalize validates and converts a provider webhook body into the
// normalized ingress event shape.
func Normalize(body []byte) (transfers.Event, error) {
	var envelope WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return transfers.Event{}, errors.Wrap(err, "could not decode provider webhook body")
	}
	if !common.IsHexAddress(envelope.To) {
		return transfers.Event{}, errors.Errorf("webhook toAddress %q is not a valid address", envelope.To)
	}
	if envelope.TxHash == "" {
		return transfers.Event{}, errors.New("webhook txHash is required")
	}
	amount, err := money.NewAtomic(envelope.Amount)
	if err != nil {
		return transfers.Event{}, errors.Wrap(err, "webhook amount is not a valid atomic amount")
	}
	return transfers.Event{
		Chain:           envelope.Chain,
		TxHash:          envelope.TxHash,
		LogIndex:        envelope.LogIndex,
		Token:           envelope.Token,
		To:              common.HexToAddress(envelope.To).Hex(),
		Amount:          amount,
		BlockNumber:     envelope.BlockNumber,
		ProviderEventID: envelope.EventID,
	}, nil
}

// LogFetcher is the narrow seam polling mode needs from a chain client:
// every ERC-20 Transfer log observed at or above fromBlock, normalized
// into transfers.Event. A concrete implementation filters logs via
// ethclient.FilterLogs against the deposit-address/token registry (out
// of scope here, same as AddressAllocator); this interface is the seam
// Poller depends on so it can be tested without one.
type LogFetcher interface {
	TransferLogsSince(ctx context.Context, fromBlock int64) ([]transfers.Event, error)
}

// Poller periodically re-scans for new transfer logs and feeds them into
// internal/ingress.Accept - the ambient polling-mode counterpart to
// `POST /webhooks/provider` for providers that push instead of being
// polled.
type Poller struct {
	Fetcher  LogFetcher
	DB       *db.DB
	Interval time.Duration

	lastBlock int64
}

// Run polls until ctx is cancelled, feeding every discovered transfer
// into ingress.Accept. A single misbehaving event does not stop the
// loop - ingress.Accept's own poison-event quarantine handles durable
// failures, and transient ones are retried on the next tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	events, err := p.Fetcher.TransferLogsSince(ctx, p.lastBlock)
	if err != nil {
		log.WithError(err).Warn("could not poll for transfer logs")
		return
	}
	for _, evt := range events {
		if err := ingress.Accept(p.DB, evt); err != nil {
			log.WithError(err).WithField("txHash", evt.TxHash).Error("could not accept polled transfer")
			continue
		}
		if evt.BlockNumber > p.lastBlock {
			p.lastBlock = evt.BlockNumber
		}
	}
}
