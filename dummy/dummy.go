// Package dummy populates a development database with fake merchants,
// invoices, and payment intents, the same way a regtest-seeding dummy
// package fills a database with fake users and transactions.
package dummy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/sirupsen/logrus"

	"github.com/stablegate/stablegate/build"
	"github.com/stablegate/stablegate/internal/intents"
	"github.com/stablegate/stablegate/internal/invoices"
	"github.com/stablegate/stablegate/internal/merchants"
	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/internal/platform/db"
)

var log = build.AddSubLogger("DMMY")

func init() {
	mathrand.Seed(time.Now().Unix())
}

// chainOptions mirrors the (token, chain) pairs the gateway supports.
var chainOptions = []invoices.Option{
	{Token: "USDT", Chain: "arbitrum"},
	{Token: "USDC", Chain: "arbitrum"},
}

const (
	merchantCount        = 5
	minInvoicesPerMerchant = 10
	maxInvoicesPerMerchant = 40
)

// FillWithData populates the database with fake merchants, invoices, and
// payment intents.
func FillWithData(d *db.DB, onlyOnce bool) error {
	log.WithField("onlyOnce", onlyOnce).Info("Populating DB with dummy data")
	gofakeit.Seed(time.Now().UnixNano())

	if onlyOnce {
		var count int
		if err := d.Get(&count, "SELECT count(*) FROM merchants"); err == nil && count != 0 {
			log.Info("DB has data, not populating with further data")
			return nil
		}
	}

	var wg sync.WaitGroup
	for m := 0; m < merchantCount; m++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			createMerchant(d)
		}()
	}
	wg.Wait()

	log.WithField("merchantCount", merchantCount).Info("Created dummy data")
	return nil
}

func createMerchant(d *db.DB) {
	merchant, rawKey, err := merchants.Create(d)
	if err != nil {
		log.WithError(err).Error("Could not create merchant")
		return
	}
	log.WithFields(logrus.Fields{
		"merchantId": merchant.ID,
		"apiKey":     rawKey,
	}).Debug("Generated merchant")

	createInvoicesForMerchant(d, merchant)
}

func createInvoicesForMerchant(d *db.DB, merchant merchants.Merchant) {
	invoiceCount := gofakeit.Number(minInvoicesPerMerchant, maxInvoicesPerMerchant)

	for i := 0; i < invoiceCount; i++ {
		invoice, err := invoices.Create(d, invoices.CreateParams{
			MerchantID:      merchant.ID,
			MerchantOrderID: fmt.Sprintf("dummy-order-%s", gofakeit.UUID()),
			FiatAmountCents: money.FiatCents(gofakeit.Number(500, 500_00)),
			Currency:        "USD",
			AllowedOptions:  chainOptions,
			CallbackURL:     "",
			ExpiresAt:       time.Now().UTC().Add(time.Duration(gofakeit.Number(5, 60)) * time.Minute),
		})
		if err != nil {
			log.WithError(err).Error("Could not create dummy invoice")
			continue
		}

		// about half of the invoices get an intent, starting the funding flow
		if gofakeit.Bool() {
			createIntentForInvoice(d, invoice)
		}
	}

	log.WithFields(logrus.Fields{
		"merchantId":   merchant.ID,
		"invoiceCount": invoiceCount,
	}).Debug("Created invoices for merchant")
}

func createIntentForInvoice(d *db.DB, invoice invoices.Invoice) {
	option := chainOptions[mathrand.Intn(len(chainOptions))]
	_, err := intents.Create(context.Background(), d, fakeAllocator{}, fakePricing{},
		invoice.FiatAmountCents, invoice.Currency, intents.CreateParams{
			InvoiceID: invoice.ID,
			Token:     option.Token,
			Chain:     option.Chain,
		})
	if err != nil {
		log.WithError(err).Error("Could not create dummy payment intent")
	}
}

// fakeAllocator and fakePricing are throwaway stand-ins for the
// out-of-scope AddressAllocator/PricingCalculator collaborators - just
// enough to seed a development database, not a substitute for
// internal/api's own stand-ins.
type fakeAllocator struct{}

func (fakeAllocator) Allocate(_ context.Context, _, _ string) (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(buf), nil
}

type fakePricing struct{}

func (fakePricing) Convert(_ context.Context, fiatCents money.FiatCents, _ string, _ string) (money.Atomic, error) {
	atomic := new(big.Int).Mul(big.NewInt(int64(fiatCents)), big.NewInt(10000))
	return money.NewAtomic(atomic.String())
}
