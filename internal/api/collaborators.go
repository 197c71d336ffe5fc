package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/stablegate/stablegate/internal/money"
)

// staticAllocator and fixedRatePricing are minimal, concrete stand-ins
// for the deposit-address allocator and fiat->token pricing calculator,
// both kept as interfaces only. Wiring real implementations - an
// HD-wallet address pool, a price-feed client - is deliberately left
// to operators; these let the gateway run end-to-end against
// intents.AddressAllocator/PricingCalculator without committing to
// either.
type staticAllocator struct{}

// Allocate returns a fresh synthetic address per call. A production
// allocator would draw from a custody-managed HD wallet pool instead;
// that custody boundary is out of scope here.
func (staticAllocator) Allocate(_ context.Context, _, _ string) (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "could not generate deposit address")
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// fixedRatePricing converts fiat cents to atomic token units assuming a
// 1:1 USD peg and a 6-decimal token (USDT/USDC's base unit). A
// production calculator would consult a price feed; that pricing
// boundary is out of scope here.
type fixedRatePricing struct{}

const tokenDecimals = 6

func (fixedRatePricing) Convert(_ context.Context, fiatCents money.FiatCents, _ string, _ string) (money.Atomic, error) {
	atomicPerCent := int64(1)
	for i := 0; i < tokenDecimals-2; i++ {
		atomicPerCent *= 10
	}
	return money.AtomicFromInt64(int64(fiatCents) * atomicPerCent), nil
}
