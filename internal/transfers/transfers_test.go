package transfers_test

import (
	"testing"

	"github.com/stablegate/stablegate/internal/transfers"
	"github.com/stablegate/stablegate/testutil"
)

func TestConfirmations_InclusiveOfContainingBlock(t *testing.T) {
	transfer := transfers.Transfer{BlockNumber: 100}
	testutil.AssertEqual(t, int64(1), transfer.Confirmations(100))
	testutil.AssertEqual(t, int64(21), transfer.Confirmations(120))
}

func TestConfirmations_NeverNegative(t *testing.T) {
	transfer := transfers.Transfer{BlockNumber: 100}
	testutil.AssertEqual(t, int64(0), transfer.Confirmations(50))
}

func TestConfirmations_ReorgReducesCount(t *testing.T) {
	transfer := transfers.Transfer{BlockNumber: 100}
	before := transfer.Confirmations(120)
	after := transfer.Confirmations(110)
	testutil.AssertMsg(t, after < before, "a shallower current block must reduce the confirmation count")
}
