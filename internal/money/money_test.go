package money_test

import (
	"testing"

	"github.com/stablegate/stablegate/internal/money"
	"github.com/stablegate/stablegate/testutil"
)

func TestAtomic_AddSub(t *testing.T) {
	a := money.AtomicFromInt64(6_000_000)
	b := money.AtomicFromInt64(4_000_000)

	sum := a.Add(b)
	testutil.AssertEqual(t, "10000000", sum.String())

	diff := sum.Sub(a)
	testutil.AssertEqual(t, "4000000", diff.String())
}

func TestAtomic_Cmp(t *testing.T) {
	target := money.AtomicFromInt64(10_000_000)
	under := money.AtomicFromInt64(6_000_000)
	over := money.AtomicFromInt64(15_000_000)

	testutil.AssertMsg(t, under.Cmp(target) < 0, "6000000 should be less than target")
	testutil.AssertMsg(t, target.Cmp(target) == 0, "target should equal itself")
	testutil.AssertMsg(t, over.Cmp(target) > 0, "15000000 should be greater than target")
}

func TestAtomic_NewAtomic_RejectsNegative(t *testing.T) {
	_, err := money.NewAtomic("-1")
	testutil.AssertMsg(t, err != nil, "negative atomic amounts must be rejected")
}

func TestAtomic_NewAtomic_RejectsGarbage(t *testing.T) {
	_, err := money.NewAtomic("not-a-number")
	testutil.AssertMsg(t, err != nil, "non-numeric atomic amounts must be rejected")
}

func TestAtomic_Display(t *testing.T) {
	amount := money.AtomicFromInt64(10_000_000)
	display := amount.Display(6)
	testutil.AssertEqual(t, "10", display.String())
}

func TestAtomic_IsZero(t *testing.T) {
	testutil.AssertMsg(t, money.Zero.IsZero(), "zero value should be zero")
	testutil.AssertMsg(t, !money.AtomicFromInt64(1).IsZero(), "one is not zero")
}

func TestFiatCents_Display(t *testing.T) {
	cents := money.FiatCents(1000)
	testutil.AssertEqual(t, "10", cents.Display().String())
}
