package cart

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/eshop-system/internal/model"
	"github.com/mmeshcher/eshop-system/internal/money"
)

func item(euros, cents, rateBP, count int64) model.CartItem {
	return model.CartItem{
		Price:     money.Money{Euros: euros, Cents: cents},
		VATRateBP: rateBP,
		Count:     count,
	}
}

func TestLineSubtotal(t *testing.T) {
	it := item(99, 98, 2100, 3)
	assert.Equal(t, money.Money{Euros: 299, Cents: 94}, Subtotal(it))
}

func TestLineVATRoundedOncePerLine(t *testing.T) {
	// 9 x 0.06 по ставке 21%: round(0.54 * 0.21) = 0.11,
	// тогда как поштучное округление дало бы 9 * round(0.06 * 0.21) = 0.09.
	it := item(0, 6, 2100, 9)
	assert.Equal(t, money.Money{Euros: 0, Cents: 11}, VAT(it))
}

func TestLineTotal(t *testing.T) {
	// 99.98 по ставке 21%: НДС round(20.9958) = 21.00, итого 120.98.
	it := item(99, 98, 2100, 1)
	assert.Equal(t, money.Money{Euros: 21, Cents: 0}, VAT(it))
	assert.Equal(t, money.Money{Euros: 120, Cents: 98}, Total(it))
}

func TestSumEmptyCart(t *testing.T) {
	totals := Sum(nil)
	assert.True(t, totals.Subtotal.IsZero())
	assert.True(t, totals.VAT.IsZero())
	assert.True(t, totals.Total.IsZero())
}

func TestSum(t *testing.T) {
	items := []model.CartItem{
		item(99, 98, 2100, 1),
		item(10, 0, 2100, 2),
		item(0, 99, 900, 5),
	}

	totals := Sum(items)

	want := Totals{
		// 99.98 + 20.00 + 4.95
		Subtotal: money.Money{Euros: 124, Cents: 93},
		// 21.00 + 4.20 + round(4.95 * 0.09) = 21.00 + 4.20 + 0.45
		VAT:   money.Money{Euros: 25, Cents: 65},
		Total: money.Money{Euros: 150, Cents: 58},
	}

	if diff := cmp.Diff(want, totals); diff != "" {
		t.Fatalf("Sum() mismatch (-want +got):\n%s", diff)
	}
}

func TestSumOrderIndependent(t *testing.T) {
	a := []model.CartItem{item(1, 99, 2100, 3), item(0, 50, 1850, 7), item(12, 34, 0, 1)}
	b := []model.CartItem{a[2], a[0], a[1]}

	assert.Equal(t, Sum(a), Sum(b))
}

func TestSumTotalIsExactSumOfParts(t *testing.T) {
	cases := [][]model.CartItem{
		{item(0, 1, 2100, 1)},
		{item(3, 33, 2100, 3), item(0, 7, 900, 13)},
		{item(99, 98, 2100, 1), item(99, 98, 2100, 1), item(99, 98, 2100, 1)},
	}

	for _, items := range cases {
		totals := Sum(items)
		want := totals.Subtotal.Add(totals.VAT)
		if totals.Total != want {
			t.Fatalf("Total = %v, want Subtotal+VAT = %v for %+v", totals.Total, want, items)
		}
		if totals.Total.Cents < 0 || totals.Total.Cents > 99 {
			t.Fatalf("Total not normalized: %+v", totals.Total)
		}
	}
}
