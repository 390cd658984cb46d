// Package validation содержит функции валидации входных данных.
package validation

import "github.com/shopspring/decimal"

// IsValidAmount проверяет денежную сумму из запроса: не менее 0.01
// и не более двух знаков после запятой.
func IsValidAmount(d decimal.Decimal) bool {
	if d.LessThan(decimal.New(1, -2)) {
		return false
	}
	return d.Equal(d.Truncate(2))
}

// VATRateBP преобразует процентную ставку НДС (0..99.99, не более двух знаков
// после запятой) в сотые доли процента: 21 -> 2100, 18.5 -> 1850.
func VATRateBP(d decimal.Decimal) (int64, bool) {
	if d.IsNegative() || !d.Equal(d.Truncate(2)) {
		return 0, false
	}

	bp := d.Mul(decimal.NewFromInt(100)).IntPart()
	if bp > 9999 {
		return 0, false
	}

	return bp, true
}
