// Package money реализует денежное значение в виде пары целых чисел евро/центы.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount возвращается при отрицательной сумме или сумме с более чем двумя знаками после запятой.
var (
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientFunds возвращается при попытке вычесть сумму, превышающую уменьшаемое.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Money представляет неотрицательную денежную сумму. Нормализованное значение
// всегда содержит центы в диапазоне [0, 99]; все публичные операции возвращают
// нормализованный результат.
type Money struct {
	Euros int64
	Cents int64
}

// New создаёт нормализованное денежное значение: центы свыше 99 переносятся в евро.
func New(euros, cents int64) Money {
	if cents > 99 {
		euros += cents / 100
		cents = cents % 100
	}
	return Money{Euros: euros, Cents: cents}
}

// FromDecimal разбивает десятичную сумму на евро и центы.
// Отрицательные суммы и суммы со значащими цифрами дальше сотых отклоняются.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: negative value %s", ErrInvalidAmount, d)
	}
	if !d.Equal(d.Truncate(2)) {
		return Money{}, fmt.Errorf("%w: more than two decimal places in %s", ErrInvalidAmount, d)
	}
	// IntPart молча обрезает значения за пределами int64.
	if !d.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("%w: value %s is out of range", ErrInvalidAmount, d)
	}
	return split(d), nil
}

// split раскладывает неотрицательное значение с не более чем двумя знаками
// после запятой на евро и центы. Евро получаются отбрасыванием дробной части.
func split(d decimal.Decimal) Money {
	euros := d.IntPart()
	cents := d.Sub(decimal.NewFromInt(euros)).Mul(decimal.NewFromInt(100)).IntPart()
	return Money{Euros: euros, Cents: cents}
}

// Add возвращает нормализованную сумму двух значений.
func (m Money) Add(o Money) Money {
	return New(m.Euros+o.Euros, m.Cents+o.Cents)
}

// Sub возвращает нормализованную разность. Недостающие центы занимаются из евро;
// если евро уходят в минус, возвращается ErrInsufficientFunds.
func (m Money) Sub(o Money) (Money, error) {
	euros := m.Euros - o.Euros
	cents := m.Cents - o.Cents
	if cents < 0 {
		borrow := (-cents + 99) / 100
		euros -= borrow
		cents += borrow * 100
	}
	if euros < 0 {
		return Money{}, fmt.Errorf("%w: %s < %s", ErrInsufficientFunds, m, o)
	}
	return Money{Euros: euros, Cents: cents}, nil
}

// Mul умножает сумму на неотрицательное количество. Евро и центы умножаются
// по отдельности, затем выполняется одна нормализация — операция точна в целых центах.
func (m Money) Mul(count int64) Money {
	return New(m.Euros*count, m.Cents*count)
}

// Scalar возвращает сумму одним десятичным числом (евро + центы/100).
// Используется только для сравнений, никогда для хранения.
func (m Money) Scalar() decimal.Decimal {
	return decimal.New(m.Euros*100+m.Cents, -2)
}

// Less сравнивает две суммы через их скалярные значения.
func (m Money) Less(o Money) bool {
	return m.Scalar().LessThan(o.Scalar())
}

// IsZero сообщает, является ли сумма нулевой.
func (m Money) IsZero() bool {
	return m.Euros == 0 && m.Cents == 0
}

// String форматирует сумму с ровно двумя знаками после точки: "12.34", "0.00".
func (m Money) String() string {
	return fmt.Sprintf("%d.%02d", m.Euros, m.Cents)
}

// VATAmount вычисляет сумму НДС от указанной суммы по ставке в сотых долях
// процента (2100 = 21.00%). Результат округляется до центов (половина — вверх)
// и раскладывается обратно на евро и центы.
func VATAmount(m Money, rateBP int64) Money {
	vat := m.Scalar().Mul(decimal.New(rateBP, -4)).Round(2)
	return split(vat)
}

// FormatVATRate форматирует ставку НДС в сотых долях процента как процентную
// строку без хвостовых нулей: 2100 -> "21", 1850 -> "18.5".
func FormatVATRate(rateBP int64) string {
	s := fmt.Sprintf("%d.%02d", rateBP/100, rateBP%100)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
