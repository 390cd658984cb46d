// Package cart реализует расчёт стоимости позиций корзины и её итогов.
package cart

import (
	"github.com/mmeshcher/eshop-system/internal/model"
	"github.com/mmeshcher/eshop-system/internal/money"
)

// Totals содержит итоги корзины. Инвариант: Total == Subtotal + VAT,
// отдельного пути округления для Total нет.
type Totals struct {
	Subtotal money.Money
	VAT      money.Money
	Total    money.Money
}

// Subtotal возвращает стоимость позиции без НДС: цена, умноженная на количество.
func Subtotal(it model.CartItem) money.Money {
	return it.Price.Mul(it.Count)
}

// VAT возвращает НДС позиции. Округление выполняется один раз на позицию —
// от стоимости всей позиции, а не от цены единицы товара, чтобы не накапливать
// расхождение в центах при больших количествах.
func VAT(it model.CartItem) money.Money {
	return money.VATAmount(Subtotal(it), it.VATRateBP)
}

// Total возвращает стоимость позиции с НДС.
func Total(it model.CartItem) money.Money {
	return Subtotal(it).Add(VAT(it))
}

// Sum суммирует позиции корзины в итоги. Евро и центы позиций накапливаются
// как есть, нормализация каждой компоненты выполняется один раз в конце.
// Результат не зависит от порядка позиций; пустая корзина даёт нулевые итоги.
func Sum(items []model.CartItem) Totals {
	var subEuros, subCents, vatEuros, vatCents int64

	for _, it := range items {
		sub := Subtotal(it)
		subEuros += sub.Euros
		subCents += sub.Cents

		vat := VAT(it)
		vatEuros += vat.Euros
		vatCents += vat.Cents
	}

	subtotal := money.New(subEuros, subCents)
	vatTotal := money.New(vatEuros, vatCents)

	return Totals{
		Subtotal: subtotal,
		VAT:      vatTotal,
		Total:    subtotal.Add(vatTotal),
	}
}
