// Package model содержит доменные сущности интернет-магазина.
package model

import (
	"time"

	"github.com/mmeshcher/eshop-system/internal/money"
)

// User представляет зарегистрированного покупателя с денежным балансом.
type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash []byte
	Balance      money.Money
	CreatedAt    time.Time
}

// Product описывает товар каталога: остаток на складе, цену и ставку НДС
// в сотых долях процента (2100 = 21.00%).
type Product struct {
	ID        int64
	Name      string
	Available int64
	Price     money.Money
	VATRateBP int64
}

// CartItem описывает позицию корзины: товар и количество. Открытая позиция
// имеет SettledAt == nil, оформленная — время оформления заказа.
type CartItem struct {
	ProductID int64
	Name      string
	Available int64
	Count     int64
	Price     money.Money
	VATRateBP int64
	SettledAt *time.Time
}
