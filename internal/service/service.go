// Package service реализует бизнес-логику интернет-магазина.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/eshop-system/internal/cart"
	"github.com/mmeshcher/eshop-system/internal/model"
	"github.com/mmeshcher/eshop-system/internal/money"
	"github.com/mmeshcher/eshop-system/internal/repository"
	"github.com/mmeshcher/eshop-system/internal/validation"
)

const productsPerPage = 20

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidProduct возвращается при некорректных данных товара.
	ErrInvalidProduct = errors.New("invalid product")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, name, email string, passwordHash []byte) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (money.Money, error)
	CreditBalance(ctx context.Context, userID int64, amount money.Money) (money.Money, error)
	CreateProduct(ctx context.Context, p model.Product) (int64, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	UpdateProduct(ctx context.Context, p model.Product) error
	DeleteProduct(ctx context.Context, id int64) error
	ListAvailable(ctx context.Context, limit, offset int64) ([]model.Product, error)
	ListOutOfStock(ctx context.Context, limit, offset int64) ([]model.Product, error)
	AddCartItem(ctx context.Context, userID, productID int64) error
	RemoveCartItem(ctx context.Context, userID, productID int64) error
	GetCartItems(ctx context.Context, userID int64) ([]model.CartItem, error)
	GetOrders(ctx context.Context, userID int64) ([]model.CartItem, error)
	Checkout(ctx context.Context, userID int64) error
}

// ProductInput содержит данные товара из запроса до валидации.
type ProductInput struct {
	Name      string
	Available int64
	Price     decimal.Decimal
	VATRate   decimal.Decimal
}

// CartView содержит открытые позиции корзины пользователя и её итоги.
type CartView struct {
	Items  []model.CartItem
	Totals cart.Totals
}

// Service содержит бизнес-логику интернет-магазина.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового покупателя с нулевым балансом.
func (s *Service) RegisterUser(ctx context.Context, name, email, password string) (int64, error) {
	hashed := hashPassword(email, password)
	id, err := s.repo.CreateUser(ctx, name, email, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет email и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	hashed := hashPassword(email, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// GetBalance возвращает текущий баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (money.Money, error) {
	return s.repo.GetBalance(ctx, userID)
}

// AddBalance пополняет баланс пользователя на указанную сумму и возвращает
// новый баланс. Сумма должна быть не меньше 0.01 и иметь не более двух знаков
// после запятой.
func (s *Service) AddBalance(ctx context.Context, userID int64, amount decimal.Decimal) (money.Money, error) {
	if !validation.IsValidAmount(amount) {
		return money.Money{}, fmt.Errorf("%w: %s", money.ErrInvalidAmount, amount)
	}

	m, err := money.FromDecimal(amount)
	if err != nil {
		return money.Money{}, err
	}

	return s.repo.CreditBalance(ctx, userID, m)
}

// CreateProduct добавляет товар в каталог. Новый товар должен иметь остаток не меньше единицы.
func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (*model.Product, error) {
	p, err := productFromInput(in, 1)
	if err != nil {
		return nil, err
	}

	id, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return nil, err
	}

	p.ID = id
	return &p, nil
}

// UpdateProduct обновляет товар каталога; остаток может быть нулевым.
func (s *Service) UpdateProduct(ctx context.Context, id int64, in ProductInput) (*model.Product, error) {
	p, err := productFromInput(in, 0)
	if err != nil {
		return nil, err
	}

	p.ID = id
	if err := s.repo.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}

	return &p, nil
}

func productFromInput(in ProductInput, minAvailable int64) (model.Product, error) {
	if in.Name == "" {
		return model.Product{}, fmt.Errorf("%w: empty name", ErrInvalidProduct)
	}
	if in.Available < minAvailable {
		return model.Product{}, fmt.Errorf("%w: available must be at least %d", ErrInvalidProduct, minAvailable)
	}
	if !validation.IsValidAmount(in.Price) {
		return model.Product{}, fmt.Errorf("%w: bad price %s", ErrInvalidProduct, in.Price)
	}

	price, err := money.FromDecimal(in.Price)
	if err != nil {
		return model.Product{}, fmt.Errorf("%w: bad price %s", ErrInvalidProduct, in.Price)
	}

	rateBP, ok := validation.VATRateBP(in.VATRate)
	if !ok {
		return model.Product{}, fmt.Errorf("%w: bad vat rate %s", ErrInvalidProduct, in.VATRate)
	}

	return model.Product{
		Name:      in.Name,
		Available: in.Available,
		Price:     price,
		VATRateBP: rateBP,
	}, nil
}

// GetProduct возвращает товар по идентификатору.
func (s *Service) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// DeleteProduct удаляет товар из каталога вместе с позициями корзин.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	return s.repo.DeleteProduct(ctx, id)
}

// ListProducts возвращает страницу товаров в наличии.
func (s *Service) ListProducts(ctx context.Context, page int64) ([]model.Product, error) {
	return s.repo.ListAvailable(ctx, productsPerPage, pageOffset(page))
}

// ListOutOfStock возвращает страницу товаров, закончившихся на складе.
func (s *Service) ListOutOfStock(ctx context.Context, page int64) ([]model.Product, error) {
	return s.repo.ListOutOfStock(ctx, productsPerPage, pageOffset(page))
}

func pageOffset(page int64) int64 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * productsPerPage
}

// GetCart возвращает открытую корзину пользователя с итогами.
func (s *Service) GetCart(ctx context.Context, userID int64) (*CartView, error) {
	items, err := s.repo.GetCartItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &CartView{Items: items, Totals: cart.Sum(items)}, nil
}

// AddToCart кладёт единицу товара в открытую корзину пользователя.
func (s *Service) AddToCart(ctx context.Context, userID, productID int64) error {
	return s.repo.AddCartItem(ctx, userID, productID)
}

// RemoveFromCart убирает единицу товара из открытой корзины пользователя.
func (s *Service) RemoveFromCart(ctx context.Context, userID, productID int64) error {
	return s.repo.RemoveCartItem(ctx, userID, productID)
}

// GetOrders возвращает оформленные позиции пользователя.
func (s *Service) GetOrders(ctx context.Context, userID int64) ([]model.CartItem, error) {
	return s.repo.GetOrders(ctx, userID)
}

// Checkout оформляет заказ: проверяет корзину, баланс и остатки без блокировок
// и передаёт расчёт репозиторию, который повторяет те же проверки уже под
// блокировками строк. До фиксации транзакции ни баланс, ни остатки, ни корзина
// не изменяются.
func (s *Service) Checkout(ctx context.Context, userID int64) error {
	items, err := s.repo.GetCartItems(ctx, userID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return repository.ErrEmptyCart
	}

	totals := cart.Sum(items)

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if balance.Scalar().LessThan(totals.Total.Scalar()) {
		return &repository.InsufficientBalanceError{Balance: balance, Total: totals.Total}
	}

	for _, it := range items {
		if it.Count > it.Available {
			return &repository.InsufficientStockError{ProductID: it.ProductID, Name: it.Name, Available: it.Available}
		}
	}

	return s.repo.Checkout(ctx, userID)
}
