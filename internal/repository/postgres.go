// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/eshop-system/internal/cart"
	"github.com/mmeshcher/eshop-system/internal/model"
	"github.com/mmeshcher/eshop-system/internal/money"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductExists возвращается при попытке создать товар с уже существующим названием.
	ErrProductExists = errors.New("product already exists")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrEmptyCart возвращается при попытке оформить заказ с пустой корзиной.
	ErrEmptyCart = errors.New("cart is empty")
)

// InsufficientBalanceError возвращается, когда итог корзины превышает баланс
// пользователя. Содержит текущий баланс и требуемую сумму.
type InsufficientBalanceError struct {
	Balance money.Money
	Total   money.Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Balance, e.Total)
}

// InsufficientStockError возвращается для первой позиции корзины, количество
// которой превышает остаток товара на складе.
type InsufficientStockError struct {
	ProductID int64
	Name      string
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock of product %q: %d available", e.Name, e.Available)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// База может подниматься дольше сервиса, пингуем с экспоненциальной паузой.
	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при ошибках сериализации, взаимных блокировках
// и временных сетевых сбоях.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, name, email string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		name, email, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, balance_euros, balance_cents, created_at
		 FROM users WHERE email = $1`,
		email,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Balance.Euros, &u.Balance.Cents, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetBalance возвращает текущий баланс пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (money.Money, error) {
	var b money.Money
	err := r.pool.QueryRow(ctx,
		`SELECT balance_euros, balance_cents FROM users WHERE id = $1`,
		userID,
	).Scan(&b.Euros, &b.Cents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Money{}, ErrUserNotFound
		}
		return money.Money{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// CreditBalance пополняет баланс пользователя и возвращает новое значение.
// Строка пользователя блокируется, чтобы пополнение не пересекалось с оформлением заказа.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID int64, amount money.Money) (money.Money, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return money.Money{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance money.Money
	err = tx.QueryRow(ctx,
		`SELECT balance_euros, balance_cents FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance.Euros, &balance.Cents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Money{}, ErrUserNotFound
		}
		return money.Money{}, fmt.Errorf("lock user for update: %w", err)
	}

	balance = balance.Add(amount)

	_, err = tx.Exec(ctx,
		`UPDATE users SET balance_euros = $2, balance_cents = $3 WHERE id = $1`,
		userID, balance.Euros, balance.Cents,
	)
	if err != nil {
		return money.Money{}, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return money.Money{}, fmt.Errorf("commit tx: %w", err)
	}

	return balance, nil
}

// CreateProduct добавляет товар в каталог.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p model.Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, available, price_euros, price_cents, vat_rate)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.Name, p.Available, p.Price.Euros, p.Price.Cents, p.VATRateBP,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrProductExists, p.Name)
		}
		return 0, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, available, price_euros, price_cents, vat_rate FROM products WHERE id = $1`,
		id,
	)

	var p model.Product
	err := row.Scan(&p.ID, &p.Name, &p.Available, &p.Price.Euros, &p.Price.Cents, &p.VATRateBP)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// UpdateProduct обновляет товар каталога.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, p model.Product) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE products SET name = $2, available = $3, price_euros = $4, price_cents = $5, vat_rate = $6
		 WHERE id = $1`,
		p.ID, p.Name, p.Available, p.Price.Euros, p.Price.Cents, p.VATRateBP,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrProductExists, p.Name)
		}
		return fmt.Errorf("update product: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// DeleteProduct удаляет товар вместе со ссылающимися на него позициями корзин.
func (r *PostgresRepository) DeleteProduct(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE product_id = $1`, id); err != nil {
		return fmt.Errorf("delete cart items: %w", err)
	}

	cmdTag, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListAvailable возвращает страницу товаров с положительным остатком, новые первыми.
func (r *PostgresRepository) ListAvailable(ctx context.Context, limit, offset int64) ([]model.Product, error) {
	return r.listProducts(ctx,
		`SELECT id, name, available, price_euros, price_cents, vat_rate
		 FROM products
		 WHERE available > 0
		 ORDER BY id DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
}

// ListOutOfStock возвращает страницу товаров с нулевым остатком.
func (r *PostgresRepository) ListOutOfStock(ctx context.Context, limit, offset int64) ([]model.Product, error) {
	return r.listProducts(ctx,
		`SELECT id, name, available, price_euros, price_cents, vat_rate
		 FROM products
		 WHERE available = 0
		 ORDER BY id DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
}

func (r *PostgresRepository) listProducts(ctx context.Context, query string, args ...any) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Available, &p.Price.Euros, &p.Price.Cents, &p.VATRateBP); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// AddCartItem добавляет товар в открытую корзину пользователя. Повторное
// добавление того же товара увеличивает количество на единицу.
func (r *PostgresRepository) AddCartItem(ctx context.Context, userID, productID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO cart_items (user_id, product_id, count) VALUES ($1, $2, 1)
		 ON CONFLICT (user_id, product_id) WHERE settled_at IS NULL
		 DO UPDATE SET count = cart_items.count + 1`,
		userID, productID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrProductNotFound
		}
		return fmt.Errorf("add cart item: %w", err)
	}
	return nil
}

// RemoveCartItem уменьшает количество товара в открытой корзине на единицу;
// позиция с нулевым количеством удаляется. Отсутствие позиции не является ошибкой.
func (r *PostgresRepository) RemoveCartItem(ctx context.Context, userID, productID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id, count int64
	err = tx.QueryRow(ctx,
		`SELECT id, count FROM cart_items
		 WHERE user_id = $1 AND product_id = $2 AND settled_at IS NULL
		 FOR UPDATE`,
		userID, productID,
	).Scan(&id, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("select cart item: %w", err)
	}

	if count <= 1 {
		_, err = tx.Exec(ctx, `DELETE FROM cart_items WHERE id = $1`, id)
	} else {
		_, err = tx.Exec(ctx, `UPDATE cart_items SET count = count - 1 WHERE id = $1`, id)
	}
	if err != nil {
		return fmt.Errorf("update cart item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetCartItems возвращает открытые позиции корзины пользователя с данными товаров.
func (r *PostgresRepository) GetCartItems(ctx context.Context, userID int64) ([]model.CartItem, error) {
	return selectCartItems(ctx, r.pool,
		`SELECT p.id, p.name, p.available, c.count, p.price_euros, p.price_cents, p.vat_rate, c.settled_at
		 FROM cart_items c
		 JOIN products p ON p.id = c.product_id
		 WHERE c.user_id = $1 AND c.settled_at IS NULL
		 ORDER BY c.id`,
		userID,
	)
}

// GetOrders возвращает оформленные позиции пользователя, недавние первыми.
func (r *PostgresRepository) GetOrders(ctx context.Context, userID int64) ([]model.CartItem, error) {
	return selectCartItems(ctx, r.pool,
		`SELECT p.id, p.name, p.available, c.count, p.price_euros, p.price_cents, p.vat_rate, c.settled_at
		 FROM cart_items c
		 JOIN products p ON p.id = c.product_id
		 WHERE c.user_id = $1 AND c.settled_at IS NOT NULL
		 ORDER BY c.settled_at DESC, c.id`,
		userID,
	)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func selectCartItems(ctx context.Context, q querier, query string, args ...any) ([]model.CartItem, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select cart items: %w", err)
	}
	defer rows.Close()

	var items []model.CartItem
	for rows.Next() {
		var it model.CartItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Available, &it.Count,
			&it.Price.Euros, &it.Price.Cents, &it.VATRateBP, &it.SettledAt); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// selectCartLinesForUpdate возвращает открытые позиции корзины вместе с их
// идентификаторами, блокируя строки корзины и строки товаров до конца транзакции.
func selectCartLinesForUpdate(ctx context.Context, tx pgx.Tx, userID int64) ([]int64, []model.CartItem, error) {
	rows, err := tx.Query(ctx,
		`SELECT c.id, p.id, p.name, p.available, c.count, p.price_euros, p.price_cents, p.vat_rate, c.settled_at
		 FROM cart_items c
		 JOIN products p ON p.id = c.product_id
		 WHERE c.user_id = $1 AND c.settled_at IS NULL
		 ORDER BY c.id
		 FOR UPDATE OF c, p`,
		userID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("select cart lines: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var items []model.CartItem
	for rows.Next() {
		var id int64
		var it model.CartItem
		if err := rows.Scan(&id, &it.ProductID, &it.Name, &it.Available, &it.Count,
			&it.Price.Euros, &it.Price.Cents, &it.VATRateBP, &it.SettledAt); err != nil {
			return nil, nil, fmt.Errorf("scan cart line: %w", err)
		}
		ids = append(ids, id)
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, items, nil
}

// Checkout оформляет заказ пользователя как одну транзакцию: блокирует строку
// пользователя, позиции корзины и строки товаров, повторяет проверки корзины,
// баланса и остатков по заблокированному снимку и только затем списывает
// баланс, уменьшает остатки и помечает позиции оформленными. Любая
// неудавшаяся проверка откатывает транзакцию без изменений.
func (r *PostgresRepository) Checkout(ctx context.Context, userID int64) error {
	return r.withRetry(ctx, func() error {
		return r.checkout(ctx, userID)
	})
}

func (r *PostgresRepository) checkout(ctx context.Context, userID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку пользователя: параллельные оформления и пополнения
	// того же баланса сериализуются здесь.
	var balance money.Money
	err = tx.QueryRow(ctx,
		`SELECT balance_euros, balance_cents FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance.Euros, &balance.Cents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user for update: %w", err)
	}

	// Блокируются и строки корзины, и строки товаров: итоги, списание остатков
	// и пометка об оформлении считаются по одному и тому же снимку позиций.
	lineIDs, items, err := selectCartLinesForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return ErrEmptyCart
	}

	totals := cart.Sum(items)

	if balance.Scalar().LessThan(totals.Total.Scalar()) {
		return &InsufficientBalanceError{Balance: balance, Total: totals.Total}
	}

	for _, it := range items {
		if it.Count > it.Available {
			return &InsufficientStockError{ProductID: it.ProductID, Name: it.Name, Available: it.Available}
		}
	}

	newBalance, err := balance.Sub(totals.Total)
	if err != nil {
		return &InsufficientBalanceError{Balance: balance, Total: totals.Total}
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET balance_euros = $2, balance_cents = $3 WHERE id = $1`,
		userID, newBalance.Euros, newBalance.Cents,
	)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}

	for _, it := range items {
		_, err = tx.Exec(ctx,
			`UPDATE products SET available = available - $2 WHERE id = $1`,
			it.ProductID, it.Count,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
	}

	// Оформляются ровно те позиции, что были заблокированы и оплачены выше.
	// Позиция, добавленная параллельной транзакцией, останется открытой.
	_, err = tx.Exec(ctx,
		`UPDATE cart_items SET settled_at = now() WHERE id = ANY($1)`,
		lineIDs,
	)
	if err != nil {
		return fmt.Errorf("settle cart items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
