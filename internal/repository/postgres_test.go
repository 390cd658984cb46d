package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mmeshcher/eshop-system/internal/model"
	"github.com/mmeshcher/eshop-system/internal/money"
	"github.com/mmeshcher/eshop-system/internal/repository"
)

func startPostgres(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	postgresContainer, err := postgres.Run(ctx, "postgres:17.6-alpine3.22",
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("postgres.Run: %w", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, "", fmt.Errorf("pc.ConnectionString: %w", err)
	}

	return postgresContainer, connStr, nil
}

func newTestRepository(t *testing.T) *repository.PostgresRepository {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, dsn, err := startPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	repo, err := repository.NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, repo.Close())
	})

	return repo
}

func createUser(t *testing.T, repo *repository.PostgresRepository) int64 {
	t.Helper()

	id, err := repo.CreateUser(context.Background(), gofakeit.Name(), gofakeit.UUID()+"@example.com", []byte("hash"))
	require.NoError(t, err)
	return id
}

func createProduct(t *testing.T, repo *repository.PostgresRepository, price money.Money, available int64, vatRateBP int64) int64 {
	t.Helper()

	id, err := repo.CreateProduct(context.Background(), model.Product{
		Name:      gofakeit.ProductName() + " " + gofakeit.UUID(),
		Available: available,
		Price:     price,
		VATRateBP: vatRateBP,
	})
	require.NoError(t, err)
	return id
}

func TestPostgresRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	t.Run("duplicate email", func(t *testing.T) {
		email := gofakeit.UUID() + "@example.com"
		_, err := repo.CreateUser(ctx, "First", email, []byte("hash"))
		require.NoError(t, err)

		_, err = repo.CreateUser(ctx, "Second", email, []byte("hash"))
		assert.ErrorIs(t, err, repository.ErrUserExists)
	})

	t.Run("credit balance with carry", func(t *testing.T) {
		userID := createUser(t, repo)

		balance, err := repo.CreditBalance(ctx, userID, money.Money{Euros: 0, Cents: 70})
		require.NoError(t, err)
		assert.Equal(t, money.Money{Euros: 0, Cents: 70}, balance)

		balance, err = repo.CreditBalance(ctx, userID, money.Money{Euros: 1, Cents: 45})
		require.NoError(t, err)
		assert.Equal(t, money.Money{Euros: 2, Cents: 15}, balance)

		got, err := repo.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, balance, got)
	})

	t.Run("product crud", func(t *testing.T) {
		id := createProduct(t, repo, money.Money{Euros: 99, Cents: 98}, 10, 2100)

		p, err := repo.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, money.Money{Euros: 99, Cents: 98}, p.Price)
		assert.Equal(t, int64(2100), p.VATRateBP)

		p.Available = 0
		p.Price = money.Money{Euros: 89, Cents: 99}
		require.NoError(t, repo.UpdateProduct(ctx, *p))

		updated, err := repo.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), updated.Available)
		assert.Equal(t, money.Money{Euros: 89, Cents: 99}, updated.Price)

		require.NoError(t, repo.DeleteProduct(ctx, id))

		_, err = repo.GetProduct(ctx, id)
		assert.ErrorIs(t, err, repository.ErrProductNotFound)
		assert.ErrorIs(t, repo.DeleteProduct(ctx, id), repository.ErrProductNotFound)
	})

	t.Run("duplicate product name", func(t *testing.T) {
		name := gofakeit.ProductName() + " " + gofakeit.UUID()
		p := model.Product{Name: name, Available: 1, Price: money.Money{Euros: 1}, VATRateBP: 2100}

		_, err := repo.CreateProduct(ctx, p)
		require.NoError(t, err)

		_, err = repo.CreateProduct(ctx, p)
		assert.ErrorIs(t, err, repository.ErrProductExists)
	})

	t.Run("pagination newest first", func(t *testing.T) {
		first := createProduct(t, repo, money.Money{Euros: 1}, 3, 2100)
		second := createProduct(t, repo, money.Money{Euros: 2}, 3, 2100)

		products, err := repo.ListAvailable(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, products, 2)
		assert.Equal(t, second, products[0].ID)
		assert.Equal(t, first, products[1].ID)
	})

	t.Run("out of stock listing", func(t *testing.T) {
		id := createProduct(t, repo, money.Money{Euros: 5}, 0, 2100)

		products, err := repo.ListOutOfStock(ctx, 100, 0)
		require.NoError(t, err)

		found := false
		for _, p := range products {
			assert.Equal(t, int64(0), p.Available)
			if p.ID == id {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("cart add increments and remove decrements", func(t *testing.T) {
		userID := createUser(t, repo)
		productID := createProduct(t, repo, money.Money{Euros: 4, Cents: 95}, 5, 2100)

		require.NoError(t, repo.AddCartItem(ctx, userID, productID))
		require.NoError(t, repo.AddCartItem(ctx, userID, productID))
		require.NoError(t, repo.AddCartItem(ctx, userID, productID))

		items, err := repo.GetCartItems(ctx, userID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, int64(3), items[0].Count)

		require.NoError(t, repo.RemoveCartItem(ctx, userID, productID))
		require.NoError(t, repo.RemoveCartItem(ctx, userID, productID))

		items, err = repo.GetCartItems(ctx, userID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, int64(1), items[0].Count)

		require.NoError(t, repo.RemoveCartItem(ctx, userID, productID))

		items, err = repo.GetCartItems(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, items)

		// Отсутствие позиции не является ошибкой.
		require.NoError(t, repo.RemoveCartItem(ctx, userID, productID))
	})

	t.Run("add unknown product to cart", func(t *testing.T) {
		userID := createUser(t, repo)

		err := repo.AddCartItem(ctx, userID, 999999)
		assert.ErrorIs(t, err, repository.ErrProductNotFound)
	})

	t.Run("checkout settles cart and debits balance", func(t *testing.T) {
		userID := createUser(t, repo)
		productID := createProduct(t, repo, money.Money{Euros: 99, Cents: 98}, 5, 2100)

		_, err := repo.CreditBalance(ctx, userID, money.Money{Euros: 121, Cents: 3})
		require.NoError(t, err)

		require.NoError(t, repo.AddCartItem(ctx, userID, productID))

		require.NoError(t, repo.Checkout(ctx, userID))

		balance, err := repo.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, money.Money{Euros: 0, Cents: 5}, balance)

		p, err := repo.GetProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), p.Available)

		items, err := repo.GetCartItems(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, items)

		orders, err := repo.GetOrders(ctx, userID)
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, productID, orders[0].ProductID)
		assert.NotNil(t, orders[0].SettledAt)
	})

	t.Run("checkout empty cart", func(t *testing.T) {
		userID := createUser(t, repo)

		err := repo.Checkout(ctx, userID)
		assert.ErrorIs(t, err, repository.ErrEmptyCart)
	})

	t.Run("checkout insufficient balance leaves state intact", func(t *testing.T) {
		userID := createUser(t, repo)
		productID := createProduct(t, repo, money.Money{Euros: 99, Cents: 98}, 5, 2100)

		_, err := repo.CreditBalance(ctx, userID, money.Money{Euros: 100})
		require.NoError(t, err)

		require.NoError(t, repo.AddCartItem(ctx, userID, productID))

		err = repo.Checkout(ctx, userID)

		var balanceErr *repository.InsufficientBalanceError
		require.ErrorAs(t, err, &balanceErr)
		assert.Equal(t, money.Money{Euros: 100}, balanceErr.Balance)
		assert.Equal(t, money.Money{Euros: 120, Cents: 98}, balanceErr.Total)

		balance, err := repo.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, money.Money{Euros: 100}, balance)

		p, err := repo.GetProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), p.Available)

		items, err := repo.GetCartItems(ctx, userID)
		require.NoError(t, err)
		require.Len(t, items, 1)
	})

	t.Run("checkout insufficient stock leaves state intact", func(t *testing.T) {
		userID := createUser(t, repo)
		productID := createProduct(t, repo, money.Money{Euros: 1}, 1, 2100)

		_, err := repo.CreditBalance(ctx, userID, money.Money{Euros: 100})
		require.NoError(t, err)

		require.NoError(t, repo.AddCartItem(ctx, userID, productID))
		require.NoError(t, repo.AddCartItem(ctx, userID, productID))

		err = repo.Checkout(ctx, userID)

		var stockErr *repository.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, productID, stockErr.ProductID)
		assert.Equal(t, int64(1), stockErr.Available)

		balance, err := repo.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, money.Money{Euros: 100}, balance)

		p, err := repo.GetProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.Available)
	})

	t.Run("concurrent checkout of last unit", func(t *testing.T) {
		productID := createProduct(t, repo, money.Money{Euros: 10}, 1, 2100)

		users := make([]int64, 2)
		for i := range users {
			users[i] = createUser(t, repo)
			_, err := repo.CreditBalance(ctx, users[i], money.Money{Euros: 100})
			require.NoError(t, err)
			require.NoError(t, repo.AddCartItem(ctx, users[i], productID))
		}

		errs := make([]error, len(users))
		var wg sync.WaitGroup
		for i, userID := range users {
			wg.Add(1)
			go func(i int, userID int64) {
				defer wg.Done()
				errs[i] = repo.Checkout(ctx, userID)
			}(i, userID)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			var stockErr *repository.InsufficientStockError
			require.ErrorAs(t, err, &stockErr)
		}
		assert.Equal(t, 1, succeeded)

		p, err := repo.GetProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), p.Available)
	})

	t.Run("concurrent checkout same user debits once", func(t *testing.T) {
		userID := createUser(t, repo)
		productID := createProduct(t, repo, money.Money{Euros: 99, Cents: 98}, 5, 2100)

		// Баланса хватает ровно на одно оформление корзины.
		_, err := repo.CreditBalance(ctx, userID, money.Money{Euros: 121, Cents: 3})
		require.NoError(t, err)

		require.NoError(t, repo.AddCartItem(ctx, userID, productID))

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.Checkout(ctx, userID)
			}(i)
		}
		wg.Wait()

		// Победитель оформляет общую корзину, проигравший видит её уже пустой.
		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, repository.ErrEmptyCart)
		}
		assert.Equal(t, 1, succeeded)

		balance, err := repo.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, money.Money{Euros: 0, Cents: 5}, balance)

		p, err := repo.GetProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), p.Available)

		orders, err := repo.GetOrders(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, orders, 1)
	})

	t.Run("line added during checkout is charged or stays open", func(t *testing.T) {
		// Каждая оформленная позиция должна быть оплачена и списана со склада;
		// позиция, добавленная параллельно с оформлением, либо попадает в заказ
		// целиком, либо остаётся открытой — бесплатных товаров не бывает.
		for i := 0; i < 5; i++ {
			userID := createUser(t, repo)
			first := createProduct(t, repo, money.Money{Euros: 10}, 100, 0)
			second := createProduct(t, repo, money.Money{Euros: 7}, 100, 0)

			_, err := repo.CreditBalance(ctx, userID, money.Money{Euros: 1000})
			require.NoError(t, err)

			require.NoError(t, repo.AddCartItem(ctx, userID, first))

			var wg sync.WaitGroup
			var checkoutErr, addErr error
			wg.Add(2)
			go func() {
				defer wg.Done()
				checkoutErr = repo.Checkout(ctx, userID)
			}()
			go func() {
				defer wg.Done()
				addErr = repo.AddCartItem(ctx, userID, second)
			}()
			wg.Wait()

			require.NoError(t, checkoutErr)
			require.NoError(t, addErr)

			orders, err := repo.GetOrders(ctx, userID)
			require.NoError(t, err)
			open, err := repo.GetCartItems(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, 2, len(orders)+len(open))

			// Списание с баланса равно сумме оформленных позиций (НДС 0).
			paid := money.Money{}
			for _, o := range orders {
				paid = paid.Add(o.Price.Mul(o.Count))
			}
			balance, err := repo.GetBalance(ctx, userID)
			require.NoError(t, err)
			want, err := money.Money{Euros: 1000}.Sub(paid)
			require.NoError(t, err)
			assert.Equal(t, want, balance)

			// Остатки уменьшены ровно на оформленные количества.
			settledCounts := map[int64]int64{}
			for _, o := range orders {
				settledCounts[o.ProductID] += o.Count
			}
			for _, productID := range []int64{first, second} {
				p, err := repo.GetProduct(ctx, productID)
				require.NoError(t, err)
				assert.Equal(t, 100-settledCounts[productID], p.Available)
			}
		}
	})

	t.Run("repeated checkout uses only open items", func(t *testing.T) {
		userID := createUser(t, repo)
		productID := createProduct(t, repo, money.Money{Euros: 2, Cents: 50}, 10, 0)

		_, err := repo.CreditBalance(ctx, userID, money.Money{Euros: 10})
		require.NoError(t, err)

		require.NoError(t, repo.AddCartItem(ctx, userID, productID))
		require.NoError(t, repo.Checkout(ctx, userID))

		require.NoError(t, repo.AddCartItem(ctx, userID, productID))
		require.NoError(t, repo.Checkout(ctx, userID))

		balance, err := repo.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, money.Money{Euros: 5}, balance)

		orders, err := repo.GetOrders(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, orders, 2)
	})
}
