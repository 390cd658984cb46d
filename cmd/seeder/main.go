// Package main наполняет базу интернет-магазина тестовыми данными:
// пользователями, товарами и открытыми корзинами.
package main

import (
	"context"
	"fmt"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/eshop-system/internal/config"
	"github.com/mmeshcher/eshop-system/internal/model"
	"github.com/mmeshcher/eshop-system/internal/money"
	"github.com/mmeshcher/eshop-system/internal/repository"
	"github.com/mmeshcher/eshop-system/internal/service"
)

const (
	usersCount     = 50
	productsCount  = 500
	cartItemsCount = 200
	seedPassword   = "password"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	svc := service.NewService(repo)

	ctx := context.Background()

	userIDs, err := seedUsers(ctx, svc)
	if err != nil {
		sugar.Fatalw("seed users error", "error", err.Error())
	}
	sugar.Infow("seeded users", "count", len(userIDs), "password", seedPassword)

	productIDs, err := seedProducts(ctx, repo)
	if err != nil {
		sugar.Fatalw("seed products error", "error", err.Error())
	}
	sugar.Infow("seeded products", "count", len(productIDs))

	if err := seedCarts(ctx, repo, userIDs, productIDs); err != nil {
		sugar.Fatalw("seed carts error", "error", err.Error())
	}
	sugar.Infow("seeded carts", "count", cartItemsCount)
}

func seedUsers(ctx context.Context, svc *service.Service) ([]int64, error) {
	ids := make([]int64, 0, usersCount)
	for i := 0; i < usersCount; i++ {
		name := gofakeit.Name()
		email := fmt.Sprintf("%d.%s", i, gofakeit.Email())

		id, err := svc.RegisterUser(ctx, name, email, seedPassword)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", email, err)
		}

		amount := decimal.NewFromFloat(gofakeit.Price(1, 500)).Round(2)
		if _, err := svc.AddBalance(ctx, id, amount); err != nil {
			return nil, fmt.Errorf("credit %s: %w", email, err)
		}

		ids = append(ids, id)
	}
	return ids, nil
}

func seedProducts(ctx context.Context, repo *repository.PostgresRepository) ([]int64, error) {
	ids := make([]int64, 0, productsCount)
	for i := 0; i < productsCount; i++ {
		price, err := money.FromDecimal(decimal.NewFromFloat(gofakeit.Price(0.01, 999)).Round(2))
		if err != nil {
			return nil, fmt.Errorf("product price: %w", err)
		}

		p := model.Product{
			Name:      fmt.Sprintf("%s %d", gofakeit.ProductName(), i),
			Available: int64(gofakeit.Number(0, 20)),
			Price:     price,
			VATRateBP: 2100,
		}

		id, err := repo.CreateProduct(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("create product %s: %w", p.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func seedCarts(ctx context.Context, repo *repository.PostgresRepository, userIDs, productIDs []int64) error {
	for i := 0; i < cartItemsCount; i++ {
		userID := userIDs[gofakeit.Number(0, len(userIDs)-1)]
		productID := productIDs[gofakeit.Number(0, len(productIDs)-1)]

		count := gofakeit.Number(1, 3)
		for j := 0; j < count; j++ {
			if err := repo.AddCartItem(ctx, userID, productID); err != nil {
				return fmt.Errorf("add cart item: %w", err)
			}
		}
	}
	return nil
}
