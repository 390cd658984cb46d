// Package handler содержит HTTP-обработчики API сервиса интернет-магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/eshop-system/internal/middleware"
	"github.com/mmeshcher/eshop-system/internal/model"
	"github.com/mmeshcher/eshop-system/internal/money"
	"github.com/mmeshcher/eshop-system/internal/repository"
	"github.com/mmeshcher/eshop-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, name, email, password string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (int64, error)
	GetBalance(ctx context.Context, userID int64) (money.Money, error)
	AddBalance(ctx context.Context, userID int64, amount decimal.Decimal) (money.Money, error)
	CreateProduct(ctx context.Context, in service.ProductInput) (*model.Product, error)
	UpdateProduct(ctx context.Context, id int64, in service.ProductInput) (*model.Product, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	ListProducts(ctx context.Context, page int64) ([]model.Product, error)
	ListOutOfStock(ctx context.Context, page int64) ([]model.Product, error)
	GetCart(ctx context.Context, userID int64) (*service.CartView, error)
	AddToCart(ctx context.Context, userID, productID int64) error
	RemoveFromCart(ctx context.Context, userID, productID int64) error
	GetOrders(ctx context.Context, userID int64) ([]model.CartItem, error)
	Checkout(ctx context.Context, userID int64) error
}

// Handler реализует HTTP-обработчики API сервиса интернет-магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) writeMessage(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]string{"message": message})
}

type productResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Available int64  `json:"available"`
	Price     string `json:"price"`
	VATRate   string `json:"vat_rate"`
	VAT       string `json:"vat"`
	Count     int64  `json:"count,omitempty"`
}

func newProductResponse(p model.Product) productResponse {
	return productResponse{
		ID:        p.ID,
		Name:      p.Name,
		Available: p.Available,
		Price:     p.Price.String(),
		VATRate:   money.FormatVATRate(p.VATRateBP),
		VAT:       money.VATAmount(p.Price, p.VATRateBP).String(),
	}
}

func newCartItemResponse(it model.CartItem) productResponse {
	return productResponse{
		ID:        it.ProductID,
		Name:      it.Name,
		Available: it.Available,
		Price:     it.Price.String(),
		VATRate:   money.FormatVATRate(it.VATRateBP),
		VAT:       money.VATAmount(it.Price, it.VATRateBP).String(),
		Count:     it.Count,
	}
}

type cartResponse struct {
	Products []productResponse `json:"products"`
	Subtotal string            `json:"subtotal"`
	VAT      string            `json:"vat"`
	Total    string            `json:"total"`
}

func newCartResponse(view *service.CartView) cartResponse {
	products := make([]productResponse, 0, len(view.Items))
	for _, it := range view.Items {
		products = append(products, newCartItemResponse(it))
	}
	return cartResponse{
		Products: products,
		Subtotal: view.Totals.Subtotal.String(),
		VAT:      view.Totals.VAT.String(),
		Total:    view.Totals.Total.String(),
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового покупателя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	h.writeMessage(w, http.StatusOK, "Successfully registered as "+req.Name+".")
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию покупателя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.writeMessage(w, http.StatusUnauthorized, "These credentials do not match our records.")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	h.writeMessage(w, http.StatusOK, "Successfully logged in.")
}

// Logout завершает сессию покупателя, сбрасывая cookie авторизации.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	h.writeMessage(w, http.StatusOK, "Successfully logged out.")
}

// GetBalance возвращает баланс текущего покупателя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

type balanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AddBalance пополняет баланс текущего покупателя.
func (h *Handler) AddBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.AddBalance(r.Context(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, money.ErrInvalidAmount) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("add balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Successfully updated the balance.",
		"balance": balance.String(),
	})
}

func pageFromQuery(r *http.Request) int64 {
	page, err := strconv.ParseInt(r.URL.Query().Get("page"), 10, 64)
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// ListProducts возвращает страницу товаров в наличии.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	h.listProducts(w, r, h.service.ListProducts)
}

// ListOutOfStock возвращает страницу закончившихся товаров.
func (h *Handler) ListOutOfStock(w http.ResponseWriter, r *http.Request) {
	h.listProducts(w, r, h.service.ListOutOfStock)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request, list func(context.Context, int64) ([]model.Product, error)) {
	products, err := list(r.Context(), pageFromQuery(r))
	if err != nil {
		h.logger.Error("list products error", zap.Error(err))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't get the products.")
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, newProductResponse(p))
	}

	h.writeJSON(w, http.StatusOK, map[string][]productResponse{"products": resp})
}

type productRequest struct {
	Name      string          `json:"name"`
	Available int64           `json:"available"`
	Price     decimal.Decimal `json:"price"`
	VATRate   decimal.Decimal `json:"vat_rate"`
}

// CreateProduct добавляет новый товар в каталог.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.CreateProduct(r.Context(), service.ProductInput{
		Name:      req.Name,
		Available: req.Available,
		Price:     req.Price,
		VATRate:   req.VATRate,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidProduct):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrProductExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("create product error", zap.Error(err))
			h.writeMessage(w, http.StatusBadRequest, "Couldn't add the product.")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]productResponse{"product": newProductResponse(*p)})
}

func productIDFromURL(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// GetProduct возвращает товар каталога по идентификатору.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productIDFromURL(r)
	if err != nil {
		h.writeMessage(w, http.StatusNotFound, "Couldn't find the product.")
		return
	}

	p, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			h.writeMessage(w, http.StatusNotFound, "Couldn't find the product.")
			return
		}
		h.logger.Error("get product error", zap.Error(err), zap.Int64("productID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]productResponse{"product": newProductResponse(*p)})
}

// UpdateProduct обновляет товар каталога.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productIDFromURL(r)
	if err != nil {
		h.writeMessage(w, http.StatusBadRequest, "Couldn't find the product to update.")
		return
	}

	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.UpdateProduct(r.Context(), id, service.ProductInput{
		Name:      req.Name,
		Available: req.Available,
		Price:     req.Price,
		VATRate:   req.VATRate,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidProduct):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrProductNotFound):
			h.writeMessage(w, http.StatusBadRequest, "Couldn't find the product to update.")
		case errors.Is(err, repository.ErrProductExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("update product error", zap.Error(err), zap.Int64("productID", id))
			h.writeMessage(w, http.StatusBadRequest, "Couldn't update the product.")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]productResponse{"product": newProductResponse(*p)})
}

// DeleteProduct удаляет товар каталога вместе с позициями корзин.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productIDFromURL(r)
	if err != nil {
		h.writeMessage(w, http.StatusBadRequest, "Couldn't find the product to remove.")
		return
	}

	if err := h.service.DeleteProduct(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			h.writeMessage(w, http.StatusBadRequest, "Couldn't find the product to remove.")
			return
		}
		h.logger.Error("delete product error", zap.Error(err), zap.Int64("productID", id))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't remove the product.")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetCart возвращает открытую корзину текущего покупателя с итогами.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	view, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", userID))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't get the cart.")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]cartResponse{"cart": newCartResponse(view)})
}

type cartRequest struct {
	ID int64 `json:"id"`
}

// AddToCart кладёт единицу товара в корзину текущего покупателя.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AddToCart(r.Context(), userID, req.ID); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			h.writeMessage(w, http.StatusBadRequest, "Couldn't find the product to add to the cart.")
			return
		}
		h.logger.Error("add to cart error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("productID", req.ID))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't add product.")
		return
	}

	view, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", userID))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't get the cart.")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]cartResponse{"cart": newCartResponse(view)})
}

// RemoveFromCart убирает единицу товара из корзины текущего покупателя.
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if _, err := h.service.GetProduct(r.Context(), req.ID); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			h.writeMessage(w, http.StatusBadRequest, "Couldn't find the product to remove from the cart.")
			return
		}
		h.logger.Error("get product error", zap.Error(err), zap.Int64("productID", req.ID))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't remove product.")
		return
	}

	if err := h.service.RemoveFromCart(r.Context(), userID, req.ID); err != nil {
		h.logger.Error("remove from cart error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("productID", req.ID))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't remove product.")
		return
	}

	view, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", userID))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't get the cart.")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]cartResponse{"cart": newCartResponse(view)})
}

// Checkout оформляет заказ текущего покупателя: либо списывает средства и
// остатки целиком, либо не изменяет ничего.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	err := h.service.Checkout(r.Context(), userID)
	if err == nil {
		h.writeMessage(w, http.StatusOK, "Successfully bought the items in the cart.")
		return
	}

	var balanceErr *repository.InsufficientBalanceError
	var stockErr *repository.InsufficientStockError

	switch {
	case errors.Is(err, repository.ErrEmptyCart):
		h.writeMessage(w, http.StatusBadRequest, "No products in the cart!")
	case errors.As(err, &balanceErr):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"message": "Not enough balance!",
			"balance": balanceErr.Balance.String(),
			"total":   balanceErr.Total.String(),
		})
	case errors.As(err, &stockErr):
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"message":   "Not enough products available!",
			"product":   stockErr.Name,
			"available": stockErr.Available,
		})
	default:
		h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", userID))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't checkout.")
	}
}

// GetOrders возвращает ранее купленные позиции текущего покупателя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	items, err := h.service.GetOrders(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		h.writeMessage(w, http.StatusBadRequest, "Couldn't get the orders.")
		return
	}

	resp := make([]productResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, newCartItemResponse(it))
	}

	h.writeJSON(w, http.StatusOK, map[string][]productResponse{"orders": resp})
}
