package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrade/internal/bus"
	"papertrade/internal/event"
)

// Service exposes the ledger over the bus: RPC routes for queries and
// cash movements, plus a status-event handler that applies traded fills.
type Service struct {
	account *Account
	logger  *zap.Logger
}

// NewService wraps an account.
func NewService(account *Account, logger *zap.Logger) *Service {
	return &Service{account: account, logger: logger}
}

// RegisterRoutes binds the ledger's RPC surface onto srv.
func (s *Service) RegisterRoutes(srv *bus.Server) {
	srv.Register("/increase_cash", s.handleIncreaseCash)
	srv.Register("/decrease_cash", s.handleDecreaseCash)
	srv.Register("/buy_stock", s.handleBuyStock)
	srv.Register("/sell_stock", s.handleSellStock)
	srv.Register("/account/balance", s.handleBalance)
	srv.Register("/account/stocks", s.handleStocks)
	srv.Register("/account/value", s.handleValue)
}

// OnEvent applies traded fills announced on the bus to the ledger.
// Cancellations carry no fill and are ignored here.
func (s *Service) OnEvent(_ context.Context, e event.Event) error {
	status, ok := e.(event.OrderStatus)
	if !ok || status.Status != event.StatusTraded {
		return nil
	}

	price := decimal.NewFromFloat(status.Price)
	order := status.Order

	var err error
	switch order.Direction {
	case event.DirectionBuy:
		err = s.account.BuyStock(order.Symbol, order.Quantity, price)
	case event.DirectionSell:
		err = s.account.SellStock(order.Symbol, order.Quantity, price)
	default:
		err = fmt.Errorf("unknown direction: %q", order.Direction)
	}
	if err != nil {
		return fmt.Errorf("failed to apply fill for order %s: %w", order.ID, err)
	}

	s.logger.Info("applied fill",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.Int64("quantity", order.Quantity),
		zap.String("direction", string(order.Direction)),
		zap.Float64("price", status.Price),
	)
	return nil
}

func errResponse(err error) bus.Response {
	switch {
	case errors.Is(err, ErrInsufficientCash), errors.Is(err, ErrInsufficientQuantity):
		return bus.Errorf(409, "%s", err)
	case errors.Is(err, ErrInvalidAmount):
		return bus.Errorf(400, "%s", err)
	default:
		return bus.Errorf(500, "%s", err)
	}
}

func amountParam(req bus.Request) (decimal.Decimal, error) {
	raw, ok := req.Params["amount"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: missing amount", ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return amount, nil
}

func tradeParams(req bus.Request) (string, int64, decimal.Decimal, error) {
	symbol := req.Params["symbol"]
	if symbol == "" {
		return "", 0, decimal.Zero, fmt.Errorf("%w: missing symbol", ErrInvalidAmount)
	}
	quantity, err := strconv.ParseInt(req.Params["quantity"], 10, 64)
	if err != nil {
		return "", 0, decimal.Zero, fmt.Errorf("%w: quantity %q", ErrInvalidAmount, req.Params["quantity"])
	}
	price, err := decimal.NewFromString(req.Params["price"])
	if err != nil {
		return "", 0, decimal.Zero, fmt.Errorf("%w: price %q", ErrInvalidAmount, req.Params["price"])
	}
	return symbol, quantity, price, nil
}

func (s *Service) handleIncreaseCash(_ context.Context, req bus.Request) bus.Response {
	amount, err := amountParam(req)
	if err != nil {
		return errResponse(err)
	}
	if err := s.account.IncreaseCash(amount); err != nil {
		return errResponse(err)
	}
	return bus.OK("cash increased", map[string]any{"balance": s.account.Balance().String()})
}

func (s *Service) handleDecreaseCash(_ context.Context, req bus.Request) bus.Response {
	amount, err := amountParam(req)
	if err != nil {
		return errResponse(err)
	}
	if err := s.account.DecreaseCash(amount); err != nil {
		return errResponse(err)
	}
	return bus.OK("cash decreased", map[string]any{"balance": s.account.Balance().String()})
}

func (s *Service) handleBuyStock(_ context.Context, req bus.Request) bus.Response {
	symbol, quantity, price, err := tradeParams(req)
	if err != nil {
		return errResponse(err)
	}
	if err := s.account.BuyStock(symbol, quantity, price); err != nil {
		return errResponse(err)
	}
	return bus.OK("stock bought", map[string]any{"balance": s.account.Balance().String()})
}

func (s *Service) handleSellStock(_ context.Context, req bus.Request) bus.Response {
	symbol, quantity, price, err := tradeParams(req)
	if err != nil {
		return errResponse(err)
	}
	if err := s.account.SellStock(symbol, quantity, price); err != nil {
		return errResponse(err)
	}
	return bus.OK("stock sold", map[string]any{"balance": s.account.Balance().String()})
}

func (s *Service) handleBalance(_ context.Context, _ bus.Request) bus.Response {
	return bus.OK("balance", map[string]any{
		"balance":  s.account.Balance().String(),
		"reserved": s.account.Reserved().String(),
	})
}

func (s *Service) handleStocks(_ context.Context, _ bus.Request) bus.Response {
	stocks := make(map[string]any)
	for symbol, h := range s.account.Holdings() {
		stocks[symbol] = map[string]any{
			"quantity":       h.Quantity,
			"avg_open_price": h.AvgOpenPrice.String(),
		}
	}
	return bus.OK("stocks", stocks)
}

func (s *Service) handleValue(_ context.Context, _ bus.Request) bus.Response {
	return bus.OK("value", map[string]any{"value": s.account.Value().String()})
}
