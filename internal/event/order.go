package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderType is the execution method of an order.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderOCO    OrderType = "oco"
	// OrderStop exists on the wire for forward compatibility; the broker
	// has no execution semantics for it and rejects it loudly.
	OrderStop OrderType = "stop"
)

// Direction is the side of an order.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Status is the lifecycle state of an order in the broker's book.
type Status string

const (
	StatusNotTraded Status = "not_traded"
	StatusTraded    Status = "traded"
	StatusCancelled Status = "cancelled"
)

// Final reports whether the status is terminal. No transition leaves a
// final status.
func (s Status) Final() bool {
	return s == StatusTraded || s == StatusCancelled
}

// Order is an immutable order record. The id is minted once and stays
// stable for the order's lifetime; modifying an order produces a
// replacement record under the same id.
type Order struct {
	OrderType  OrderType `json:"order_type"`
	ID         string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Quantity   int64     `json:"quantity"`
	Direction  Direction `json:"direction"`
	Timestamp  time.Time `json:"timestamp"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	StopPrice  float64   `json:"stop_price,omitempty"`
}

// NewMarketOrder creates a validated market order with a fresh id.
func NewMarketOrder(symbol string, quantity int64, direction Direction) (Order, error) {
	o := Order{
		OrderType: OrderMarket,
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Quantity:  quantity,
		Direction: direction,
		Timestamp: Now(),
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// NewLimitOrder creates a validated limit order with a fresh id.
func NewLimitOrder(symbol string, quantity int64, direction Direction, limitPrice float64) (Order, error) {
	o := Order{
		OrderType:  OrderLimit,
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Quantity:   quantity,
		Direction:  direction,
		Timestamp:  Now(),
		LimitPrice: limitPrice,
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// NewOCOOrder creates a validated one-cancels-other order with a fresh id.
// Placing one is allowed; the broker rejects execution, which is
// unimplemented.
func NewOCOOrder(symbol string, quantity int64, direction Direction, limitPrice, stopPrice float64) (Order, error) {
	o := Order{
		OrderType:  OrderOCO,
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Quantity:   quantity,
		Direction:  direction,
		Timestamp:  Now(),
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Validate checks the order invariants shared by every variant plus the
// per-variant price constraints.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id must not be empty")
	}
	if o.Symbol == "" {
		return fmt.Errorf("order symbol must not be empty")
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order quantity must be greater than zero: %d", o.Quantity)
	}
	if o.Direction != DirectionBuy && o.Direction != DirectionSell {
		return fmt.Errorf("invalid order direction: %q", o.Direction)
	}

	switch o.OrderType {
	case OrderMarket:
	case OrderLimit:
		if o.LimitPrice <= 0 {
			return fmt.Errorf("limit price must be greater than zero: %v", o.LimitPrice)
		}
	case OrderOCO:
		if o.LimitPrice <= 0 {
			return fmt.Errorf("limit price must be greater than zero: %v", o.LimitPrice)
		}
		if o.StopPrice <= 0 {
			return fmt.Errorf("stop price must be greater than zero: %v", o.StopPrice)
		}
	case OrderStop:
		if o.StopPrice <= 0 {
			return fmt.Errorf("stop price must be greater than zero: %v", o.StopPrice)
		}
	default:
		return fmt.Errorf("unknown order type: %q", o.OrderType)
	}

	return nil
}
