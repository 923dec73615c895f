// Package event defines the typed events exchanged between papertrade
// components and their JSON wire codec. Components never share memory;
// every value crossing a component boundary is one of these events,
// serialized onto the bus and decoded on the receiving side.
package event

import (
	"time"
)

// Type is the wire tag discriminating event variants.
type Type string

const (
	TypeTick            Type = "tick"
	TypeStart           Type = "start"
	TypeStop            Type = "stop"
	TypeRequestTick     Type = "request_tick"
	TypeRequestStopTick Type = "request_stop_tick"
	TypePlaceOrder      Type = "place_order"
	TypeCancelOrder     Type = "cancel_order"
	TypeModifyOrder     Type = "modify_order"
	TypeOrderModified   Type = "order_modified"
	TypeOrderStatus     Type = "order_status"
	TypeTimeStep        Type = "time_step"
	TypeSimStart        Type = "sim_start"
	TypeSimStop         Type = "sim_stop"
)

// reference is the fixed timezone basis for all default event timestamps.
var reference *time.Location

func init() {
	loc, err := time.LoadLocation("US/Eastern")
	if err != nil {
		loc = time.UTC
	}
	reference = loc
}

// Now returns the current time in the reference timezone.
func Now() time.Time {
	return time.Now().In(reference)
}

// Event is the closed set of message variants carried by the bus.
// Implementations are plain value types; consumers dispatch with a type
// switch after the wire tag has been validated by Unmarshal.
type Event interface {
	Type() Type
	Time() time.Time
}

// Tick is a single price observation for a symbol.
type Tick struct {
	EventTime time.Time `json:"event_time"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
}

func (Tick) Type() Type        { return TypeTick }
func (e Tick) Time() time.Time { return e.EventTime }

// Start resumes the background runners of every worker that receives it.
type Start struct {
	EventTime time.Time `json:"event_time"`
}

func (Start) Type() Type        { return TypeStart }
func (e Start) Time() time.Time { return e.EventTime }

// Stop halts the background runners of every worker that receives it.
type Stop struct {
	EventTime time.Time `json:"event_time"`
}

func (Stop) Type() Type        { return TypeStop }
func (e Stop) Time() time.Time { return e.EventTime }

// RequestTick asks the ticker to start streaming a symbol.
type RequestTick struct {
	EventTime time.Time `json:"event_time"`
	Symbol    string    `json:"symbol"`
}

func (RequestTick) Type() Type        { return TypeRequestTick }
func (e RequestTick) Time() time.Time { return e.EventTime }

// RequestStopTick asks the ticker to stop streaming a symbol.
type RequestStopTick struct {
	EventTime time.Time `json:"event_time"`
	Symbol    string    `json:"symbol"`
}

func (RequestStopTick) Type() Type        { return TypeRequestStopTick }
func (e RequestStopTick) Time() time.Time { return e.EventTime }

// PlaceOrder submits an order to the broker.
type PlaceOrder struct {
	EventTime time.Time `json:"event_time"`
	Order     Order     `json:"order"`
}

func (PlaceOrder) Type() Type        { return TypePlaceOrder }
func (e PlaceOrder) Time() time.Time { return e.EventTime }

// CancelOrder asks the broker to cancel a resting order.
type CancelOrder struct {
	EventTime time.Time `json:"event_time"`
	Order     Order     `json:"order"`
}

func (CancelOrder) Type() Type        { return TypeCancelOrder }
func (e CancelOrder) Time() time.Time { return e.EventTime }

// ModifyOrder replaces a resting order under the same id.
type ModifyOrder struct {
	EventTime     time.Time `json:"event_time"`
	ModifiedOrder Order     `json:"modified_order"`
}

func (ModifyOrder) Type() Type        { return TypeModifyOrder }
func (e ModifyOrder) Time() time.Time { return e.EventTime }

// OrderModified confirms a replacement applied by the broker.
type OrderModified struct {
	EventTime     time.Time `json:"event_time"`
	ModifiedOrder Order     `json:"modified_order"`
}

func (OrderModified) Type() Type        { return TypeOrderModified }
func (e OrderModified) Time() time.Time { return e.EventTime }

// OrderStatus reports an order lifecycle transition. Price carries the
// execution price when Status is StatusTraded, zero otherwise.
type OrderStatus struct {
	EventTime time.Time `json:"event_time"`
	Order     Order     `json:"order"`
	Status    Status    `json:"status"`
	Price     float64   `json:"price,omitempty"`
}

func (OrderStatus) Type() Type        { return TypeOrderStatus }
func (e OrderStatus) Time() time.Time { return e.EventTime }

// TimeStep advances simulated time. Timestamp is epoch seconds of the
// simulated instant.
type TimeStep struct {
	EventTime time.Time `json:"event_time"`
	Timestamp float64   `json:"timestamp"`
}

func (TimeStep) Type() Type        { return TypeTimeStep }
func (e TimeStep) Time() time.Time { return e.EventTime }

// SimStart begins a simulation run from the stepper's configured start.
type SimStart struct {
	EventTime time.Time `json:"event_time"`
}

func (SimStart) Type() Type        { return TypeSimStart }
func (e SimStart) Time() time.Time { return e.EventTime }

// SimStop cancels a running simulation and resets the stepper.
type SimStop struct {
	EventTime time.Time `json:"event_time"`
}

func (SimStop) Type() Type        { return TypeSimStop }
func (e SimStop) Time() time.Time { return e.EventTime }
