package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType marks a payload whose event_type tag is missing or not in
// the closed variant set.
var ErrUnknownType = errors.New("unknown event type")

// ErrTypeMismatch marks a payload whose tag does not match the variant a
// caller expected.
var ErrTypeMismatch = errors.New("event type mismatch")

// Marshal serializes an event to its tagged wire form: the variant's JSON
// fields plus the event_type discriminant.
func Marshal(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type(), err)
	}

	tag, err := json.Marshal(e.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type(), err)
	}
	fields["event_type"] = tag

	return json.Marshal(fields)
}

// Unmarshal decodes a tagged wire payload into its concrete variant. The
// tag is validated before any field access; unknown tags fail with
// ErrUnknownType.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		EventType Type `json:"event_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	switch head.EventType {
	case TypeTick:
		return decodeAs[Tick](data, head.EventType)
	case TypeStart:
		return decodeAs[Start](data, head.EventType)
	case TypeStop:
		return decodeAs[Stop](data, head.EventType)
	case TypeRequestTick:
		return decodeAs[RequestTick](data, head.EventType)
	case TypeRequestStopTick:
		return decodeAs[RequestStopTick](data, head.EventType)
	case TypePlaceOrder:
		return decodeAs[PlaceOrder](data, head.EventType)
	case TypeCancelOrder:
		return decodeAs[CancelOrder](data, head.EventType)
	case TypeModifyOrder:
		return decodeAs[ModifyOrder](data, head.EventType)
	case TypeOrderModified:
		return decodeAs[OrderModified](data, head.EventType)
	case TypeOrderStatus:
		return decodeAs[OrderStatus](data, head.EventType)
	case TypeTimeStep:
		return decodeAs[TimeStep](data, head.EventType)
	case TypeSimStart:
		return decodeAs[SimStart](data, head.EventType)
	case TypeSimStop:
		return decodeAs[SimStop](data, head.EventType)
	case "":
		return nil, fmt.Errorf("%w: payload carries no event_type tag", ErrUnknownType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.EventType)
	}
}

func decodeAs[E Event](data []byte, tag Type) (Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", tag, err)
	}
	return e, nil
}

// UnmarshalAs decodes a payload and verifies the tag matches the expected
// variant, failing with ErrTypeMismatch otherwise.
func UnmarshalAs(data []byte, want Type) (Event, error) {
	e, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if e.Type() != want {
		return nil, fmt.Errorf("%w: want %q, got %q", ErrTypeMismatch, want, e.Type())
	}
	return e, nil
}
