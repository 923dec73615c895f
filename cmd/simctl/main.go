package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"papertrade/internal/bus"
	"papertrade/internal/config"
	"papertrade/internal/event"
	"papertrade/internal/logging"
)

const usage = `Usage: simctl <command> [args]

Commands:
  start                          start worker runners in all processes
  stop                           stop worker runners in all processes
  sim-start                      start the simulated clock
  sim-stop                       stop the simulated clock
  tick <symbol>                  request a tick stream
  stop-tick <symbol>             release a tick stream
  buy <symbol> <qty> [limit]     place a buy order (market, or limit at price)
  sell <symbol> <qty> [limit]    place a sell order
  cancel <order-id> <symbol>     cancel a resting order
  call <queue> <route> [k=v...]  issue an rpc call and print the reply
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.LoadService("simctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger("simctl", cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	if command == "call" {
		if err := runCall(ctx, cfg, logger, args); err != nil {
			logger.Fatal("rpc call failed", zap.Error(err))
		}
		return
	}

	e, err := buildEvent(command, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
		os.Exit(1)
	}

	b, err := bus.NewBus(cfg.Kafka.Brokers, cfg.Kafka.ExchangeTopic, cfg.Kafka.MaxInflight, logger)
	if err != nil {
		logger.Fatal("failed to create bus", zap.Error(err))
	}
	defer b.Close()

	if err := b.EmitSync(ctx, e); err != nil {
		logger.Fatal("failed to emit event", zap.Error(err))
	}
	logger.Info("event emitted", zap.String("event_type", string(e.Type())))
}

func buildEvent(command string, args []string) (event.Event, error) {
	now := event.Now()

	switch command {
	case "start":
		return event.Start{EventTime: now}, nil
	case "stop":
		return event.Stop{EventTime: now}, nil
	case "sim-start":
		return event.SimStart{EventTime: now}, nil
	case "sim-stop":
		return event.SimStop{EventTime: now}, nil

	case "tick", "stop-tick":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s requires a symbol", command)
		}
		if command == "tick" {
			return event.RequestTick{EventTime: now, Symbol: args[0]}, nil
		}
		return event.RequestStopTick{EventTime: now, Symbol: args[0]}, nil

	case "buy", "sell":
		if len(args) < 2 || len(args) > 3 {
			return nil, fmt.Errorf("%s requires symbol and quantity, with an optional limit price", command)
		}
		qty, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity %q: %w", args[1], err)
		}
		direction := event.DirectionBuy
		if command == "sell" {
			direction = event.DirectionSell
		}

		var order event.Order
		if len(args) == 3 {
			limit, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid limit price %q: %w", args[2], err)
			}
			order, err = event.NewLimitOrder(args[0], qty, direction, limit)
			if err != nil {
				return nil, err
			}
		} else {
			order, err = event.NewMarketOrder(args[0], qty, direction)
			if err != nil {
				return nil, err
			}
		}
		return event.PlaceOrder{EventTime: now, Order: order}, nil

	case "cancel":
		if len(args) != 2 {
			return nil, fmt.Errorf("cancel requires an order id and symbol")
		}
		return event.CancelOrder{EventTime: now, Order: event.Order{
			OrderType: event.OrderMarket,
			ID:        args[0],
			Symbol:    args[1],
			Quantity:  1,
			Direction: event.DirectionBuy,
			Timestamp: now,
		}}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func runCall(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("call requires a queue and route")
	}
	queue, route := args[0], args[1]

	params := make(map[string]string)
	for _, kv := range args[2:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid parameter %q, expected k=v", kv)
		}
		params[key] = value
	}

	client, err := bus.NewClient(cfg.Kafka.Brokers, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(ctx, queue, route, params)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
