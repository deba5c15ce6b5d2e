package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bourse/internal/common"
	bourseNet "bourse/internal/net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// 1. CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange server")
	username := flag.String("user", "", "Username (compulsory)")
	password := flag.String("password", "", "Password (compulsory)")
	action := flag.String("action", "balance",
		"Action to perform: ['signup', 'place', 'cancel', 'balance', 'orders', 'trades', 'quotes']")

	// Order Parameters
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	price := flag.String("price", "", "Limit price in RUB per USD, e.g. 72.5")
	qtyStr := flag.String("qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")

	// Cancel / history Parameters
	orderID := flag.Int64("id", 0, "Id of the order to cancel")
	limit := flag.Uint64("limit", 0, "Number of history entries to show")

	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	// Validation
	if *username == "" || *password == "" {
		fmt.Println("Error: -user and -password are compulsory.")
		flag.Usage()
		os.Exit(1)
	}
	side := common.Buy
	if strings.ToLower(*sideStr) == "sell" {
		side = common.Sell
	}

	// Connect to Server
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := bourseNet.Dial(ctx, *serverAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer client.Close()

	if strings.ToLower(*action) == "signup" {
		resp := do(client, bourseNet.Request{Command: bourseNet.CmdSignUp, Username: *username, Password: *password})
		fmt.Printf("-> %s\n", resp.Status)
		return
	}

	resp := do(client, bourseNet.Request{Command: bourseNet.CmdSignIn, Username: *username, Password: *password})
	if resp.Status != bourseNet.StatusSignInSuccessful {
		log.Fatal().Str("status", resp.Status.String()).Msg("unable to sign in")
	}
	fmt.Printf("Connected to %s as '%s'\n", *serverAddr, *username)

	// Execute Action
	switch strings.ToLower(*action) {
	case "place":
		if *price == "" {
			log.Fatal().Msg("-price is required to place an order")
		}
		for _, q := range parseQuantities(*qtyStr) {
			resp := do(client, bourseNet.Request{
				Command: bourseNet.CmdMakeOrder,
				Order:   &bourseNet.OrderRequest{Side: side, Price: *price, Quantity: q},
			})
			if resp.Status != bourseNet.StatusOrderCreated {
				fmt.Printf("-> %s order rejected: %s %s\n", side, resp.Status, resp.Message)
				continue
			}
			fmt.Printf("-> Sent %s Order %d: %d USD @ %s RUB\n", side, resp.OrderID, q, *price)
		}

	case "cancel":
		if *orderID == 0 {
			log.Fatal().Msg("-id is required for cancellation")
		}
		resp := do(client, bourseNet.Request{Command: bourseNet.CmdCancelOrder, OrderID: *orderID, Side: side})
		fmt.Printf("-> %s (%d)\n", resp.Status, resp.OrderID)

	case "balance":
		resp := do(client, bourseNet.Request{Command: bourseNet.CmdViewBalance})
		if resp.Balance == nil {
			log.Fatal().Str("status", resp.Status.String()).Msg(resp.Message)
		}
		fmt.Printf("USD: %s\nRUB: %s\n", resp.Balance.USD, resp.Balance.RUB)

	case "orders":
		resp := do(client, bourseNet.Request{Command: bourseNet.CmdViewActiveOrders})
		printOrders(resp.Orders)

	case "trades":
		resp := do(client, bourseNet.Request{Command: bourseNet.CmdViewCompletedTrades, Limit: *limit})
		printOrders(resp.Orders)

	case "quotes":
		resp := do(client, bourseNet.Request{Command: bourseNet.CmdViewQuoteHistory, Limit: *limit})
		for _, q := range resp.Quotes {
			fmt.Printf("%s  %s\n", q.Timestamp.Format(time.DateTime), q.Price)
		}

	default:
		log.Fatal().Str("action", *action).Msg("unknown action")
	}
}

func do(client *bourseNet.Client, req bourseNet.Request) bourseNet.Response {
	resp, err := client.Do(req)
	if err != nil {
		log.Fatal().Err(err).Msg("request failed")
	}
	return resp
}

func printOrders(orders []common.Order) {
	if len(orders) == 0 {
		fmt.Println("(none)")
		return
	}
	for _, o := range orders {
		fmt.Printf("%d  %-4s  %s x %d/%d  created %s",
			o.ID, o.Side, o.Price, o.Quantity, o.TotalQuantity, o.CreatedAt.Format(time.DateTime))
		if !o.CompletedAt.IsZero() {
			fmt.Printf("  completed %s", o.CompletedAt.Format(time.DateTime))
		}
		fmt.Println()
	}
}

// parseQuantities splits a comma-separated string into a slice of uint64
func parseQuantities(input string) []uint64 {
	parts := strings.Split(input, ",")
	var result []uint64
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if val, err := strconv.ParseUint(p, 10, 64); err == nil && val > 0 {
			result = append(result, val)
		} else {
			log.Warn().Str("quantity", p).Msg("invalid quantity, skipping")
		}
	}
	return result
}
