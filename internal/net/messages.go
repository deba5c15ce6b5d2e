package net

import (
	"errors"
	"fmt"
	"time"

	"bourse/internal/common"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
)

type Command uint64

const (
	CmdUnknown Command = iota
	CmdSignUp
	CmdSignIn
	CmdMakeOrder
	CmdViewBalance
	CmdViewActiveOrders
	CmdViewCompletedTrades
	CmdViewQuoteHistory
	CmdCancelOrder
)

func (c Command) String() string {
	switch c {
	case CmdSignUp:
		return "sign_up"
	case CmdSignIn:
		return "sign_in"
	case CmdMakeOrder:
		return "make_order"
	case CmdViewBalance:
		return "view_balance"
	case CmdViewActiveOrders:
		return "view_active_orders"
	case CmdViewCompletedTrades:
		return "view_completed_trades"
	case CmdViewQuoteHistory:
		return "view_quote_history"
	case CmdCancelOrder:
		return "cancel_order"
	default:
		return "unknown"
	}
}

type Status uint64

const (
	StatusUnknown Status = iota
	StatusSignUpSuccessful
	StatusUsernameTaken
	StatusSignInSuccessful
	StatusInvalidCredentials
	StatusAlreadyLoggedIn
	StatusOrderCreated
	StatusBalance
	StatusActiveOrders
	StatusCompletedTrades
	StatusQuoteHistory
	StatusOrderCancelled
	StatusOrderNotFound
	StatusUnauthorized
	StatusBadRequest
	StatusError
)

var statusNames = map[Status]string{
	StatusSignUpSuccessful:   "sign up successful",
	StatusUsernameTaken:      "username taken",
	StatusSignInSuccessful:   "sign in successful",
	StatusInvalidCredentials: "invalid credentials",
	StatusAlreadyLoggedIn:    "already logged in",
	StatusOrderCreated:       "order created",
	StatusBalance:            "balance",
	StatusActiveOrders:       "active orders",
	StatusCompletedTrades:    "completed trades",
	StatusQuoteHistory:       "quote history",
	StatusOrderCancelled:     "order cancelled",
	StatusOrderNotFound:      "order not found",
	StatusUnauthorized:       "unauthorized",
	StatusBadRequest:         "bad request",
	StatusError:              "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Field numbers of the request message.
const (
	reqCommand  protowire.Number = 1
	reqJWT      protowire.Number = 2
	reqUsername protowire.Number = 3
	reqPassword protowire.Number = 4
	reqOrder    protowire.Number = 5
	reqOrderID  protowire.Number = 6
	reqSide     protowire.Number = 7
	reqLimit    protowire.Number = 8
)

// Field numbers of the response message.
const (
	respStatus  protowire.Number = 1
	respJWT     protowire.Number = 2
	respBalance protowire.Number = 3
	respOrders  protowire.Number = 4
	respQuotes  protowire.Number = 5
	respMessage protowire.Number = 6
	respOrderID protowire.Number = 7
)

// OrderRequest is the order body of a MakeOrder request. Price travels as a
// decimal string.
type OrderRequest struct {
	Side     common.Side
	Price    string
	Quantity uint64
}

type Request struct {
	Command  Command
	JWT      string
	Username string
	Password string
	Order    *OrderRequest
	OrderID  int64
	Side     common.Side
	Limit    uint64
}

type Response struct {
	Status  Status
	JWT     string
	Balance *common.Balance
	Orders  []common.Order
	Quotes  []common.Quote
	Message string
	OrderID int64
}

// --- Encoding ---------------------------------------------------------------

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func millis(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

func EncodeRequest(req Request) []byte {
	var b []byte
	b = appendVarint(b, reqCommand, uint64(req.Command))
	b = appendString(b, reqJWT, req.JWT)
	b = appendString(b, reqUsername, req.Username)
	b = appendString(b, reqPassword, req.Password)
	if req.Order != nil {
		var o []byte
		o = appendVarint(o, 1, uint64(req.Order.Side))
		o = appendString(o, 2, req.Order.Price)
		o = appendVarint(o, 3, req.Order.Quantity)
		b = appendMessage(b, reqOrder, o)
	}
	b = appendVarint(b, reqOrderID, uint64(req.OrderID))
	b = appendVarint(b, reqSide, uint64(req.Side))
	b = appendVarint(b, reqLimit, req.Limit)
	return b
}

func encodeOrder(order common.Order) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(order.ID))
	b = appendVarint(b, 2, uint64(order.Side))
	b = appendString(b, 3, order.Price.String())
	b = appendVarint(b, 4, order.Quantity)
	b = appendVarint(b, 5, order.TotalQuantity)
	b = appendString(b, 6, order.Owner)
	b = appendVarint(b, 7, millis(order.CreatedAt))
	b = appendVarint(b, 8, millis(order.CompletedAt))
	return b
}

func EncodeResponse(resp Response) []byte {
	var b []byte
	b = appendVarint(b, respStatus, uint64(resp.Status))
	b = appendString(b, respJWT, resp.JWT)
	if resp.Balance != nil {
		var bal []byte
		bal = appendString(bal, 1, resp.Balance.USD.String())
		bal = appendString(bal, 2, resp.Balance.RUB.String())
		b = appendMessage(b, respBalance, bal)
	}
	for _, order := range resp.Orders {
		b = appendMessage(b, respOrders, encodeOrder(order))
	}
	for _, quote := range resp.Quotes {
		var q []byte
		q = appendString(q, 1, quote.Price.String())
		q = appendVarint(q, 2, millis(quote.Timestamp))
		b = appendMessage(b, respQuotes, q)
	}
	b = appendString(b, respMessage, resp.Message)
	b = appendVarint(b, respOrderID, uint64(resp.OrderID))
	return b
}

// --- Decoding ---------------------------------------------------------------

// fieldFunc handles one field. Unknown fields return handled=false and are
// skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (n int, handled bool, err error)

func walkFields(b []byte, field fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		n, handled, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if !handled {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, bool, error) {
	if typ != protowire.VarintType {
		return 0, false, nil
	}
	v, n := protowire.ConsumeVarint(b)
	*dst = v
	return n, true, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, bool, error) {
	if typ != protowire.BytesType {
		return 0, false, nil
	}
	v, n := protowire.ConsumeBytes(b)
	*dst = v
	return n, true, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, bool, error) {
	var raw []byte
	n, ok, err := consumeBytes(typ, b, &raw)
	*dst = string(raw)
	return n, ok, err
}

func DecodeRequest(b []byte) (Request, error) {
	var req Request
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		var v uint64
		switch num {
		case reqCommand:
			n, ok, err := consumeVarint(typ, b, &v)
			req.Command = Command(v)
			return n, ok, err
		case reqJWT:
			return consumeString(typ, b, &req.JWT)
		case reqUsername:
			return consumeString(typ, b, &req.Username)
		case reqPassword:
			return consumeString(typ, b, &req.Password)
		case reqOrder:
			var raw []byte
			n, ok, err := consumeBytes(typ, b, &raw)
			if !ok || n < 0 {
				return n, ok, err
			}
			order, err := decodeOrderRequest(raw)
			req.Order = &order
			return n, true, err
		case reqOrderID:
			n, ok, err := consumeVarint(typ, b, &v)
			req.OrderID = int64(v)
			return n, ok, err
		case reqSide:
			n, ok, err := consumeVarint(typ, b, &v)
			req.Side = common.Side(v)
			return n, ok, err
		case reqLimit:
			return consumeVarint(typ, b, &req.Limit)
		}
		return 0, false, nil
	})
	return req, err
}

func decodeOrderRequest(b []byte) (OrderRequest, error) {
	var order OrderRequest
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		var v uint64
		switch num {
		case 1:
			n, ok, err := consumeVarint(typ, b, &v)
			order.Side = common.Side(v)
			return n, ok, err
		case 2:
			return consumeString(typ, b, &order.Price)
		case 3:
			return consumeVarint(typ, b, &order.Quantity)
		}
		return 0, false, nil
	})
	return order, err
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return d, nil
}

func fromMillis(ms uint64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func decodeOrder(b []byte) (common.Order, error) {
	var (
		order common.Order
		price string
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		var v uint64
		switch num {
		case 1:
			n, ok, err := consumeVarint(typ, b, &v)
			order.ID = int64(v)
			return n, ok, err
		case 2:
			n, ok, err := consumeVarint(typ, b, &v)
			order.Side = common.Side(v)
			return n, ok, err
		case 3:
			return consumeString(typ, b, &price)
		case 4:
			return consumeVarint(typ, b, &order.Quantity)
		case 5:
			return consumeVarint(typ, b, &order.TotalQuantity)
		case 6:
			return consumeString(typ, b, &order.Owner)
		case 7:
			n, ok, err := consumeVarint(typ, b, &v)
			order.CreatedAt = fromMillis(v)
			return n, ok, err
		case 8:
			n, ok, err := consumeVarint(typ, b, &v)
			order.CompletedAt = fromMillis(v)
			return n, ok, err
		}
		return 0, false, nil
	})
	if err != nil {
		return order, err
	}
	order.Price, err = parseDecimal(price)
	return order, err
}

func decodeBalance(b []byte) (common.Balance, error) {
	var usd, rub string
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &usd)
		case 2:
			return consumeString(typ, b, &rub)
		}
		return 0, false, nil
	})
	if err != nil {
		return common.Balance{}, err
	}

	var balance common.Balance
	if balance.USD, err = parseDecimal(usd); err != nil {
		return balance, err
	}
	balance.RUB, err = parseDecimal(rub)
	return balance, err
}

func decodeQuote(b []byte) (common.Quote, error) {
	var (
		price string
		ts    uint64
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &price)
		case 2:
			return consumeVarint(typ, b, &ts)
		}
		return 0, false, nil
	})
	if err != nil {
		return common.Quote{}, err
	}
	quote := common.Quote{Timestamp: fromMillis(ts)}
	quote.Price, err = parseDecimal(price)
	return quote, err
}

func DecodeResponse(b []byte) (Response, error) {
	var resp Response
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		var (
			v   uint64
			raw []byte
		)
		switch num {
		case respStatus:
			n, ok, err := consumeVarint(typ, b, &v)
			resp.Status = Status(v)
			return n, ok, err
		case respJWT:
			return consumeString(typ, b, &resp.JWT)
		case respMessage:
			return consumeString(typ, b, &resp.Message)
		case respOrderID:
			n, ok, err := consumeVarint(typ, b, &v)
			resp.OrderID = int64(v)
			return n, ok, err
		case respBalance:
			n, ok, err := consumeBytes(typ, b, &raw)
			if !ok || n < 0 {
				return n, ok, err
			}
			balance, err := decodeBalance(raw)
			resp.Balance = &balance
			return n, true, err
		case respOrders:
			n, ok, err := consumeBytes(typ, b, &raw)
			if !ok || n < 0 {
				return n, ok, err
			}
			order, err := decodeOrder(raw)
			resp.Orders = append(resp.Orders, order)
			return n, true, err
		case respQuotes:
			n, ok, err := consumeBytes(typ, b, &raw)
			if !ok || n < 0 {
				return n, ok, err
			}
			quote, err := decodeQuote(raw)
			resp.Quotes = append(resp.Quotes, quote)
			return n, true, err
		}
		return 0, false, nil
	})
	return resp, err
}
