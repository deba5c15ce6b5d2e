// Package feed publishes executed trades to Kafka.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"bourse/internal/common"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"
)

const (
	DefaultBufferSize = 1024
	flushTimeout      = 5 * time.Second
)

var ErrBufferFull = errors.New("trade feed buffer full")

// MessageWriter is the part of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// TradeEvent is the JSON body of a feed message.
type TradeEvent struct {
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	Maker       string          `json:"maker"`
	Quantity    uint64          `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Cost        decimal.Decimal `json:"cost"`
	Timestamp   int64           `json:"ts_ms"`
}

func NewTradeEvent(trade common.Trade) TradeEvent {
	return TradeEvent{
		BuyOrderID:  trade.Buy.ID,
		SellOrderID: trade.Sell.ID,
		Buyer:       trade.Buy.Owner,
		Seller:      trade.Sell.Owner,
		Maker:       trade.Maker.String(),
		Quantity:    trade.MatchQty,
		Price:       trade.Price,
		Cost:        trade.Cost,
		Timestamp:   trade.Timestamp.UnixMilli(),
	}
}

// Publisher forwards trades to Kafka from its own goroutine. ReportTrade never
// blocks the matching engine: trades are dropped once the buffer is full.
type Publisher struct {
	writer  MessageWriter
	trades  chan common.Trade
	t       tomb.Tomb
	started atomic.Bool
	dropped atomic.Uint64
}

func New(writer MessageWriter, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Publisher{
		writer: writer,
		trades: make(chan common.Trade, bufferSize),
	}
}

func (p *Publisher) Start() {
	if p.started.CompareAndSwap(false, true) {
		p.t.Go(p.run)
	}
}

func (p *Publisher) ReportTrade(trade common.Trade) error {
	select {
	case p.trades <- trade:
		return nil
	default:
		p.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped returns how many trades were discarded because the buffer was full.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Stop flushes buffered trades and closes the writer.
func (p *Publisher) Stop() error {
	if p.started.Load() {
		p.t.Kill(nil)
		if err := p.t.Wait(); err != nil {
			log.Error().Err(err).Msg("trade feed failed")
		}
	}
	return p.writer.Close()
}

func (p *Publisher) run() error {
	ctx := p.t.Context(nil)
	for {
		select {
		case <-p.t.Dying():
			p.flush()
			return nil
		case trade := <-p.trades:
			p.publish(ctx, trade)
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case trade := <-p.trades:
			p.publish(ctx, trade)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, trade common.Trade) {
	value, err := json.Marshal(NewTradeEvent(trade))
	if err != nil {
		log.Error().Err(err).Msg("unable to encode trade")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(trade.Buy.ID, 10)),
		Value: value,
		Time:  trade.Timestamp,
	})
	if err != nil {
		log.Error().
			Err(err).
			Int64("buy_order", trade.Buy.ID).
			Int64("sell_order", trade.Sell.ID).
			Msg("unable to publish trade")
	}
}
