// Package events defines the lifecycle events the tracker emits and the
// publisher contract the rest of the bot plugs into.
package events

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-recon/internal/core"
)

type Tag string

const (
	TagOrderCreated      Tag = "order_created"
	TagOrderOpen         Tag = "order_open"
	TagOrderFilled       Tag = "order_filled"
	TagBuyOrderCompleted Tag = "buy_order_completed"
	TagSellOrderComplete Tag = "sell_order_completed"
	TagOrderCancelled    Tag = "order_cancelled"
	TagOrderFailed       Tag = "order_failed"
)

// Publisher fans lifecycle events out to the rest of the bot. Emit is called
// synchronously from inside the tracker's critical section and must not
// block; a slow or failing publisher must buffer or drop on its own side.
type Publisher interface {
	Emit(tag Tag, payload any)
}

type OrderCreated struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	TradeType       core.TradeType
	OrderType       core.OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
}

type OrderOpen struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Misc            map[string]string
}

type OrderFilled struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	TradeID         string
	TradeType       core.TradeType
	OrderType       core.OrderType
	FillPrice       decimal.Decimal
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	Fee             core.Fee
}

type OrderCompleted struct {
	Timestamp           time.Time
	ClientOrderID       string
	ExchangeOrderID     string
	TradingPair         string
	TradeType           core.TradeType
	OrderType           core.OrderType
	ExecutedAmountBase  decimal.Decimal
	ExecutedAmountQuote decimal.Decimal
	AvgExecutedPrice    decimal.Decimal
	CumulativeFees      []core.TokenAmount
}

type OrderCancelled struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Misc            map[string]string
}

type OrderFailed struct {
	Timestamp     time.Time
	ClientOrderID string
	TradingPair   string
	OrderType     core.OrderType
	Reason        string
	Misc          map[string]string
}

// LogPublisher writes every event to the log. Useful standalone and as the
// default sink when no downstream consumer is wired.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p *LogPublisher) Emit(tag Tag, payload any) {
	p.Log.Info().Str("event", string(tag)).Interface("payload", payload).Msg("lifecycle event")
}
