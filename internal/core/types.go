package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TradeType string

type OrderType string

type OrderState string

const (
	Buy  TradeType = "BUY"
	Sell TradeType = "SELL"
)

const (
	Limit      OrderType = "LIMIT"
	Market     OrderType = "MARKET"
	LimitMaker OrderType = "LIMIT_MAKER"
)

const (
	StatePendingCreate   OrderState = "PENDING_CREATE"
	StateOpen            OrderState = "OPEN"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateFailed          OrderState = "FAILED"
	StatePendingCancel   OrderState = "PENDING_CANCEL"
)

// Rank orders states by how advanced they are. Terminal states outrank
// everything. PENDING_CANCEL has no rank of its own: it is a flag on top of
// whatever state the cancel request interrupted, so it reports zero and
// callers consult the record's remembered prior rank instead.
func (s OrderState) Rank() int {
	switch s {
	case StateFilled, StateCancelled, StateFailed:
		return 4
	case StatePartiallyFilled:
		return 3
	case StateOpen:
		return 2
	case StatePendingCreate:
		return 1
	default:
		return 0
	}
}

func (s OrderState) IsTerminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateFailed
}

func (s OrderState) IsValid() bool {
	switch s {
	case StatePendingCreate, StateOpen, StatePartiallyFilled,
		StateFilled, StateCancelled, StateFailed, StatePendingCancel:
		return true
	}
	return false
}

// TokenAmount is a quantity of one asset, used for flat fees and cumulative
// fee accounting.
type TokenAmount struct {
	Token  string
	Amount decimal.Decimal
}

type FeeType string

const (
	FeeAddedToCost         FeeType = "ADDED_TO_COST"
	FeeDeductedFromReturns FeeType = "DEDUCTED_FROM_RETURNS"
)

// Fee is either a list of flat token amounts, a percentage of notional, or
// both. The classification (added to cost vs deducted from proceeds) is
// decided once per order from the trade type, not per fill.
type Fee struct {
	Type         FeeType
	Flat         []TokenAmount
	Percent      decimal.Decimal
	PercentToken string
}

func (f Fee) IsZero() bool {
	return len(f.Flat) == 0 && f.Percent.IsZero()
}

// FeeTypeFor returns the conventional fee classification for a trade type:
// buys pay fees on top of cost, sells have fees deducted from proceeds.
func FeeTypeFor(tradeType TradeType) FeeType {
	if tradeType == Sell {
		return FeeDeductedFromReturns
	}
	return FeeAddedToCost
}

// MiscKeyCreationTxHash is the well-known Misc key under which venues that
// settle on-chain report the transaction hash that created the order.
const MiscKeyCreationTxHash = "creation_transaction_hash"

// OrderUpdate is a normalized order status report from any channel (REST
// poll, websocket push, submit response). Applied to a record, then
// discarded.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	NewState        OrderState
	UpdateTimestamp time.Time
	// Misc carries opaque side-channel data (e.g. transaction hashes)
	// passed through to emitted events without interpretation.
	Misc map[string]string
}

// TradeUpdate is a single normalized fill report. TradeID uniqueness is
// scoped per order; applying the same TradeID to the same order twice must be
// a no-op.
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	FillPrice       decimal.Decimal
	Fee             Fee
	FillTimestamp   time.Time
	IsTaker         bool
}

// SplitTradingPair splits a "BASE-QUOTE" pair into its assets. The second
// return is false when the pair does not have exactly two non-empty parts.
func SplitTradingPair(pair string) (base, quote string, ok bool) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
