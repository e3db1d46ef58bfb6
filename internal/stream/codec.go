package stream

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"order-recon/internal/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the outer frame of every push message: a type tag and an
// opaque payload decoded according to the tag.
type Envelope struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data"`
}

const (
	msgTypeOrderUpdate = "order_update"
	msgTypeTradeUpdate = "trade_update"
)

type orderUpdateMsg struct {
	ClientOrderID   string            `json:"client_order_id"`
	ExchangeOrderID string            `json:"exchange_order_id"`
	TradingPair     string            `json:"trading_pair"`
	NewState        string            `json:"new_state"`
	UpdateTimeMs    int64             `json:"update_timestamp_ms"`
	Misc            map[string]string `json:"misc,omitempty"`
}

type tokenAmountMsg struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type tradeUpdateMsg struct {
	TradeID         string           `json:"trade_id"`
	ClientOrderID   string           `json:"client_order_id"`
	ExchangeOrderID string           `json:"exchange_order_id"`
	TradingPair     string           `json:"trading_pair"`
	FillBaseAmount  string           `json:"fill_base_amount"`
	FillQuoteAmount string           `json:"fill_quote_amount"`
	FillPrice       string           `json:"fill_price"`
	FeeFlat         []tokenAmountMsg `json:"fee_flat,omitempty"`
	FeePercent      string           `json:"fee_percent,omitempty"`
	FeePercentToken string           `json:"fee_percent_token,omitempty"`
	FillTimeMs      int64            `json:"fill_timestamp_ms"`
	IsTaker         bool             `json:"is_taker"`
}

// Message is one decoded push message; exactly one of the fields is set.
type Message struct {
	OrderUpdate *core.OrderUpdate
	TradeUpdate *core.TradeUpdate
}

// Decode parses one raw frame. Unknown envelope types and unparseable
// payloads return an error wrapping core.ErrMalformedUpdate so callers can
// drop them uniformly.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", core.ErrMalformedUpdate, err)
	}
	switch env.Type {
	case msgTypeOrderUpdate:
		up, err := decodeOrderUpdate(env.Data)
		if err != nil {
			return Message{}, err
		}
		return Message{OrderUpdate: &up}, nil
	case msgTypeTradeUpdate:
		tr, err := decodeTradeUpdate(env.Data)
		if err != nil {
			return Message{}, err
		}
		return Message{TradeUpdate: &tr}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %q", core.ErrMalformedUpdate, env.Type)
	}
}

func decodeOrderUpdate(data jsoniter.RawMessage) (core.OrderUpdate, error) {
	var msg orderUpdateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.OrderUpdate{}, fmt.Errorf("%w: %v", core.ErrMalformedUpdate, err)
	}
	state := core.OrderState(msg.NewState)
	if !state.IsValid() {
		return core.OrderUpdate{}, fmt.Errorf("%w: invalid state %q", core.ErrMalformedUpdate, msg.NewState)
	}
	if msg.ClientOrderID == "" && msg.ExchangeOrderID == "" {
		return core.OrderUpdate{}, fmt.Errorf("%w: order update carries no id", core.ErrMalformedUpdate)
	}
	return core.OrderUpdate{
		ClientOrderID:   msg.ClientOrderID,
		ExchangeOrderID: msg.ExchangeOrderID,
		TradingPair:     msg.TradingPair,
		NewState:        state,
		UpdateTimestamp: time.UnixMilli(msg.UpdateTimeMs).UTC(),
		Misc:            msg.Misc,
	}, nil
}

func decodeTradeUpdate(data jsoniter.RawMessage) (core.TradeUpdate, error) {
	var msg tradeUpdateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.TradeUpdate{}, fmt.Errorf("%w: %v", core.ErrMalformedUpdate, err)
	}
	if msg.TradeID == "" {
		return core.TradeUpdate{}, fmt.Errorf("%w: missing trade id", core.ErrMalformedUpdate)
	}
	base, err := parseAmount(msg.FillBaseAmount, "fill_base_amount")
	if err != nil {
		return core.TradeUpdate{}, err
	}
	quote, err := parseAmount(msg.FillQuoteAmount, "fill_quote_amount")
	if err != nil {
		return core.TradeUpdate{}, err
	}
	price, err := parseAmount(msg.FillPrice, "fill_price")
	if err != nil {
		return core.TradeUpdate{}, err
	}

	fee := core.Fee{PercentToken: msg.FeePercentToken}
	for _, flat := range msg.FeeFlat {
		amount, err := parseAmount(flat.Amount, "fee amount")
		if err != nil {
			return core.TradeUpdate{}, err
		}
		fee.Flat = append(fee.Flat, core.TokenAmount{Token: flat.Token, Amount: amount})
	}
	if msg.FeePercent != "" {
		fee.Percent, err = parseAmount(msg.FeePercent, "fee_percent")
		if err != nil {
			return core.TradeUpdate{}, err
		}
	}

	return core.TradeUpdate{
		TradeID:         msg.TradeID,
		ClientOrderID:   msg.ClientOrderID,
		ExchangeOrderID: msg.ExchangeOrderID,
		TradingPair:     msg.TradingPair,
		FillBaseAmount:  base,
		FillQuoteAmount: quote,
		FillPrice:       price,
		Fee:             fee,
		FillTimestamp:   time.UnixMilli(msg.FillTimeMs).UTC(),
		IsTaker:         msg.IsTaker,
	}, nil
}

func parseAmount(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: missing %s", core.ErrMalformedUpdate, field)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad %s %q", core.ErrMalformedUpdate, field, s)
	}
	return v, nil
}
