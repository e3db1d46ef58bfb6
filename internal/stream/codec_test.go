package stream

import (
	"errors"
	"testing"
	"time"

	"order-recon/internal/core"
)

func TestDecodeOrderUpdate(t *testing.T) {
	data := []byte(`{
		"type": "order_update",
		"data": {
			"client_order_id": "C1",
			"exchange_order_id": "E1",
			"trading_pair": "BTC-USDT",
			"new_state": "OPEN",
			"update_timestamp_ms": 1700000000000,
			"misc": {"tx_hash": "0xabc"}
		}
	}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v, want nil", err)
	}
	up := msg.OrderUpdate
	if up == nil {
		t.Fatalf("Decode() returned no order update")
	}
	if up.ClientOrderID != "C1" || up.ExchangeOrderID != "E1" {
		t.Fatalf("decoded ids = %q/%q, want C1/E1", up.ClientOrderID, up.ExchangeOrderID)
	}
	if up.NewState != core.StateOpen {
		t.Fatalf("decoded state = %q, want %q", up.NewState, core.StateOpen)
	}
	if !up.UpdateTimestamp.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("decoded timestamp = %v, want unix-milli 1700000000000", up.UpdateTimestamp)
	}
	if up.Misc["tx_hash"] != "0xabc" {
		t.Fatalf("misc not carried through: %v", up.Misc)
	}
}

func TestDecodeTradeUpdate(t *testing.T) {
	data := []byte(`{
		"type": "trade_update",
		"data": {
			"trade_id": "T1",
			"client_order_id": "C1",
			"trading_pair": "BTC-USDT",
			"fill_base_amount": "0.5",
			"fill_quote_amount": "15000",
			"fill_price": "30000",
			"fee_flat": [{"token": "BNB", "amount": "0.01"}],
			"fee_percent": "0.001",
			"fill_timestamp_ms": 1700000000000,
			"is_taker": true
		}
	}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v, want nil", err)
	}
	tr := msg.TradeUpdate
	if tr == nil {
		t.Fatalf("Decode() returned no trade update")
	}
	if tr.TradeID != "T1" || !tr.IsTaker {
		t.Fatalf("decoded trade = %q taker = %v, want T1/true", tr.TradeID, tr.IsTaker)
	}
	if !tr.FillBaseAmount.Equal(dec("0.5")) || !tr.FillPrice.Equal(dec("30000")) {
		t.Fatalf("decoded amounts = %s @ %s, want 0.5 @ 30000", tr.FillBaseAmount, tr.FillPrice)
	}
	if len(tr.Fee.Flat) != 1 || tr.Fee.Flat[0].Token != "BNB" {
		t.Fatalf("decoded flat fees = %v, want one BNB entry", tr.Fee.Flat)
	}
	if !tr.Fee.Percent.Equal(dec("0.001")) {
		t.Fatalf("decoded percent fee = %s, want 0.001", tr.Fee.Percent)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"invalid json":    []byte(`{nope`),
		"unknown type":    []byte(`{"type": "balance_update", "data": {}}`),
		"invalid state":   []byte(`{"type": "order_update", "data": {"client_order_id": "C1", "new_state": "NONSENSE"}}`),
		"no ids":          []byte(`{"type": "order_update", "data": {"new_state": "OPEN"}}`),
		"no trade id":     []byte(`{"type": "trade_update", "data": {"fill_base_amount": "1", "fill_quote_amount": "1", "fill_price": "1"}}`),
		"bad fill amount": []byte(`{"type": "trade_update", "data": {"trade_id": "T1", "fill_base_amount": "abc", "fill_quote_amount": "1", "fill_price": "1"}}`),
	}
	for name, data := range cases {
		if _, err := Decode(data); !errors.Is(err, core.ErrMalformedUpdate) {
			t.Fatalf("Decode(%s) error = %v, want ErrMalformedUpdate", name, err)
		}
	}
}
