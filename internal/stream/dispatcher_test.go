package stream

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-recon/internal/core"
	"order-recon/internal/events"
	"order-recon/internal/tracker"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type noopPublisher struct{}

func (noopPublisher) Emit(tag events.Tag, payload any) {}

type scriptedSource struct {
	frames [][]byte
}

func (s *scriptedSource) Messages(ctx context.Context) (<-chan []byte, <-chan error) {
	msgs := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		defer close(msgs)
		for _, frame := range s.frames {
			select {
			case msgs <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return msgs, errCh
}

type pushRecorder struct {
	ids []string
}

func (p *pushRecorder) NotePushActivity(clientOrderID string) {
	p.ids = append(p.ids, clientOrderID)
}

func TestDispatcherFeedsTracker(t *testing.T) {
	trk := tracker.NewTracker(tracker.Config{}, zerolog.Nop(), noopPublisher{})
	rec, err := trk.StartTracking(tracker.NewRecordParams{
		ClientOrderID: "C1",
		TradingPair:   "BTC-USDT",
		TradeType:     core.Buy,
		OrderType:     core.Limit,
		Price:         dec("30000"),
		Amount:        dec("1"),
	})
	if err != nil {
		t.Fatalf("StartTracking() error = %v, want nil", err)
	}

	src := &scriptedSource{frames: [][]byte{
		[]byte(`{"type": "order_update", "data": {"client_order_id": "C1", "exchange_order_id": "E1", "new_state": "OPEN", "update_timestamp_ms": 1700000000000}}`),
		[]byte(`this is not json`),
		[]byte(`{"type": "trade_update", "data": {"trade_id": "T1", "exchange_order_id": "E1", "fill_base_amount": "0.25", "fill_quote_amount": "7500", "fill_price": "30000", "fill_timestamp_ms": 1700000001000}}`),
	}}
	noter := &pushRecorder{}
	disp := NewDispatcher(src, trk, noter, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go func() {
		// The scripted source closes its channel after the last frame,
		// which sends the dispatcher into its reconnect wait.
		_ = disp.Run(ctx)
	}()
	<-ctx.Done()

	if got := rec.State(); got != core.StatePartiallyFilled {
		t.Fatalf("state after stream = %q, want %q", got, core.StatePartiallyFilled)
	}
	if got := rec.ExecutedAmountBase(); !got.Equal(dec("0.25")) {
		t.Fatalf("executed base after stream = %s, want 0.25", got)
	}
	if len(noter.ids) != 2 {
		t.Fatalf("push activity notes = %d, want 2", len(noter.ids))
	}
	for _, id := range noter.ids {
		if id != "C1" {
			t.Fatalf("push activity noted for %q, want C1", id)
		}
	}
}
