package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"order-recon/internal/core"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	rec, err := NewRecord(NewRecordParams{
		ClientOrderID:     "C1",
		TradingPair:       "BTC-USDT",
		TradeType:         core.Buy,
		OrderType:         core.Limit,
		Price:             d("30000"),
		Amount:            d("1"),
		CreationTimestamp: time.Unix(1000, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("NewRecord() error = %v, want nil", err)
	}
	rec.setTolerance(d("0.000001"))
	return rec
}

func TestNewRecordValidation(t *testing.T) {
	_, err := NewRecord(NewRecordParams{Amount: d("1")})
	if !errors.Is(err, core.ErrMalformedUpdate) {
		t.Fatalf("NewRecord() without client id error = %v, want ErrMalformedUpdate", err)
	}
	_, err = NewRecord(NewRecordParams{ClientOrderID: "C1", Amount: d("0")})
	if !errors.Is(err, core.ErrMalformedUpdate) {
		t.Fatalf("NewRecord() with zero amount error = %v, want ErrMalformedUpdate", err)
	}
	_, err = NewRecord(NewRecordParams{ClientOrderID: "C1", Amount: d("1"), Price: d("-1")})
	if !errors.Is(err, core.ErrMalformedUpdate) {
		t.Fatalf("NewRecord() with negative price error = %v, want ErrMalformedUpdate", err)
	}
}

func TestApplyTradeAccumulatesAndCompletes(t *testing.T) {
	rec := newTestRecord(t)

	res := rec.ApplyTrade(core.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "C1",
		FillBaseAmount:  d("0.4"),
		FillQuoteAmount: d("12000"),
		FillPrice:       d("30000"),
		FillTimestamp:   time.Unix(1010, 0).UTC(),
	})
	if res.Outcome != FillApplied {
		t.Fatalf("first fill outcome = %q, want %q", res.Outcome, FillApplied)
	}
	if res.CompletedNow {
		t.Fatalf("first fill reported completion, want partial")
	}
	if got := rec.State(); got != core.StatePartiallyFilled {
		t.Fatalf("state after partial fill = %q, want %q", got, core.StatePartiallyFilled)
	}
	if got := rec.ExecutedAmountBase(); !got.Equal(d("0.4")) {
		t.Fatalf("executed base = %s, want 0.4", got)
	}

	res = rec.ApplyTrade(core.TradeUpdate{
		TradeID:         "T2",
		ClientOrderID:   "C1",
		FillBaseAmount:  d("0.6"),
		FillQuoteAmount: d("18600"),
		FillPrice:       d("31000"),
		FillTimestamp:   time.Unix(1020, 0).UTC(),
	})
	if res.Outcome != FillApplied || !res.CompletedNow {
		t.Fatalf("completing fill outcome = %q completedNow = %v, want applied/true", res.Outcome, res.CompletedNow)
	}
	if got := rec.State(); got != core.StateFilled {
		t.Fatalf("state after full fill = %q, want %q", got, core.StateFilled)
	}
	avg, ok := rec.AverageExecutedPrice()
	if !ok {
		t.Fatalf("AverageExecutedPrice() ok = false, want true")
	}
	if !avg.Equal(d("30600")) {
		t.Fatalf("average executed price = %s, want 30600", avg)
	}
	if got := rec.LastUpdateTimestamp(); !got.Equal(time.Unix(1020, 0).UTC()) {
		t.Fatalf("last update timestamp = %v, want fill timestamp", got)
	}
}

func TestApplyTradeDuplicateIsNoOp(t *testing.T) {
	rec := newTestRecord(t)
	fill := core.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "C1",
		FillBaseAmount:  d("0.5"),
		FillQuoteAmount: d("15000"),
		FillPrice:       d("30000"),
		FillTimestamp:   time.Unix(1010, 0).UTC(),
	}
	if res := rec.ApplyTrade(fill); res.Outcome != FillApplied {
		t.Fatalf("first apply outcome = %q, want %q", res.Outcome, FillApplied)
	}
	if res := rec.ApplyTrade(fill); res.Outcome != FillDuplicate {
		t.Fatalf("second apply outcome = %q, want %q", res.Outcome, FillDuplicate)
	}
	if got := rec.ExecutedAmountBase(); !got.Equal(d("0.5")) {
		t.Fatalf("executed base after duplicate = %s, want 0.5", got)
	}
	if got := rec.FillCount(); got != 1 {
		t.Fatalf("fill count after duplicate = %d, want 1", got)
	}
}

func TestApplyTradeRejectsMalformed(t *testing.T) {
	rec := newTestRecord(t)
	res := rec.ApplyTrade(core.TradeUpdate{ClientOrderID: "C1", FillBaseAmount: d("1")})
	if res.Outcome != FillRejected || !errors.Is(res.Err, core.ErrMalformedUpdate) {
		t.Fatalf("fill without trade id: outcome = %q err = %v, want rejected/ErrMalformedUpdate", res.Outcome, res.Err)
	}
	res = rec.ApplyTrade(core.TradeUpdate{TradeID: "T1", ClientOrderID: "C1", FillBaseAmount: d("0")})
	if res.Outcome != FillRejected || !errors.Is(res.Err, core.ErrMalformedUpdate) {
		t.Fatalf("fill with zero base: outcome = %q err = %v, want rejected/ErrMalformedUpdate", res.Outcome, res.Err)
	}
	if got := rec.FillCount(); got != 0 {
		t.Fatalf("fill count after rejects = %d, want 0", got)
	}
}

func TestApplyTradeFeeAccounting(t *testing.T) {
	rec := newTestRecord(t)
	rec.ApplyTrade(core.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "C1",
		FillBaseAmount:  d("0.5"),
		FillQuoteAmount: d("15000"),
		FillPrice:       d("30000"),
		Fee: core.Fee{
			Flat: []core.TokenAmount{{Token: "BNB", Amount: d("0.01")}},
		},
		FillTimestamp: time.Unix(1010, 0).UTC(),
	})
	rec.ApplyTrade(core.TradeUpdate{
		TradeID:         "T2",
		ClientOrderID:   "C1",
		FillBaseAmount:  d("0.1"),
		FillQuoteAmount: d("3000"),
		FillPrice:       d("30000"),
		Fee: core.Fee{
			Flat:    []core.TokenAmount{{Token: "BNB", Amount: d("0.02")}},
			Percent: d("0.001"),
		},
		FillTimestamp: time.Unix(1020, 0).UTC(),
	})

	fees := rec.CumulativeFees()
	got := make(map[string]decimal.Decimal, len(fees))
	for _, fee := range fees {
		got[fee.Token] = fee.Amount
	}
	if !got["BNB"].Equal(d("0.03")) {
		t.Fatalf("cumulative BNB fee = %s, want 0.03", got["BNB"])
	}
	// Percent fee without an explicit token resolves to the quote asset.
	if !got["USDT"].Equal(d("3")) {
		t.Fatalf("cumulative USDT fee = %s, want 3", got["USDT"])
	}
}

func TestApplyStatusMonotonicRanks(t *testing.T) {
	rec := newTestRecord(t)

	res := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StateCancelled,
		UpdateTimestamp: time.Unix(1100, 0).UTC(),
	})
	if res.Outcome != StatusApplied || !res.BecameTerminal {
		t.Fatalf("cancel outcome = %q terminal = %v, want applied/true", res.Outcome, res.BecameTerminal)
	}

	// A late OPEN with an older timestamp must not resurrect the order.
	res = rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StateOpen,
		UpdateTimestamp: time.Unix(1050, 0).UTC(),
	})
	if res.Outcome != StatusRejected {
		t.Fatalf("stale OPEN after CANCELLED outcome = %q, want %q", res.Outcome, StatusRejected)
	}
	if got := rec.State(); got != core.StateCancelled {
		t.Fatalf("state after stale OPEN = %q, want %q", got, core.StateCancelled)
	}
}

func TestApplyStatusEqualRankNeedsNewerTimestamp(t *testing.T) {
	rec := newTestRecord(t)
	first := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StateOpen,
		UpdateTimestamp: time.Unix(1100, 0).UTC(),
	})
	if first.Outcome != StatusApplied || !first.BecameOpen {
		t.Fatalf("OPEN outcome = %q becameOpen = %v, want applied/true", first.Outcome, first.BecameOpen)
	}

	same := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StateOpen,
		UpdateTimestamp: time.Unix(1100, 0).UTC(),
	})
	if same.Outcome != StatusRejected {
		t.Fatalf("equal-rank equal-timestamp outcome = %q, want %q", same.Outcome, StatusRejected)
	}

	newer := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StateOpen,
		UpdateTimestamp: time.Unix(1200, 0).UTC(),
	})
	if newer.Outcome != StatusApplied {
		t.Fatalf("equal-rank newer-timestamp outcome = %q, want %q", newer.Outcome, StatusApplied)
	}
	if newer.BecameOpen {
		t.Fatalf("open transition reported twice")
	}
	if got := rec.LastUpdateTimestamp(); !got.Equal(time.Unix(1200, 0).UTC()) {
		t.Fatalf("last update timestamp = %v, want refreshed", got)
	}
}

func TestApplyStatusPendingCancelFlag(t *testing.T) {
	rec := newTestRecord(t)
	rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StateOpen,
		UpdateTimestamp: time.Unix(1100, 0).UTC(),
	})
	res := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StatePendingCancel,
		UpdateTimestamp: time.Unix(1110, 0).UTC(),
	})
	if res.Outcome != StatusApplied {
		t.Fatalf("PENDING_CANCEL outcome = %q, want %q", res.Outcome, StatusApplied)
	}
	if got := rec.State(); got != core.StatePendingCancel {
		t.Fatalf("state = %q, want %q", got, core.StatePendingCancel)
	}

	// A fill while the cancel is in flight keeps the flag and upgrades the
	// remembered rank, so a later OPEN cannot sneak in underneath it.
	rec.ApplyTrade(core.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "C1",
		FillBaseAmount:  d("0.2"),
		FillQuoteAmount: d("6000"),
		FillPrice:       d("30000"),
		FillTimestamp:   time.Unix(1120, 0).UTC(),
	})
	if got := rec.State(); got != core.StatePendingCancel {
		t.Fatalf("state after fill during pending cancel = %q, want %q", got, core.StatePendingCancel)
	}
	stale := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StateOpen,
		UpdateTimestamp: time.Unix(1130, 0).UTC(),
	})
	if stale.Outcome != StatusRejected {
		t.Fatalf("OPEN during pending cancel with partial fill outcome = %q, want %q", stale.Outcome, StatusRejected)
	}

	done := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StateCancelled,
		UpdateTimestamp: time.Unix(1140, 0).UTC(),
	})
	if done.Outcome != StatusApplied || !done.BecameTerminal {
		t.Fatalf("CANCELLED after pending cancel outcome = %q terminal = %v, want applied/true", done.Outcome, done.BecameTerminal)
	}
	if got := rec.ExecutedAmountBase(); !got.Equal(d("0.2")) {
		t.Fatalf("partial fill lost through cancel, executed base = %s, want 0.2", got)
	}
}

func TestExchangeOrderIDImmutable(t *testing.T) {
	rec := newTestRecord(t)
	res := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		ExchangeOrderID: "E1",
		NewState:        core.StateOpen,
		UpdateTimestamp: time.Unix(1100, 0).UTC(),
	})
	if !res.ExchangeOrderIDSet {
		t.Fatalf("exchange id not recorded from first update")
	}
	rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		ExchangeOrderID: "E2",
		NewState:        core.StatePartiallyFilled,
		UpdateTimestamp: time.Unix(1200, 0).UTC(),
	})
	if got := rec.ExchangeOrderID(); got != "E1" {
		t.Fatalf("exchange order id = %q, want E1 (immutable after assignment)", got)
	}
}

func TestFillBeforeStatusSuppressesOpenTransition(t *testing.T) {
	rec := newTestRecord(t)
	fill := rec.ApplyTrade(core.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "C1",
		FillBaseAmount:  d("0.3"),
		FillQuoteAmount: d("9000"),
		FillPrice:       d("30000"),
		FillTimestamp:   time.Unix(1100, 0).UTC(),
	})
	if fill.Outcome != FillApplied {
		t.Fatalf("fill outcome = %q, want %q", fill.Outcome, FillApplied)
	}
	if got := rec.State(); got != core.StatePartiallyFilled {
		t.Fatalf("state after early fill = %q, want %q", got, core.StatePartiallyFilled)
	}

	// The fill already proved the order was resting; the late status
	// confirmation must not report the open transition again.
	res := rec.ApplyStatus(core.OrderUpdate{
		ClientOrderID:   "C1",
		NewState:        core.StatePartiallyFilled,
		UpdateTimestamp: time.Unix(1200, 0).UTC(),
	})
	if res.Outcome != StatusApplied {
		t.Fatalf("status after early fill outcome = %q, want %q", res.Outcome, StatusApplied)
	}
	if res.BecameOpen {
		t.Fatalf("open transition reported after a fill was already recorded")
	}
}
