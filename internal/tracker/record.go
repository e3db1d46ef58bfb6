package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-recon/internal/core"
)

type FillOutcome string

const (
	FillApplied   FillOutcome = "applied"
	FillDuplicate FillOutcome = "duplicate"
	FillRejected  FillOutcome = "rejected"
)

type StatusOutcome string

const (
	StatusApplied  StatusOutcome = "applied"
	StatusRejected StatusOutcome = "rejected"
)

// FillResult reports what a trade update did to a record.
type FillResult struct {
	Outcome FillOutcome
	Err     error
	// CompletedNow is true when this fill pushed the order to fully
	// executed and no terminal event has been observed before.
	CompletedNow       bool
	ExchangeOrderIDSet bool
}

// StatusResult reports what an order update did to a record.
type StatusResult struct {
	Outcome            StatusOutcome
	Reason             string
	PrevState          core.OrderState
	BecameOpen         bool
	BecameTerminal     bool
	ExchangeOrderIDSet bool
}

// NewRecordParams carries the immutable identity and attributes of a new
// order record.
type NewRecordParams struct {
	ClientOrderID     string
	ExchangeOrderID   string // may be empty; some venues return it at submit
	TradingPair       string
	TradeType         core.TradeType
	OrderType         core.OrderType
	Price             decimal.Decimal
	Amount            decimal.Decimal
	CreationTimestamp time.Time
	InitialState      core.OrderState // defaults to PENDING_CREATE
}

// Record is the authoritative in-memory representation of one client order
// and its fill history. The embedded fill ledger deduplicates trade updates
// by trade id. Mutation goes through ApplyTrade/ApplyStatus under the
// record's lock; the tracker additionally serializes all mutation.
type Record struct {
	mu sync.Mutex

	clientOrderID     string
	exchangeOrderID   string
	tradingPair       string
	tradeType         core.TradeType
	orderType         core.OrderType
	price             decimal.Decimal
	amount            decimal.Decimal
	creationTimestamp time.Time

	state     core.OrderState
	priorRank int // rank backing a PENDING_CANCEL flag

	executedBase  decimal.Decimal
	executedQuote decimal.Decimal
	lastUpdate    time.Time
	fees          map[string]decimal.Decimal
	feeType       core.FeeType
	fills         map[string]core.TradeUpdate
	misc          map[string]string

	tolerance     decimal.Decimal
	notFoundCount int
	lost          bool

	openObserved     bool
	terminalObserved bool
}

func NewRecord(p NewRecordParams) (*Record, error) {
	if p.ClientOrderID == "" {
		return nil, fmt.Errorf("%w: missing client order id", core.ErrMalformedUpdate)
	}
	if p.Amount.Cmp(decimal.Zero) <= 0 {
		return nil, fmt.Errorf("%w: order amount must be > 0", core.ErrMalformedUpdate)
	}
	if p.Price.Cmp(decimal.Zero) < 0 {
		return nil, fmt.Errorf("%w: order price must be >= 0", core.ErrMalformedUpdate)
	}
	state := p.InitialState
	if state == "" {
		state = core.StatePendingCreate
	}
	if !state.IsValid() {
		return nil, fmt.Errorf("%w: invalid initial state %q", core.ErrMalformedUpdate, p.InitialState)
	}
	ts := p.CreationTimestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &Record{
		clientOrderID:     p.ClientOrderID,
		exchangeOrderID:   p.ExchangeOrderID,
		tradingPair:       p.TradingPair,
		tradeType:         p.TradeType,
		orderType:         p.OrderType,
		price:             p.Price,
		amount:            p.Amount,
		creationTimestamp: ts,
		state:             state,
		executedBase:      decimal.Zero,
		executedQuote:     decimal.Zero,
		lastUpdate:        ts,
		fees:              make(map[string]decimal.Decimal),
		feeType:           core.FeeTypeFor(p.TradeType),
		fills:             make(map[string]core.TradeUpdate),
		misc:              make(map[string]string),
	}, nil
}

func (r *Record) ClientOrderID() string { return r.clientOrderID }
func (r *Record) TradingPair() string   { return r.tradingPair }

func (r *Record) TradeType() core.TradeType { return r.tradeType }
func (r *Record) OrderType() core.OrderType { return r.orderType }

func (r *Record) Price() decimal.Decimal  { return r.price }
func (r *Record) Amount() decimal.Decimal { return r.amount }

func (r *Record) CreationTimestamp() time.Time { return r.creationTimestamp }

func (r *Record) ExchangeOrderID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exchangeOrderID
}

func (r *Record) State() core.OrderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Record) ExecutedAmountBase() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executedBase
}

func (r *Record) ExecutedAmountQuote() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executedQuote
}

func (r *Record) LastUpdateTimestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUpdate
}

// CumulativeFees returns a copy of the per-token fee totals.
func (r *Record) CumulativeFees() []core.TokenAmount {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.TokenAmount, 0, len(r.fees))
	for token, amount := range r.fees {
		out = append(out, core.TokenAmount{Token: token, Amount: amount})
	}
	return out
}

func (r *Record) FeeType() core.FeeType { return r.feeType }

// FillCount returns the number of distinct fills recorded in the ledger.
func (r *Record) FillCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fills)
}

// MiscValue reads one key of the accumulated opaque side-channel data.
func (r *Record) MiscValue(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.misc[key]
}

// Misc returns a copy of the accumulated opaque side-channel data.
func (r *Record) Misc() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.misc))
	for k, v := range r.misc {
		out[k] = v
	}
	return out
}

func (r *Record) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case core.StatePendingCreate, core.StateOpen, core.StatePartiallyFilled:
		return true
	}
	return false
}

func (r *Record) IsFilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fullyExecutedLocked()
}

func (r *Record) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.IsTerminal()
}

func (r *Record) IsFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == core.StateFailed
}

func (r *Record) IsCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == core.StateCancelled
}

func (r *Record) IsPendingCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == core.StatePendingCancel
}

// IsLost reports whether the order was moved to the lost set after repeated
// not-found responses.
func (r *Record) IsLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// AverageExecutedPrice derives the volume-weighted fill price from the
// ledger. The second return is false before the first fill.
func (r *Record) AverageExecutedPrice() (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executedBase.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, false
	}
	return r.executedQuote.Div(r.executedBase), true
}

func (r *Record) fullyExecutedLocked() bool {
	return r.executedBase.Cmp(r.amount.Sub(r.tolerance)) >= 0
}

func (r *Record) currentRankLocked() int {
	if r.state == core.StatePendingCancel {
		return r.priorRank
	}
	return r.state.Rank()
}

// ApplyTrade records one fill in the ledger. Applying the same trade id
// twice is a no-op; malformed numeric or identity fields reject the update
// without mutating anything.
func (r *Record) ApplyTrade(tr core.TradeUpdate) FillResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tr.TradeID == "" {
		return FillResult{Outcome: FillRejected, Err: fmt.Errorf("%w: missing trade id", core.ErrMalformedUpdate)}
	}
	if tr.FillBaseAmount.Cmp(decimal.Zero) <= 0 {
		return FillResult{Outcome: FillRejected, Err: fmt.Errorf("%w: fill base amount must be > 0", core.ErrMalformedUpdate)}
	}
	if tr.FillQuoteAmount.Cmp(decimal.Zero) < 0 || tr.FillPrice.Cmp(decimal.Zero) < 0 {
		return FillResult{Outcome: FillRejected, Err: fmt.Errorf("%w: negative fill amount", core.ErrMalformedUpdate)}
	}
	if _, seen := r.fills[tr.TradeID]; seen {
		return FillResult{Outcome: FillDuplicate}
	}

	res := FillResult{Outcome: FillApplied}
	if r.exchangeOrderID == "" && tr.ExchangeOrderID != "" {
		r.exchangeOrderID = tr.ExchangeOrderID
		res.ExchangeOrderIDSet = true
	}

	r.fills[tr.TradeID] = tr
	r.executedBase = r.executedBase.Add(tr.FillBaseAmount)
	r.executedQuote = r.executedQuote.Add(tr.FillQuoteAmount)
	r.mergeFeeLocked(tr)
	// A fill proves the order was resting on the book, so a status update
	// arriving afterwards must not report the open transition again.
	r.openObserved = true
	if tr.FillTimestamp.After(r.lastUpdate) {
		r.lastUpdate = tr.FillTimestamp
	}

	// Fills are allowed to drive completion on their own, without an
	// explicit status update saying FILLED.
	if !r.state.IsTerminal() || r.lost {
		if r.fullyExecutedLocked() {
			if !r.state.IsTerminal() {
				r.state = core.StateFilled
			}
			if !r.terminalObserved {
				r.terminalObserved = true
				res.CompletedNow = true
			}
		} else if !r.state.IsTerminal() {
			if r.state == core.StatePendingCancel {
				if r.priorRank < core.StatePartiallyFilled.Rank() {
					r.priorRank = core.StatePartiallyFilled.Rank()
				}
			} else {
				r.state = core.StatePartiallyFilled
			}
		}
	}
	return res
}

func (r *Record) mergeFeeLocked(tr core.TradeUpdate) {
	for _, flat := range tr.Fee.Flat {
		if flat.Token == "" || flat.Amount.Cmp(decimal.Zero) <= 0 {
			continue
		}
		r.fees[flat.Token] = r.fees[flat.Token].Add(flat.Amount)
	}
	if tr.Fee.Percent.Cmp(decimal.Zero) > 0 {
		token := tr.Fee.PercentToken
		if token == "" {
			if _, quote, ok := core.SplitTradingPair(r.tradingPair); ok {
				token = quote
			}
		}
		if token != "" {
			r.fees[token] = r.fees[token].Add(tr.Fee.Percent.Mul(tr.FillQuoteAmount))
		}
	}
}

// ApplyStatus validates ordering and transitions the order state. A
// higher-ranked state always applies; equal rank requires a strictly newer
// timestamp; lower rank is rejected. Terminal states never downgrade.
func (r *Record) ApplyStatus(up core.OrderUpdate) StatusResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.state
	if !up.NewState.IsValid() {
		return StatusResult{
			Outcome:   StatusRejected,
			Reason:    fmt.Sprintf("invalid state %q", up.NewState),
			PrevState: prev,
		}
	}
	if r.state.IsTerminal() {
		return StatusResult{Outcome: StatusRejected, Reason: "order already in terminal state", PrevState: prev}
	}

	curRank := r.currentRankLocked()

	if up.NewState == core.StatePendingCancel {
		if r.state != core.StatePendingCancel {
			r.priorRank = curRank
			r.state = core.StatePendingCancel
		}
		idSet := r.absorbUpdateLocked(up)
		return r.appliedResultLocked(prev, idSet)
	}

	newRank := up.NewState.Rank()
	switch {
	case newRank < curRank:
		return StatusResult{Outcome: StatusRejected, Reason: "stale state", PrevState: prev}
	case newRank == curRank:
		if !up.UpdateTimestamp.After(r.lastUpdate) {
			return StatusResult{Outcome: StatusRejected, Reason: "stale timestamp", PrevState: prev}
		}
	}

	r.state = up.NewState
	r.priorRank = 0
	idSet := r.absorbUpdateLocked(up)
	return r.appliedResultLocked(prev, idSet)
}

func (r *Record) absorbUpdateLocked(up core.OrderUpdate) bool {
	if up.UpdateTimestamp.After(r.lastUpdate) {
		r.lastUpdate = up.UpdateTimestamp
	}
	for k, v := range up.Misc {
		r.misc[k] = v
	}
	if r.exchangeOrderID == "" && up.ExchangeOrderID != "" {
		r.exchangeOrderID = up.ExchangeOrderID
		return true
	}
	return false
}

func (r *Record) appliedResultLocked(prev core.OrderState, idSet bool) StatusResult {
	res := StatusResult{Outcome: StatusApplied, PrevState: prev, ExchangeOrderIDSet: idSet}
	if !r.openObserved && (r.state == core.StateOpen || r.state == core.StatePartiallyFilled) {
		r.openObserved = true
		res.BecameOpen = true
	}
	if r.state.IsTerminal() && !r.terminalObserved {
		r.terminalObserved = true
		res.BecameTerminal = true
	}
	return res
}

// SetExchangeOrderID records the exchange-assigned id. Ids are immutable
// post-assignment; a conflicting later id is ignored.
func (r *Record) SetExchangeOrderID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" || r.exchangeOrderID != "" {
		return false
	}
	r.exchangeOrderID = id
	return true
}

func (r *Record) setTolerance(tol decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tol.Cmp(decimal.Zero) > 0 {
		r.tolerance = tol
	}
}

func (r *Record) incNotFound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notFoundCount++
	return r.notFoundCount
}

func (r *Record) markLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lost {
		return false
	}
	r.lost = true
	if !r.state.IsTerminal() {
		r.state = core.StateFailed
	}
	first := !r.terminalObserved
	r.terminalObserved = true
	return first
}
