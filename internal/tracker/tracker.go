// Package tracker keeps the authoritative in-memory view of every in-flight
// order and reconciles it against status and fill reports arriving from any
// channel in any order.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-recon/internal/core"
	"order-recon/internal/events"
	"order-recon/internal/metrics"
)

const (
	defaultLostOrderCountLimit = 3
	defaultCacheSize           = 1000
	defaultCacheTTL            = 30 * time.Minute
)

var defaultCompletionTolerance = decimal.RequireFromString("0.000001")

type Config struct {
	// LostOrderCountLimit is the number of consecutive unknown-order
	// responses after which an active order is declared lost.
	LostOrderCountLimit int
	// CompletionTolerance absorbs venue rounding when deciding whether the
	// executed base amount equals the order amount.
	CompletionTolerance decimal.Decimal
	// CacheSize and CacheTTL bound the registry of recently completed
	// orders, kept around so late duplicate reports stay no-ops.
	CacheSize int
	CacheTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LostOrderCountLimit <= 0 {
		c.LostOrderCountLimit = defaultLostOrderCountLimit
	}
	if c.CompletionTolerance.Cmp(decimal.Zero) <= 0 {
		c.CompletionTolerance = defaultCompletionTolerance
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return c
}

type cacheEntry struct {
	rec      *Record
	cachedAt time.Time
}

// Tracker is the order registry. One mutex guards all maps and serializes
// every mutation, so event emission order always matches state transition
// order.
type Tracker struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher
	now func() time.Time

	mu           sync.Mutex
	active       map[string]*Record // client order id -> record
	byExchangeID map[string]string  // exchange order id -> client order id
	lost         map[string]*Record
	cached       map[string]cacheEntry
	cacheQueue   []string // cached client ids, oldest first
	closed       bool
}

func NewTracker(cfg Config, log zerolog.Logger, pub events.Publisher) *Tracker {
	if pub == nil {
		pub = &events.LogPublisher{Log: log}
	}
	return &Tracker{
		cfg:          cfg.withDefaults(),
		log:          log,
		pub:          pub,
		now:          func() time.Time { return time.Now().UTC() },
		active:       make(map[string]*Record),
		byExchangeID: make(map[string]string),
		lost:         make(map[string]*Record),
		cached:       make(map[string]cacheEntry),
	}
}

// Close rejects all further mutation. Read accessors keep working.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// StartTracking registers a new order and emits the created event. The
// client order id must not collide with any active or lost order.
func (t *Tracker) StartTracking(p NewRecordParams) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrTrackerClosed
	}
	if _, ok := t.active[p.ClientOrderID]; ok {
		return nil, fmt.Errorf("%w: %s", core.ErrDuplicateOrder, p.ClientOrderID)
	}
	if _, ok := t.lost[p.ClientOrderID]; ok {
		return nil, fmt.Errorf("%w: %s", core.ErrDuplicateOrder, p.ClientOrderID)
	}
	rec, err := NewRecord(p)
	if err != nil {
		return nil, err
	}
	rec.setTolerance(t.cfg.CompletionTolerance)
	t.active[p.ClientOrderID] = rec
	if id := rec.ExchangeOrderID(); id != "" {
		t.byExchangeID[id] = p.ClientOrderID
	}
	metrics.ActiveOrders.Set(float64(len(t.active)))
	t.emitLocked(events.TagOrderCreated, events.OrderCreated{
		Timestamp:       rec.CreationTimestamp(),
		ClientOrderID:   rec.ClientOrderID(),
		ExchangeOrderID: rec.ExchangeOrderID(),
		TradingPair:     rec.TradingPair(),
		TradeType:       rec.TradeType(),
		OrderType:       rec.OrderType(),
		Price:           rec.Price(),
		Amount:          rec.Amount(),
	})
	return rec, nil
}

// StopTracking removes an order from the active and lost sets and parks it in
// the completed-order cache. Returns false when the id is not tracked.
func (t *Tracker) StopTracking(clientOrderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopTrackingLocked(clientOrderID)
}

func (t *Tracker) stopTrackingLocked(clientOrderID string) bool {
	rec, ok := t.active[clientOrderID]
	if ok {
		delete(t.active, clientOrderID)
		metrics.ActiveOrders.Set(float64(len(t.active)))
	} else if rec, ok = t.lost[clientOrderID]; ok {
		delete(t.lost, clientOrderID)
	} else {
		return false
	}
	t.cacheLocked(rec)
	return true
}

func (t *Tracker) cacheLocked(rec *Record) {
	now := t.now()
	for len(t.cacheQueue) > 0 {
		oldest := t.cacheQueue[0]
		entry, ok := t.cached[oldest]
		if ok && now.Sub(entry.cachedAt) < t.cfg.CacheTTL && len(t.cacheQueue) < t.cfg.CacheSize {
			break
		}
		if ok {
			// The exchange-id index entry must not outlive the record it
			// points at.
			if id := entry.rec.ExchangeOrderID(); id != "" {
				delete(t.byExchangeID, id)
			}
		}
		delete(t.cached, oldest)
		t.cacheQueue = t.cacheQueue[1:]
	}
	t.cached[rec.ClientOrderID()] = cacheEntry{rec: rec, cachedAt: now}
	t.cacheQueue = append(t.cacheQueue, rec.ClientOrderID())
}

// Order fetches a tracked order by client order id, looking through the
// active set, the lost set, and the completed-order cache in that order.
func (t *Tracker) Order(clientOrderID string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(clientOrderID)
}

func (t *Tracker) lookupLocked(clientOrderID string) (*Record, bool) {
	if rec, ok := t.active[clientOrderID]; ok {
		return rec, true
	}
	if rec, ok := t.lost[clientOrderID]; ok {
		return rec, true
	}
	if entry, ok := t.cached[clientOrderID]; ok {
		if t.now().Sub(entry.cachedAt) < t.cfg.CacheTTL {
			return entry.rec, true
		}
	}
	return nil, false
}

// OrderByExchangeID resolves the exchange-assigned id to a tracked order.
func (t *Tracker) OrderByExchangeID(exchangeOrderID string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupByExchangeIDLocked(exchangeOrderID)
}

func (t *Tracker) lookupByExchangeIDLocked(exchangeOrderID string) (*Record, bool) {
	if exchangeOrderID == "" {
		return nil, false
	}
	if clientID, ok := t.byExchangeID[exchangeOrderID]; ok {
		return t.lookupLocked(clientID)
	}
	return nil, false
}

// ActiveOrders returns the orders the bot still considers live, excluding
// lost ones.
func (t *Tracker) ActiveOrders() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.active))
	for _, rec := range t.active {
		out = append(out, rec)
	}
	return out
}

// FillableOrders returns every order still eligible to receive fills: active
// orders confirmed resting on the book plus all lost orders.
func (t *Tracker) FillableOrders() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.active)+len(t.lost))
	for _, rec := range t.active {
		switch rec.State() {
		case core.StateOpen, core.StatePartiallyFilled, core.StatePendingCancel:
			out = append(out, rec)
		}
	}
	for _, rec := range t.lost {
		out = append(out, rec)
	}
	return out
}

// UpdatableOrders returns active orders whose state may still advance via
// status updates. Lost orders are excluded: they only accept fills and
// terminal confirmations.
func (t *Tracker) UpdatableOrders() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.active))
	for _, rec := range t.active {
		if !rec.IsDone() {
			out = append(out, rec)
		}
	}
	return out
}

// FillableOrdersByExchangeID returns the fillable set keyed by exchange
// order id, for stream adapters whose fill events only carry that id.
// Orders whose exchange id is not yet known are absent.
func (t *Tracker) FillableOrdersByExchangeID() map[string]*Record {
	out := make(map[string]*Record)
	for _, rec := range t.FillableOrders() {
		if id := rec.ExchangeOrderID(); id != "" {
			out[id] = rec
		}
	}
	return out
}

// FillableOrderByHash resolves a fillable order by the transaction hash that
// created it, for venues that key their streams by on-chain hashes.
func (t *Tracker) FillableOrderByHash(hash string) (*Record, bool) {
	if hash == "" {
		return nil, false
	}
	for _, rec := range t.FillableOrders() {
		if rec.MiscValue(core.MiscKeyCreationTxHash) == hash {
			return rec, true
		}
	}
	return nil, false
}

// LostOrders returns the orders declared lost after repeated not-found
// responses.
func (t *Tracker) LostOrders() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.lost))
	for _, rec := range t.lost {
		out = append(out, rec)
	}
	return out
}

// ProcessOrderUpdate applies a status report to the order it addresses.
// Reports for untracked orders are logged and dropped; malformed reports
// return ErrMalformedUpdate without mutating anything.
func (t *Tracker) ProcessOrderUpdate(up core.OrderUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTrackerClosed
	}
	if up.ClientOrderID == "" && up.ExchangeOrderID == "" {
		metrics.OrderUpdatesTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: order update carries no id", core.ErrMalformedUpdate)
	}
	if !up.NewState.IsValid() {
		metrics.OrderUpdatesTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: invalid state %q", core.ErrMalformedUpdate, up.NewState)
	}

	rec, ok := t.resolveLocked(up.ClientOrderID, up.ExchangeOrderID)
	if !ok {
		metrics.OrderUpdatesTotal.WithLabelValues("untracked").Inc()
		t.log.Debug().
			Str("client_order_id", up.ClientOrderID).
			Str("exchange_order_id", up.ExchangeOrderID).
			Str("state", string(up.NewState)).
			Msg("order update for untracked order dropped")
		return nil
	}

	if rec.IsLost() {
		// Lost orders no longer advance through intermediate states; a
		// terminal confirmation is the signal to finally let go of them.
		if up.NewState.IsTerminal() {
			t.stopTrackingLocked(rec.ClientOrderID())
			metrics.OrderUpdatesTotal.WithLabelValues("applied").Inc()
			t.log.Info().
				Str("client_order_id", rec.ClientOrderID()).
				Str("state", string(up.NewState)).
				Msg("lost order confirmed terminal, tracking stopped")
		} else {
			metrics.OrderUpdatesTotal.WithLabelValues("rejected").Inc()
		}
		return nil
	}

	res := rec.ApplyStatus(up)
	if res.ExchangeOrderIDSet {
		t.byExchangeID[rec.ExchangeOrderID()] = rec.ClientOrderID()
	}
	if res.Outcome == StatusRejected {
		metrics.OrderUpdatesTotal.WithLabelValues("rejected").Inc()
		t.log.Debug().
			Str("client_order_id", rec.ClientOrderID()).
			Str("state", string(up.NewState)).
			Str("reason", res.Reason).
			Msg("order update rejected")
		return nil
	}
	metrics.OrderUpdatesTotal.WithLabelValues("applied").Inc()

	if res.BecameOpen {
		t.emitLocked(events.TagOrderOpen, events.OrderOpen{
			Timestamp:       up.UpdateTimestamp,
			ClientOrderID:   rec.ClientOrderID(),
			ExchangeOrderID: rec.ExchangeOrderID(),
			TradingPair:     rec.TradingPair(),
			Misc:            rec.Misc(),
		})
	}
	if res.BecameTerminal {
		t.emitTerminalLocked(rec, up.UpdateTimestamp, up.Misc)
		t.stopTrackingLocked(rec.ClientOrderID())
	}
	return nil
}

// ProcessTradeUpdate applies one fill report. Duplicate trade ids are
// no-ops, including for orders already moved to the completed cache.
func (t *Tracker) ProcessTradeUpdate(tr core.TradeUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTrackerClosed
	}

	rec, ok := t.resolveLocked(tr.ClientOrderID, tr.ExchangeOrderID)
	if !ok {
		metrics.TradeFillsTotal.WithLabelValues("untracked").Inc()
		t.log.Debug().
			Str("client_order_id", tr.ClientOrderID).
			Str("exchange_order_id", tr.ExchangeOrderID).
			Str("trade_id", tr.TradeID).
			Msg("trade update for untracked order dropped")
		return nil
	}

	res := rec.ApplyTrade(tr)
	switch res.Outcome {
	case FillRejected:
		metrics.TradeFillsTotal.WithLabelValues("malformed").Inc()
		t.log.Warn().
			Str("client_order_id", rec.ClientOrderID()).
			Str("trade_id", tr.TradeID).
			Err(res.Err).
			Msg("trade update rejected")
		return res.Err
	case FillDuplicate:
		metrics.TradeFillsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.TradeFillsTotal.WithLabelValues("applied").Inc()
	if res.ExchangeOrderIDSet {
		t.byExchangeID[rec.ExchangeOrderID()] = rec.ClientOrderID()
	}

	t.emitLocked(events.TagOrderFilled, events.OrderFilled{
		Timestamp:       tr.FillTimestamp,
		ClientOrderID:   rec.ClientOrderID(),
		ExchangeOrderID: rec.ExchangeOrderID(),
		TradingPair:     rec.TradingPair(),
		TradeID:         tr.TradeID,
		TradeType:       rec.TradeType(),
		OrderType:       rec.OrderType(),
		FillPrice:       tr.FillPrice,
		FillBaseAmount:  tr.FillBaseAmount,
		FillQuoteAmount: tr.FillQuoteAmount,
		Fee:             tr.Fee,
	})
	if res.CompletedNow {
		t.emitCompletedLocked(rec, tr.FillTimestamp)
		t.stopTrackingLocked(rec.ClientOrderID())
	} else if rec.IsLost() && rec.IsFilled() {
		// The failure event already fired when the order was declared lost;
		// a fully-executed ledger is just the cue to let go of the record.
		t.stopTrackingLocked(rec.ClientOrderID())
	}
	return nil
}

// ProcessOrderNotFound records one authoritative unknown-order response for
// an active order. Once the configured limit of consecutive responses is
// reached the order is declared lost: a failure event fires and the order
// moves out of the active set while remaining fillable. The return reports
// whether this call crossed the limit.
func (t *Tracker) ProcessOrderNotFound(clientOrderID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, core.ErrTrackerClosed
	}
	rec, ok := t.active[clientOrderID]
	if !ok {
		if _, lost := t.lost[clientOrderID]; lost {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", core.ErrUnknownOrder, clientOrderID)
	}
	count := rec.incNotFound()
	if count < t.cfg.LostOrderCountLimit {
		t.log.Debug().
			Str("client_order_id", clientOrderID).
			Int("not_found_count", count).
			Msg("order not found on exchange")
		return false, nil
	}

	firstTerminal := rec.markLost()
	delete(t.active, clientOrderID)
	t.lost[clientOrderID] = rec
	metrics.ActiveOrders.Set(float64(len(t.active)))
	metrics.OrdersLostTotal.Inc()
	t.log.Warn().
		Str("client_order_id", clientOrderID).
		Int("not_found_count", count).
		Msg("order declared lost")
	if firstTerminal {
		t.emitLocked(events.TagOrderFailed, events.OrderFailed{
			Timestamp:     t.now(),
			ClientOrderID: rec.ClientOrderID(),
			TradingPair:   rec.TradingPair(),
			OrderType:     rec.OrderType(),
			Reason:        "order repeatedly not found on exchange",
			Misc:          rec.Misc(),
		})
	}
	return true, nil
}

func (t *Tracker) resolveLocked(clientOrderID, exchangeOrderID string) (*Record, bool) {
	if clientOrderID != "" {
		if rec, ok := t.lookupLocked(clientOrderID); ok {
			return rec, true
		}
	}
	return t.lookupByExchangeIDLocked(exchangeOrderID)
}

func (t *Tracker) emitTerminalLocked(rec *Record, ts time.Time, misc map[string]string) {
	switch rec.State() {
	case core.StateFilled:
		t.emitCompletedLocked(rec, ts)
	case core.StateCancelled:
		t.emitLocked(events.TagOrderCancelled, events.OrderCancelled{
			Timestamp:       ts,
			ClientOrderID:   rec.ClientOrderID(),
			ExchangeOrderID: rec.ExchangeOrderID(),
			TradingPair:     rec.TradingPair(),
			Misc:            misc,
		})
	case core.StateFailed:
		t.emitLocked(events.TagOrderFailed, events.OrderFailed{
			Timestamp:     ts,
			ClientOrderID: rec.ClientOrderID(),
			TradingPair:   rec.TradingPair(),
			OrderType:     rec.OrderType(),
			Reason:        "order failed on exchange",
			Misc:          misc,
		})
	}
}

func (t *Tracker) emitCompletedLocked(rec *Record, ts time.Time) {
	avg, _ := rec.AverageExecutedPrice()
	tag := events.TagBuyOrderCompleted
	if rec.TradeType() == core.Sell {
		tag = events.TagSellOrderComplete
	}
	t.emitLocked(tag, events.OrderCompleted{
		Timestamp:           ts,
		ClientOrderID:       rec.ClientOrderID(),
		ExchangeOrderID:     rec.ExchangeOrderID(),
		TradingPair:         rec.TradingPair(),
		TradeType:           rec.TradeType(),
		OrderType:           rec.OrderType(),
		ExecutedAmountBase:  rec.ExecutedAmountBase(),
		ExecutedAmountQuote: rec.ExecutedAmountQuote(),
		AvgExecutedPrice:    avg,
		CumulativeFees:      rec.CumulativeFees(),
	})
}

func (t *Tracker) emitLocked(tag events.Tag, payload any) {
	metrics.LifecycleEventsTotal.WithLabelValues(string(tag)).Inc()
	t.pub.Emit(tag, payload)
}
