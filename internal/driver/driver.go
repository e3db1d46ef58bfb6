// Package driver runs the reconciliation loop: it submits and cancels orders
// through an exchange client and periodically polls order status and fills,
// feeding everything through the tracker.
package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-recon/internal/core"
	"order-recon/internal/metrics"
	"order-recon/internal/tracker"
)

const (
	defaultPollInterval         = 5 * time.Second
	defaultMinOrderPollInterval = 10 * time.Second
	defaultMinFillPollInterval  = 30 * time.Second
	defaultPushFreshnessWindow  = 15 * time.Second
)

// OrderRequest describes an order the bot wants on the book.
type OrderRequest struct {
	ClientOrderID string
	TradingPair   string
	TradeType     core.TradeType
	OrderType     core.OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
}

// ExchangeClient is the venue-facing surface the driver reconciles against.
// OrderStatus and CancelOrder must return an error wrapping
// core.ErrUnknownOrder when the venue authoritatively reports the order as
// nonexistent; any other error is treated as transient and retried on the
// next cycle.
type ExchangeClient interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (core.OrderUpdate, error)
	CancelOrder(ctx context.Context, clientOrderID, exchangeOrderID string) (core.OrderUpdate, error)
	OrderStatus(ctx context.Context, clientOrderID, exchangeOrderID string) (core.OrderUpdate, error)
	Fills(ctx context.Context, clientOrderID, exchangeOrderID string, since time.Time) ([]core.TradeUpdate, error)
}

type Config struct {
	// PollInterval is the cadence of reconciliation cycles.
	PollInterval time.Duration
	// MinOrderPollInterval spaces out status requests per order so a short
	// PollInterval does not hammer the venue about the same order.
	MinOrderPollInterval time.Duration
	// MinFillPollInterval spaces out fill-history requests per order,
	// typically wider than the status spacing.
	MinFillPollInterval time.Duration
	// PushFreshnessWindow skips polling an order whose state was refreshed
	// by a push channel recently.
	PushFreshnessWindow time.Duration
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MinOrderPollInterval <= 0 {
		c.MinOrderPollInterval = defaultMinOrderPollInterval
	}
	if c.MinFillPollInterval <= 0 {
		c.MinFillPollInterval = defaultMinFillPollInterval
	}
	if c.PushFreshnessWindow <= 0 {
		c.PushFreshnessWindow = defaultPushFreshnessWindow
	}
	return c
}

type Driver struct {
	cfg     Config
	client  ExchangeClient
	tracker *tracker.Tracker
	log     zerolog.Logger
	now     func() time.Time

	mu           sync.Mutex
	lastPoll     map[string]time.Time // client order id -> last status poll
	lastFillPoll map[string]time.Time // client order id -> last fill fetch
	lastPush     map[string]time.Time // client order id -> last push receipt
}

func New(cfg Config, client ExchangeClient, trk *tracker.Tracker, log zerolog.Logger) *Driver {
	cfg = cfg.withDefaults()
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Driver{
		cfg:          cfg,
		client:       client,
		tracker:      trk,
		log:          log,
		now:          now,
		lastPoll:     make(map[string]time.Time),
		lastFillPoll: make(map[string]time.Time),
		lastPush:     make(map[string]time.Time),
	}
}

// Tracker exposes the registry the driver feeds, for collaborators that need
// read access to order state.
func (dr *Driver) Tracker() *tracker.Tracker { return dr.tracker }

// Submit registers the order locally first, then places it on the venue. A
// submit failure marks the order failed immediately; the tracker emits the
// failure event.
func (dr *Driver) Submit(ctx context.Context, req OrderRequest) (*tracker.Record, error) {
	rec, err := dr.tracker.StartTracking(tracker.NewRecordParams{
		ClientOrderID:     req.ClientOrderID,
		TradingPair:       req.TradingPair,
		TradeType:         req.TradeType,
		OrderType:         req.OrderType,
		Price:             req.Price,
		Amount:            req.Amount,
		CreationTimestamp: dr.now(),
	})
	if err != nil {
		return nil, err
	}

	up, err := dr.client.SubmitOrder(ctx, req)
	if err != nil {
		dr.log.Error().
			Str("client_order_id", req.ClientOrderID).
			Err(err).
			Msg("order submission failed")
		_ = dr.tracker.ProcessOrderUpdate(core.OrderUpdate{
			ClientOrderID:   req.ClientOrderID,
			NewState:        core.StateFailed,
			UpdateTimestamp: dr.now(),
		})
		return nil, err
	}
	if applyErr := dr.tracker.ProcessOrderUpdate(up); applyErr != nil {
		dr.log.Warn().
			Str("client_order_id", req.ClientOrderID).
			Err(applyErr).
			Msg("submit response update dropped")
	}
	return rec, nil
}

// Cancel flags the order as cancel-pending and asks the venue to cancel it.
// An unknown-order response feeds the not-found counter instead of being
// treated as success: the poll loop decides whether the order is lost.
func (dr *Driver) Cancel(ctx context.Context, clientOrderID string) error {
	rec, ok := dr.tracker.Order(clientOrderID)
	if !ok {
		return core.ErrUnknownOrder
	}
	_ = dr.tracker.ProcessOrderUpdate(core.OrderUpdate{
		ClientOrderID:   clientOrderID,
		NewState:        core.StatePendingCancel,
		UpdateTimestamp: dr.now(),
	})

	up, err := dr.client.CancelOrder(ctx, clientOrderID, rec.ExchangeOrderID())
	if err != nil {
		if errors.Is(err, core.ErrUnknownOrder) {
			return dr.handleNotFound(ctx, rec)
		}
		dr.log.Warn().
			Str("client_order_id", clientOrderID).
			Err(err).
			Msg("cancel request failed, will reconcile by polling")
		return err
	}
	return dr.tracker.ProcessOrderUpdate(up)
}

// NotePushActivity records that a push channel just refreshed this order, so
// the next cycle can skip the redundant status poll.
func (dr *Driver) NotePushActivity(clientOrderID string) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	dr.lastPush[clientOrderID] = dr.now()
}

// Run polls until the context is cancelled.
func (dr *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(dr.cfg.PollInterval)
	defer ticker.Stop()
	dr.log.Info().
		Dur("poll_interval", dr.cfg.PollInterval).
		Msg("reconciliation loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := dr.ReconcileOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				dr.log.Warn().Err(err).Msg("reconciliation cycle finished with errors")
			}
		}
	}
}

// ReconcileOnce runs one reconciliation cycle. Fills come first so a FILLED
// status never retires an order before its last fill reached the ledger;
// status polls follow for every updatable order. Per-order failures are
// contained; the cycle visits everything regardless.
func (dr *Driver) ReconcileOnce(ctx context.Context) error {
	var errs []error
	for _, rec := range dr.tracker.FillableOrders() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reason, skip := dr.shouldSkipFillPoll(rec.ClientOrderID()); skip {
			metrics.PollsSkippedTotal.WithLabelValues(reason).Inc()
			continue
		}
		if err := dr.pollFills(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	for _, rec := range dr.tracker.UpdatableOrders() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reason, skip := dr.shouldSkipPoll(rec.ClientOrderID()); skip {
			metrics.PollsSkippedTotal.WithLabelValues(reason).Inc()
			continue
		}
		if err := dr.pollOrder(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (dr *Driver) shouldSkipPoll(clientOrderID string) (string, bool) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	now := dr.now()
	if last, ok := dr.lastPoll[clientOrderID]; ok && now.Sub(last) < dr.cfg.MinOrderPollInterval {
		return "throttled", true
	}
	if push, ok := dr.lastPush[clientOrderID]; ok && now.Sub(push) < dr.cfg.PushFreshnessWindow {
		return "push_fresh", true
	}
	dr.lastPoll[clientOrderID] = now
	return "", false
}

func (dr *Driver) shouldSkipFillPoll(clientOrderID string) (string, bool) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	now := dr.now()
	if last, ok := dr.lastFillPoll[clientOrderID]; ok && now.Sub(last) < dr.cfg.MinFillPollInterval {
		return "fill_throttled", true
	}
	if push, ok := dr.lastPush[clientOrderID]; ok && now.Sub(push) < dr.cfg.PushFreshnessWindow {
		return "push_fresh", true
	}
	dr.lastFillPoll[clientOrderID] = now
	return "", false
}

func (dr *Driver) pollOrder(ctx context.Context, rec *tracker.Record) error {
	up, err := dr.client.OrderStatus(ctx, rec.ClientOrderID(), rec.ExchangeOrderID())
	if err != nil {
		if errors.Is(err, core.ErrUnknownOrder) {
			metrics.PollErrorsTotal.WithLabelValues("unknown_order").Inc()
			return dr.handleNotFound(ctx, rec)
		}
		metrics.PollErrorsTotal.WithLabelValues("transient").Inc()
		dr.log.Warn().
			Str("client_order_id", rec.ClientOrderID()).
			Err(err).
			Msg("status poll failed, retrying next cycle")
		return nil
	}
	return dr.tracker.ProcessOrderUpdate(up)
}

func (dr *Driver) pollFills(ctx context.Context, rec *tracker.Record) error {
	fills, err := dr.client.Fills(ctx, rec.ClientOrderID(), rec.ExchangeOrderID(), rec.CreationTimestamp())
	if err != nil {
		metrics.PollErrorsTotal.WithLabelValues("transient").Inc()
		dr.log.Warn().
			Str("client_order_id", rec.ClientOrderID()).
			Err(err).
			Msg("fill poll failed, retrying next cycle")
		return nil
	}
	var errs []error
	for _, fill := range fills {
		if err := dr.tracker.ProcessTradeUpdate(fill); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleNotFound advances the not-found counter; when the order crosses the
// lost limit it is disposed of: one last fill fetch, then a best-effort
// cancel in case the venue still has it resting somewhere.
func (dr *Driver) handleNotFound(ctx context.Context, rec *tracker.Record) error {
	lostNow, err := dr.tracker.ProcessOrderNotFound(rec.ClientOrderID())
	if err != nil {
		return err
	}
	if !lostNow {
		return nil
	}
	if err := dr.pollFills(ctx, rec); err != nil {
		dr.log.Warn().
			Str("client_order_id", rec.ClientOrderID()).
			Err(err).
			Msg("final fill fetch for lost order failed")
	}
	if _, err := dr.client.CancelOrder(ctx, rec.ClientOrderID(), rec.ExchangeOrderID()); err != nil && !errors.Is(err, core.ErrUnknownOrder) {
		dr.log.Warn().
			Str("client_order_id", rec.ClientOrderID()).
			Err(err).
			Msg("best-effort cancel of lost order failed")
	}
	return nil
}
