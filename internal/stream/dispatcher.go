package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"order-recon/internal/metrics"
	"order-recon/internal/tracker"
)

// PushNoter is told which order a push message just refreshed, so the poll
// loop can skip redundant status requests. The driver implements it.
type PushNoter interface {
	NotePushActivity(clientOrderID string)
}

// Dispatcher pumps frames from a source into the tracker, reconnecting with
// a fixed backoff whenever the source's message channel closes.
type Dispatcher struct {
	src     Source
	trk     *tracker.Tracker
	noter   PushNoter // may be nil
	log     zerolog.Logger
	backoff time.Duration
}

func NewDispatcher(src Source, trk *tracker.Tracker, noter PushNoter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		src:     src,
		trk:     trk,
		noter:   noter,
		log:     log,
		backoff: 2 * time.Second,
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		msgs, errs := d.src.Messages(ctx)
		if err := d.pump(ctx, msgs, errs); err != nil {
			return err
		}
		d.log.Warn().
			Dur("backoff", d.backoff).
			Msg("push stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.backoff):
		}
	}
}

func (d *Dispatcher) pump(ctx context.Context, msgs <-chan []byte, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			d.log.Warn().Err(err).Msg("push stream error")
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			d.handle(data)
		}
	}
}

func (d *Dispatcher) handle(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		metrics.StreamMessagesTotal.WithLabelValues("decode_error").Inc()
		d.log.Warn().Err(err).Msg("push message dropped")
		return
	}
	switch {
	case msg.OrderUpdate != nil:
		metrics.StreamMessagesTotal.WithLabelValues("order_update").Inc()
		if err := d.trk.ProcessOrderUpdate(*msg.OrderUpdate); err != nil {
			d.log.Warn().Err(err).Msg("pushed order update dropped")
			return
		}
		d.notePush(msg.OrderUpdate.ClientOrderID, msg.OrderUpdate.ExchangeOrderID)
	case msg.TradeUpdate != nil:
		metrics.StreamMessagesTotal.WithLabelValues("trade_update").Inc()
		if err := d.trk.ProcessTradeUpdate(*msg.TradeUpdate); err != nil {
			d.log.Warn().Err(err).Msg("pushed trade update dropped")
			return
		}
		d.notePush(msg.TradeUpdate.ClientOrderID, msg.TradeUpdate.ExchangeOrderID)
	}
}

func (d *Dispatcher) notePush(clientOrderID, exchangeOrderID string) {
	if d.noter == nil {
		return
	}
	if clientOrderID == "" {
		rec, ok := d.trk.OrderByExchangeID(exchangeOrderID)
		if !ok {
			return
		}
		clientOrderID = rec.ClientOrderID()
	}
	d.noter.NotePushActivity(clientOrderID)
}
