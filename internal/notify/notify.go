// Package notify implements the Notification Gateway (C4): idempotently
// dispatching a detected event through a transport and reporting whether
// delivery succeeded, per spec.md §4.4's best-effort contract. The
// transport call never blocks the event from being persisted — a
// transport failure yields notified=false, but internal/ingest still
// writes the event row, so the event table stays the system-of-record
// for "what was detected" independent of delivery.
//
// Grounded on the teacher's internal/api/alerts.go (best-effort
// multi-channel alert dispatch, record-regardless-of-outcome) and on
// spec.md §6.2's Notifier contract. The real Slack transport is exactly
// the kind of external collaborator spec.md §1 scopes out of the core;
// Console is the minimal, runnable stand-in so the gateway is testable
// end to end.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"price-watch/internal/detect"
	"price-watch/internal/ingest"
	"price-watch/internal/logger"
	"price-watch/internal/store"
)

// Transport is the outbound channel a Gateway dispatches through, per
// spec.md §6.2: it receives the detected result and the item it concerns
// and reports whether the message was actually delivered, plus an
// opaque correlation id for the attempt.
type Transport interface {
	Send(ctx context.Context, result detect.Result, item store.Item) (notified bool, messageID string, err error)
}

// Gateway is C4. It satisfies internal/ingest.Notifier, so
// internal/ingest never imports internal/notify directly — wiring
// happens only in main.go, keeping the dependency direction leaf-first.
type Gateway struct {
	transport Transport
}

// NewGateway constructs a Gateway dispatching through transport.
func NewGateway(transport Transport) *Gateway {
	return &Gateway{transport: transport}
}

var _ ingest.Notifier = (*Gateway)(nil)

// Notify implements ingest.Notifier. The transport call is treated as
// best-effort: an error is logged and folded into notified=false rather
// than propagated, since a failed dispatch must never stop the sample
// from being stored or the event from being recorded (spec.md §4.4/§7).
func (g *Gateway) Notify(ctx context.Context, result detect.Result, item store.Item) bool {
	notified, messageID, err := g.transport.Send(ctx, result, item)
	if err != nil {
		logger.Warn("Notify", fmt.Sprintf("%s: %s transport error: %v", item.Name, result.Type, err))
		return false
	}
	if notified {
		logger.Success("Notify", fmt.Sprintf("%s: dispatched %s (id=%s)", item.Name, result.Type, messageID))
	} else {
		logger.Warn("Notify", fmt.Sprintf("%s: %s not delivered", item.Name, result.Type))
	}
	return notified
}

// Console is a Transport that logs every dispatch instead of delivering
// to a real channel. It is the runnable stand-in for the out-of-scope
// Slack transport (spec.md §1): enough to exercise C4 end to end in
// tests and in a deployment that hasn't wired a real channel yet.
type Console struct{}

// Send implements Transport by logging the event and always reporting
// success; a real transport would return false/err on delivery failure.
func (Console) Send(_ context.Context, result detect.Result, item store.Item) (bool, string, error) {
	id := uuid.NewString()
	logger.Info("Console", fmt.Sprintf("[%s] %s/%s %s %s", id, item.Store, item.Name, result.Type, describePrices(result)))
	return true, id, nil
}

func describePrices(result detect.Result) string {
	switch {
	case result.Price != nil && result.OldPrice != nil:
		return fmt.Sprintf("price=%d old_price=%d", *result.Price, *result.OldPrice)
	case result.Price != nil:
		return fmt.Sprintf("price=%d", *result.Price)
	default:
		return ""
	}
}

// Router dispatches failure-class events (crawl_failure,
// data_retrieval_failure) through a distinct transport from price/stock
// events (lowest_price, price_drop, back_in_stock), per spec.md §6.2's
// "Notifier is free to route by event type (e.g., failure events to an
// error channel, price events to an info channel)". Grounded on the
// teacher's alerts.go fan-out across configured channels.
type Router struct {
	FailureTransport Transport
	PriceTransport   Transport
}

// Send implements Transport, routing by result.Type.
func (r Router) Send(ctx context.Context, result detect.Result, item store.Item) (bool, string, error) {
	switch result.Type {
	case store.EventCrawlFailure, store.EventDataRetrievalFailure:
		return r.FailureTransport.Send(ctx, result, item)
	default:
		return r.PriceTransport.Send(ctx, result, item)
	}
}
