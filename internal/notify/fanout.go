package notify

import (
	"context"
	"fmt"

	"fundflow/internal/metrics"
	"fundflow/internal/model"
)

// Fanout consumes committed terminal transitions and delivers them to the
// configured notifiers and the activity feed. It runs strictly downstream of
// the engine: nothing here can affect or roll back a committed transition.
type Fanout struct {
	notifier Notifier
	feed     *FeedHub
	prom     *metrics.Metrics
}

// NewFanout creates a fan-out worker. feed may be nil.
func NewFanout(notifier Notifier, feed *FeedHub, prom *metrics.Metrics) *Fanout {
	return &Fanout{notifier: notifier, feed: feed, prom: prom}
}

// Run consumes terminal transitions until ctx is cancelled or ch closes.
func (f *Fanout) Run(ctx context.Context, ch <-chan model.TerminalTransition) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			f.deliver(ctx, t)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, t model.TerminalTransition) {
	n := Notification{
		Severity: severityFor(t.To),
		Title:    fmt.Sprintf("%s %s", t.Entity, t.To),
		Body:     fmt.Sprintf("%s %s moved %s -> %s", t.Entity, t.EntityID, t.From, t.To),
		Entity:   string(t.Entity),
		EntityID: t.EntityID,
		At:       t.At,
	}
	if err := f.notifier.Notify(ctx, n); err != nil {
		f.prom.NotifyFailures.Inc()
	}
	if f.feed != nil {
		f.feed.Publish(t)
	}
}

func severityFor(to string) Severity {
	switch to {
	case string(model.StatusFailed), string(model.StatusRefunded):
		return SeverityWarning
	}
	return SeverityInfo
}
