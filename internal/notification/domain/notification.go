package domain

import "context"

type Kind string

const (
	KindPurchaseCompleted Kind = "purchase_completed"
	KindPurchaseFailed    Kind = "purchase_failed"
	KindPurchaseRefunded  Kind = "purchase_refunded"
	KindBatchFinished     Kind = "batch_finished"
	KindTreasuryAlert     Kind = "treasury_alert"
	KindOnRampStale       Kind = "onramp_stale"
)

// Event is one outbound notification. A buyer receipt is sent when Recipient
// is set and an ops alert is posted when Alert is set.
type Event struct {
	Kind      Kind
	Recipient string
	Data      map[string]any
	Alert     string
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type NoOpNotifier struct{}

func (NoOpNotifier) Notify(context.Context, Event) error { return nil }
