// Package fee defines the notification contract toward the fee-accrual
// module. The engine notifies — never queries — after valuation changes;
// fee mathematics live entirely outside the core.
package fee

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Notifier receives the new total after every committed state change.
type Notifier interface {
	ValuationChanged(ctx context.Context, total decimal.Decimal)
}

// LogNotifier is the default collaborator stub: it records the notification
// and does nothing else.
type LogNotifier struct{}

func (LogNotifier) ValuationChanged(_ context.Context, total decimal.Decimal) {
	slog.Debug("fee module notified", "total_assets", total.String())
}
