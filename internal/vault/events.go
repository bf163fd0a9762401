package vault

import "github.com/custodia/vault-engine/internal/model"

// Event types published by the engine.
const (
	EventBatchCommitted = "batch_committed"
	EventDeposit        = "deposit"
	EventWithdrawal     = "withdrawal"
)

// Event is a state-change notification for external observers (the
// websocket hub, audit consumers). Values are strings so consumers never
// lose decimal precision to float encoding.
type Event struct {
	Type        string           `json:"type"`
	BatchID     string           `json:"batch_id,omitempty"`
	TotalAssets string           `json:"total_assets,omitempty"`
	Shares      string           `json:"shares,omitempty"`
	Raised      string           `json:"raised,omitempty"`
	Remaining   string           `json:"remaining,omitempty"`
	Markets     []model.MarketID `json:"markets,omitempty"`
}

// EventSink receives engine events. Implementations must not block.
type EventSink interface {
	Publish(ev Event)
}
