package priority

import "github.com/tkaplan/relay-optimizer/internal/model"

// tierByType is the static routing table. Message types not listed here
// default to TierNormal.
var tierByType = map[string]model.Tier{
	"error":        model.TierCritical,
	"system_alert": model.TierCritical,

	"heartbeat":  model.TierHigh,
	"auth":       model.TierHigh,
	"disconnect": model.TierHigh,

	"chat_message":  model.TierNormal,
	"user_response": model.TierNormal,

	"consciousness_stream": model.TierLow,
	"metrics_update":       model.TierLow,
	"status_update":        model.TierLow,
	"typing_indicator":     model.TierLow,
	"presence":             model.TierLow,
}

// Classify returns the delivery tier for a message. Unknown types are
// treated as normal traffic.
func Classify(msg model.Message) model.Tier {
	if tier, ok := tierByType[msg.Type]; ok {
		return tier
	}
	return model.TierNormal
}
