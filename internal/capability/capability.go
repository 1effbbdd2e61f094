package capability

import (
	"context"

	"github.com/techtrend/support-agent/internal/models"
)

// Classification is the routing signal produced for an incoming message.
type Classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Escalate   bool    `json:"escalate"`
	Reason     string  `json:"reason,omitempty"`
}

// Classifier decides an intent and a complexity signal for a message.
// Implementations report models.ErrCapabilityUnavailable on provider
// failure; the pipeline owns retries and fallback.
type Classifier interface {
	Classify(ctx context.Context, message string, sessionContext []models.Message, userSummary string) (Classification, error)
}

// Generator produces candidate response text for a classified message.
type Generator interface {
	Generate(ctx context.Context, intent, message string, sessionContext []models.Message, userSummary string) (string, error)
}
