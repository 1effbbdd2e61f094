package capability

import (
	"context"
	"strings"

	"github.com/techtrend/support-agent/internal/models"
)

// Intents recognized by the built-in keyword policy.
const (
	IntentAccount    = "account"
	IntentBilling    = "billing"
	IntentTechnical  = "technical"
	IntentSupport    = "support"
	IntentEscalation = "escalation"
	IntentGeneral    = "general"
)

// complexIndicators are terms that route a message straight to human
// review regardless of intent.
var complexIndicators = []string{
	"refund", "legal", "escalate", "manager", "complaint",
	"lawsuit", "security breach", "data leak", "unauthorized access",
	"fraud", "billing dispute", "cancel subscription",
}

// humanRequests are explicit asks for a person.
var humanRequests = []string{
	"speak to a human", "talk to a human", "human agent",
	"real person", "speak to someone", "talk to an agent",
}

// intentKeywords is ordered so classification is deterministic on ties.
var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{IntentAccount, []string{"password", "reset", "forgot", "login", "account", "locked", "credentials", "2fa", "two-factor", "session"}},
	{IntentBilling, []string{"billing", "payment", "invoice", "charge", "subscription", "cost"}},
	{IntentTechnical, []string{"error", "bug", "not working", "crash", "broken"}},
	{IntentSupport, []string{"feature", "how to", "tutorial", "guide", "help"}},
}

// KeywordClassifier is the default escalation policy: keyword and
// sentiment heuristics with no external dependency. It never fails.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

func (c *KeywordClassifier) Classify(ctx context.Context, message string, sessionContext []models.Message, userSummary string) (Classification, error) {
	lower := strings.ToLower(message)

	for _, indicator := range complexIndicators {
		if strings.Contains(lower, indicator) {
			return Classification{
				Intent:     IntentEscalation,
				Confidence: 1.0,
				Escalate:   true,
				Reason:     "matched indicator: " + indicator,
			}, nil
		}
	}
	for _, phrase := range humanRequests {
		if strings.Contains(lower, phrase) {
			return Classification{
				Intent:     IntentEscalation,
				Confidence: 1.0,
				Escalate:   true,
				Reason:     "explicit request for a human",
			}, nil
		}
	}

	// Repeated question marks read as frustration, prolonged all-caps
	// as anger; both go to review.
	if strings.Count(message, "?") > 2 {
		return Classification{
			Intent:     IntentEscalation,
			Confidence: 0.8,
			Escalate:   true,
			Reason:     "repeated question marks",
		}, nil
	}
	if len(message) > 20 && message == strings.ToUpper(message) && message != strings.ToLower(message) {
		return Classification{
			Intent:     IntentEscalation,
			Confidence: 0.8,
			Escalate:   true,
			Reason:     "all-caps message",
		}, nil
	}

	best := Classification{Intent: IntentGeneral}
	for _, group := range intentKeywords {
		score := 0
		for _, keyword := range group.keywords {
			if strings.Contains(lower, keyword) {
				score++
			}
		}
		confidence := float64(score) / 3.0
		if confidence > 1.0 {
			confidence = 1.0
		}
		if confidence > best.Confidence {
			best = Classification{Intent: group.intent, Confidence: confidence}
		}
	}
	return best, nil
}
