package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/techtrend/support-agent/internal/models"
)

var knowledgeBase = map[string]string{
	IntentAccount: `To manage your account access:

1. Use "Forgot Password?" on the login page to reset your password
2. Check your email for the reset link (it expires in 24 hours)
3. New passwords need 8+ characters with uppercase, lowercase, and numbers
4. If your account is locked, wait 15 minutes before retrying

If you still can't get in, check your spam folder for the reset email.`,

	IntentBilling: `For billing-related inquiries:

- View billing details under Account Settings > Billing & Payments
- Download invoices from Billing > Invoice History
- Update your payment method under Settings > Payment Methods

If you notice an incorrect charge, reply with the transaction ID and date.`,

	IntentTechnical: `Let's resolve this technical issue. Please share:

1. The exact error message, if any
2. What you were trying to do
3. Your browser or device

Meanwhile, clearing your browser cache and cookies fixes most issues.`,

	IntentSupport: `Happy to help you get started:

- Getting Started Guide: https://docs.techtrendinnovations.com/getting-started
- Feature Tutorials: https://docs.techtrendinnovations.com/features
- API Documentation: https://api.techtrendinnovations.com/docs

Which feature would you like to learn about?`,
}

const clarifyTemplate = `Thank you for your question about %q.

Could you share a bit more detail so I can help:
- What you're trying to accomplish
- Any error messages you're seeing
- When the issue started`

// KnowledgeGenerator answers from a canned knowledge base keyed by
// intent. It is deterministic, never fails, and serves as the built-in
// generator when no LLM provider is configured.
type KnowledgeGenerator struct{}

func NewKnowledgeGenerator() *KnowledgeGenerator {
	return &KnowledgeGenerator{}
}

func (g *KnowledgeGenerator) Generate(ctx context.Context, intent, message string, sessionContext []models.Message, userSummary string) (string, error) {
	response, ok := knowledgeBase[intent]
	if !ok {
		response = fmt.Sprintf(clarifyTemplate, message)
	}

	if relatedToHistory(message, userSummary) {
		response = "I see you previously asked about similar topics. " + response
	}
	return response, nil
}

// relatedToHistory checks for meaningful word overlap between the query
// and the user's history summary.
func relatedToHistory(message, summary string) bool {
	if summary == "" {
		return false
	}

	stop := map[string]bool{
		"the": true, "a": true, "an": true, "is": true, "how": true,
		"what": true, "when": true, "where": true, "can": true,
		"my": true, "i": true, "to": true, "do": true, "for": true,
	}

	summaryWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(summary)) {
		w = strings.Trim(w, ".,!?:\"'")
		if w != "" && !stop[w] {
			summaryWords[w] = true
		}
	}

	overlap := 0
	for _, w := range strings.Fields(strings.ToLower(message)) {
		w = strings.Trim(w, ".,!?:\"'")
		if w != "" && !stop[w] && summaryWords[w] {
			overlap++
		}
	}
	return overlap >= 2
}
