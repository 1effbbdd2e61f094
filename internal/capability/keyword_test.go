package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordClassifierEscalatesComplexIndicators(t *testing.T) {
	c := NewKeywordClassifier()

	for _, message := range []string{
		"I need a refund for my subscription",
		"I'm filing a complaint about this",
		"Someone made an unauthorized access to my account",
	} {
		result, err := c.Classify(context.Background(), message, nil, "")
		require.NoError(t, err)
		assert.True(t, result.Escalate, "expected escalation for %q", message)
		assert.Equal(t, IntentEscalation, result.Intent)
		assert.NotEmpty(t, result.Reason)
	}
}

func TestKeywordClassifierEscalatesHumanRequest(t *testing.T) {
	c := NewKeywordClassifier()

	result, err := c.Classify(context.Background(), "Can I speak to a human please?", nil, "")
	require.NoError(t, err)
	assert.True(t, result.Escalate)
	assert.Equal(t, "explicit request for a human", result.Reason)
}

func TestKeywordClassifierSentimentHeuristics(t *testing.T) {
	c := NewKeywordClassifier()

	result, err := c.Classify(context.Background(), "why??? why??? why???", nil, "")
	require.NoError(t, err)
	assert.True(t, result.Escalate)

	result, err = c.Classify(context.Background(), "NOTHING WORKS AND NOBODY ANSWERS", nil, "")
	require.NoError(t, err)
	assert.True(t, result.Escalate)

	// Short all-caps messages are fine.
	result, err = c.Classify(context.Background(), "HELP", nil, "")
	require.NoError(t, err)
	assert.False(t, result.Escalate)
}

func TestKeywordClassifierIntents(t *testing.T) {
	c := NewKeywordClassifier()

	cases := []struct {
		message string
		intent  string
	}{
		{"How do I reset my password?", IntentAccount},
		{"I forgot my login credentials", IntentAccount},
		{"Where can I find my latest invoice?", IntentBilling},
		{"The app crashes with an error on startup", IntentTechnical},
		{"Is there a tutorial for this feature?", IntentSupport},
		{"Hello there", IntentGeneral},
	}
	for _, tc := range cases {
		result, err := c.Classify(context.Background(), tc.message, nil, "")
		require.NoError(t, err)
		assert.Equal(t, tc.intent, result.Intent, "message %q", tc.message)
		assert.False(t, result.Escalate, "message %q", tc.message)
	}
}

func TestKnowledgeGeneratorAnswersByIntent(t *testing.T) {
	g := NewKnowledgeGenerator()

	reply, err := g.Generate(context.Background(), IntentAccount, "How do I reset my password?", nil, "")
	require.NoError(t, err)
	assert.Contains(t, reply, "Forgot Password?")

	reply, err = g.Generate(context.Background(), IntentBilling, "invoice question", nil, "")
	require.NoError(t, err)
	assert.Contains(t, reply, "Invoice History")
}

func TestKnowledgeGeneratorClarifiesUnknownIntent(t *testing.T) {
	g := NewKnowledgeGenerator()

	reply, err := g.Generate(context.Background(), IntentGeneral, "something vague", nil, "")
	require.NoError(t, err)
	assert.Contains(t, reply, "something vague")
	assert.Contains(t, reply, "more detail")
}

func TestKnowledgeGeneratorPersonalizesFromHistory(t *testing.T) {
	g := NewKnowledgeGenerator()
	summary := "Q: How do I reset my password?\nA: Use the reset link.\n"

	reply, err := g.Generate(context.Background(), IntentAccount, "My password reset link expired", nil, summary)
	require.NoError(t, err)
	assert.Contains(t, reply, "previously asked about similar topics")

	reply, err = g.Generate(context.Background(), IntentBilling, "invoice amount looks wrong", nil, summary)
	require.NoError(t, err)
	assert.NotContains(t, reply, "previously asked")
}
