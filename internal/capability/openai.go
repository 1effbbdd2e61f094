package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/techtrend/support-agent/internal/models"
	"go.uber.org/zap"
)

const classifyPromptTemplate = `You are the routing classifier for a customer support agent.
Analyze the message and decide:
- intent: one of account, billing, technical, support, general
- escalate: true when the message needs a human reviewer (refund or legal
  matters, security incidents, fraud, explicit requests for a human,
  strong frustration or anger)
- confidence: 0.0 to 1.0
- reason: short justification when escalate is true

Return only a JSON object with this structure:
{"intent": "...", "escalate": false, "confidence": 0.0, "reason": "..."}

Recent conversation:
%s

User history summary:
%s

Message: %s`

// OpenAICapability implements Classifier and Generator against the
// OpenAI chat completion API.
type OpenAICapability struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAICapability(apiKey, model string, maxTokens int, temperature float64, logger *zap.Logger) *OpenAICapability {
	return &OpenAICapability{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

func (c *OpenAICapability) Classify(ctx context.Context, message string, sessionContext []models.Message, userSummary string) (Classification, error) {
	prompt := fmt.Sprintf(classifyPromptTemplate, renderContext(sessionContext), userSummary, message)

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
		},
	)
	if err != nil {
		c.logger.Error("Failed to get classification response", zap.Error(err))
		return Classification{}, fmt.Errorf("%w: classify: %v", models.ErrCapabilityUnavailable, err)
	}

	var classification Classification
	response := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(response), &classification); err != nil {
		c.logger.Error("Failed to parse classification response",
			zap.Error(err),
			zap.String("response", response))
		return Classification{}, fmt.Errorf("%w: classify parse: %v", models.ErrCapabilityUnavailable, err)
	}
	return classification, nil
}

func (c *OpenAICapability) Generate(ctx context.Context, intent, message string, sessionContext []models.Message, userSummary string) (string, error) {
	system := fmt.Sprintf(`You are a customer support agent for TechTrend Innovations.
The current query was classified as %q. Answer concisely and helpfully.
User history summary:
%s`, intent, userSummary)

	chatMessages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}
	for _, msg := range sessionContext {
		role := openai.ChatMessageRoleUser
		if msg.Role == models.RoleAgent {
			role = openai.ChatMessageRoleAssistant
		}
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	chatMessages = append(chatMessages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    chatMessages,
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
		},
	)
	if err != nil {
		c.logger.Error("Failed to get generation response", zap.Error(err))
		return "", fmt.Errorf("%w: generate: %v", models.ErrCapabilityUnavailable, err)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func renderContext(messages []models.Message) string {
	if len(messages) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
