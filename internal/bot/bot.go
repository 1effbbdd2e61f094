package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/techtrend/support-agent/internal/models"
	"github.com/techtrend/support-agent/internal/pipeline"
	"go.uber.org/zap"
)

// Bot is a thin Telegram shell over the conversation pipeline. Each
// private chat maps to one session: the sender is the user, the chat is
// the thread. Reviewer chats additionally get the review commands.
type Bot struct {
	api       *tgbotapi.BotAPI
	pipeline  *pipeline.Pipeline
	reviewers map[int64]bool
	logger    *zap.Logger
}

func New(token string, p *pipeline.Pipeline, reviewers []int64, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	allowed := make(map[int64]bool, len(reviewers))
	for _, id := range reviewers {
		allowed[id] = true
	}

	return &Bot{
		api:       api,
		pipeline:  p,
		reviewers: allowed,
		logger:    logger,
	}, nil
}

func (b *Bot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}

		go b.handleMessage(update.Message)
	}

	return nil
}

func sessionKey(message *tgbotapi.Message) (userID, threadID string) {
	return strconv.FormatInt(message.From.ID, 10), strconv.FormatInt(message.Chat.ID, 10)
}

func (b *Bot) handleMessage(message *tgbotapi.Message) {
	ctx := context.Background()

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	userID, threadID := sessionKey(message)

	// Sessions restart transparently after a resolved turn.
	if _, err := b.pipeline.StartSession(ctx, userID, threadID); err != nil {
		b.logger.Error("Failed to start session",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("thread_id", threadID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't start your session. Please try again.")
		return
	}

	result, err := b.pipeline.ProcessMessage(ctx, userID, threadID, message.Text)
	if err != nil {
		if errors.Is(err, models.ErrEscalationInProgress) {
			b.sendMessage(message.Chat.ID, "Your previous request is still with our support team. We'll get back to you shortly.")
			return
		}
		b.logger.Error("Failed to process message",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("thread_id", threadID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't process your message. Please try again.")
		return
	}

	for _, warning := range result.Warnings {
		b.logger.Warn("Pipeline warning",
			zap.String("warning", warning),
			zap.String("user_id", userID),
			zap.String("thread_id", threadID))
	}

	if result.PendingReview {
		b.sendMessage(message.Chat.ID, "🚨 "+result.Notice)
		b.notifyReviewers(ctx)
		return
	}

	b.sendMessage(message.Chat.ID, result.Reply)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	case "history":
		b.handleHistory(ctx, message)
	case "clear":
		b.handleClear(ctx, message)
	case "pending":
		b.handlePending(ctx, message)
	case "approve":
		b.handleDecision(ctx, message, true)
	case "reject":
		b.handleDecision(ctx, message, false)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	userID, threadID := sessionKey(message)

	snapshot, err := b.pipeline.StartSession(ctx, userID, threadID)
	if err != nil {
		b.logger.Error("Failed to start session",
			zap.Error(err),
			zap.String("user_id", userID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't start your session. Please try again.")
		return
	}

	welcome := fmt.Sprintf(`Welcome to TechTrend Support! 💬
I can help with account, billing, and technical questions, and I'll bring in a human reviewer when needed.

I've loaded %d previous interactions. How can I help you today?
Use /help to see all available commands.`, snapshot.HistoryCount)

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start a support session
/help - Show this help message
/history - Show your recent interactions
/clear - Clear the current conversation`

	if b.reviewers[message.Chat.ID] {
		help += `

Reviewer commands:
/pending - List escalations awaiting review
/approve <user> <thread> <response> - Approve with the given response
/reject <user> <thread> <reason> - Reject with the given reason`
	}

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	userID, _ := sessionKey(message)

	entries, err := b.pipeline.GetUserHistory(ctx, userID, 5)
	if err != nil {
		b.logger.Error("Failed to get user history",
			zap.Error(err),
			zap.String("user_id", userID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your history.")
		return
	}

	if len(entries) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any past interactions yet.")
		return
	}

	response := "Your recent interactions:\n\n"
	for i, entry := range entries {
		response += fmt.Sprintf("%d. %s\n   → %s\n", i+1, entry.Query, truncate(entry.Resolution, 120))
	}
	b.sendMessage(message.Chat.ID, response)
}

func (b *Bot) handleClear(ctx context.Context, message *tgbotapi.Message) {
	userID, threadID := sessionKey(message)

	if err := b.pipeline.ClearSession(ctx, userID, threadID); err != nil {
		if errors.Is(err, models.ErrEscalationInProgress) {
			b.sendMessage(message.Chat.ID, "Your conversation can't be cleared while a request is under review.")
			return
		}
		if errors.Is(err, models.ErrInvalidState) {
			b.sendMessage(message.Chat.ID, "There's no active conversation to clear.")
			return
		}
		b.logger.Error("Failed to clear session",
			zap.Error(err),
			zap.String("user_id", userID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't clear your conversation.")
		return
	}
	b.sendMessage(message.Chat.ID, "Conversation cleared. Your long-term history is untouched.")
}

func (b *Bot) handlePending(ctx context.Context, message *tgbotapi.Message) {
	if !b.reviewers[message.Chat.ID] {
		b.sendMessage(message.Chat.ID, "This command is only available to reviewers.")
		return
	}

	items, err := b.pipeline.ListPending(ctx)
	if err != nil {
		b.logger.Error("Failed to list pending escalations", zap.Error(err))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't load the review queue.")
		return
	}

	if len(items) == 0 {
		b.sendMessage(message.Chat.ID, "All clear! No items awaiting review.")
		return
	}

	response := fmt.Sprintf("🚨 %d escalation(s) awaiting review:\n\n", len(items))
	for i, item := range items {
		response += fmt.Sprintf("%d. user %s / thread %s\n   %q\n   reason: %s\n",
			i+1, item.UserID, item.ThreadID, truncate(item.Query, 100), item.Reason)
	}
	response += "\nUse /approve <user> <thread> <response> or /reject <user> <thread> <reason>."
	b.sendMessage(message.Chat.ID, response)
}

func (b *Bot) handleDecision(ctx context.Context, message *tgbotapi.Message, approved bool) {
	if !b.reviewers[message.Chat.ID] {
		b.sendMessage(message.Chat.ID, "This command is only available to reviewers.")
		return
	}

	args := strings.SplitN(strings.TrimSpace(message.CommandArguments()), " ", 3)
	if len(args) < 3 || args[0] == "" || args[1] == "" {
		b.sendMessage(message.Chat.ID, "Usage: /approve <user> <thread> <response text>")
		return
	}
	userID, threadID, feedback := args[0], args[1], args[2]

	outcome, err := b.pipeline.ApproveHITL(ctx, userID, threadID, approved, feedback)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAlreadyResolved):
			b.sendMessage(message.Chat.ID, "That escalation has already been resolved.")
		case errors.Is(err, models.ErrNoPendingEscalation):
			b.sendMessage(message.Chat.ID, "No pending escalation for that session.")
		default:
			b.logger.Error("Failed to record review decision",
				zap.Error(err),
				zap.String("user_id", userID),
				zap.String("thread_id", threadID))
			b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't record that decision.")
		}
		return
	}

	b.sendMessage(message.Chat.ID, fmt.Sprintf("Decision recorded: %s (session now %s).",
		decisionWord(approved), outcome.Status))

	if outcome.NotifyUser {
		// Thread IDs minted by this shell are Telegram chat IDs.
		if chatID, err := strconv.ParseInt(threadID, 10, 64); err == nil {
			b.sendMessage(chatID, outcome.Reply)
		}
	}
}

func (b *Bot) notifyReviewers(ctx context.Context) {
	items, err := b.pipeline.ListPending(ctx)
	if err != nil {
		b.logger.Error("Failed to list pending escalations", zap.Error(err))
		return
	}
	for reviewer := range b.reviewers {
		b.sendMessage(reviewer, fmt.Sprintf("🚨 Review queue has %d pending item(s). Use /pending to see them.", len(items)))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func decisionWord(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}
