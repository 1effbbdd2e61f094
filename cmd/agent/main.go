package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/techtrend/support-agent/internal/bot"
	"github.com/techtrend/support-agent/internal/capability"
	"github.com/techtrend/support-agent/internal/escalation"
	"github.com/techtrend/support-agent/internal/models"
	"github.com/techtrend/support-agent/internal/pipeline"
	"github.com/techtrend/support-agent/internal/storage"
	"github.com/techtrend/support-agent/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize capabilities: OpenAI when configured, the built-in
	// keyword policy and knowledge base otherwise.
	var classifier capability.Classifier
	var generator capability.Generator
	if cfg.OpenAI.APIKey != "" {
		logger.Info("Using OpenAI capability", zap.String("model", cfg.OpenAI.Model))
		ai := capability.NewOpenAICapability(
			cfg.OpenAI.APIKey,
			cfg.OpenAI.Model,
			cfg.OpenAI.MaxTokens,
			cfg.OpenAI.Temperature,
			logger,
		)
		classifier, generator = ai, ai
	} else {
		logger.Info("Using built-in keyword capability")
		classifier = capability.NewKeywordClassifier()
		generator = capability.NewKnowledgeGenerator()
	}

	queue := escalation.NewQueue(store, logger)

	p := pipeline.New(store, classifier, generator, queue, pipeline.Options{
		RecentWindow:      cfg.Pipeline.RecentWindow,
		RetryAttempts:     cfg.Pipeline.RetryAttempts,
		RetryBackoff:      time.Duration(cfg.Pipeline.RetryBackoffMillis) * time.Millisecond,
		GenerationTimeout: time.Duration(cfg.Pipeline.GenerationTimeoutSeconds) * time.Second,
		EscalateOnFailure: cfg.Pipeline.EscalateOnFailure,
		ResolveOnReject:   cfg.Pipeline.ResolveOnReject,
	}, logger)

	if cfg.Telegram.Token != "" {
		b, err := bot.New(cfg.Telegram.Token, p, cfg.Telegram.Reviewers, logger)
		if err != nil {
			logger.Fatal("Failed to create bot", zap.Error(err))
		}
		if err := b.Start(); err != nil {
			logger.Fatal("Bot error", zap.Error(err))
		}
		return
	}

	runTerminal(p)
}

// runTerminal is an interactive shell over the pipeline's public
// operations, doubling as the reviewer console.
func runTerminal(p *pipeline.Pipeline) {
	ctx := context.Background()
	in := bufio.NewScanner(os.Stdin)

	fmt.Println("TechTrend Innovations - Customer Support Agent")
	fmt.Println(strings.Repeat("=", 46))

	userID := prompt(in, "Enter User ID: ")
	threadID := prompt(in, "Enter Thread ID: ")

	snapshot, err := p.StartSession(ctx, userID, threadID)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	fmt.Printf("\nSession started. Previous interactions: %d\n", snapshot.HistoryCount)
	fmt.Println("Type 'quit' to exit, 'history' for past interactions, 'search <term>' to search,")
	fmt.Println("'clear' to reset the conversation, 'pending' for the review queue.")
	fmt.Println(strings.Repeat("-", 46))

	for {
		input := prompt(in, "\nYou: ")
		if input == "" {
			continue
		}

		switch {
		case input == "quit":
			fmt.Println("Thank you for using TechTrend Support. Goodbye!")
			return
		case input == "history":
			printHistory(ctx, p, userID)
			continue
		case strings.HasPrefix(input, "search "):
			printSearch(ctx, p, userID, strings.TrimPrefix(input, "search "))
			continue
		case input == "clear":
			if err := p.ClearSession(ctx, userID, threadID); err != nil {
				fmt.Println("Error:", err)
			} else {
				fmt.Println("Conversation cleared.")
			}
			continue
		case input == "pending":
			printPending(ctx, p)
			continue
		}

		result, err := p.ProcessMessage(ctx, userID, threadID, input)
		if err != nil {
			fmt.Println("Error:", err)
			continue
		}
		for _, warning := range result.Warnings {
			fmt.Println("[warning]", warning)
		}

		if result.PendingReview {
			fmt.Println("\nAgent:", result.Notice)
			reviewLoop(ctx, p, in, userID, threadID)
			continue
		}

		fmt.Println("\nAgent:", result.Reply)

		// A resolved turn reopens the session for the next message.
		if _, err := p.StartSession(ctx, userID, threadID); err != nil {
			fmt.Println("Error:", err)
			return
		}
	}
}

// reviewLoop plays the reviewer for an escalated turn, mirroring the
// reviewer console flow.
func reviewLoop(ctx context.Context, p *pipeline.Pipeline, in *bufio.Scanner, userID, threadID string) {
	decision := prompt(in, "\n[reviewer] Approve resolution? (y/n): ")
	approved := strings.EqualFold(decision, "y")
	feedback := prompt(in, "[reviewer] Feedback: ")

	outcome, err := p.ApproveHITL(ctx, userID, threadID, approved, feedback)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if outcome.NotifyUser {
		fmt.Println("\nAgent:", outcome.Reply)
	} else {
		fmt.Println("[reviewer] Session reopened for another automated pass.")
	}

	if outcome.Status == models.StatusResolved {
		if _, err := p.StartSession(ctx, userID, threadID); err != nil {
			fmt.Println("Error:", err)
		}
	}
}

func printHistory(ctx context.Context, p *pipeline.Pipeline, userID string) {
	entries, err := p.GetUserHistory(ctx, userID, 5)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No past interactions.")
		return
	}
	fmt.Println("--- Recent History ---")
	for i, entry := range entries {
		fmt.Printf("%d. Query: %s\n   Resolution: %s\n", i+1, entry.Query, entry.Resolution)
	}
}

func printSearch(ctx context.Context, p *pipeline.Pipeline, userID, keyword string) {
	entries, err := p.SearchHistory(ctx, userID, keyword)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No matches.")
		return
	}
	for i, entry := range entries {
		fmt.Printf("%d. Query: %s\n   Resolution: %s\n", i+1, entry.Query, entry.Resolution)
	}
}

func printPending(ctx context.Context, p *pipeline.Pipeline) {
	items, err := p.ListPending(ctx)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if len(items) == 0 {
		fmt.Println("No items awaiting review.")
		return
	}
	for i, item := range items {
		fmt.Printf("%d. user %s / thread %s: %q (%s)\n", i+1, item.UserID, item.ThreadID, item.Query, item.Reason)
	}
}

func prompt(in *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !in.Scan() {
		os.Exit(0)
	}
	return strings.TrimSpace(in.Text())
}
