package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techtrend/support-agent/internal/capability"
	"github.com/techtrend/support-agent/internal/escalation"
	"github.com/techtrend/support-agent/internal/models"
	"github.com/techtrend/support-agent/internal/storage"
	"go.uber.org/zap"
)

// failingAppendStore accepts everything except interaction appends.
type failingAppendStore struct {
	storage.Storage
}

func (s *failingAppendStore) AppendInteraction(ctx context.Context, userID string, entry models.HistoryEntry) error {
	return fmt.Errorf("%w: disk full", models.ErrStorageUnavailable)
}

// failingClassifier always errors with a retryable capability failure.
type failingClassifier struct{}

func (failingClassifier) Classify(ctx context.Context, message string, sessionContext []models.Message, userSummary string) (capability.Classification, error) {
	return capability.Classification{}, fmt.Errorf("%w: provider down", models.ErrCapabilityUnavailable)
}

// blockingClassifier hangs until the call deadline fires.
type blockingClassifier struct{}

func (blockingClassifier) Classify(ctx context.Context, message string, sessionContext []models.Message, userSummary string) (capability.Classification, error) {
	<-ctx.Done()
	return capability.Classification{}, ctx.Err()
}

func testOptions() Options {
	return Options{
		RecentWindow:      5,
		RetryAttempts:     1,
		RetryBackoff:      time.Millisecond,
		GenerationTimeout: time.Second,
		EscalateOnFailure: true,
		ResolveOnReject:   true,
	}
}

func newTestPipeline(store storage.Storage, opts Options) *Pipeline {
	logger := zap.NewNop()
	queue := escalation.NewQueue(store, logger)
	return New(store, capability.NewKeywordClassifier(), capability.NewKnowledgeGenerator(), queue, opts, logger)
}

func startSession(t *testing.T, p *Pipeline, userID, threadID string) *SessionSnapshot {
	t.Helper()
	snapshot, err := p.StartSession(context.Background(), userID, threadID)
	require.NoError(t, err)
	return snapshot
}

func TestStartSessionValidatesIdentifiers(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())
	ctx := context.Background()

	_, err := p.StartSession(ctx, "", "thread-1")
	assert.ErrorIs(t, err, models.ErrInvalidIdentifier)

	_, err = p.StartSession(ctx, "user-1", "thread 1")
	assert.ErrorIs(t, err, models.ErrInvalidIdentifier)
}

func TestProcessMessageRequiresSession(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())

	_, err := p.ProcessMessage(context.Background(), "user-1", "thread-1", "hello")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestDirectResolutionRecordsOneInteraction(t *testing.T) {
	store := storage.NewMemoryStorage()
	p := newTestPipeline(store, testOptions())
	ctx := context.Background()

	snapshot := startSession(t, p, "alice", "thread-1")
	assert.Equal(t, models.StatusInit, snapshot.Status)
	assert.Equal(t, 0, snapshot.HistoryCount)
	assert.False(t, snapshot.Resumed)

	result, err := p.ProcessMessage(ctx, "alice", "thread-1", "How do I reset my password?")
	require.NoError(t, err)
	assert.False(t, result.PendingReview)
	assert.NotEmpty(t, result.Reply)
	assert.Equal(t, capability.IntentAccount, result.Intent)
	assert.Empty(t, result.Warnings)

	session, err := store.LoadSession(ctx, "alice", "thread-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.StatusResolved, session.Status)
	assert.False(t, session.RequiresHITL)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, models.RoleUser, session.Messages[0].Role)
	assert.Equal(t, models.RoleAgent, session.Messages[1].Role)

	// Exactly one history entry per resolved turn.
	history, err := p.GetUserHistory(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "How do I reset my password?", history[0].Query)
	assert.Equal(t, result.Reply, history[0].Resolution)
}

func TestResolvedSessionRejectsFurtherMessages(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "How do I reset my password?")
	require.NoError(t, err)

	_, err = p.ProcessMessage(ctx, "alice", "thread-1", "one more thing")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestStartSessionReopensResolvedSession(t *testing.T) {
	store := storage.NewMemoryStorage()
	p := newTestPipeline(store, testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "How do I reset my password?")
	require.NoError(t, err)

	snapshot := startSession(t, p, "alice", "thread-1")
	assert.True(t, snapshot.Resumed)
	assert.Equal(t, models.StatusInit, snapshot.Status)
	assert.Equal(t, 1, snapshot.HistoryCount)

	result, err := p.ProcessMessage(ctx, "alice", "thread-1", "My invoice looks wrong")
	require.NoError(t, err)
	assert.False(t, result.PendingReview)

	// The conversation buffer carries across the restart.
	session, err := store.LoadSession(ctx, "alice", "thread-1")
	require.NoError(t, err)
	assert.Len(t, session.Messages, 4)

	history, err := p.GetUserHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRefundEscalationRoundTrip(t *testing.T) {
	store := storage.NewMemoryStorage()
	p := newTestPipeline(store, testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")

	result, err := p.ProcessMessage(ctx, "alice", "thread-1", "I need a refund for my order")
	require.NoError(t, err)
	assert.True(t, result.PendingReview)
	assert.Empty(t, result.Reply)
	assert.NotEmpty(t, result.Notice)

	session, err := store.LoadSession(ctx, "alice", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingHITL, session.Status)
	assert.True(t, session.RequiresHITL)

	items, err := p.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "I need a refund for my order", items[0].Query)

	// Messages during review are refused without losing the session.
	_, err = p.ProcessMessage(ctx, "alice", "thread-1", "any update?")
	assert.ErrorIs(t, err, models.ErrEscalationInProgress)

	outcome, err := p.ApproveHITL(ctx, "alice", "thread-1", true, "Refund issued")
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	assert.True(t, outcome.NotifyUser)
	assert.Equal(t, "Refund issued", outcome.Reply)
	assert.Equal(t, models.StatusResolved, outcome.Status)

	items, err = p.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	history, err := p.GetUserHistory(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "I need a refund for my order", history[0].Query)
	assert.Equal(t, "Refund issued", history[0].Resolution)
	assert.Equal(t, true, history[0].Metadata["reviewed"])
}

func TestDoubleApproveFailsAlreadyResolved(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "I want to escalate this")
	require.NoError(t, err)

	_, err = p.ApproveHITL(ctx, "alice", "thread-1", true, "Handled")
	require.NoError(t, err)

	_, err = p.ApproveHITL(ctx, "alice", "thread-1", true, "Handled again")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	// The duplicate decision records nothing.
	history, err := p.GetUserHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApproveWithoutEscalation(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")

	_, err := p.ApproveHITL(ctx, "alice", "thread-1", true, "nothing to approve")
	assert.ErrorIs(t, err, models.ErrNoPendingEscalation)
}

func TestRejectResolvesWithFeedback(t *testing.T) {
	store := storage.NewMemoryStorage()
	p := newTestPipeline(store, testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "I have a billing dispute")
	require.NoError(t, err)

	outcome, err := p.ApproveHITL(ctx, "alice", "thread-1", false, "We'll review the charge within 48 hours.")
	require.NoError(t, err)
	assert.False(t, outcome.Approved)
	assert.True(t, outcome.NotifyUser)
	assert.Equal(t, models.StatusResolved, outcome.Status)
	assert.Contains(t, outcome.Reply, "48 hours")

	history, err := p.GetUserHistory(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, true, history[0].Metadata["rejected"])
}

func TestRejectReopensWhenConfigured(t *testing.T) {
	store := storage.NewMemoryStorage()
	opts := testOptions()
	opts.ResolveOnReject = false
	p := newTestPipeline(store, opts)
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "I have a billing dispute")
	require.NoError(t, err)

	outcome, err := p.ApproveHITL(ctx, "alice", "thread-1", false, "needs more detail")
	require.NoError(t, err)
	assert.False(t, outcome.NotifyUser)
	assert.Equal(t, models.StatusClassifying, outcome.Status)

	session, err := store.LoadSession(ctx, "alice", "thread-1")
	require.NoError(t, err)
	assert.False(t, session.RequiresHITL)
	assert.Equal(t, models.DecisionUnset, session.HITLDecision)
	assert.Contains(t, session.Metadata, "rejection_feedback_"+reopenedEscalationID(t, session))

	// The reopened session takes another automated pass.
	result, err := p.ProcessMessage(ctx, "alice", "thread-1", "How do I download my invoice?")
	require.NoError(t, err)
	assert.False(t, result.PendingReview)
	assert.NotEmpty(t, result.Reply)
}

// reopenedEscalationID digs the escalation id out of the rejection
// feedback key left on the session.
func reopenedEscalationID(t *testing.T, session *models.SessionState) string {
	t.Helper()
	for k := range session.Metadata {
		if len(k) > len("rejection_feedback_") && k[:len("rejection_feedback_")] == "rejection_feedback_" {
			return k[len("rejection_feedback_"):]
		}
	}
	t.Fatal("no rejection feedback recorded")
	return ""
}

func TestEscalationSurvivesRestart(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	p1 := newTestPipeline(store, testOptions())
	startSession(t, p1, "alice", "thread-1")
	_, err := p1.ProcessMessage(ctx, "alice", "thread-1", "I need a refund")
	require.NoError(t, err)

	// A fresh pipeline over the same storage picks up the suspended session.
	p2 := newTestPipeline(store, testOptions())
	items, err := p2.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	outcome, err := p2.ApproveHITL(ctx, "alice", "thread-1", true, "Refund issued")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, outcome.Status)
	assert.Equal(t, "Refund issued", outcome.Reply)
}

func TestConcurrentMessagesProduceSingleEscalation(t *testing.T) {
	store := storage.NewMemoryStorage()
	p := newTestPipeline(store, testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = p.ProcessMessage(ctx, "alice", "thread-1", "I need a refund")
		}(i)
	}
	wg.Wait()

	var succeeded, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		default:
			assert.ErrorIs(t, err, models.ErrEscalationInProgress)
			refused++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, refused)

	items, err := p.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestIndependentSessionsDoNotInterfere(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	startSession(t, p, "bob", "thread-1")

	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "I need a refund")
	require.NoError(t, err)

	// Alice's pending review never blocks Bob.
	result, err := p.ProcessMessage(ctx, "bob", "thread-1", "How do I reset my password?")
	require.NoError(t, err)
	assert.False(t, result.PendingReview)
}

func TestStorageFailureDegradesGracefully(t *testing.T) {
	store := &failingAppendStore{Storage: storage.NewMemoryStorage()}
	p := newTestPipeline(store, testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")

	result, err := p.ProcessMessage(ctx, "alice", "thread-1", "How do I reset my password?")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Reply)
	assert.Contains(t, result.Warnings, warnDegradedPersistence)

	session, err := store.LoadSession(ctx, "alice", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, session.Status)
}

func TestClassifierFailureEscalates(t *testing.T) {
	store := storage.NewMemoryStorage()
	logger := zap.NewNop()
	queue := escalation.NewQueue(store, logger)
	opts := testOptions()
	p := New(store, failingClassifier{}, capability.NewKnowledgeGenerator(), queue, opts, logger)
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")

	result, err := p.ProcessMessage(ctx, "alice", "thread-1", "hello")
	require.NoError(t, err)
	assert.True(t, result.PendingReview)

	items, err := p.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "classifier unavailable", items[0].Reason)
}

func TestClassifierFailureFallbackReply(t *testing.T) {
	store := storage.NewMemoryStorage()
	logger := zap.NewNop()
	queue := escalation.NewQueue(store, logger)
	opts := testOptions()
	opts.EscalateOnFailure = false
	p := New(store, failingClassifier{}, capability.NewKnowledgeGenerator(), queue, opts, logger)
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")

	result, err := p.ProcessMessage(ctx, "alice", "thread-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, fallbackReply, result.Reply)
	assert.Equal(t, "capability_unavailable", result.ErrorCode)

	// Nothing reached the durable history.
	history, err := p.GetUserHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestGenerationTimeoutLeavesSessionRetryable(t *testing.T) {
	store := storage.NewMemoryStorage()
	logger := zap.NewNop()
	queue := escalation.NewQueue(store, logger)
	opts := testOptions()
	opts.GenerationTimeout = 20 * time.Millisecond
	p := New(store, blockingClassifier{}, capability.NewKnowledgeGenerator(), queue, opts, logger)
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")

	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "hello")
	assert.ErrorIs(t, err, models.ErrGenerationTimeout)

	session, err := store.LoadSession(ctx, "alice", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClassifying, session.Status)
}

func TestClearSession(t *testing.T) {
	store := storage.NewMemoryStorage()
	p := newTestPipeline(store, testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "How do I reset my password?")
	require.NoError(t, err)

	require.NoError(t, p.ClearSession(ctx, "alice", "thread-1"))

	session, err := store.LoadSession(ctx, "alice", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInit, session.Status)
	assert.Empty(t, session.Messages)

	// Long-term history is untouched by a session clear.
	history, err := p.GetUserHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestClearSessionRefusedDuringReview(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "I need a refund")
	require.NoError(t, err)

	err = p.ClearSession(ctx, "alice", "thread-1")
	assert.ErrorIs(t, err, models.ErrEscalationInProgress)
}

func TestSearchHistory(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "How do I reset my password?")
	require.NoError(t, err)

	matches, err := p.SearchHistory(ctx, "alice", "password")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	matches, err = p.SearchHistory(ctx, "alice", "shipping")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHistorySummaryPersonalizesLaterReplies(t *testing.T) {
	p := newTestPipeline(storage.NewMemoryStorage(), testOptions())
	ctx := context.Background()

	startSession(t, p, "alice", "thread-1")
	_, err := p.ProcessMessage(ctx, "alice", "thread-1", "How do I reset my password?")
	require.NoError(t, err)

	startSession(t, p, "alice", "thread-1")
	result, err := p.ProcessMessage(ctx, "alice", "thread-1", "My password reset link expired")
	require.NoError(t, err)
	assert.Contains(t, result.Reply, "previously asked about similar topics")
}
