package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/techtrend/support-agent/internal/capability"
	"github.com/techtrend/support-agent/internal/escalation"
	"github.com/techtrend/support-agent/internal/models"
	"github.com/techtrend/support-agent/internal/storage"
	"go.uber.org/zap"
)

// fallbackReply is returned whenever a reply could not be produced; the
// session is never left in an undefined state.
const fallbackReply = "I'm sorry, something went wrong while processing your request. Please try again in a moment."

const pendingNotice = "Your request has been escalated to our support team for review. You'll be notified once a reviewer has looked at it."

const (
	warnDegradedPersistence = "degraded persistence: interaction not recorded"
	warnHistoryUnavailable  = "long-term history unavailable, continuing without context"
	warnSessionNotPersisted = "session state not persisted"
)

// Options tune the state machine. Zero values are replaced by defaults.
type Options struct {
	// RecentWindow is how many trailing messages feed generation context.
	RecentWindow int
	// RetryAttempts bounds retries after the first failed capability call.
	RetryAttempts int
	// RetryBackoff is the initial backoff between retries, doubled each time.
	RetryBackoff time.Duration
	// GenerationTimeout bounds each external capability call.
	GenerationTimeout time.Duration
	// EscalateOnFailure routes a message to human review once capability
	// retries are exhausted.
	EscalateOnFailure bool
	// ResolveOnReject resolves a rejected escalation instead of returning
	// the session to CLASSIFYING.
	ResolveOnReject bool
}

func (o Options) withDefaults() Options {
	if o.RecentWindow <= 0 {
		o.RecentWindow = 5
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = 30 * time.Second
	}
	return o
}

// SessionSnapshot is the result of starting (or resuming) a session.
type SessionSnapshot struct {
	UserID       string
	ThreadID     string
	Status       models.SessionStatus
	HistoryCount int
	Resumed      bool
	Warnings     []string
}

// ProcessResult is the outcome of one processed message: either a
// finalized reply or a pending-review notice, never both.
type ProcessResult struct {
	Reply         string
	Notice        string
	PendingReview bool
	Intent        string
	ErrorCode     string
	Warnings      []string
}

// Outcome reports a recorded reviewer decision.
type Outcome struct {
	Approved   bool
	Status     models.SessionStatus
	Reply      string
	NotifyUser bool
	Warnings   []string
}

// Pipeline is the conversation state machine. It owns session state,
// drives transitions between automated response and human review, and
// merges session context with durable per-user history.
type Pipeline struct {
	store      storage.Storage
	classifier capability.Classifier
	generator  capability.Generator
	queue      *escalation.Queue
	cache      *sessionCache
	opts       Options
	logger     *zap.Logger
}

func New(store storage.Storage, classifier capability.Classifier, generator capability.Generator, queue *escalation.Queue, opts Options, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		classifier: classifier,
		generator:  generator,
		queue:      queue,
		cache:      newSessionCache(),
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

// StartSession validates the identifiers, loads or creates the user's
// long-term record, and initializes (or resumes) the session.
func (p *Pipeline) StartSession(ctx context.Context, userID, threadID string) (*SessionSnapshot, error) {
	if err := validateKey(userID, threadID); err != nil {
		return nil, err
	}

	e := p.cache.entry(models.SessionKey(userID, threadID))
	e.mu.Lock()
	defer e.mu.Unlock()

	var warnings []string

	session, resumed, err := p.loadOrCreateSession(ctx, e, userID, threadID)
	if err != nil {
		return nil, err
	}

	// A resolved session restarts cleanly; a suspended one resumes as-is.
	if resumed && session.Status == models.StatusResolved {
		session.Status = models.StatusInit
		session.RequiresHITL = false
		session.HITLDecision = models.DecisionUnset
	}

	record, err := p.store.LoadRecord(ctx, userID)
	if err != nil {
		p.logger.Warn("Failed to load long-term record",
			zap.Error(err),
			zap.String("user_id", userID))
		warnings = append(warnings, warnHistoryUnavailable)
		record = nil
	}
	if record == nil && err == nil {
		record = models.NewLongTermRecord(userID)
		if err := p.store.SaveRecord(ctx, record); err != nil {
			p.logger.Warn("Failed to create long-term record",
				zap.Error(err),
				zap.String("user_id", userID))
			warnings = append(warnings, warnDegradedPersistence)
		}
	}

	historyCount := 0
	if record != nil {
		historyCount = len(record.UserHistory)
	}

	if err := p.persistSession(ctx, session); err != nil {
		warnings = append(warnings, warnSessionNotPersisted)
	}
	e.session = session

	p.logger.Info("Session started",
		zap.String("user_id", userID),
		zap.String("thread_id", threadID),
		zap.Bool("resumed", resumed),
		zap.Int("history_count", historyCount))

	return &SessionSnapshot{
		UserID:       userID,
		ThreadID:     threadID,
		Status:       session.Status,
		HistoryCount: historyCount,
		Resumed:      resumed,
		Warnings:     warnings,
	}, nil
}

// ProcessMessage runs one conversation turn: classify, then respond or
// escalate. The per-key lock serializes concurrent turns for the same
// session; capability calls are bounded by the configured timeout.
func (p *Pipeline) ProcessMessage(ctx context.Context, userID, threadID, message string) (*ProcessResult, error) {
	if err := validateKey(userID, threadID); err != nil {
		return nil, err
	}
	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   message,
		Timestamp: time.Now(),
	}
	if err := models.ValidateMessage(userMsg); err != nil {
		return nil, err
	}

	e := p.cache.entry(models.SessionKey(userID, threadID))
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := p.requireSession(ctx, e, userID, threadID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case models.StatusAwaitingHITL:
		return nil, fmt.Errorf("%w: session %s awaits review", models.ErrEscalationInProgress, session.Key())
	case models.StatusResolved:
		return nil, fmt.Errorf("%w: session %s already resolved", models.ErrInvalidState, session.Key())
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	var warnings []string

	session.Append(userMsg)
	session.Status = models.StatusClassifying
	if err := p.persistSession(ctx, session); err != nil {
		warnings = append(warnings, warnSessionNotPersisted)
	}

	// Durable context for this user; a read failure degrades to an
	// empty summary rather than blocking the conversation.
	summary := ""
	recent, err := p.store.RecentInteractions(ctx, userID, p.opts.RecentWindow)
	if err != nil {
		p.logger.Warn("Failed to load user history",
			zap.Error(err),
			zap.String("user_id", userID))
		warnings = append(warnings, warnHistoryUnavailable)
	} else {
		summary = summarize(recent)
	}

	recentMsgs := session.Recent(p.opts.RecentWindow)

	classification, err := p.classifyWithRetry(ctx, message, recentMsgs, summary)
	if err != nil {
		if errors.Is(err, models.ErrGenerationTimeout) {
			// Session stays in CLASSIFYING for a safe retry.
			return nil, err
		}
		if !p.opts.EscalateOnFailure {
			p.logger.Error("Classification failed, returning fallback reply",
				zap.Error(err),
				zap.String("user_id", userID),
				zap.String("thread_id", threadID))
			return &ProcessResult{
				Reply:     fallbackReply,
				ErrorCode: "capability_unavailable",
				Warnings:  warnings,
			}, nil
		}
		classification = capability.Classification{
			Intent:   capability.IntentEscalation,
			Escalate: true,
			Reason:   "classifier unavailable",
		}
		warnings = append(warnings, "classifier unavailable, escalated to human review")
	}

	if classification.Escalate {
		return p.escalate(ctx, session, userMsg, classification, warnings)
	}

	session.Status = models.StatusResponding
	reply, err := p.generateWithRetry(ctx, classification.Intent, message, recentMsgs, summary)
	if err != nil {
		if errors.Is(err, models.ErrGenerationTimeout) {
			session.Status = models.StatusClassifying
			p.persistSession(ctx, session)
			return nil, err
		}
		if p.opts.EscalateOnFailure {
			warnings = append(warnings, "generator unavailable, escalated to human review")
			return p.escalate(ctx, session, userMsg, capability.Classification{
				Intent:   classification.Intent,
				Escalate: true,
				Reason:   "generator unavailable",
			}, warnings)
		}
		session.Status = models.StatusClassifying
		p.persistSession(ctx, session)
		p.logger.Error("Generation failed, returning fallback reply",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("thread_id", threadID))
		return &ProcessResult{
			Reply:     fallbackReply,
			Intent:    classification.Intent,
			ErrorCode: "capability_unavailable",
			Warnings:  warnings,
		}, nil
	}

	session.Append(models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAgent,
		Content:   reply,
		Timestamp: time.Now(),
	})
	session.Status = models.StatusResolved

	if err := p.store.AppendInteraction(ctx, userID, models.HistoryEntry{
		Query:      message,
		Resolution: reply,
		Timestamp:  time.Now(),
		Metadata: map[string]any{
			"intent":    classification.Intent,
			"thread_id": threadID,
		},
	}); err != nil {
		// Losing a reply is worse than losing an audit record.
		p.logger.Error("Failed to record interaction",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("thread_id", threadID))
		warnings = append(warnings, warnDegradedPersistence)
	}

	if err := p.persistSession(ctx, session); err != nil {
		warnings = append(warnings, warnSessionNotPersisted)
	}

	return &ProcessResult{
		Reply:    reply,
		Intent:   classification.Intent,
		Warnings: warnings,
	}, nil
}

// ApproveHITL records the reviewer decision for a pending escalation.
// A second decision for the same escalation fails with AlreadyResolved.
func (p *Pipeline) ApproveHITL(ctx context.Context, userID, threadID string, approved bool, feedback string) (*Outcome, error) {
	if err := validateKey(userID, threadID); err != nil {
		return nil, err
	}

	e := p.cache.entry(models.SessionKey(userID, threadID))
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := p.requireSession(ctx, e, userID, threadID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusAwaitingHITL {
		if session.RequiresHITL && session.HITLDecision != models.DecisionUnset {
			return nil, fmt.Errorf("%w: session %s", models.ErrAlreadyResolved, session.Key())
		}
		return nil, fmt.Errorf("%w: session %s in state %s", models.ErrNoPendingEscalation, session.Key(), session.Status)
	}

	item, err := p.queue.DequeueByKey(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: no queued item for session %s", models.ErrNoPendingEscalation, session.Key())
	}

	var warnings []string
	outcome := &Outcome{Approved: approved, NotifyUser: true}

	if approved {
		session.HITLDecision = models.DecisionApproved
		reply := feedback
		if reply == "" {
			reply = "Your issue has been reviewed and approved. Our team will contact you with the resolution."
		}
		session.Append(models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleAgent,
			Content:   reply,
			Timestamp: time.Now(),
		})
		session.Status = models.StatusResolved

		if err := p.store.AppendInteraction(ctx, userID, models.HistoryEntry{
			Query:      item.Query,
			Resolution: reply,
			Timestamp:  time.Now(),
			Metadata: map[string]any{
				"escalation_id": item.ID,
				"reviewed":      true,
				"thread_id":     threadID,
			},
		}); err != nil {
			p.logger.Error("Failed to record reviewed interaction",
				zap.Error(err),
				zap.String("user_id", userID),
				zap.String("escalation_id", item.ID))
			warnings = append(warnings, warnDegradedPersistence)
		}
		outcome.Reply = reply
	} else {
		// Feedback is kept for audit either way.
		session.MergeMetadata(map[string]any{
			"rejection_feedback_" + item.ID: feedback,
		})
		if p.opts.ResolveOnReject {
			session.HITLDecision = models.DecisionRejected
			reply := "Your issue has been reviewed. Our team will follow up with alternative solutions."
			if feedback != "" {
				reply = "Your issue has been reviewed. " + feedback
			}
			session.Append(models.Message{
				ID:        uuid.New().String(),
				Role:      models.RoleAgent,
				Content:   reply,
				Timestamp: time.Now(),
			})
			session.Status = models.StatusResolved
			if err := p.store.AppendInteraction(ctx, userID, models.HistoryEntry{
				Query:      item.Query,
				Resolution: reply,
				Timestamp:  time.Now(),
				Metadata: map[string]any{
					"escalation_id": item.ID,
					"reviewed":      true,
					"rejected":      true,
					"thread_id":     threadID,
				},
			}); err != nil {
				warnings = append(warnings, warnDegradedPersistence)
			}
			outcome.Reply = reply
		} else {
			// Reopen the turn for another automated pass.
			session.RequiresHITL = false
			session.HITLDecision = models.DecisionUnset
			session.Status = models.StatusClassifying
			outcome.NotifyUser = false
		}
	}

	if err := p.persistSession(ctx, session); err != nil {
		warnings = append(warnings, warnSessionNotPersisted)
	}

	p.logger.Info("Escalation decision recorded",
		zap.String("user_id", userID),
		zap.String("thread_id", threadID),
		zap.String("escalation_id", item.ID),
		zap.Bool("approved", approved))

	outcome.Status = session.Status
	outcome.Warnings = warnings
	return outcome, nil
}

// GetUserHistory returns the user's most recent interactions, newest first.
func (p *Pipeline) GetUserHistory(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	if err := models.ValidateIdentifier("user_id", userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	return p.store.RecentInteractions(ctx, userID, limit)
}

// SearchHistory finds history entries containing the keyword.
func (p *Pipeline) SearchHistory(ctx context.Context, userID, keyword string) ([]models.HistoryEntry, error) {
	if err := models.ValidateIdentifier("user_id", userID); err != nil {
		return nil, err
	}
	return p.store.SearchHistory(ctx, userID, keyword)
}

// ListPending returns the review queue in creation order.
func (p *Pipeline) ListPending(ctx context.Context) ([]*models.EscalationItem, error) {
	return p.queue.ListPending(ctx)
}

// ClearSession empties the session buffer. It refuses to clear a
// session with a pending escalation.
func (p *Pipeline) ClearSession(ctx context.Context, userID, threadID string) error {
	if err := validateKey(userID, threadID); err != nil {
		return err
	}

	e := p.cache.entry(models.SessionKey(userID, threadID))
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := p.requireSession(ctx, e, userID, threadID)
	if err != nil {
		return err
	}
	if session.Status == models.StatusAwaitingHITL {
		return fmt.Errorf("%w: session %s", models.ErrEscalationInProgress, session.Key())
	}

	session.Messages = nil
	session.Status = models.StatusInit
	session.RequiresHITL = false
	session.HITLDecision = models.DecisionUnset
	session.UpdatedAt = time.Now()
	return p.persistSession(ctx, session)
}

func (p *Pipeline) escalate(ctx context.Context, session *models.SessionState, userMsg models.Message, classification capability.Classification, warnings []string) (*ProcessResult, error) {
	session.RequiresHITL = true
	session.Status = models.StatusAwaitingHITL

	_, err := p.queue.Enqueue(ctx, session.UserID, session.ThreadID, userMsg.Content,
		classification.Intent, classification.Reason,
		map[string]any{"confidence": classification.Confidence})
	if err != nil {
		// Without a queued item the reviewer could never resume the
		// session; roll the transition back.
		session.RequiresHITL = false
		session.Status = models.StatusClassifying
		p.persistSession(ctx, session)
		return nil, err
	}

	if err := p.persistSession(ctx, session); err != nil {
		warnings = append(warnings, warnSessionNotPersisted)
	}

	return &ProcessResult{
		Notice:        pendingNotice,
		PendingReview: true,
		Intent:        classification.Intent,
		Warnings:      warnings,
	}, nil
}

func (p *Pipeline) classifyWithRetry(ctx context.Context, message string, recent []models.Message, summary string) (capability.Classification, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.opts.RetryBackoff << (attempt - 1))
		}
		callCtx, cancel := context.WithTimeout(ctx, p.opts.GenerationTimeout)
		classification, err := p.classifier.Classify(callCtx, message, recent, summary)
		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil {
			return classification, nil
		}
		if timedOut {
			return capability.Classification{}, fmt.Errorf("%w: classify", models.ErrGenerationTimeout)
		}
		lastErr = err
	}
	return capability.Classification{}, fmt.Errorf("%w: classify retries exhausted: %v", models.ErrCapabilityUnavailable, lastErr)
}

func (p *Pipeline) generateWithRetry(ctx context.Context, intent, message string, recent []models.Message, summary string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.opts.RetryBackoff << (attempt - 1))
		}
		callCtx, cancel := context.WithTimeout(ctx, p.opts.GenerationTimeout)
		reply, err := p.generator.Generate(callCtx, intent, message, recent, summary)
		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil {
			return reply, nil
		}
		if timedOut {
			return "", fmt.Errorf("%w: generate", models.ErrGenerationTimeout)
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: generate retries exhausted: %v", models.ErrCapabilityUnavailable, lastErr)
}

func (p *Pipeline) loadOrCreateSession(ctx context.Context, e *sessionEntry, userID, threadID string) (*models.SessionState, bool, error) {
	if e.session != nil {
		return e.session, true, nil
	}
	session, err := p.store.LoadSession(ctx, userID, threadID)
	if err != nil {
		return nil, false, err
	}
	if session != nil {
		return session, true, nil
	}
	return models.NewSession(userID, threadID), false, nil
}

// requireSession resolves the cached or persisted session for a key and
// fails when none exists.
func (p *Pipeline) requireSession(ctx context.Context, e *sessionEntry, userID, threadID string) (*models.SessionState, error) {
	if e.session != nil {
		return e.session, nil
	}
	session, err := p.store.LoadSession(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: no session for %s", models.ErrInvalidState, models.SessionKey(userID, threadID))
	}
	e.session = session
	return session, nil
}

func (p *Pipeline) persistSession(ctx context.Context, session *models.SessionState) error {
	if err := p.store.SaveSession(ctx, session); err != nil {
		p.logger.Warn("Failed to persist session",
			zap.Error(err),
			zap.String("user_id", session.UserID),
			zap.String("thread_id", session.ThreadID))
		return err
	}
	return nil
}

func validateKey(userID, threadID string) error {
	if err := models.ValidateIdentifier("user_id", userID); err != nil {
		return err
	}
	return models.ValidateIdentifier("thread_id", threadID)
}

func summarize(recent []models.HistoryEntry) string {
	if len(recent) == 0 {
		return ""
	}
	// RecentInteractions is newest first; render oldest first.
	var out string
	for i := len(recent) - 1; i >= 0; i-- {
		out += "Q: " + recent[i].Query + "\nA: " + recent[i].Resolution + "\n"
	}
	return out
}
