package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seralva/booktalk/internal/observability"
	"github.com/seralva/booktalk/internal/prompt"
	"github.com/seralva/booktalk/internal/provider"
	"github.com/seralva/booktalk/internal/reliability"
	"github.com/seralva/booktalk/internal/router"
	"github.com/seralva/booktalk/internal/store"
)

// Quota limits how many turns an owner may spend.
type Quota interface {
	// HasRemaining reports whether the owner may run one more turn.
	HasRemaining(ctx context.Context, ownerID string) (bool, error)
	// Consume charges one turn after it succeeded.
	Consume(ctx context.Context, ownerID string) error
}

// Catalog resolves subject ids to their dialogue configuration.
type Catalog interface {
	Subject(ctx context.Context, subjectID string) (prompt.Subject, error)
	Character(ctx context.Context, subjectID, characterID string) (prompt.Subject, error)
}

// Completer runs one generation through the provider chain. The model
// router satisfies it.
type Completer interface {
	Complete(ctx context.Context, req provider.GenerateRequest, opts router.Options) (router.Result, error)
}

// Config bounds orchestrator behavior per turn.
type Config struct {
	TurnTimeout    time.Duration
	PersistRetries int
	Temperature    float64
	MaxTokens      int
}

// Reply is the outcome of one completed turn.
type Reply struct {
	MessageID  string
	Content    string
	References []store.Reference
	Usage      provider.TokenUsage
	ModelID    string
	LatencyMS  int64
}

// Orchestrator drives the dialogue turn loop: validate, assemble, generate,
// persist, account. Turns within one session run strictly in order.
type Orchestrator struct {
	store     store.Store
	assembler *prompt.Assembler
	completer Completer
	quota     Quota
	catalog   Catalog
	metrics   *observability.Metrics
	cfg       Config

	mu    sync.Mutex
	turns map[string]*sync.Mutex
}

func NewOrchestrator(st store.Store, assembler *prompt.Assembler, completer Completer, quota Quota, catalog Catalog, metrics *observability.Metrics, cfg Config) *Orchestrator {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 90 * time.Second
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Orchestrator{
		store:     st,
		assembler: assembler,
		completer: completer,
		quota:     quota,
		catalog:   catalog,
		metrics:   metrics,
		cfg:       cfg,
		turns:     make(map[string]*sync.Mutex),
	}
}

// turnLock returns the per-session mutex that serializes turns.
func (o *Orchestrator) turnLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.turns[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.turns[sessionID] = l
	}
	return l
}

func (o *Orchestrator) releaseTurnLock(sessionID string) {
	o.mu.Lock()
	delete(o.turns, sessionID)
	o.mu.Unlock()
}

// StartSession opens a dialogue with a document or one of its characters.
// A non-empty firstMessage runs as the session's first turn immediately.
func (o *Orchestrator) StartSession(ctx context.Context, ownerID, subjectID, characterID, firstMessage string) (*store.Session, *Reply, error) {
	kind := store.KindDocument
	var err error
	if characterID != "" {
		kind = store.KindCharacter
		_, err = o.catalog.Character(ctx, subjectID, characterID)
	} else {
		_, err = o.catalog.Subject(ctx, subjectID)
	}
	if err != nil {
		return nil, nil, err
	}

	if o.quota != nil {
		allowed, err := o.quota.HasRemaining(ctx, ownerID)
		if err != nil {
			return nil, nil, err
		}
		if !allowed {
			return nil, nil, ErrQuotaExceeded
		}
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		SubjectID:      subjectID,
		CharacterID:    characterID,
		Kind:           kind,
		Status:         store.StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, nil, err
	}

	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
		o.metrics.SessionEvents.WithLabelValues("started").Inc()
	}
	slog.Info("dialogue: session started",
		"session_id", sess.ID, "owner_id", ownerID, "subject_id", subjectID, "kind", kind)

	if strings.TrimSpace(firstMessage) == "" {
		return sess, nil, nil
	}
	reply, err := o.SendMessage(ctx, ownerID, sess.ID, firstMessage)
	if err != nil {
		// The session itself is live; the caller can retry the turn.
		return sess, nil, err
	}
	refreshed, err := o.store.GetSession(ctx, sess.ID)
	if err == nil {
		sess = refreshed
	}
	return sess, reply, nil
}

// SendMessage runs one full dialogue turn. Concurrent sends on the same
// session queue behind each other and execute in arrival order.
func (o *Orchestrator) SendMessage(ctx context.Context, ownerID, sessionID, content string) (*Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("message content must not be empty")
	}

	lock := o.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	reply, err := o.runTurn(ctx, ownerID, sessionID, content)
	if err == nil && o.metrics != nil {
		o.metrics.ObserveTurnLatency(time.Since(started))
	}
	return reply, err
}

func (o *Orchestrator) runTurn(ctx context.Context, ownerID, sessionID, content string) (*Reply, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	if sess.Status != store.StatusActive {
		return nil, ErrSessionClosed
	}

	// Quota is checked before anything is persisted, so a rejected turn
	// leaves no trace.
	if o.quota != nil {
		allowed, err := o.quota.HasRemaining(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrQuotaExceeded
		}
	}

	subject, err := o.resolveSubject(ctx, sess)
	if err != nil {
		return nil, err
	}

	// An admitted turn runs to completion under its own deadline; a caller
	// disconnect must not cancel a generation already in flight.
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TurnTimeout)
	defer cancel()

	// Assemble before persisting the new input so the history window cannot
	// contain it; the prompt carries it exactly once, as the final turn.
	built, err := o.assembler.Build(turnCtx, sess, subject, content)
	if err != nil {
		return nil, &GenerationError{Err: err, Retryable: true}
	}

	now := time.Now().UTC()
	userMsg := &store.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      string(provider.RoleUser),
		Content:   content,
		CreatedAt: now,
	}
	if err := o.store.AppendMessage(turnCtx, userMsg); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RetrievalResults.Observe(float64(len(built.References)))
	}

	res, err := o.completer.Complete(turnCtx, provider.GenerateRequest{
		Messages:    built.Messages,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}, router.Options{SessionID: sessionID, Feature: "dialogue"})
	if err != nil {
		o.markTurnFailed(ctx, sessionID, userMsg.ID)
		retryable := !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		return nil, &GenerationError{Err: err, Retryable: retryable}
	}

	assistantMsg := &store.Message{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Role:         string(provider.RoleAssistant),
		Content:      res.Content,
		References:   built.References,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		LatencyMS:    res.LatencyMS,
		ModelID:      res.ModelID,
		CreatedAt:    time.Now().UTC(),
	}

	reply := &Reply{
		MessageID:  assistantMsg.ID,
		Content:    res.Content,
		References: built.References,
		Usage:      res.Usage,
		ModelID:    res.ModelID,
		LatencyMS:  res.LatencyMS,
	}

	// The reply already exists; persistence gets retries, and on final
	// failure the content is still returned, just not accounted.
	if err := o.persistWithRetry(ctx, assistantMsg); err != nil {
		slog.Error("dialogue: assistant message lost after retries",
			"session_id", sessionID, "error", err)
		return reply, nil
	}

	o.settleTurn(ctx, sess, res, built)
	return reply, nil
}

func (o *Orchestrator) resolveSubject(ctx context.Context, sess *store.Session) (prompt.Subject, error) {
	if sess.Kind == store.KindCharacter {
		return o.catalog.Character(ctx, sess.SubjectID, sess.CharacterID)
	}
	return o.catalog.Subject(ctx, sess.SubjectID)
}

// markTurnFailed flags a user message that got no reply. It stays in the
// transcript but later prompts skip it.
func (o *Orchestrator) markTurnFailed(ctx context.Context, sessionID, messageID string) {
	if err := o.store.MarkMessageFailed(context.WithoutCancel(ctx), sessionID, messageID); err != nil {
		slog.Warn("dialogue: failed-turn marker not persisted",
			"session_id", sessionID, "message_id", messageID, "error", err)
	}
	slog.Warn("dialogue: turn failed after user message persisted",
		"session_id", sessionID, "message_id", messageID)
}

func (o *Orchestrator) persistWithRetry(ctx context.Context, m *store.Message) error {
	// Persistence must not die with the turn's deadline.
	ctx = context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt < o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(reliability.ExponentialBackoff(attempt-1, 100*time.Millisecond, 2*time.Second))
		}
		if lastErr = o.store.AppendMessage(ctx, m); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// settleTurn updates session totals, charges quota, and refreshes the
// rolling context. All best-effort once the reply is durable.
func (o *Orchestrator) settleTurn(ctx context.Context, sess *store.Session, res router.Result, built prompt.BuildResult) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()

	// Re-read instead of writing back the snapshot from turn start: an end
	// or expiry that landed mid-turn must not be reverted to active.
	fresh, err := o.store.GetSession(ctx, sess.ID)
	if err != nil {
		slog.Warn("dialogue: session re-read failed, totals not updated", "session_id", sess.ID, "error", err)
		fresh = nil
	}
	if fresh != nil && fresh.Status == store.StatusActive {
		fresh.MessageCount += 2
		fresh.InputTokens += res.Usage.InputTokens
		fresh.OutputTokens += res.Usage.OutputTokens
		fresh.Cost += res.Cost
		fresh.LastActivityAt = now
		if err := o.store.UpdateSession(ctx, fresh); err != nil {
			slog.Warn("dialogue: session totals update failed", "session_id", sess.ID, "error", err)
		}
	} else if fresh != nil {
		slog.Info("dialogue: session closed mid-turn, totals left as ended",
			"session_id", sess.ID, "status", fresh.Status)
	}

	if o.quota != nil {
		if err := o.quota.Consume(ctx, sess.OwnerID); err != nil {
			slog.Warn("dialogue: quota consume failed", "owner_id", sess.OwnerID, "error", err)
		}
	}

	// A closed session already had its context deleted; saving would
	// recreate the row.
	if fresh == nil || fresh.Status != store.StatusActive {
		return
	}

	prev, err := o.store.GetContext(ctx, sess.ID)
	summary := ""
	if err == nil && prev != nil {
		summary = prev.Summary
	}
	userInput := ""
	if n := len(built.Messages); n > 0 {
		userInput = built.Messages[n-1].Content
	}
	cs := &store.ContextState{
		SessionID:       sess.ID,
		Summary:         prompt.SummarizeTurn(summary, userInput, res.Content, now),
		Topics:          prompt.TopicsFromReferences(built.References),
		LastHitSections: prompt.TopicsFromReferences(built.References),
		UpdatedAt:       now,
	}
	if err := o.store.SaveContext(ctx, cs); err != nil {
		slog.Warn("dialogue: context save failed", "session_id", sess.ID, "error", err)
	}
}

// EndSession closes a session. Ending an already-ended session is a no-op.
func (o *Orchestrator) EndSession(ctx context.Context, ownerID, sessionID string) (*store.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	if sess.Status != store.StatusActive {
		return sess, nil
	}

	now := time.Now().UTC()
	sess.Status = store.StatusEnded
	sess.EndedAt = &now
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	if err := o.store.DeleteContext(ctx, sessionID); err != nil {
		slog.Warn("dialogue: context cleanup failed", "session_id", sessionID, "error", err)
	}
	o.releaseTurnLock(sessionID)

	if o.metrics != nil {
		o.metrics.ActiveSessions.Dec()
		o.metrics.SessionEvents.WithLabelValues("ended").Inc()
	}
	slog.Info("dialogue: session ended", "session_id", sessionID)
	return sess, nil
}

// Session returns a session after an ownership check. Observers skip it.
func (o *Orchestrator) Session(ctx context.Context, ownerID, sessionID string, observer bool) (*store.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !observer && sess.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return sess, nil
}

// History pages through a session's transcript in chronological order.
func (o *Orchestrator) History(ctx context.Context, ownerID, sessionID string, observer bool, limit, offset int) ([]store.Message, error) {
	if _, err := o.Session(ctx, ownerID, sessionID, observer); err != nil {
		return nil, err
	}
	return o.store.ListMessages(ctx, sessionID, limit, offset)
}

// StartJanitor expires idle sessions on a ticker until ctx is done.
func (o *Orchestrator) StartJanitor(ctx context.Context, interval, inactivity time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.expireIdle(ctx, inactivity)
			}
		}
	}()
}

func (o *Orchestrator) expireIdle(ctx context.Context, inactivity time.Duration) {
	cutoff := time.Now().UTC().Add(-inactivity)
	ids, err := o.store.ExpireInactiveSessions(ctx, cutoff)
	if err != nil {
		slog.Warn("dialogue: expiry sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := o.store.DeleteContext(ctx, id); err != nil {
			slog.Warn("dialogue: context cleanup failed", "session_id", id, "error", err)
		}
		o.releaseTurnLock(id)
		if o.metrics != nil {
			o.metrics.ActiveSessions.Dec()
			o.metrics.SessionEvents.WithLabelValues("expired").Inc()
		}
	}
	if len(ids) > 0 {
		slog.Info("dialogue: expired idle sessions", "count", len(ids))
	}
}
