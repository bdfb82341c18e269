package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/ai"
	"github.com/lekesiz/BDC-sub001/internal/config"
	"github.com/lekesiz/BDC-sub001/internal/event"
	"github.com/lekesiz/BDC-sub001/internal/models"
	"github.com/lekesiz/BDC-sub001/internal/repository"
	"github.com/lekesiz/BDC-sub001/internal/scoring"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type analysisStore interface {
	New(ctx context.Context, analysis *models.AIAnalysis) (*models.AIAnalysis, error)
	FindByID(ctx context.Context, id bson.ObjectID) (*models.AIAnalysis, error)
	FindBySession(ctx context.Context, sessionID bson.ObjectID) ([]*models.AIAnalysis, error)
	FindLatestBySession(ctx context.Context, sessionID bson.ObjectID) (*models.AIAnalysis, error)
	CountBySession(ctx context.Context, sessionID bson.ObjectID) (int64, error)
	UpdateStatus(ctx context.Context, id bson.ObjectID, status models.AnalysisStatus, reason string) error
}

var errShuttingDown = errors.New("orchestrator shutting down")

// AnalysisOrchestrator runs AI analysis for scored sessions: a bounded
// worker pool takes session ids off a task channel, calls the provider
// with retries, and applies the outcome to the session state machine.
// Dispatch is at-least-once; the pending_analysis CAS makes it idempotent.
type AnalysisOrchestrator struct {
	sessionRepo  sessionStore
	testRepo     testStore
	analysisRepo analysisStore
	reviewRepo   reviewStore
	cache        resultCache
	engine       *scoring.Engine
	provider     ai.Provider
	publisher    event.Publisher

	tasks    chan bson.ObjectID
	shutdown chan struct{}
	wg       sync.WaitGroup

	workerCount     int
	maxAttempts     int
	backoffBase     time.Duration
	requestTimeout  time.Duration
	confidenceFloor float64
}

func NewAnalysisOrchestrator(sessionRepo sessionStore, testRepo testStore, analysisRepo analysisStore, reviewRepo reviewStore, cache resultCache, engine *scoring.Engine, provider ai.Provider, publisher event.Publisher) *AnalysisOrchestrator {
	cfg := config.ServiceConfig.Analysis
	workerCount := cfg.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &AnalysisOrchestrator{
		sessionRepo:     sessionRepo,
		testRepo:        testRepo,
		analysisRepo:    analysisRepo,
		reviewRepo:      reviewRepo,
		cache:           cache,
		engine:          engine,
		provider:        provider,
		publisher:       publisher,
		tasks:           make(chan bson.ObjectID, cfg.QueueCapacity),
		shutdown:        make(chan struct{}),
		workerCount:     workerCount,
		maxAttempts:     maxAttempts,
		backoffBase:     cfg.BackoffBase,
		requestTimeout:  cfg.RequestTimeout,
		confidenceFloor: cfg.ConfidenceFloor,
	}
}

// Start launches the worker pool
func (o *AnalysisOrchestrator) Start() {
	for i := 0; i < o.workerCount; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	log.Printf("Analysis orchestrator started with %d workers (provider %s, model %s)",
		o.workerCount, o.provider.Name(), o.provider.ModelName())
}

// Close stops accepting work and waits for in-flight attempts to finish
func (o *AnalysisOrchestrator) Close() error {
	close(o.shutdown)
	o.wg.Wait()
	log.Println("Analysis orchestrator stopped")
	return nil
}

// DispatchScoredSession queues an analysis job for a session sitting in
// pending_analysis. Safe under redelivery: any other state is a no-op.
func (o *AnalysisOrchestrator) DispatchScoredSession(ctx context.Context, sessionID string) error {
	objectID, err := bson.ObjectIDFromHex(sessionID)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}

	session, err := o.sessionRepo.FindByID(ctx, objectID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			log.Printf("Analysis dispatch skipped, session %s not found", sessionID)
			return nil
		}
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session.State != models.SessionStatePendingAnalysis {
		return nil
	}

	select {
	case o.tasks <- session.ID:
		return nil
	default:
		// The sweeper re-dispatches stale pending_analysis sessions, so a
		// full queue loses nothing permanently.
		return fmt.Errorf("analysis queue full, session %s dropped", sessionID)
	}
}

func (o *AnalysisOrchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.shutdown:
			return
		case sessionID := <-o.tasks:
			o.process(sessionID)
		}
	}
}

func (o *AnalysisOrchestrator) process(sessionID bson.ObjectID) {
	ctx := context.Background()

	session, err := o.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		log.Printf("Analysis task dropped, session %s unreadable: %v", sessionID.Hex(), err)
		return
	}
	if session.State != models.SessionStatePendingAnalysis {
		return
	}

	definition, err := findDefinition(ctx, o.testRepo, o.cache, session.TestID)
	if err != nil {
		log.Printf("Analysis task dropped, definition for session %s unreadable: %v", sessionID.Hex(), err)
		return
	}

	result, analyzeErr := o.analyze(session, definition)
	if errors.Is(analyzeErr, errShuttingDown) {
		// No completion: the session stays pending_analysis and the
		// sweeper re-dispatches it after restart.
		return
	}

	prior, err := o.analysisRepo.CountBySession(ctx, session.ID)
	if err != nil {
		log.Printf("Analysis task dropped, attempt count for session %s unreadable: %v", sessionID.Hex(), err)
		return
	}

	analysis := &models.AIAnalysis{
		SessionID:   session.ID,
		Generation:  int(prior) + 1,
		Provider:    o.provider.Name(),
		Model:       o.provider.ModelName(),
		GeneratedAt: time.Now().Unix(),
	}
	if analyzeErr != nil {
		analysis.Status = models.AnalysisStatusFailed
		analysis.FailureReason = analyzeErr.Error()
	} else {
		analysis.Status = models.AnalysisStatusSucceeded
		analysis.Confidence = result.Confidence
		analysis.Narrative = result.Narrative
		analysis.Flags = result.Flags
		analysis.FreeTextGrades = filterFreeTextGrades(definition, result.FreeTextGrades)
		analysis.RawPayload = result.RawPayload
	}

	persisted, err := o.analysisRepo.New(ctx, analysis)
	if err != nil {
		log.Printf("Failed to persist analysis for session %s: %v", sessionID.Hex(), err)
		return
	}

	if analyzeErr != nil {
		o.completeFailed(ctx, session, persisted)
		return
	}
	o.completeSucceeded(ctx, session, definition, persisted)
}

// analyze calls the provider with a per-attempt timeout, retrying
// transient failures with exponential backoff. Terminal failures return
// immediately.
func (o *AnalysisOrchestrator) analyze(session *models.TestSession, definition *models.TestDefinition) (*ai.AnalysisResult, error) {
	request := &ai.AnalysisRequest{
		Definition: definition,
		Session:    session,
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout)
		result, err := o.provider.Analyze(ctx, request)
		cancel()
		if err == nil {
			analysisAttempts.WithLabelValues("succeeded").Inc()
			return result, nil
		}

		lastErr = err
		if !ai.IsTransient(err) {
			analysisAttempts.WithLabelValues("terminal").Inc()
			return nil, err
		}
		analysisAttempts.WithLabelValues("transient").Inc()
		log.Printf("Analysis attempt %d/%d for session %s failed: %v", attempt, o.maxAttempts, session.ID.Hex(), err)

		if attempt == o.maxAttempts {
			break
		}
		select {
		case <-time.After(o.backoffBase * time.Duration(1<<(attempt-1))):
		case <-o.shutdown:
			return nil, errShuttingDown
		}
	}

	return nil, fmt.Errorf("analysis failed after %d attempts: %w", o.maxAttempts, lastErr)
}

func (o *AnalysisOrchestrator) completeSucceeded(ctx context.Context, session *models.TestSession, definition *models.TestDefinition, analysis *models.AIAnalysis) {
	updated, err := o.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, bson.M{
		"state": models.SessionStateAnalysisReady,
	})
	if err != nil {
		o.expireLateAnalysis(ctx, session, analysis, err)
		return
	}

	threshold := definition.Analysis.ConfidenceThreshold
	if threshold == 0 {
		threshold = o.confidenceFloor
	}
	requiresReview := analysis.RequiresReview(threshold)

	score := updated.Score
	if score != nil && len(analysis.FreeTextGrades) > 0 {
		regraded, err := o.engine.ApplyFreeTextGrades(definition, score, analysis.FreeTextGrades)
		if err != nil {
			log.Printf("Failed to apply free-text grades for session %s: %v", updated.ID.Hex(), err)
		} else {
			score = regraded
		}
	}
	// An analysis that skipped an answered free-text question cannot
	// finalize the score; only a reviewer can fill the gap.
	if score != nil && !score.FullyGraded {
		requiresReview = true
	}

	if err := o.publisher.PublishAnalysisEvent(ctx, event.CreateAnalysisReadyEvent(analysis, requiresReview)); err != nil {
		log.Printf("Failed to publish analysis ready event: %v", err)
	}

	if requiresReview {
		o.routeToReview(ctx, updated, analysis)
		return
	}
	o.autoFinalize(ctx, updated, score, analysis)
}

func (o *AnalysisOrchestrator) completeFailed(ctx context.Context, session *models.TestSession, analysis *models.AIAnalysis) {
	updated, err := o.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, bson.M{
		"state": models.SessionStatePendingHumanReview,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			log.Printf("Session %s left pending_analysis before the failed analysis landed", session.ID.Hex())
		} else {
			log.Printf("Failed to route session %s to review: %v", session.ID.Hex(), err)
		}
		return
	}

	o.enqueueReview(ctx, updated, analysis)
	log.Printf("Session %s forced to human review after failed analysis (generation %d)", updated.ID.Hex(), analysis.Generation)
}

// expireLateAnalysis handles a provider result that landed after the
// session already left pending_analysis: the row is kept for audit as
// expired and the session is left alone.
func (o *AnalysisOrchestrator) expireLateAnalysis(ctx context.Context, session *models.TestSession, analysis *models.AIAnalysis, casErr error) {
	if !errors.Is(casErr, repository.ErrStaleState) {
		log.Printf("Failed to advance session %s after analysis: %v", session.ID.Hex(), casErr)
		return
	}

	analysisAttempts.WithLabelValues("expired").Inc()
	if err := o.analysisRepo.UpdateStatus(ctx, analysis.ID, models.AnalysisStatusExpired, "session left pending_analysis before completion"); err != nil {
		log.Printf("Failed to expire late analysis %s: %v", analysis.ID.Hex(), err)
	}
	log.Printf("Analysis %s for session %s kept for audit only", analysis.ID.Hex(), session.ID.Hex())
}

func (o *AnalysisOrchestrator) routeToReview(ctx context.Context, session *models.TestSession, analysis *models.AIAnalysis) {
	updated, err := o.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, bson.M{
		"state": models.SessionStatePendingHumanReview,
	})
	if err != nil {
		log.Printf("Failed to move session %s to pending_human_review: %v", session.ID.Hex(), err)
		return
	}

	o.enqueueReview(ctx, updated, analysis)
	log.Printf("Session %s routed to human review, confidence %.2f, %d flags",
		updated.ID.Hex(), analysis.Confidence, len(analysis.Flags))
}

// autoFinalize releases a confident, unflagged, fully graded analysis
// without review. The caller has already folded the AI grades into score.
func (o *AnalysisOrchestrator) autoFinalize(ctx context.Context, session *models.TestSession, score *models.ScoreResult, analysis *models.AIAnalysis) {
	set := bson.M{"state": models.SessionStateFinalized}
	if score != nil {
		set["score"] = score
	}

	updated, err := o.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, set)
	if err != nil {
		log.Printf("Failed to finalize session %s: %v", session.ID.Hex(), err)
		return
	}

	if err := o.publisher.PublishSessionEvent(ctx, event.CreateSessionFinalizedEvent(updated)); err != nil {
		log.Printf("Failed to publish session finalized event: %v", err)
	}
	if err := o.cache.SaveResult(ctx, updated.ID.Hex(), updated.Score); err != nil {
		log.Printf("Result cache write failed for %s: %v", updated.ID.Hex(), err)
	}
	log.Printf("Session %s auto-approved and finalized, confidence %.2f", updated.ID.Hex(), analysis.Confidence)
}

// enqueueReview adds the analysis to the review queue. The unique
// analysisId index absorbs duplicate enqueues from redelivered events.
func (o *AnalysisOrchestrator) enqueueReview(ctx context.Context, session *models.TestSession, analysis *models.AIAnalysis) {
	_, err := o.reviewRepo.Enqueue(ctx, &models.ReviewItem{
		AnalysisID: analysis.ID,
		SessionID:  session.ID,
	})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		log.Printf("Failed to enqueue review item for analysis %s: %v", analysis.ID.Hex(), err)
	}
}

// filterFreeTextGrades drops provider-invented grades that do not target
// a free-text question of the definition.
func filterFreeTextGrades(definition *models.TestDefinition, grades map[string]float64) map[string]float64 {
	if len(grades) == 0 {
		return nil
	}
	filtered := make(map[string]float64, len(grades))
	for questionID, grade := range grades {
		question := definition.QuestionByID(questionID)
		if question == nil || question.Type != models.QuestionTypeFreeText {
			continue
		}
		filtered[questionID] = grade
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
