package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/config"
	"github.com/lekesiz/BDC-sub001/internal/event"
	"github.com/lekesiz/BDC-sub001/internal/models"
	"github.com/lekesiz/BDC-sub001/internal/repository"
	"github.com/lekesiz/BDC-sub001/internal/scoring"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type reviewStore interface {
	Enqueue(ctx context.Context, item *models.ReviewItem) (*models.ReviewItem, error)
	ClaimNext(ctx context.Context, reviewerID, claimToken string, leaseDuration time.Duration) (*models.ReviewItem, error)
	MarkDecided(ctx context.Context, analysisID bson.ObjectID, reviewerID, claimToken string) (*models.ReviewItem, error)
	FindItemByAnalysisID(ctx context.Context, analysisID bson.ObjectID) (*models.ReviewItem, error)
	QueueStats(ctx context.Context) (*models.ReviewQueueStats, error)
	NewVerification(ctx context.Context, verification *models.HumanVerification) (*models.HumanVerification, error)
	FindVerificationByAnalysisID(ctx context.Context, analysisID bson.ObjectID) (*models.HumanVerification, error)
}

// ReviewService runs the human side of the analysis pipeline: claiming
// queued analyses under a lease and applying the reviewer's decision to
// the session.
type ReviewService struct {
	reviewRepo   reviewStore
	analysisRepo analysisStore
	sessionRepo  sessionStore
	testRepo     testStore
	cache        resultCache
	engine       *scoring.Engine
	publisher    event.Publisher

	leaseDuration time.Duration
}

func NewReviewService(reviewRepo reviewStore, analysisRepo analysisStore, sessionRepo sessionStore, testRepo testStore, cache resultCache, engine *scoring.Engine, publisher event.Publisher) *ReviewService {
	return &ReviewService{
		reviewRepo:    reviewRepo,
		analysisRepo:  analysisRepo,
		sessionRepo:   sessionRepo,
		testRepo:      testRepo,
		cache:         cache,
		engine:        engine,
		publisher:     publisher,
		leaseDuration: config.ServiceConfig.Review.LeaseDuration,
	}
}

// Claim hands the reviewer the oldest claimable item together with the
// analysis and session they need to judge it. Returns nil without error
// when the queue is empty.
func (s *ReviewService) Claim(ctx context.Context, reviewerID string) (*models.ClaimedReview, error) {
	claimToken := uuid.New().String()

	item, err := s.reviewRepo.ClaimNext(ctx, reviewerID, claimToken, s.leaseDuration)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim review item: %w", err)
	}

	reviewClaims.Inc()
	log.Printf("Reviewer %s claimed analysis %s (lease until %d)", reviewerID, item.AnalysisID.Hex(), item.LeaseExpiresAt)

	analysis, err := s.analysisRepo.FindByID(ctx, item.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed analysis %s: %w", item.AnalysisID.Hex(), err)
	}
	session, err := s.sessionRepo.FindByID(ctx, item.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed session %s: %w", item.SessionID.Hex(), err)
	}

	return &models.ClaimedReview{
		Item:     item,
		Analysis: analysis,
		Session:  session,
	}, nil
}

// Decide applies the reviewer's terminal decision. Fails with
// ErrNotClaimed unless the caller holds the current, unexpired claim;
// deciding an already-decided analysis fails the same way.
func (s *ReviewService) Decide(ctx context.Context, reviewerID, analysisID string, req *models.DecideReviewRequest) (*models.HumanVerification, error) {
	objectID, err := bson.ObjectIDFromHex(analysisID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid analysis id", ErrValidation)
	}
	if err := validateDecision(req); err != nil {
		return nil, err
	}

	item, err := s.reviewRepo.FindItemByAnalysisID(ctx, objectID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load review item: %w", err)
	}

	if err := s.validateGradeCoverage(ctx, item, req); err != nil {
		return nil, err
	}

	// The token travels with the claim, not the request; MarkDecided
	// re-checks reviewer, token and lease atomically.
	decided, err := s.reviewRepo.MarkDecided(ctx, objectID, reviewerID, item.ClaimToken)
	if err != nil {
		return nil, err
	}

	verification := &models.HumanVerification{
		AnalysisID: objectID,
		SessionID:  decided.SessionID,
		ReviewerID: reviewerID,
		Decision:   req.Decision,
		Reason:     req.Reason,
	}
	if req.Decision == models.ReviewDecisionEdited {
		verification.EditedNarrative = req.EditedNarrative
		verification.FreeTextGrades = req.FreeTextGrades
	}

	stored, err := s.reviewRepo.NewVerification(ctx, verification)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, repository.ErrNotClaimed
		}
		return nil, fmt.Errorf("failed to store verification: %w", err)
	}

	reviewDecisions.WithLabelValues(string(req.Decision)).Inc()
	log.Printf("Reviewer %s decided analysis %s: %s", reviewerID, analysisID, req.Decision)

	s.applyDecision(ctx, stored)

	if err := s.publisher.PublishReviewEvent(ctx, event.CreateReviewDecidedEvent(stored)); err != nil {
		log.Printf("Failed to publish review decided event: %v", err)
	}

	return stored, nil
}

// QueueStats reports the queue depth by state
func (s *ReviewService) QueueStats(ctx context.Context) (*models.ReviewQueueStats, error) {
	stats, err := s.reviewRepo.QueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue stats: %w", err)
	}
	reviewQueueDepth.Set(float64(stats.Unclaimed))
	return stats, nil
}

// AnalysisTrail returns every analysis attempt recorded for a session,
// oldest generation first.
func (s *ReviewService) AnalysisTrail(ctx context.Context, sessionID string) ([]*models.AIAnalysis, error) {
	objectID, err := bson.ObjectIDFromHex(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session id", ErrValidation)
	}

	if _, err := s.sessionRepo.FindByID(ctx, objectID); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	trail, err := s.analysisRepo.FindBySession(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load analyses for session %s: %w", sessionID, err)
	}
	return trail, nil
}

// applyDecision moves the session out of pending_human_review according
// to the verification. The decision record stands even if the session
// raced into another state; only the state change is skipped then.
func (s *ReviewService) applyDecision(ctx context.Context, verification *models.HumanVerification) {
	session, err := s.sessionRepo.FindByID(ctx, verification.SessionID)
	if err != nil {
		log.Printf("Failed to load session %s after decision: %v", verification.SessionID.Hex(), err)
		return
	}
	if session.State != models.SessionStatePendingHumanReview {
		log.Printf("Session %s is %s, decision on analysis %s recorded without a state change",
			session.ID.Hex(), session.State, verification.AnalysisID.Hex())
		return
	}

	if verification.Decision == models.ReviewDecisionRejected {
		updated, err := s.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, bson.M{
			"state":            models.SessionStateExpired,
			"needsRemediation": true,
		})
		if err != nil {
			log.Printf("Failed to expire rejected session %s: %v", session.ID.Hex(), err)
			return
		}
		log.Printf("Session %s rejected by review, flagged for remediation", updated.ID.Hex())
		return
	}

	set := bson.M{"state": models.SessionStateFinalized}
	if score := s.regrade(ctx, session, verification); score != nil {
		set["score"] = score
	} else if session.Score != nil && !session.Score.FullyGraded {
		log.Printf("Session %s decision on analysis %s left the score partially graded, session kept in review",
			session.ID.Hex(), verification.AnalysisID.Hex())
		return
	}

	updated, err := s.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, set)
	if err != nil {
		log.Printf("Failed to finalize session %s after decision: %v", session.ID.Hex(), err)
		return
	}

	if err := s.publisher.PublishSessionEvent(ctx, event.CreateSessionFinalizedEvent(updated)); err != nil {
		log.Printf("Failed to publish session finalized event: %v", err)
	}
	if err := s.cache.SaveResult(ctx, updated.ID.Hex(), updated.Score); err != nil {
		log.Printf("Result cache write failed for %s: %v", updated.ID.Hex(), err)
	}
	log.Printf("Session %s verified and finalized", updated.ID.Hex())
}

// regrade picks the free-text grades the decision endorses: the
// reviewer's own for an edit, the AI's for a plain approval. Returns nil
// when there is nothing to apply.
func (s *ReviewService) regrade(ctx context.Context, session *models.TestSession, verification *models.HumanVerification) *models.ScoreResult {
	if session.Score == nil {
		return nil
	}

	grades := verification.FreeTextGrades
	if verification.Decision == models.ReviewDecisionApproved {
		analysis, err := s.analysisRepo.FindByID(ctx, verification.AnalysisID)
		if err != nil {
			log.Printf("Failed to load analysis %s for regrade: %v", verification.AnalysisID.Hex(), err)
			return nil
		}
		grades = analysis.FreeTextGrades
	}
	if len(grades) == 0 {
		return nil
	}

	definition, err := findDefinition(ctx, s.testRepo, s.cache, session.TestID)
	if err != nil {
		log.Printf("Failed to load definition for regrade of session %s: %v", session.ID.Hex(), err)
		return nil
	}

	regraded, err := s.engine.ApplyFreeTextGrades(definition, session.Score, grades)
	if err != nil {
		log.Printf("Failed to apply review grades for session %s: %v", session.ID.Hex(), err)
		return nil
	}
	return regraded
}

// validateGradeCoverage refuses a finalizing decision whose endorsed
// grade set leaves an answered free-text question ungraded: a plain
// approval endorses the AI's grades, an edit the reviewer's own. It
// runs before MarkDecided, so a refused decision keeps the claim live.
func (s *ReviewService) validateGradeCoverage(ctx context.Context, item *models.ReviewItem, req *models.DecideReviewRequest) error {
	if req.Decision == models.ReviewDecisionRejected {
		return nil
	}

	session, err := s.sessionRepo.FindByID(ctx, item.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session for decision: %w", err)
	}
	// A session that already left review only gets the decision
	// recorded; there is no score to finalize.
	if session.State != models.SessionStatePendingHumanReview {
		return nil
	}
	if session.Score == nil || session.Score.FullyGraded {
		return nil
	}

	grades := req.FreeTextGrades
	if req.Decision == models.ReviewDecisionApproved {
		analysis, err := s.analysisRepo.FindByID(ctx, item.AnalysisID)
		if err != nil {
			return fmt.Errorf("failed to load analysis for decision: %w", err)
		}
		grades = analysis.FreeTextGrades
	} else {
		definition, err := findDefinition(ctx, s.testRepo, s.cache, session.TestID)
		if err != nil {
			return fmt.Errorf("failed to load definition for decision: %w", err)
		}
		for questionID := range grades {
			question := definition.QuestionByID(questionID)
			if question == nil || question.Type != models.QuestionTypeFreeText {
				return fmt.Errorf("%w: question %q is not a free-text question of this test", ErrValidation, questionID)
			}
		}
	}

	for _, entry := range session.Score.Breakdown {
		if entry.Outcome != models.OutcomeUngraded {
			continue
		}
		if _, ok := grades[entry.QuestionID]; !ok {
			return fmt.Errorf("%w: question %q is still ungraded, submit an edited decision with a grade for it", ErrValidation, entry.QuestionID)
		}
	}
	return nil
}

func validateDecision(req *models.DecideReviewRequest) error {
	switch req.Decision {
	case models.ReviewDecisionApproved:
	case models.ReviewDecisionEdited:
		if req.EditedNarrative == nil && len(req.FreeTextGrades) == 0 {
			return fmt.Errorf("%w: an edited decision needs an edited narrative or grades", ErrValidation)
		}
		for questionID, grade := range req.FreeTextGrades {
			if grade < 0 || grade > 1 {
				return fmt.Errorf("%w: grade for question %q must be within [0,1]", ErrValidation, questionID)
			}
		}
	case models.ReviewDecisionRejected:
		if req.Reason == "" {
			return fmt.Errorf("%w: a rejection needs a reason", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown decision %q", ErrValidation, req.Decision)
	}
	return nil
}
