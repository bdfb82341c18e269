package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/config"
	"github.com/lekesiz/BDC-sub001/internal/event"
	"github.com/lekesiz/BDC-sub001/internal/models"
	"github.com/lekesiz/BDC-sub001/internal/scoring"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type sessionStore interface {
	New(ctx context.Context, session *models.TestSession) (*models.TestSession, error)
	FindByID(ctx context.Context, id bson.ObjectID) (*models.TestSession, error)
	FindActiveByBeneficiaryAndTest(ctx context.Context, beneficiaryID string, testID bson.ObjectID) (*models.TestSession, error)
	CompareAndSwap(ctx context.Context, id bson.ObjectID, version int64, set bson.M) (*models.TestSession, error)
	SearchByBeneficiary(ctx context.Context, beneficiaryID string, query *models.SessionSearchQuery) ([]*models.TestSession, int64, error)
	FindOverdueInProgress(ctx context.Context, now int64, limit int) ([]*models.TestSession, error)
	FindAgedNonTerminal(ctx context.Context, cutoff int64, limit int) ([]*models.TestSession, error)
	FindStalePendingAnalysis(ctx context.Context, cutoff int64, limit int) ([]*models.TestSession, error)
}

// SessionService owns every session state transition. All writes go
// through the version CAS, so two concurrent callers can never both
// advance the same session.
type SessionService struct {
	sessionRepo  sessionStore
	testRepo     testStore
	analysisRepo analysisStore
	reviewRepo   reviewStore
	cache        resultCache
	engine       *scoring.Engine
	publisher    event.Publisher
}

func NewSessionService(sessionRepo sessionStore, testRepo testStore, analysisRepo analysisStore, reviewRepo reviewStore, cache resultCache, engine *scoring.Engine, publisher event.Publisher) *SessionService {
	return &SessionService{
		sessionRepo:  sessionRepo,
		testRepo:     testRepo,
		analysisRepo: analysisRepo,
		reviewRepo:   reviewRepo,
		cache:        cache,
		engine:       engine,
		publisher:    publisher,
	}
}

// StartSession opens a new session on a published test
func (s *SessionService) StartSession(ctx context.Context, beneficiaryID string, req *models.StartSessionRequest) (*models.TestSession, error) {
	testID, err := bson.ObjectIDFromHex(req.TestID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid test id", ErrValidation)
	}

	definition, err := findDefinition(ctx, s.testRepo, s.cache, testID)
	if err != nil {
		return nil, err
	}
	if definition.Status != models.TestStatusPublished {
		return nil, ErrTestNotPublished
	}

	existing, err := s.sessionRepo.FindActiveByBeneficiaryAndTest(ctx, beneficiaryID, testID)
	if err == nil && existing != nil {
		return nil, ErrAlreadyInProgress
	}
	if err != nil && err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to check for active session: %w", err)
	}

	limit := definition.TimeLimitSeconds
	if limit == 0 {
		limit = int(config.ServiceConfig.Evaluation.DefaultTimeLimit.Seconds())
	}
	var deadline int64
	if limit > 0 {
		deadline = time.Now().Unix() + int64(limit)
	}

	session := &models.TestSession{
		TestID:        testID,
		TestVersion:   definition.Version,
		BeneficiaryID: beneficiaryID,
		State:         models.SessionStateCreated,
		Deadline:      deadline,
		Responses:     []models.Response{},
	}

	created, err := s.sessionRepo.New(ctx, session)
	if err != nil {
		// The partial unique index closes the race the pre-check leaves open.
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrAlreadyInProgress
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Printf("Started session %s on test %s for beneficiary %s", created.ID.Hex(), req.TestID, beneficiaryID)
	return created, nil
}

// SubmitResponse records one answer. Re-answering a question while the
// session is in progress replaces the earlier response.
func (s *SessionService) SubmitResponse(ctx context.Context, beneficiaryID, sessionID string, req *models.SubmitResponseRequest) (*models.TestSession, error) {
	session, err := s.findOwnedSession(ctx, beneficiaryID, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.State {
	case models.SessionStateCreated, models.SessionStateInProgress:
	default:
		return nil, ErrSessionNotInProgress
	}

	now := time.Now().Unix()
	if session.Deadline > 0 && now >= session.Deadline {
		// Past the time limit the session only waits for the sweeper's
		// system submit; late answers are refused.
		return nil, ErrSessionNotInProgress
	}

	definition, err := findDefinition(ctx, s.testRepo, s.cache, session.TestID)
	if err != nil {
		return nil, err
	}

	question := definition.QuestionByID(req.QuestionID)
	if question == nil {
		return nil, fmt.Errorf("%w: unknown question id %q", ErrValidation, req.QuestionID)
	}

	response, err := buildResponse(question, req, now)
	if err != nil {
		return nil, err
	}

	responses := make([]models.Response, len(session.Responses))
	copy(responses, session.Responses)
	replaced := false
	for i := range responses {
		if responses[i].QuestionID == response.QuestionID {
			responses[i] = response
			replaced = true
			break
		}
	}
	if !replaced {
		responses = append(responses, response)
	}

	set := bson.M{"responses": responses}
	if session.State == models.SessionStateCreated {
		set["state"] = models.SessionStateInProgress
		set["startedAt"] = now
	}

	updated, err := s.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, set)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SubmitSession closes the response window and scores the session in the
// same call. Submitting an already-scored session returns the existing
// result unchanged.
func (s *SessionService) SubmitSession(ctx context.Context, beneficiaryID, sessionID string) (*models.TestSession, error) {
	session, err := s.findOwnedSession(ctx, beneficiaryID, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Score != nil {
		return session, nil
	}

	switch session.State {
	case models.SessionStateCreated, models.SessionStateInProgress:
	default:
		return nil, ErrSessionTerminal
	}

	definition, err := findDefinition(ctx, s.testRepo, s.cache, session.TestID)
	if err != nil {
		return nil, err
	}

	return s.scoreAndAdvance(ctx, session, definition)
}

// scoreAndAdvance runs the scoring engine and moves the session to its
// post-submit state: pending analysis when the definition asks for it,
// finalized outright otherwise.
func (s *SessionService) scoreAndAdvance(ctx context.Context, session *models.TestSession, definition *models.TestDefinition) (*models.TestSession, error) {
	start := time.Now()
	result, err := s.engine.Score(definition, session.Responses)
	if err != nil {
		return nil, fmt.Errorf("failed to score session %s: %w", session.ID.Hex(), err)
	}
	scoringDuration.Observe(time.Since(start).Seconds())

	now := time.Now().Unix()
	var timeSpent int64
	if session.StartedAt > 0 {
		timeSpent = now - session.StartedAt
	}

	next := models.SessionStateFinalized
	if definition.Analysis.Requested {
		next = models.SessionStatePendingAnalysis
	}

	set := bson.M{
		"state":            next,
		"submittedAt":      now,
		"timeSpentSeconds": timeSpent,
		"score":            result,
	}

	updated, err := s.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, set)
	if err != nil {
		return nil, err
	}
	submissionsTotal.Inc()
	log.Printf("Session %s scored %.2f/%.2f, state %s", updated.ID.Hex(), result.RawScore, result.MaxScore, updated.State)

	if err := s.publisher.PublishSessionEvent(ctx, event.CreateSessionSubmittedEvent(updated)); err != nil {
		log.Printf("Failed to publish session submitted event: %v", err)
	}
	if err := s.publisher.PublishSessionEvent(ctx, event.CreateSessionScoredEvent(updated)); err != nil {
		log.Printf("Failed to publish session scored event: %v", err)
	}
	if updated.State == models.SessionStateFinalized {
		if err := s.publisher.PublishSessionEvent(ctx, event.CreateSessionFinalizedEvent(updated)); err != nil {
			log.Printf("Failed to publish session finalized event: %v", err)
		}
		if err := s.cache.SaveResult(ctx, updated.ID.Hex(), updated.Score); err != nil {
			log.Printf("Result cache write failed for %s: %v", updated.ID.Hex(), err)
		}
	}

	return updated, nil
}

// Abandon voids a session the beneficiary gave up on
func (s *SessionService) Abandon(ctx context.Context, beneficiaryID, sessionID string) (*models.TestSession, error) {
	session, err := s.findOwnedSession(ctx, beneficiaryID, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.State {
	case models.SessionStateCreated, models.SessionStateInProgress:
	default:
		if session.State.IsTerminal() {
			return nil, ErrSessionTerminal
		}
		return nil, ErrSessionNotInProgress
	}

	updated, err := s.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, bson.M{
		"state": models.SessionStateAbandoned,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Session %s abandoned by beneficiary %s", sessionID, beneficiaryID)
	return updated, nil
}

// GetProgress reports where a session stands without exposing answer keys
func (s *SessionService) GetProgress(ctx context.Context, beneficiaryID, sessionID string) (*models.SessionProgress, error) {
	session, err := s.findOwnedSession(ctx, beneficiaryID, sessionID)
	if err != nil {
		return nil, err
	}

	definition, err := findDefinition(ctx, s.testRepo, s.cache, session.TestID)
	if err != nil {
		return nil, err
	}

	return &models.SessionProgress{
		SessionID:     session.ID.Hex(),
		TestID:        session.TestID.Hex(),
		State:         session.State,
		AnsweredCount: len(session.Responses),
		QuestionCount: len(definition.Questions()),
		StartedAt:     session.StartedAt,
		Deadline:      session.Deadline,
	}, nil
}

// GetResult assembles the scored view of a session: the score plus the
// latest analysis and human verification once those exist.
func (s *SessionService) GetResult(ctx context.Context, beneficiaryID, sessionID string) (*models.SessionResult, error) {
	session, err := s.findOwnedSession(ctx, beneficiaryID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Score == nil {
		return nil, ErrNoResult
	}

	result := &models.SessionResult{
		SessionID:        session.ID.Hex(),
		TestID:           session.TestID.Hex(),
		State:            session.State,
		Score:            session.Score,
		NeedsRemediation: session.NeedsRemediation,
	}

	if session.State == models.SessionStateFinalized {
		if cached, err := s.cache.GetResult(ctx, sessionID); err == nil {
			result.Score = cached
		} else if s.cache.IsMiss(err) {
			if err := s.cache.SaveResult(ctx, sessionID, session.Score); err != nil {
				log.Printf("Result cache write failed for %s: %v", sessionID, err)
			}
		}
	}

	analysis, err := s.analysisRepo.FindLatestBySession(ctx, session.ID)
	if err != nil {
		if err != mongo.ErrNoDocuments {
			log.Printf("Failed to load analysis for session %s: %v", sessionID, err)
		}
		return result, nil
	}
	result.Analysis = analysis

	verification, err := s.reviewRepo.FindVerificationByAnalysisID(ctx, analysis.ID)
	if err != nil {
		if err != mongo.ErrNoDocuments {
			log.Printf("Failed to load verification for analysis %s: %v", analysis.ID.Hex(), err)
		}
		return result, nil
	}
	result.Verification = verification

	return result, nil
}

// SearchSessions pages through a beneficiary's session history
func (s *SessionService) SearchSessions(ctx context.Context, beneficiaryID string, query *models.SessionSearchQuery) (*models.SessionSearchResult, error) {
	if query.TestID != "" {
		if _, err := bson.ObjectIDFromHex(query.TestID); err != nil {
			return nil, fmt.Errorf("%w: invalid test id", ErrValidation)
		}
	}
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 {
		query.PageSize = 20
	}
	if limit := config.ServiceConfig.Evaluation.PageSizeLimit; query.PageSize > limit {
		query.PageSize = limit
	}

	sessions, totalCount, err := s.sessionRepo.SearchByBeneficiary(ctx, beneficiaryID, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search sessions: %w", err)
	}

	return &models.SessionSearchResult{
		Sessions:    sessions,
		TotalCount:  totalCount,
		PageCount:   pageCount(totalCount, query.PageSize),
		CurrentPage: query.Page,
	}, nil
}

// findOwnedSession loads a session and hides other beneficiaries' sessions
// behind not-found.
func (s *SessionService) findOwnedSession(ctx context.Context, beneficiaryID, sessionID string) (*models.TestSession, error) {
	objectID, err := bson.ObjectIDFromHex(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session id", ErrValidation)
	}

	session, err := s.sessionRepo.FindByID(ctx, objectID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.BeneficiaryID != beneficiaryID {
		return nil, ErrNotFound
	}
	return session, nil
}

// buildResponse validates the answer shape against the question type and
// returns the response to store. Fields not belonging to the type are
// ignored rather than rejected.
func buildResponse(question *models.Question, req *models.SubmitResponseRequest, now int64) (models.Response, error) {
	response := models.Response{
		QuestionID:  question.ID,
		SubmittedAt: now,
	}

	switch question.Type {
	case models.QuestionTypeSingleChoice:
		if req.OptionID == "" {
			return response, fmt.Errorf("%w: question %q expects an option id", ErrValidation, question.ID)
		}
		if !hasOption(question, req.OptionID) {
			return response, fmt.Errorf("%w: option %q does not belong to question %q", ErrValidation, req.OptionID, question.ID)
		}
		response.OptionID = req.OptionID
	case models.QuestionTypeMultiChoice:
		if len(req.OptionIDs) == 0 {
			return response, fmt.Errorf("%w: question %q expects option ids", ErrValidation, question.ID)
		}
		seen := make(map[string]bool, len(req.OptionIDs))
		for _, id := range req.OptionIDs {
			if !hasOption(question, id) {
				return response, fmt.Errorf("%w: option %q does not belong to question %q", ErrValidation, id, question.ID)
			}
			if seen[id] {
				return response, fmt.Errorf("%w: option %q selected twice", ErrValidation, id)
			}
			seen[id] = true
		}
		response.OptionIDs = req.OptionIDs
	case models.QuestionTypeTrueFalse:
		if req.BoolValue == nil {
			return response, fmt.Errorf("%w: question %q expects a boolean", ErrValidation, question.ID)
		}
		response.BoolValue = req.BoolValue
	case models.QuestionTypeNumeric:
		if req.NumberValue == nil {
			return response, fmt.Errorf("%w: question %q expects a number", ErrValidation, question.ID)
		}
		response.NumberValue = req.NumberValue
	case models.QuestionTypeFreeText:
		if req.Text == "" {
			return response, fmt.Errorf("%w: question %q expects text", ErrValidation, question.ID)
		}
		response.Text = req.Text
	default:
		return response, fmt.Errorf("%w: question %q has unknown type %q", ErrValidation, question.ID, question.Type)
	}

	return response, nil
}

func hasOption(question *models.Question, optionID string) bool {
	for _, option := range question.Options {
		if option.ID == optionID {
			return true
		}
	}
	return false
}
