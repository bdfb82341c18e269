package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/ai"
	"github.com/lekesiz/BDC-sub001/internal/event"
	"github.com/lekesiz/BDC-sub001/internal/models"
	"github.com/lekesiz/BDC-sub001/internal/repository"
	"github.com/lekesiz/BDC-sub001/internal/scoring"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// The fakes below mirror the repository layer's query semantics in memory:
// the version CAS, the one-active-session unique index, the claim/lease
// filter and the unique verification per analysis.

var errFakeMiss = errors.New("cache miss")

func duplicateKeyError() error {
	return mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000}}}
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[bson.ObjectID]*models.TestSession
	casCalls int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[bson.ObjectID]*models.TestSession)}
}

func (f *fakeSessionStore) New(ctx context.Context, session *models.TestSession) (*models.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.sessions {
		if existing.Active && existing.BeneficiaryID == session.BeneficiaryID && existing.TestID == session.TestID {
			return nil, duplicateKeyError()
		}
	}

	if session.ID.IsZero() {
		session.ID = bson.NewObjectID()
	}
	now := time.Now().Unix()
	session.Metadata = models.Metadata{CreatedAt: now, UpdatedAt: now}
	session.Active = !session.State.IsTerminal()

	copied := *session
	f.sessions[session.ID] = &copied
	return session, nil
}

func (f *fakeSessionStore) FindByID(ctx context.Context, id bson.ObjectID) (*models.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.sessions[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	copied := *session
	return &copied, nil
}

func (f *fakeSessionStore) FindActiveByBeneficiaryAndTest(ctx context.Context, beneficiaryID string, testID bson.ObjectID) (*models.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, session := range f.sessions {
		if session.Active && session.BeneficiaryID == beneficiaryID && session.TestID == testID {
			copied := *session
			return &copied, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (f *fakeSessionStore) CompareAndSwap(ctx context.Context, id bson.ObjectID, version int64, set bson.M) (*models.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.casCalls++
	session, ok := f.sessions[id]
	if !ok || session.Version != version {
		return nil, repository.ErrStaleState
	}

	for key, value := range set {
		switch key {
		case "state":
			session.State = value.(models.SessionState)
		case "responses":
			session.Responses = value.([]models.Response)
		case "startedAt":
			session.StartedAt = value.(int64)
		case "submittedAt":
			session.SubmittedAt = value.(int64)
		case "timeSpentSeconds":
			session.TimeSpentSeconds = value.(int64)
		case "score":
			session.Score = value.(*models.ScoreResult)
		case "needsRemediation":
			session.NeedsRemediation = value.(bool)
		}
	}
	if session.State.IsTerminal() {
		session.Active = false
	}
	session.Version++
	session.Metadata.UpdatedAt = time.Now().Unix()

	copied := *session
	return &copied, nil
}

func (f *fakeSessionStore) SearchByBeneficiary(ctx context.Context, beneficiaryID string, query *models.SessionSearchQuery) ([]*models.TestSession, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []*models.TestSession
	for _, session := range f.sessions {
		if session.BeneficiaryID != beneficiaryID {
			continue
		}
		if query.State != "" && session.State != query.State {
			continue
		}
		copied := *session
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Metadata.CreatedAt > matched[j].Metadata.CreatedAt
	})

	total := int64(len(matched))
	start := (query.Page - 1) * query.PageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + query.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (f *fakeSessionStore) FindOverdueInProgress(ctx context.Context, now int64, limit int) ([]*models.TestSession, error) {
	return f.filter(limit, func(s *models.TestSession) bool {
		return s.State == models.SessionStateInProgress && s.Deadline > 0 && s.Deadline <= now
	})
}

func (f *fakeSessionStore) FindAgedNonTerminal(ctx context.Context, cutoff int64, limit int) ([]*models.TestSession, error) {
	return f.filter(limit, func(s *models.TestSession) bool {
		return s.Active && s.Metadata.CreatedAt <= cutoff
	})
}

func (f *fakeSessionStore) FindStalePendingAnalysis(ctx context.Context, cutoff int64, limit int) ([]*models.TestSession, error) {
	return f.filter(limit, func(s *models.TestSession) bool {
		return s.State == models.SessionStatePendingAnalysis && s.Metadata.UpdatedAt <= cutoff
	})
}

func (f *fakeSessionStore) filter(limit int, keep func(*models.TestSession) bool) ([]*models.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []*models.TestSession
	for _, session := range f.sessions {
		if keep(session) {
			copied := *session
			matched = append(matched, &copied)
		}
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (f *fakeSessionStore) get(id bson.ObjectID) *models.TestSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *f.sessions[id]
	return &copied
}

// mutate edits the stored session directly, bypassing the CAS. Tests use
// it to backdate timestamps and deadlines.
func (f *fakeSessionStore) mutate(id bson.ObjectID, fn func(*models.TestSession)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[id]; ok {
		fn(session)
	}
}

type fakeTestStore struct {
	mu    sync.Mutex
	tests map[bson.ObjectID]*models.TestDefinition
}

func newFakeTestStore() *fakeTestStore {
	return &fakeTestStore{tests: make(map[bson.ObjectID]*models.TestDefinition)}
}

func (f *fakeTestStore) New(ctx context.Context, definition *models.TestDefinition) (*models.TestDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if definition.ID.IsZero() {
		definition.ID = bson.NewObjectID()
	}
	now := time.Now().Unix()
	definition.Metadata = models.Metadata{CreatedAt: now, UpdatedAt: now}

	copied := *definition
	f.tests[definition.ID] = &copied
	return definition, nil
}

func (f *fakeTestStore) FindByID(ctx context.Context, id bson.ObjectID) (*models.TestDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	definition, ok := f.tests[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	copied := *definition
	return &copied, nil
}

func (f *fakeTestStore) ReplaceDraft(ctx context.Context, id bson.ObjectID, definition *models.TestDefinition) (*models.TestDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.tests[id]
	if !ok || existing.Status != models.TestStatusDraft {
		return nil, mongo.ErrNoDocuments
	}

	existing.Title = definition.Title
	existing.Description = definition.Description
	existing.ScoringPolicy = definition.ScoringPolicy
	existing.TimeLimitSeconds = definition.TimeLimitSeconds
	existing.Analysis = definition.Analysis
	existing.Sections = definition.Sections
	existing.Metadata.UpdatedAt = time.Now().Unix()

	copied := *existing
	return &copied, nil
}

func (f *fakeTestStore) UpdateMetadata(ctx context.Context, id bson.ObjectID, title, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.tests[id]
	if !ok || existing.Status == models.TestStatusArchived {
		return mongo.ErrNoDocuments
	}
	existing.Title = title
	existing.Description = description
	return nil
}

func (f *fakeTestStore) Publish(ctx context.Context, id bson.ObjectID) (*models.TestDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.tests[id]
	if !ok || existing.Status != models.TestStatusDraft {
		return nil, mongo.ErrNoDocuments
	}
	existing.Status = models.TestStatusPublished
	existing.PublishedAt = time.Now().Unix()

	copied := *existing
	return &copied, nil
}

func (f *fakeTestStore) Archive(ctx context.Context, id bson.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.tests[id]
	if !ok || existing.Status != models.TestStatusPublished {
		return mongo.ErrNoDocuments
	}
	existing.Status = models.TestStatusArchived
	existing.ArchivedAt = time.Now().Unix()
	return nil
}

func (f *fakeTestStore) Search(ctx context.Context, query *models.TestSearchQuery) ([]*models.TestDefinition, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []*models.TestDefinition
	for _, definition := range f.tests {
		if query.Status != "" && definition.Status != query.Status {
			continue
		}
		copied := *definition
		matched = append(matched, &copied)
	}
	return matched, int64(len(matched)), nil
}

type fakeAnalysisStore struct {
	mu   sync.Mutex
	rows []*models.AIAnalysis
}

func (f *fakeAnalysisStore) New(ctx context.Context, analysis *models.AIAnalysis) (*models.AIAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if analysis.ID.IsZero() {
		analysis.ID = bson.NewObjectID()
	}
	copied := *analysis
	f.rows = append(f.rows, &copied)
	return analysis, nil
}

func (f *fakeAnalysisStore) FindByID(ctx context.Context, id bson.ObjectID) (*models.AIAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, row := range f.rows {
		if row.ID == id {
			copied := *row
			return &copied, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (f *fakeAnalysisStore) FindBySession(ctx context.Context, sessionID bson.ObjectID) ([]*models.AIAnalysis, error) {
	matched := f.bySession(sessionID)
	sort.Slice(matched, func(i, j int) bool { return matched[i].Generation < matched[j].Generation })
	return matched, nil
}

func (f *fakeAnalysisStore) FindLatestBySession(ctx context.Context, sessionID bson.ObjectID) (*models.AIAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest *models.AIAnalysis
	for _, row := range f.rows {
		if row.SessionID != sessionID {
			continue
		}
		if latest == nil || row.Generation > latest.Generation {
			latest = row
		}
	}
	if latest == nil {
		return nil, mongo.ErrNoDocuments
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeAnalysisStore) CountBySession(ctx context.Context, sessionID bson.ObjectID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for _, row := range f.rows {
		if row.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (f *fakeAnalysisStore) UpdateStatus(ctx context.Context, id bson.ObjectID, status models.AnalysisStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, row := range f.rows {
		if row.ID == id {
			row.Status = status
			if reason != "" {
				row.FailureReason = reason
			}
			return nil
		}
	}
	return mongo.ErrNoDocuments
}

func (f *fakeAnalysisStore) bySession(sessionID bson.ObjectID) []*models.AIAnalysis {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []*models.AIAnalysis
	for _, row := range f.rows {
		if row.SessionID == sessionID {
			copied := *row
			matched = append(matched, &copied)
		}
	}
	return matched
}

type fakeReviewStore struct {
	mu            sync.Mutex
	items         map[bson.ObjectID]*models.ReviewItem
	order         []bson.ObjectID
	verifications map[bson.ObjectID]*models.HumanVerification
}

func newFakeReviewStore() *fakeReviewStore {
	return &fakeReviewStore{
		items:         make(map[bson.ObjectID]*models.ReviewItem),
		verifications: make(map[bson.ObjectID]*models.HumanVerification),
	}
}

func (f *fakeReviewStore) Enqueue(ctx context.Context, item *models.ReviewItem) (*models.ReviewItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.items[item.AnalysisID]; exists {
		return nil, duplicateKeyError()
	}

	if item.ID.IsZero() {
		item.ID = bson.NewObjectID()
	}
	item.State = models.ReviewStateUnclaimed
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = time.Now().Unix()
	}

	copied := *item
	f.items[item.AnalysisID] = &copied
	f.order = append(f.order, item.AnalysisID)
	return item, nil
}

func (f *fakeReviewStore) ClaimNext(ctx context.Context, reviewerID, claimToken string, leaseDuration time.Duration) (*models.ReviewItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().Unix()
	for _, analysisID := range f.order {
		item := f.items[analysisID]
		claimable := item.State == models.ReviewStateUnclaimed ||
			(item.State == models.ReviewStateClaimed && item.LeaseExpiresAt <= now)
		if !claimable {
			continue
		}

		item.State = models.ReviewStateClaimed
		item.ReviewerID = reviewerID
		item.ClaimToken = claimToken
		item.LeaseExpiresAt = now + int64(leaseDuration.Seconds())
		item.Version++

		copied := *item
		return &copied, nil
	}
	return nil, mongo.ErrNoDocuments
}

func (f *fakeReviewStore) MarkDecided(ctx context.Context, analysisID bson.ObjectID, reviewerID, claimToken string) (*models.ReviewItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[analysisID]
	if !ok || item.State != models.ReviewStateClaimed || item.ReviewerID != reviewerID ||
		item.ClaimToken != claimToken || item.LeaseExpiresAt <= time.Now().Unix() {
		return nil, repository.ErrNotClaimed
	}

	item.State = models.ReviewStateDecided
	item.Version++

	copied := *item
	return &copied, nil
}

func (f *fakeReviewStore) FindItemByAnalysisID(ctx context.Context, analysisID bson.ObjectID) (*models.ReviewItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[analysisID]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	copied := *item
	return &copied, nil
}

func (f *fakeReviewStore) QueueStats(ctx context.Context) (*models.ReviewQueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := &models.ReviewQueueStats{}
	for _, item := range f.items {
		switch item.State {
		case models.ReviewStateUnclaimed:
			stats.Unclaimed++
		case models.ReviewStateClaimed:
			stats.Claimed++
		case models.ReviewStateDecided:
			stats.Decided++
		}
	}
	return stats, nil
}

func (f *fakeReviewStore) NewVerification(ctx context.Context, verification *models.HumanVerification) (*models.HumanVerification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.verifications[verification.AnalysisID]; exists {
		return nil, duplicateKeyError()
	}

	if verification.ID.IsZero() {
		verification.ID = bson.NewObjectID()
	}
	if verification.DecidedAt == 0 {
		verification.DecidedAt = time.Now().Unix()
	}

	copied := *verification
	f.verifications[verification.AnalysisID] = &copied
	return verification, nil
}

func (f *fakeReviewStore) FindVerificationByAnalysisID(ctx context.Context, analysisID bson.ObjectID) (*models.HumanVerification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	verification, ok := f.verifications[analysisID]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	copied := *verification
	return &copied, nil
}

// expireLease backdates a claim so the next ClaimNext can steal the item.
func (f *fakeReviewStore) expireLease(analysisID bson.ObjectID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[analysisID]; ok {
		item.LeaseExpiresAt = time.Now().Unix() - 1
	}
}

type fakeCache struct {
	mu      sync.Mutex
	tests   map[string]*models.TestDefinition
	results map[string]*models.ScoreResult
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		tests:   make(map[string]*models.TestDefinition),
		results: make(map[string]*models.ScoreResult),
	}
}

func (f *fakeCache) SaveTest(ctx context.Context, definition *models.TestDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests[definition.ID.Hex()] = definition
	return nil
}

func (f *fakeCache) GetTest(ctx context.Context, id string) (*models.TestDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if definition, ok := f.tests[id]; ok {
		return definition, nil
	}
	return nil, errFakeMiss
}

func (f *fakeCache) DeleteTest(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tests, id)
	return nil
}

func (f *fakeCache) SaveResult(ctx context.Context, sessionID string, result *models.ScoreResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[sessionID] = result
	return nil
}

func (f *fakeCache) GetResult(ctx context.Context, sessionID string) (*models.ScoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.results[sessionID]; ok {
		return result, nil
	}
	return nil, errFakeMiss
}

func (f *fakeCache) IsMiss(err error) bool {
	return err == errFakeMiss
}

type providerReply struct {
	result *ai.AnalysisResult
	err    error
}

// scriptedProvider pops one reply per Analyze call.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []providerReply
	calls   int
}

func (p *scriptedProvider) Analyze(ctx context.Context, req *ai.AnalysisRequest) (*ai.AnalysisResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if len(p.replies) == 0 {
		return nil, &ai.ProviderError{StatusCode: 500, Message: "unscripted provider call", Transient: true}
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return reply.result, reply.err
}

func (p *scriptedProvider) Name() string      { return "scripted" }
func (p *scriptedProvider) ModelName() string { return "test-model" }

func (p *scriptedProvider) script(replies ...providerReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, replies...)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingPublisher struct {
	mu       sync.Mutex
	sessions []*event.SessionEvent
	analyses []*event.AnalysisEvent
	reviews  []*event.ReviewEvent
}

func (p *recordingPublisher) PublishSessionEvent(ctx context.Context, e *event.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, e)
	return nil
}

func (p *recordingPublisher) PublishAnalysisEvent(ctx context.Context, e *event.AnalysisEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.analyses = append(p.analyses, e)
	return nil
}

func (p *recordingPublisher) PublishReviewEvent(ctx context.Context, e *event.ReviewEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviews = append(p.reviews, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) sessionEvents(eventType string) []*event.SessionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matched []*event.SessionEvent
	for _, e := range p.sessions {
		if e.EventType == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

type fixture struct {
	sessions *fakeSessionStore
	tests    *fakeTestStore
	analyses *fakeAnalysisStore
	reviews  *fakeReviewStore
	cache    *fakeCache
	provider *scriptedProvider
	events   *recordingPublisher

	catalog      *CatalogService
	sessionSvc   *SessionService
	orchestrator *AnalysisOrchestrator
	reviewSvc    *ReviewService
	sweeper      *Sweeper
}

func newFixture() *fixture {
	f := &fixture{
		sessions: newFakeSessionStore(),
		tests:    newFakeTestStore(),
		analyses: &fakeAnalysisStore{},
		reviews:  newFakeReviewStore(),
		cache:    newFakeCache(),
		provider: &scriptedProvider{},
		events:   &recordingPublisher{},
	}

	engine := scoring.NewEngine()
	f.catalog = NewCatalogService(f.tests, f.cache)
	f.sessionSvc = NewSessionService(f.sessions, f.tests, f.analyses, f.reviews, f.cache, engine, f.events)
	f.orchestrator = NewAnalysisOrchestrator(f.sessions, f.tests, f.analyses, f.reviews, f.cache, engine, f.provider, f.events)
	f.orchestrator.backoffBase = time.Millisecond
	f.reviewSvc = NewReviewService(f.reviews, f.analyses, f.sessions, f.tests, f.cache, engine, f.events)
	f.sweeper = NewSweeper(f.sessions, f.sessionSvc, f.reviews, f.orchestrator)
	return f
}

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }

// publishedChoiceTest seeds a published two-question test with no
// analysis stage: q1 single-choice weight 10 (correct "b"), q2 true/false
// weight 5 (correct true).
func publishedChoiceTest(f *fixture) *models.TestDefinition {
	definition := &models.TestDefinition{
		Title:         "Reasoning Basics",
		Version:       1,
		Status:        models.TestStatusPublished,
		ScoringPolicy: models.ScoringPolicySumOfWeights,
		Sections: []models.Section{
			{
				ID:    "s1",
				Title: "Core",
				Order: 1,
				Questions: []models.Question{
					{
						ID:     "q1",
						Type:   models.QuestionTypeSingleChoice,
						Prompt: "Pick one",
						Options: []models.Option{
							{ID: "a", Text: "First"},
							{ID: "b", Text: "Second"},
							{ID: "c", Text: "Third"},
						},
						CorrectOptionID: "b",
						Weight:          10,
						Order:           1,
					},
					{
						ID:          "q2",
						Type:        models.QuestionTypeTrueFalse,
						Prompt:      "True or false",
						CorrectBool: boolPtr(true),
						Weight:      5,
						Order:       2,
					},
				},
			},
		},
	}
	created, err := f.tests.New(context.Background(), definition)
	if err != nil {
		panic(err)
	}
	return created
}

// publishedAnalysedTest adds a free-text question and requests analysis
// with a 0.8 review threshold.
func publishedAnalysedTest(f *fixture) *models.TestDefinition {
	definition := &models.TestDefinition{
		Title:         "Reasoning With Writing",
		Version:       1,
		Status:        models.TestStatusPublished,
		ScoringPolicy: models.ScoringPolicySumOfWeights,
		Analysis: models.AnalysisSettings{
			Requested:           true,
			ConfidenceThreshold: 0.8,
		},
		Sections: []models.Section{
			{
				ID:    "s1",
				Title: "Core",
				Order: 1,
				Questions: []models.Question{
					{
						ID:     "q1",
						Type:   models.QuestionTypeSingleChoice,
						Prompt: "Pick one",
						Options: []models.Option{
							{ID: "a", Text: "First"},
							{ID: "b", Text: "Second"},
						},
						CorrectOptionID: "b",
						Weight:          10,
						Order:           1,
					},
					{
						ID:     "q3",
						Type:   models.QuestionTypeFreeText,
						Prompt: "Explain your approach",
						Weight: 5,
						Order:  2,
					},
				},
			},
		},
	}
	created, err := f.tests.New(context.Background(), definition)
	if err != nil {
		panic(err)
	}
	return created
}

// submitScoredSession drives a session through start, answer and submit
// on the analysed test, leaving it in pending_analysis.
func submitScoredSession(f *fixture, beneficiaryID string, definition *models.TestDefinition) *models.TestSession {
	ctx := context.Background()

	session, err := f.sessionSvc.StartSession(ctx, beneficiaryID, &models.StartSessionRequest{TestID: definition.ID.Hex()})
	if err != nil {
		panic(err)
	}
	if _, err := f.sessionSvc.SubmitResponse(ctx, beneficiaryID, session.ID.Hex(), &models.SubmitResponseRequest{
		QuestionID: "q1",
		OptionID:   "b",
	}); err != nil {
		panic(err)
	}
	if _, err := f.sessionSvc.SubmitResponse(ctx, beneficiaryID, session.ID.Hex(), &models.SubmitResponseRequest{
		QuestionID: "q3",
		Text:       "I worked from the definitions.",
	}); err != nil {
		panic(err)
	}

	submitted, err := f.sessionSvc.SubmitSession(ctx, beneficiaryID, session.ID.Hex())
	if err != nil {
		panic(err)
	}
	return submitted
}

func confidentReply(confidence float64) providerReply {
	return providerReply{
		result: &ai.AnalysisResult{
			Narrative: models.Narrative{
				Strengths:       []string{"solid reasoning"},
				Weaknesses:      []string{"rushed conclusion"},
				Recommendations: []string{"review chapter two"},
			},
			Confidence:     confidence,
			FreeTextGrades: map[string]float64{"q3": 0.8},
			RawPayload:     "{}",
		},
	}
}

func timeoutReply() providerReply {
	return providerReply{err: &ai.ProviderError{Message: "request timed out", Transient: true}}
}
