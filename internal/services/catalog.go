package services

import (
	"context"
	"fmt"
	"log"

	"github.com/lekesiz/BDC-sub001/internal/config"
	"github.com/lekesiz/BDC-sub001/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type testStore interface {
	New(ctx context.Context, definition *models.TestDefinition) (*models.TestDefinition, error)
	FindByID(ctx context.Context, id bson.ObjectID) (*models.TestDefinition, error)
	ReplaceDraft(ctx context.Context, id bson.ObjectID, definition *models.TestDefinition) (*models.TestDefinition, error)
	UpdateMetadata(ctx context.Context, id bson.ObjectID, title, description string) error
	Publish(ctx context.Context, id bson.ObjectID) (*models.TestDefinition, error)
	Archive(ctx context.Context, id bson.ObjectID) error
	Search(ctx context.Context, query *models.TestSearchQuery) ([]*models.TestDefinition, int64, error)
}

type resultCache interface {
	SaveTest(ctx context.Context, definition *models.TestDefinition) error
	GetTest(ctx context.Context, id string) (*models.TestDefinition, error)
	DeleteTest(ctx context.Context, id string) error
	SaveResult(ctx context.Context, sessionID string, result *models.ScoreResult) error
	GetResult(ctx context.Context, sessionID string) (*models.ScoreResult, error)
	IsMiss(err error) bool
}

type CatalogService struct {
	testRepo testStore
	cache    resultCache
}

func NewCatalogService(testRepo testStore, cache resultCache) *CatalogService {
	return &CatalogService{
		testRepo: testRepo,
		cache:    cache,
	}
}

// CreateTest creates a new draft test definition
func (s *CatalogService) CreateTest(ctx context.Context, creatorID string, req *models.CreateTestRequest) (*models.TestDefinition, error) {
	policy := req.ScoringPolicy
	if policy == "" {
		policy = models.ScoringPolicySumOfWeights
	}

	definition := &models.TestDefinition{
		Title:            req.Title,
		Description:      req.Description,
		Version:          1,
		Status:           models.TestStatusDraft,
		ScoringPolicy:    policy,
		TimeLimitSeconds: req.TimeLimitSeconds,
		Analysis:         req.Analysis,
		Sections:         buildSections(req.Sections),
		CreatedBy:        creatorID,
	}

	if err := validateDefinition(definition); err != nil {
		return nil, err
	}

	created, err := s.testRepo.New(ctx, definition)
	if err != nil {
		return nil, fmt.Errorf("failed to create test definition: %w", err)
	}

	log.Printf("Created draft test %s (%d questions)", created.ID.Hex(), len(created.Questions()))
	return created, nil
}

// GetTest retrieves a test definition by ID, cache first
func (s *CatalogService) GetTest(ctx context.Context, testID string) (*models.TestDefinition, error) {
	objectID, err := bson.ObjectIDFromHex(testID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid test id", ErrValidation)
	}
	return findDefinition(ctx, s.testRepo, s.cache, objectID)
}

// findDefinition is the cache-aside definition read shared by the catalog
// and session flows.
func findDefinition(ctx context.Context, testRepo testStore, cache resultCache, id bson.ObjectID) (*models.TestDefinition, error) {
	cached, err := cache.GetTest(ctx, id.Hex())
	if err == nil {
		return cached, nil
	}
	if !cache.IsMiss(err) {
		log.Printf("Test cache read failed for %s: %v", id.Hex(), err)
	}

	definition, err := testRepo.FindByID(ctx, id)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get test definition: %w", err)
	}

	// Only published definitions are immutable enough to cache.
	if definition.Status == models.TestStatusPublished {
		if err := cache.SaveTest(ctx, definition); err != nil {
			log.Printf("Test cache write failed for %s: %v", id.Hex(), err)
		}
	}

	return definition, nil
}

// UpdateTest replaces a draft's content wholesale. Published definitions
// accept title/description edits only; question content is frozen.
func (s *CatalogService) UpdateTest(ctx context.Context, testID string, req *models.UpdateTestRequest) (*models.TestDefinition, error) {
	objectID, err := bson.ObjectIDFromHex(testID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid test id", ErrValidation)
	}

	existing, err := s.testRepo.FindByID(ctx, objectID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get test definition: %w", err)
	}

	switch existing.Status {
	case models.TestStatusDraft:
		return s.replaceDraft(ctx, existing, req)
	case models.TestStatusPublished:
		if req.Sections != nil || req.Analysis != nil || req.ScoringPolicy != "" || req.TimeLimitSeconds != 0 {
			return nil, ErrTestNotDraft
		}
		return s.updateMetadata(ctx, existing, req)
	default:
		return nil, ErrTestNotDraft
	}
}

func (s *CatalogService) replaceDraft(ctx context.Context, existing *models.TestDefinition, req *models.UpdateTestRequest) (*models.TestDefinition, error) {
	updated := &models.TestDefinition{
		ID:               existing.ID,
		Title:            req.Title,
		Description:      req.Description,
		Version:          existing.Version,
		Status:           models.TestStatusDraft,
		ScoringPolicy:    req.ScoringPolicy,
		TimeLimitSeconds: req.TimeLimitSeconds,
		Analysis:         existing.Analysis,
		Sections:         buildSections(req.Sections),
		CreatedBy:        existing.CreatedBy,
	}
	if updated.ScoringPolicy == "" {
		updated.ScoringPolicy = existing.ScoringPolicy
	}
	if req.Analysis != nil {
		updated.Analysis = *req.Analysis
	}

	if err := validateDefinition(updated); err != nil {
		return nil, err
	}

	replaced, err := s.testRepo.ReplaceDraft(ctx, existing.ID, updated)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			// Published or archived between the read and the write.
			return nil, ErrTestNotDraft
		}
		return nil, fmt.Errorf("failed to replace draft: %w", err)
	}

	return replaced, nil
}

func (s *CatalogService) updateMetadata(ctx context.Context, existing *models.TestDefinition, req *models.UpdateTestRequest) (*models.TestDefinition, error) {
	title := req.Title
	if title == "" {
		title = existing.Title
	}
	description := req.Description
	if description == "" {
		description = existing.Description
	}

	if err := s.testRepo.UpdateMetadata(ctx, existing.ID, title, description); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update test metadata: %w", err)
	}

	if err := s.cache.DeleteTest(ctx, existing.ID.Hex()); err != nil {
		log.Printf("Test cache invalidation failed for %s: %v", existing.ID.Hex(), err)
	}

	existing.Title = title
	existing.Description = description
	return existing, nil
}

// Publish freezes a draft's question content and opens it to sessions
func (s *CatalogService) Publish(ctx context.Context, testID string) (*models.TestDefinition, error) {
	objectID, err := bson.ObjectIDFromHex(testID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid test id", ErrValidation)
	}

	existing, err := s.testRepo.FindByID(ctx, objectID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get test definition: %w", err)
	}
	if existing.Status != models.TestStatusDraft {
		return nil, ErrTestNotDraft
	}

	// Storage can hold a half-built draft; publish is the gate where
	// completeness is enforced.
	if err := validateDefinition(existing); err != nil {
		return nil, err
	}

	published, err := s.testRepo.Publish(ctx, objectID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrTestNotDraft
		}
		return nil, fmt.Errorf("failed to publish test: %w", err)
	}

	if err := s.cache.DeleteTest(ctx, testID); err != nil {
		log.Printf("Test cache invalidation failed for %s: %v", testID, err)
	}

	log.Printf("Published test %s version %d", testID, published.Version)
	return published, nil
}

// Archive retires a published test; existing sessions keep their pinned
// version, new sessions are refused.
func (s *CatalogService) Archive(ctx context.Context, testID string) error {
	objectID, err := bson.ObjectIDFromHex(testID)
	if err != nil {
		return fmt.Errorf("%w: invalid test id", ErrValidation)
	}

	existing, err := s.testRepo.FindByID(ctx, objectID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get test definition: %w", err)
	}
	if existing.Status != models.TestStatusPublished {
		return ErrTestNotPublished
	}

	if err := s.testRepo.Archive(ctx, objectID); err != nil {
		if err == mongo.ErrNoDocuments {
			return ErrTestNotPublished
		}
		return fmt.Errorf("failed to archive test: %w", err)
	}

	if err := s.cache.DeleteTest(ctx, testID); err != nil {
		log.Printf("Test cache invalidation failed for %s: %v", testID, err)
	}

	log.Printf("Archived test %s", testID)
	return nil
}

// SearchTests lists definitions with pagination
func (s *CatalogService) SearchTests(ctx context.Context, query *models.TestSearchQuery) (*models.TestSearchResult, error) {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 {
		query.PageSize = 20
	}
	if limit := config.ServiceConfig.Evaluation.PageSizeLimit; query.PageSize > limit {
		query.PageSize = limit
	}

	definitions, totalCount, err := s.testRepo.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search tests: %w", err)
	}

	return &models.TestSearchResult{
		Tests:       definitions,
		TotalCount:  totalCount,
		PageCount:   pageCount(totalCount, query.PageSize),
		CurrentPage: query.Page,
	}, nil
}

func pageCount(total int64, pageSize int) int {
	if pageSize < 1 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}

// buildSections materializes section inputs, assigning ids that responses
// will reference later.
func buildSections(inputs []models.SectionInput) []models.Section {
	sections := make([]models.Section, 0, len(inputs))
	for i, input := range inputs {
		section := models.Section{
			ID:    uuid.New().String(),
			Title: input.Title,
			Order: input.Order,
		}
		if section.Order == 0 {
			section.Order = i + 1
		}
		for j, q := range input.Questions {
			question := models.Question{
				ID:               uuid.New().String(),
				Type:             q.Type,
				Prompt:           q.Prompt,
				Options:          make([]models.Option, len(q.Options)),
				CorrectOptionID:  q.CorrectOptionID,
				CorrectOptionIDs: q.CorrectOptionIDs,
				CorrectBool:      q.CorrectBool,
				CorrectValue:     q.CorrectValue,
				Tolerance:        q.Tolerance,
				Weight:           q.Weight,
				Order:            q.Order,
			}
			if question.Order == 0 {
				question.Order = j + 1
			}
			for k, opt := range q.Options {
				question.Options[k] = opt
				if question.Options[k].ID == "" {
					question.Options[k].ID = uuid.New().String()
				}
			}
			section.Questions = append(section.Questions, question)
		}
		sections = append(sections, section)
	}
	return sections
}

func validateDefinition(definition *models.TestDefinition) error {
	if definition.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	switch definition.ScoringPolicy {
	case models.ScoringPolicySumOfWeights, models.ScoringPolicyNormalizedPercentage:
	default:
		return fmt.Errorf("%w: unknown scoring policy %q", ErrValidation, definition.ScoringPolicy)
	}
	if definition.TimeLimitSeconds < 0 {
		return fmt.Errorf("%w: time limit cannot be negative", ErrValidation)
	}
	if t := definition.Analysis.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("%w: confidence threshold must be within [0,1]", ErrValidation)
	}
	if f := definition.Analysis.FreeTextCreditFactor; f < 0 || f > 1 {
		return fmt.Errorf("%w: free-text credit factor must be within [0,1]", ErrValidation)
	}
	if len(definition.Sections) == 0 {
		return fmt.Errorf("%w: at least one section is required", ErrValidation)
	}

	seen := make(map[string]bool)
	for _, section := range definition.Sections {
		if section.Title == "" {
			return fmt.Errorf("%w: section title is required", ErrValidation)
		}
		if len(section.Questions) == 0 {
			return fmt.Errorf("%w: section %q has no questions", ErrValidation, section.Title)
		}
		for i := range section.Questions {
			question := &section.Questions[i]
			if seen[question.ID] {
				return fmt.Errorf("%w: duplicate question id %q", ErrValidation, question.ID)
			}
			seen[question.ID] = true
			if err := validateQuestion(question); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateQuestion(question *models.Question) error {
	if question.Prompt == "" {
		return fmt.Errorf("%w: question %q: prompt is required", ErrValidation, question.ID)
	}
	if question.Weight <= 0 {
		return fmt.Errorf("%w: question %q: weight must be positive", ErrValidation, question.ID)
	}

	optionIDs := make(map[string]bool, len(question.Options))
	for _, option := range question.Options {
		if optionIDs[option.ID] {
			return fmt.Errorf("%w: question %q: duplicate option id %q", ErrValidation, question.ID, option.ID)
		}
		optionIDs[option.ID] = true
	}

	switch question.Type {
	case models.QuestionTypeSingleChoice:
		if len(question.Options) < 2 {
			return fmt.Errorf("%w: question %q: choice questions need at least two options", ErrValidation, question.ID)
		}
		if !optionIDs[question.CorrectOptionID] {
			return fmt.Errorf("%w: question %q: correct option is not among the options", ErrValidation, question.ID)
		}
	case models.QuestionTypeMultiChoice:
		if len(question.Options) < 2 {
			return fmt.Errorf("%w: question %q: choice questions need at least two options", ErrValidation, question.ID)
		}
		if len(question.CorrectOptionIDs) == 0 {
			return fmt.Errorf("%w: question %q: at least one correct option is required", ErrValidation, question.ID)
		}
		for _, id := range question.CorrectOptionIDs {
			if !optionIDs[id] {
				return fmt.Errorf("%w: question %q: correct option %q is not among the options", ErrValidation, question.ID, id)
			}
		}
	case models.QuestionTypeTrueFalse:
		if question.CorrectBool == nil {
			return fmt.Errorf("%w: question %q: true/false questions need a correct boolean", ErrValidation, question.ID)
		}
	case models.QuestionTypeNumeric:
		if question.CorrectValue == nil {
			return fmt.Errorf("%w: question %q: numeric questions need a correct value", ErrValidation, question.ID)
		}
		if question.Tolerance < 0 {
			return fmt.Errorf("%w: question %q: tolerance cannot be negative", ErrValidation, question.ID)
		}
	case models.QuestionTypeFreeText:
		if len(question.Options) > 0 {
			return fmt.Errorf("%w: question %q: free-text questions carry no options", ErrValidation, question.ID)
		}
	default:
		return fmt.Errorf("%w: question %q: unknown type %q", ErrValidation, question.ID, question.Type)
	}

	return nil
}
