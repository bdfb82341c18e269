package scoring

import (
	"fmt"
	"math"

	"github.com/lekesiz/BDC-sub001/internal/models"
)

// DefaultFreeTextCreditFactor is used when a test definition does not
// override how much of a free-text question's weight a grade can award.
const DefaultFreeTextCreditFactor = 1.0

// Engine scores a completed response set against a test definition.
// Scoring is deterministic: same definition and responses always produce
// the same result.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Score walks every question of the definition in section order and grades
// the matching response. Free-text questions with an answer come back
// ungraded; everything else is graded immediately.
func (e *Engine) Score(definition *models.TestDefinition, responses []models.Response) (*models.ScoreResult, error) {
	if definition == nil {
		return nil, fmt.Errorf("score: nil test definition")
	}

	byQuestion := make(map[string]*models.Response, len(responses))
	for i := range responses {
		byQuestion[responses[i].QuestionID] = &responses[i]
	}

	result := &models.ScoreResult{}
	ungraded := 0

	for _, question := range definition.Questions() {
		entry, err := e.scoreQuestion(&question, byQuestion[question.ID])
		if err != nil {
			return nil, err
		}
		if entry.Outcome == models.OutcomeUngraded {
			ungraded++
		}
		result.RawScore += entry.AwardedWeight
		result.MaxScore += entry.MaxWeight
		result.Breakdown = append(result.Breakdown, entry)
	}

	result.FullyGraded = ungraded == 0
	e.finalize(definition.ScoringPolicy, result)
	return result, nil
}

// ApplyFreeTextGrades fills free-text entries with grades in [0,1] of the
// question's weight, scaled by the test's credit factor. Returns an error
// for grades that do not target a free-text question of the definition.
func (e *Engine) ApplyFreeTextGrades(definition *models.TestDefinition, result *models.ScoreResult, grades map[string]float64) (*models.ScoreResult, error) {
	if definition == nil || result == nil {
		return nil, fmt.Errorf("apply grades: nil definition or result")
	}

	factor := definition.Analysis.FreeTextCreditFactor
	if factor <= 0 {
		factor = DefaultFreeTextCreditFactor
	}

	updated := &models.ScoreResult{
		Breakdown: make([]models.QuestionScore, len(result.Breakdown)),
	}
	copy(updated.Breakdown, result.Breakdown)

	for questionID, grade := range grades {
		question := definition.QuestionByID(questionID)
		if question == nil {
			return nil, fmt.Errorf("apply grades: unknown question %s", questionID)
		}
		if question.Type != models.QuestionTypeFreeText {
			return nil, fmt.Errorf("apply grades: question %s is not free-text", questionID)
		}

		entry := breakdownIndex(updated.Breakdown, questionID)
		if entry < 0 {
			return nil, fmt.Errorf("apply grades: question %s missing from breakdown", questionID)
		}
		if updated.Breakdown[entry].Outcome == models.OutcomeIncorrect {
			// Unanswered free-text stays at zero; there is nothing to grade.
			continue
		}

		awarded := clamp01(grade) * question.Weight * factor
		updated.Breakdown[entry].AwardedWeight = awarded
		updated.Breakdown[entry].Outcome = outcomeFor(awarded, question.Weight)
	}

	ungraded := 0
	for _, entry := range updated.Breakdown {
		updated.RawScore += entry.AwardedWeight
		updated.MaxScore += entry.MaxWeight
		if entry.Outcome == models.OutcomeUngraded {
			ungraded++
		}
	}
	updated.FullyGraded = ungraded == 0
	e.finalize(definition.ScoringPolicy, updated)
	return updated, nil
}

// scoreQuestion grades one question. The switch is exhaustive over the
// question-type tag; a new type needs a new case here.
func (e *Engine) scoreQuestion(question *models.Question, response *models.Response) (models.QuestionScore, error) {
	entry := models.QuestionScore{
		QuestionID: question.ID,
		MaxWeight:  question.Weight,
		Outcome:    models.OutcomeIncorrect,
	}

	switch question.Type {
	case models.QuestionTypeSingleChoice:
		if response != nil && response.OptionID != "" && response.OptionID == question.CorrectOptionID {
			entry.AwardedWeight = question.Weight
			entry.Outcome = models.OutcomeCorrect
		}

	case models.QuestionTypeTrueFalse:
		if response != nil && response.BoolValue != nil && question.CorrectBool != nil &&
			*response.BoolValue == *question.CorrectBool {
			entry.AwardedWeight = question.Weight
			entry.Outcome = models.OutcomeCorrect
		}

	case models.QuestionTypeMultiChoice:
		if response != nil && len(response.OptionIDs) > 0 {
			credit := multiChoiceCredit(question.CorrectOptionIDs, response.OptionIDs)
			entry.AwardedWeight = credit * question.Weight
			entry.Outcome = outcomeFor(entry.AwardedWeight, question.Weight)
		}

	case models.QuestionTypeNumeric:
		if response != nil && response.NumberValue != nil && question.CorrectValue != nil &&
			math.Abs(*response.NumberValue-*question.CorrectValue) <= question.Tolerance {
			entry.AwardedWeight = question.Weight
			entry.Outcome = models.OutcomeCorrect
		}

	case models.QuestionTypeFreeText:
		// Answered free-text waits for an AI or reviewer grade; an
		// unanswered one scores zero right away.
		if response != nil && response.Text != "" {
			entry.Outcome = models.OutcomeUngraded
		}

	default:
		return entry, fmt.Errorf("score: unsupported question type %q", question.Type)
	}

	return entry, nil
}

// multiChoiceCredit implements partial credit: correct picks minus
// incorrect picks over the size of the correct set, floored at zero.
func multiChoiceCredit(correctSet, submitted []string) float64 {
	if len(correctSet) == 0 {
		return 0
	}

	correct := make(map[string]bool, len(correctSet))
	for _, id := range correctSet {
		correct[id] = true
	}

	seen := make(map[string]bool, len(submitted))
	hits, misses := 0, 0
	for _, id := range submitted {
		if seen[id] {
			continue
		}
		seen[id] = true
		if correct[id] {
			hits++
		} else {
			misses++
		}
	}

	credit := float64(hits-misses) / float64(len(correctSet))
	if credit < 0 {
		return 0
	}
	return credit
}

// finalize computes the percentage under the definition's scoring policy.
// normalized_percentage rescales raw/max to a 0-100 scale; sum_of_weights
// keeps raw weight sums.
func (e *Engine) finalize(policy models.ScoringPolicy, result *models.ScoreResult) {
	if result.MaxScore <= 0 {
		result.Percentage = 0
		return
	}

	percentage := result.RawScore / result.MaxScore * 100

	if policy == models.ScoringPolicyNormalizedPercentage {
		result.RawScore = round2(percentage)
		result.MaxScore = 100
	} else {
		result.RawScore = round2(result.RawScore)
	}
	result.Percentage = round2(percentage)
}

func outcomeFor(awarded, weight float64) models.QuestionOutcome {
	switch {
	case awarded >= weight:
		return models.OutcomeCorrect
	case awarded > 0:
		return models.OutcomePartial
	default:
		return models.OutcomeIncorrect
	}
}

func breakdownIndex(breakdown []models.QuestionScore, questionID string) int {
	for i := range breakdown {
		if breakdown[i].QuestionID == questionID {
			return i
		}
	}
	return -1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
