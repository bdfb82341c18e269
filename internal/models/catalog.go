package models

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Enums and Constants
type TestStatus string

const (
	TestStatusDraft     TestStatus = "draft"
	TestStatusPublished TestStatus = "published"
	TestStatusArchived  TestStatus = "archived"
)

type QuestionType string

const (
	QuestionTypeSingleChoice QuestionType = "single_choice"
	QuestionTypeMultiChoice  QuestionType = "multi_choice"
	QuestionTypeTrueFalse    QuestionType = "true_false"
	QuestionTypeFreeText     QuestionType = "free_text"
	QuestionTypeNumeric      QuestionType = "numeric"
)

type ScoringPolicy string

const (
	ScoringPolicySumOfWeights         ScoringPolicy = "sum_of_weights"
	ScoringPolicyNormalizedPercentage ScoringPolicy = "normalized_percentage"
)

// Core Models
type TestDefinition struct {
	ID               bson.ObjectID    `json:"id,omitempty" bson:"_id,omitempty"`
	Title            string           `json:"title" bson:"title"`
	Description      string           `json:"description,omitempty" bson:"description,omitempty"`
	Version          int              `json:"version" bson:"version"`
	Status           TestStatus       `json:"status" bson:"status"`
	ScoringPolicy    ScoringPolicy    `json:"scoringPolicy" bson:"scoringPolicy"`
	TimeLimitSeconds int              `json:"timeLimitSeconds,omitempty" bson:"timeLimitSeconds,omitempty"`
	Analysis         AnalysisSettings `json:"analysis" bson:"analysis"`
	Sections         []Section        `json:"sections" bson:"sections"`
	CreatedBy        string           `json:"createdBy,omitempty" bson:"createdBy,omitempty"`
	PublishedAt      int64            `json:"publishedAt,omitempty" bson:"publishedAt,omitempty"`
	ArchivedAt       int64            `json:"archivedAt,omitempty" bson:"archivedAt,omitempty"`
	Metadata         Metadata         `json:"metadata" bson:"metadata"`
}

// AnalysisSettings controls the narrative-analysis stage per test.
// Zero values fall back to the service-level defaults.
type AnalysisSettings struct {
	Requested            bool    `json:"requested" bson:"requested"`
	ConfidenceThreshold  float64 `json:"confidenceThreshold,omitempty" bson:"confidenceThreshold,omitempty"`
	FreeTextCreditFactor float64 `json:"freeTextCreditFactor,omitempty" bson:"freeTextCreditFactor,omitempty"`
}

type Section struct {
	ID        string     `json:"id" bson:"id"`
	Title     string     `json:"title" bson:"title"`
	Order     int        `json:"order" bson:"order"`
	Questions []Question `json:"questions" bson:"questions"`
}

// Question is a tagged union over Type: the correct-answer key lives in
// the per-type fields and only the fields matching Type are meaningful.
type Question struct {
	ID               string       `json:"id" bson:"id"`
	Type             QuestionType `json:"type" bson:"type"`
	Prompt           string       `json:"prompt" bson:"prompt"`
	Options          []Option     `json:"options,omitempty" bson:"options,omitempty"`
	CorrectOptionID  string       `json:"correctOptionId,omitempty" bson:"correctOptionId,omitempty"`
	CorrectOptionIDs []string     `json:"correctOptionIds,omitempty" bson:"correctOptionIds,omitempty"`
	CorrectBool      *bool        `json:"correctBool,omitempty" bson:"correctBool,omitempty"`
	CorrectValue     *float64     `json:"correctValue,omitempty" bson:"correctValue,omitempty"`
	Tolerance        float64      `json:"tolerance,omitempty" bson:"tolerance,omitempty"`
	Weight           float64      `json:"weight" bson:"weight"`
	Order            int          `json:"order" bson:"order"`
}

type Option struct {
	ID   string `json:"id" bson:"id"`
	Text string `json:"text" bson:"text"`
}

type Metadata struct {
	CreatedAt int64 `json:"createdAt" bson:"createdAt"`
	UpdatedAt int64 `json:"updatedAt" bson:"updatedAt"`
}

// Questions returns the test's questions across all sections in
// section/question order.
func (t *TestDefinition) Questions() []Question {
	var questions []Question
	for _, section := range t.Sections {
		questions = append(questions, section.Questions...)
	}
	return questions
}

// Redacted returns a copy of the definition with the answer keys
// stripped, safe to hand to a beneficiary taking the test.
func (t *TestDefinition) Redacted() *TestDefinition {
	redacted := *t
	redacted.Sections = make([]Section, len(t.Sections))
	for si, section := range t.Sections {
		copied := section
		copied.Questions = make([]Question, len(section.Questions))
		for qi, question := range section.Questions {
			question.CorrectOptionID = ""
			question.CorrectOptionIDs = nil
			question.CorrectBool = nil
			question.CorrectValue = nil
			copied.Questions[qi] = question
		}
		redacted.Sections[si] = copied
	}
	return &redacted
}

// QuestionByID looks a question up across sections. Returns nil when the
// id is not part of the definition.
func (t *TestDefinition) QuestionByID(questionID string) *Question {
	for si := range t.Sections {
		for qi := range t.Sections[si].Questions {
			if t.Sections[si].Questions[qi].ID == questionID {
				return &t.Sections[si].Questions[qi]
			}
		}
	}
	return nil
}
