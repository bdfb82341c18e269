package models

// DTOs and Requests
type CreateTestRequest struct {
	Title            string           `json:"title" binding:"required"`
	Description      string           `json:"description"`
	ScoringPolicy    ScoringPolicy    `json:"scoringPolicy"`
	TimeLimitSeconds int              `json:"timeLimitSeconds"`
	Analysis         AnalysisSettings `json:"analysis"`
	Sections         []SectionInput   `json:"sections" binding:"required"`
}

type UpdateTestRequest struct {
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	ScoringPolicy    ScoringPolicy     `json:"scoringPolicy"`
	TimeLimitSeconds int               `json:"timeLimitSeconds"`
	Analysis         *AnalysisSettings `json:"analysis"`
	Sections         []SectionInput    `json:"sections"`
}

type SectionInput struct {
	Title     string          `json:"title" binding:"required"`
	Order     int             `json:"order"`
	Questions []QuestionInput `json:"questions" binding:"required"`
}

type QuestionInput struct {
	Type             QuestionType `json:"type" binding:"required"`
	Prompt           string       `json:"prompt" binding:"required"`
	Options          []Option     `json:"options"`
	CorrectOptionID  string       `json:"correctOptionId"`
	CorrectOptionIDs []string     `json:"correctOptionIds"`
	CorrectBool      *bool        `json:"correctBool"`
	CorrectValue     *float64     `json:"correctValue"`
	Tolerance        float64      `json:"tolerance"`
	Weight           float64      `json:"weight" binding:"required,min=0"`
	Order            int          `json:"order"`
}

type StartSessionRequest struct {
	TestID string `json:"testId" binding:"required"`
}

type SubmitResponseRequest struct {
	QuestionID  string   `json:"questionId" binding:"required"`
	OptionID    string   `json:"optionId"`
	OptionIDs   []string `json:"optionIds"`
	BoolValue   *bool    `json:"boolValue"`
	NumberValue *float64 `json:"numberValue"`
	Text        string   `json:"text"`
}

type DecideReviewRequest struct {
	Decision        ReviewDecision     `json:"decision" binding:"required"`
	EditedNarrative *Narrative         `json:"editedNarrative"`
	FreeTextGrades  map[string]float64 `json:"freeTextGrades"`
	Reason          string             `json:"reason"`
}

type SessionSearchQuery struct {
	State    SessionState `form:"state"`
	TestID   string       `form:"testId"`
	Page     int          `form:"page,default=1"`
	PageSize int          `form:"pageSize,default=20"`
}

type TestSearchQuery struct {
	Status   TestStatus `form:"status"`
	Page     int        `form:"page,default=1"`
	PageSize int        `form:"pageSize,default=20"`
}

// Response DTOs
type SessionProgress struct {
	SessionID     string       `json:"sessionId"`
	TestID        string       `json:"testId"`
	State         SessionState `json:"state"`
	AnsweredCount int          `json:"answeredCount"`
	QuestionCount int          `json:"questionCount"`
	StartedAt     int64        `json:"startedAt,omitempty"`
	Deadline      int64        `json:"deadline,omitempty"`
}

// SessionResult is the beneficiary-facing view of a scored session: the
// score plus, once analysis ran, the narrative and any human verification.
type SessionResult struct {
	SessionID        string             `json:"sessionId"`
	TestID           string             `json:"testId"`
	State            SessionState       `json:"state"`
	Score            *ScoreResult       `json:"score"`
	Analysis         *AIAnalysis        `json:"analysis,omitempty"`
	Verification     *HumanVerification `json:"verification,omitempty"`
	NeedsRemediation bool               `json:"needsRemediation,omitempty"`
}

type SessionSearchResult struct {
	Sessions    []*TestSession `json:"sessions"`
	TotalCount  int64          `json:"totalCount"`
	PageCount   int            `json:"pageCount"`
	CurrentPage int            `json:"currentPage"`
}

type TestSearchResult struct {
	Tests       []*TestDefinition `json:"tests"`
	TotalCount  int64             `json:"totalCount"`
	PageCount   int               `json:"pageCount"`
	CurrentPage int               `json:"currentPage"`
}
