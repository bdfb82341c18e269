package models

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

type SessionState string

const (
	SessionStateCreated            SessionState = "created"
	SessionStateInProgress         SessionState = "in_progress"
	SessionStateSubmitted          SessionState = "submitted"
	SessionStateScored             SessionState = "scored"
	SessionStateAutoFinalized      SessionState = "auto_finalized"
	SessionStatePendingAnalysis    SessionState = "pending_analysis"
	SessionStateAnalysisReady      SessionState = "analysis_ready"
	SessionStateAutoApproved       SessionState = "auto_approved"
	SessionStatePendingHumanReview SessionState = "pending_human_review"
	SessionStateVerified           SessionState = "verified"
	SessionStateFinalized          SessionState = "finalized"
	SessionStateExpired            SessionState = "expired"
	SessionStateAbandoned          SessionState = "abandoned"
)

// TerminalSessionStates is used in $nin filters guarding the one active
// session per (beneficiary, test) invariant.
var TerminalSessionStates = []SessionState{
	SessionStateFinalized,
	SessionStateExpired,
	SessionStateAbandoned,
}

func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateFinalized, SessionStateExpired, SessionStateAbandoned:
		return true
	}
	return false
}

type TestSession struct {
	ID               bson.ObjectID `json:"id,omitempty" bson:"_id,omitempty"`
	TestID           bson.ObjectID `json:"testId" bson:"testId"`
	TestVersion      int           `json:"testVersion" bson:"testVersion"`
	BeneficiaryID    string        `json:"beneficiaryId" bson:"beneficiaryId"`
	State            SessionState  `json:"state" bson:"state"`
	Active           bool          `json:"-" bson:"active"`
	Version          int64         `json:"version" bson:"version"`
	StartedAt        int64         `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	SubmittedAt      int64         `json:"submittedAt,omitempty" bson:"submittedAt,omitempty"`
	Deadline         int64         `json:"deadline,omitempty" bson:"deadline,omitempty"`
	TimeSpentSeconds int64         `json:"timeSpentSeconds,omitempty" bson:"timeSpentSeconds,omitempty"`
	Responses        []Response    `json:"responses" bson:"responses"`
	Score            *ScoreResult  `json:"score,omitempty" bson:"score,omitempty"`
	NeedsRemediation bool          `json:"needsRemediation,omitempty" bson:"needsRemediation,omitempty"`
	Metadata         Metadata      `json:"metadata" bson:"metadata"`
}

// Response carries the submitted answer; the populated value field depends
// on the question's type. Immutable once the session leaves in_progress.
type Response struct {
	QuestionID  string   `json:"questionId" bson:"questionId"`
	OptionID    string   `json:"optionId,omitempty" bson:"optionId,omitempty"`
	OptionIDs   []string `json:"optionIds,omitempty" bson:"optionIds,omitempty"`
	BoolValue   *bool    `json:"boolValue,omitempty" bson:"boolValue,omitempty"`
	NumberValue *float64 `json:"numberValue,omitempty" bson:"numberValue,omitempty"`
	Text        string   `json:"text,omitempty" bson:"text,omitempty"`
	SubmittedAt int64    `json:"submittedAt" bson:"submittedAt"`
}

type QuestionOutcome string

const (
	OutcomeCorrect   QuestionOutcome = "correct"
	OutcomePartial   QuestionOutcome = "partial"
	OutcomeIncorrect QuestionOutcome = "incorrect"
	OutcomeUngraded  QuestionOutcome = "ungraded"
)

type QuestionScore struct {
	QuestionID    string          `json:"questionId" bson:"questionId"`
	AwardedWeight float64         `json:"awardedWeight" bson:"awardedWeight"`
	MaxWeight     float64         `json:"maxWeight" bson:"maxWeight"`
	Outcome       QuestionOutcome `json:"outcome" bson:"outcome"`
}

type ScoreResult struct {
	RawScore    float64         `json:"rawScore" bson:"rawScore"`
	MaxScore    float64         `json:"maxScore" bson:"maxScore"`
	Percentage  float64         `json:"percentage" bson:"percentage"`
	FullyGraded bool            `json:"fullyGraded" bson:"fullyGraded"`
	Breakdown   []QuestionScore `json:"breakdown" bson:"breakdown"`
}

// BreakdownFor returns the per-question entry or nil.
func (r *ScoreResult) BreakdownFor(questionID string) *QuestionScore {
	for i := range r.Breakdown {
		if r.Breakdown[i].QuestionID == questionID {
			return &r.Breakdown[i]
		}
	}
	return nil
}

// ResponseFor returns the session's response for a question, nil when the
// question was not answered.
func (s *TestSession) ResponseFor(questionID string) *Response {
	for i := range s.Responses {
		if s.Responses[i].QuestionID == questionID {
			return &s.Responses[i]
		}
	}
	return nil
}
