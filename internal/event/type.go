package event

import "github.com/lekesiz/BDC-sub001/internal/models"

const (
	ExchangeName = "evaluation.events.topic"

	EventTypeSessionSubmitted = "evaluation.session.submitted"
	EventTypeSessionScored    = "evaluation.session.scored"
	EventTypeSessionFinalized = "evaluation.session.finalized"
	EventTypeAnalysisReady    = "evaluation.analysis.ready"
	EventTypeReviewDecided    = "evaluation.review.decided"
)

// SessionEvent covers the session lifecycle routing keys. EventID is unique
// per publish; consumers use it to deduplicate redeliveries.
type SessionEvent struct {
	EventID       string              `json:"eventId"`
	EventType     string              `json:"eventType"`
	SessionID     string              `json:"sessionId"`
	TestID        string              `json:"testId"`
	BeneficiaryID string              `json:"beneficiaryId"`
	State         models.SessionState `json:"state"`
	Percentage    float64             `json:"percentage"`
	FullyGraded   bool                `json:"fullyGraded"`
	SubmittedAt   int64               `json:"submittedAt,omitempty"`
	Timestamp     int64               `json:"timestamp"`
}

type AnalysisEvent struct {
	EventID        string  `json:"eventId"`
	EventType      string  `json:"eventType"`
	SessionID      string  `json:"sessionId"`
	AnalysisID     string  `json:"analysisId"`
	Generation     int     `json:"generation"`
	Confidence     float64 `json:"confidence"`
	RequiresReview bool    `json:"requiresReview"`
	Timestamp      int64   `json:"timestamp"`
}

type ReviewEvent struct {
	EventID    string                `json:"eventId"`
	EventType  string                `json:"eventType"`
	AnalysisID string                `json:"analysisId"`
	SessionID  string                `json:"sessionId"`
	Decision   models.ReviewDecision `json:"decision"`
	ReviewerID string                `json:"reviewerId"`
	Timestamp  int64                 `json:"timestamp"`
}
