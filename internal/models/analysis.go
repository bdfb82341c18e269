package models

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

type AnalysisStatus string

const (
	AnalysisStatusPending   AnalysisStatus = "pending"
	AnalysisStatusSucceeded AnalysisStatus = "succeeded"
	AnalysisStatusFailed    AnalysisStatus = "failed"
	AnalysisStatusExpired   AnalysisStatus = "expired"
)

// AIAnalysis is one provider attempt for one session. Retries append rows
// with an incremented generation, never overwrite, so the audit trail is
// preserved.
type AIAnalysis struct {
	ID             bson.ObjectID      `json:"id,omitempty" bson:"_id,omitempty"`
	SessionID      bson.ObjectID      `json:"sessionId" bson:"sessionId"`
	Generation     int                `json:"generation" bson:"generation"`
	Provider       string             `json:"provider" bson:"provider"`
	Model          string             `json:"model" bson:"model"`
	GeneratedAt    int64              `json:"generatedAt" bson:"generatedAt"`
	Confidence     float64            `json:"confidence" bson:"confidence"`
	Narrative      Narrative          `json:"narrative" bson:"narrative"`
	Flags          []string           `json:"flags,omitempty" bson:"flags,omitempty"`
	FreeTextGrades map[string]float64 `json:"freeTextGrades,omitempty" bson:"freeTextGrades,omitempty"`
	RawPayload     string             `json:"-" bson:"rawPayload,omitempty"`
	Status         AnalysisStatus     `json:"status" bson:"status"`
	FailureReason  string             `json:"failureReason,omitempty" bson:"failureReason,omitempty"`
	Metadata       Metadata           `json:"metadata" bson:"metadata"`
}

type Narrative struct {
	Strengths       []string `json:"strengths" bson:"strengths"`
	Weaknesses      []string `json:"weaknesses" bson:"weaknesses"`
	Recommendations []string `json:"recommendations" bson:"recommendations"`
}

// RequiresReview applies the per-test threshold: low confidence or any
// flag routes the analysis to a human.
func (a *AIAnalysis) RequiresReview(threshold float64) bool {
	if a.Status != AnalysisStatusSucceeded {
		return true
	}
	return a.Confidence < threshold || len(a.Flags) > 0
}
