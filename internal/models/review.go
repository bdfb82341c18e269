package models

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

type ReviewState string

const (
	ReviewStateUnclaimed ReviewState = "unclaimed"
	ReviewStateClaimed   ReviewState = "claimed"
	ReviewStateDecided   ReviewState = "decided"
)

type ReviewDecision string

const (
	ReviewDecisionApproved ReviewDecision = "approved"
	ReviewDecisionEdited   ReviewDecision = "edited"
	ReviewDecisionRejected ReviewDecision = "rejected"
)

// ReviewItem is one row of the durable review queue. Claims are leases:
// an expired lease makes the item reclaimable by another reviewer, and the
// claim token is what Decide checks, so a stale claimant can never
// overwrite a decision made after reassignment.
type ReviewItem struct {
	ID             bson.ObjectID `json:"id,omitempty" bson:"_id,omitempty"`
	AnalysisID     bson.ObjectID `json:"analysisId" bson:"analysisId"`
	SessionID      bson.ObjectID `json:"sessionId" bson:"sessionId"`
	State          ReviewState   `json:"state" bson:"state"`
	ReviewerID     string        `json:"reviewerId,omitempty" bson:"reviewerId,omitempty"`
	ClaimToken     string        `json:"claimToken,omitempty" bson:"claimToken,omitempty"`
	LeaseExpiresAt int64         `json:"leaseExpiresAt,omitempty" bson:"leaseExpiresAt,omitempty"`
	EnqueuedAt     int64         `json:"enqueuedAt" bson:"enqueuedAt"`
	Version        int64         `json:"version" bson:"version"`
	Metadata       Metadata      `json:"metadata" bson:"metadata"`
}

type HumanVerification struct {
	ID              bson.ObjectID      `json:"id,omitempty" bson:"_id,omitempty"`
	AnalysisID      bson.ObjectID      `json:"analysisId" bson:"analysisId"`
	SessionID       bson.ObjectID      `json:"sessionId" bson:"sessionId"`
	ReviewerID      string             `json:"reviewerId" bson:"reviewerId"`
	Decision        ReviewDecision     `json:"decision" bson:"decision"`
	EditedNarrative *Narrative         `json:"editedNarrative,omitempty" bson:"editedNarrative,omitempty"`
	FreeTextGrades  map[string]float64 `json:"freeTextGrades,omitempty" bson:"freeTextGrades,omitempty"`
	Reason          string             `json:"reason,omitempty" bson:"reason,omitempty"`
	DecidedAt       int64              `json:"decidedAt" bson:"decidedAt"`
}

type ReviewQueueStats struct {
	Unclaimed int64 `json:"unclaimed"`
	Claimed   int64 `json:"claimed"`
	Decided   int64 `json:"decided"`
}

// ClaimedReview is what a successful claim returns: the queue row plus the
// analysis and scored session the reviewer needs to decide.
type ClaimedReview struct {
	Item     *ReviewItem  `json:"item"`
	Analysis *AIAnalysis  `json:"analysis"`
	Session  *TestSession `json:"session"`
}
