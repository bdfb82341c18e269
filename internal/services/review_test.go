package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/event"
	"github.com/lekesiz/BDC-sub001/internal/models"
	"github.com/lekesiz/BDC-sub001/internal/repository"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// routedSession drives a fresh session through submit and a low-confidence
// analysis, leaving it in pending_human_review with one queued item.
func routedSession(f *fixture, beneficiaryID string) (*models.TestSession, *models.AIAnalysis) {
	definition := publishedAnalysedTest(f)
	session := submitScoredSession(f, beneficiaryID, definition)

	f.provider.script(confidentReply(0.5))
	f.orchestrator.process(session.ID)

	rows := f.analyses.bySession(session.ID)
	return f.sessions.get(session.ID), rows[len(rows)-1]
}

func TestClaimEmptyQueue(t *testing.T) {
	f := newFixture()

	claimed, err := f.reviewSvc.Claim(context.Background(), "rev-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if claimed != nil {
		t.Error("Expected nil for an empty queue")
	}
}

func TestClaimReturnsBundle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session, analysis := routedSession(f, "ben-1")

	claimed, err := f.reviewSvc.Claim(ctx, "rev-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if claimed == nil {
		t.Fatal("Expected a claimed item")
	}

	if claimed.Item.State != models.ReviewStateClaimed {
		t.Errorf("Expected claimed state, got %s", claimed.Item.State)
	}
	if claimed.Item.ReviewerID != "rev-1" {
		t.Errorf("Expected reviewer rev-1, got %s", claimed.Item.ReviewerID)
	}
	if claimed.Item.ClaimToken == "" {
		t.Error("Expected a claim token")
	}
	if claimed.Item.LeaseExpiresAt <= time.Now().Unix() {
		t.Error("Expected a lease in the future")
	}
	if claimed.Analysis.ID != analysis.ID {
		t.Error("Expected the analysis bundled with the claim")
	}
	if claimed.Session.ID != session.ID {
		t.Error("Expected the session bundled with the claim")
	}

	// The only item is claimed now: nothing left for another reviewer.
	second, err := f.reviewSvc.Claim(ctx, "rev-2")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if second != nil {
		t.Error("Expected nil while the lease is held")
	}
}

func TestClaimOldestFirst(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, firstAnalysis := routedSession(f, "ben-1")
	_, secondAnalysis := routedSession(f, "ben-2")

	claimed, err := f.reviewSvc.Claim(ctx, "rev-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if claimed.Analysis.ID != firstAnalysis.ID {
		t.Error("Expected the oldest item claimed first")
	}

	next, err := f.reviewSvc.Claim(ctx, "rev-2")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if next.Analysis.ID != secondAnalysis.ID {
		t.Error("Expected the second item claimed next")
	}
}

func TestNoDoubleClaim(t *testing.T) {
	f := newFixture()
	for i := 0; i < 3; i++ {
		routedSession(f, fmt.Sprintf("ben-%d", i))
	}

	var wg sync.WaitGroup
	results := make(chan *models.ClaimedReview, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(reviewer int) {
			defer wg.Done()
			claimed, err := f.reviewSvc.Claim(context.Background(), fmt.Sprintf("rev-%d", reviewer))
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			results <- claimed
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[bson.ObjectID]bool)
	var claims, empty int
	for claimed := range results {
		if claimed == nil {
			empty++
			continue
		}
		claims++
		if seen[claimed.Item.AnalysisID] {
			t.Errorf("Analysis %s claimed twice", claimed.Item.AnalysisID.Hex())
		}
		seen[claimed.Item.AnalysisID] = true
	}
	if claims != 3 || empty != 7 {
		t.Errorf("Expected 3 claims and 7 empty results, got %d and %d", claims, empty)
	}
}

func TestDecideApproved(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session, analysis := routedSession(f, "ben-1")

	if _, err := f.reviewSvc.Claim(ctx, "rev-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	verification, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{
		Decision: models.ReviewDecisionApproved,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if verification.Decision != models.ReviewDecisionApproved {
		t.Errorf("Expected approved, got %s", verification.Decision)
	}
	if verification.ReviewerID != "rev-1" {
		t.Errorf("Expected reviewer rev-1, got %s", verification.ReviewerID)
	}

	final := f.sessions.get(session.ID)
	if final.State != models.SessionStateFinalized {
		t.Errorf("Expected finalized after approval, got %s", final.State)
	}
	// Approval endorses the AI grades: 10 from the choice question plus
	// 0.8 of the free-text weight 5.
	if math.Abs(final.Score.RawScore-14) > 0.0001 {
		t.Errorf("Expected regraded score 14, got %.2f", final.Score.RawScore)
	}
	if !final.Score.FullyGraded {
		t.Error("Expected the approved grades to complete the score")
	}

	if finalized := f.events.sessionEvents(event.EventTypeSessionFinalized); len(finalized) != 1 {
		t.Errorf("Expected one finalized event, got %d", len(finalized))
	}
	if len(f.events.reviews) != 1 {
		t.Fatalf("Expected one review decided event, got %d", len(f.events.reviews))
	}
	if f.events.reviews[0].Decision != models.ReviewDecisionApproved {
		t.Errorf("Expected approved on the event, got %s", f.events.reviews[0].Decision)
	}
	if _, err := f.cache.GetResult(ctx, session.ID.Hex()); err != nil {
		t.Error("Expected the finalized result to be cached")
	}

	item, err := f.reviews.FindItemByAnalysisID(ctx, analysis.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if item.State != models.ReviewStateDecided {
		t.Errorf("Expected the queue item decided, got %s", item.State)
	}
}

func TestDecideEdited(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session, analysis := routedSession(f, "ben-1")

	if _, err := f.reviewSvc.Claim(ctx, "rev-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	narrative := &models.Narrative{
		Strengths:       []string{"clear structure"},
		Weaknesses:      []string{"thin evidence"},
		Recommendations: []string{"cite sources"},
	}
	verification, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{
		Decision:        models.ReviewDecisionEdited,
		EditedNarrative: narrative,
		FreeTextGrades:  map[string]float64{"q3": 0.4},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if verification.EditedNarrative == nil {
		t.Error("Expected the edited narrative on the verification")
	}
	if verification.FreeTextGrades["q3"] != 0.4 {
		t.Error("Expected the reviewer grades on the verification")
	}

	final := f.sessions.get(session.ID)
	if final.State != models.SessionStateFinalized {
		t.Errorf("Expected finalized, got %s", final.State)
	}
	// The reviewer's grade overrides the AI's: 10 + 0.4 * 5.
	if math.Abs(final.Score.RawScore-12) > 0.0001 {
		t.Errorf("Expected regraded score 12, got %.2f", final.Score.RawScore)
	}
}

func TestDecideRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session, analysis := routedSession(f, "ben-1")

	if _, err := f.reviewSvc.Claim(ctx, "rev-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	verification, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{
		Decision: models.ReviewDecisionRejected,
		Reason:   "narrative contradicts the answers",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if verification.Reason == "" {
		t.Error("Expected the rejection reason on the verification")
	}

	final := f.sessions.get(session.ID)
	if final.State != models.SessionStateExpired {
		t.Errorf("Expected expired after rejection, got %s", final.State)
	}
	if !final.NeedsRemediation {
		t.Error("Expected the remediation flag")
	}
	if finalized := f.events.sessionEvents(event.EventTypeSessionFinalized); len(finalized) != 0 {
		t.Errorf("Expected no finalized event, got %d", len(finalized))
	}
}

func TestDecideGradeCoverage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	definition := publishedAnalysedTest(f)
	session := submitScoredSession(f, "ben-1", definition)

	// The unscripted provider fails every attempt, so the queued
	// analysis carries no grades for the answered free-text question.
	f.orchestrator.process(session.ID)
	rows := f.analyses.bySession(session.ID)
	if len(rows) != 1 || rows[0].Status != models.AnalysisStatusFailed {
		t.Fatalf("Expected one failed analysis row, got %d", len(rows))
	}
	analysis := rows[0]

	if _, err := f.reviewSvc.Claim(ctx, "rev-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{
		Decision: models.ReviewDecisionApproved,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for an approval without grades, got %v", err)
	}

	narrative := &models.Narrative{Strengths: []string{"consistent effort"}}
	_, err = f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{
		Decision:        models.ReviewDecisionEdited,
		EditedNarrative: narrative,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for an edit that grades nothing, got %v", err)
	}

	_, err = f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{
		Decision:       models.ReviewDecisionEdited,
		FreeTextGrades: map[string]float64{"q1": 0.6},
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for a grade on a choice question, got %v", err)
	}

	if state := f.sessions.get(session.ID).State; state != models.SessionStatePendingHumanReview {
		t.Fatalf("Expected the refused decisions to leave the session in review, got %s", state)
	}
	if finalized := f.events.sessionEvents(event.EventTypeSessionFinalized); len(finalized) != 0 {
		t.Fatalf("Expected no finalized event, got %d", len(finalized))
	}

	// A refused decision never consumes the claim, so the same lease
	// still holds for the covering edit.
	verification, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{
		Decision:       models.ReviewDecisionEdited,
		FreeTextGrades: map[string]float64{"q3": 0.6},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if verification.Decision != models.ReviewDecisionEdited {
		t.Errorf("Expected an edited verification, got %s", verification.Decision)
	}

	final := f.sessions.get(session.ID)
	if final.State != models.SessionStateFinalized {
		t.Errorf("Expected finalized, got %s", final.State)
	}
	if !final.Score.FullyGraded {
		t.Error("Expected the reviewer grade to complete the score")
	}
	// 10 from the choice answer plus 0.6 * 5 for the essay.
	if math.Abs(final.Score.RawScore-13) > 0.0001 {
		t.Errorf("Expected regraded score 13, got %.2f", final.Score.RawScore)
	}
}

func TestDecideGates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, analysis := routedSession(f, "ben-1")

	t.Run("invalid analysis id", func(t *testing.T) {
		_, err := f.reviewSvc.Decide(ctx, "rev-1", "garbage", &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})

	t.Run("unknown analysis", func(t *testing.T) {
		_, err := f.reviewSvc.Decide(ctx, "rev-1", "66b1f2a8c9d4e5f6a7b8c9d0", &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("unclaimed item", func(t *testing.T) {
		_, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved})
		if !errors.Is(err, repository.ErrNotClaimed) {
			t.Errorf("Expected ErrNotClaimed, got %v", err)
		}
	})

	t.Run("wrong reviewer", func(t *testing.T) {
		if _, err := f.reviewSvc.Claim(ctx, "rev-1"); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		_, err := f.reviewSvc.Decide(ctx, "rev-2", analysis.ID.Hex(), &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved})
		if !errors.Is(err, repository.ErrNotClaimed) {
			t.Errorf("Expected ErrNotClaimed, got %v", err)
		}
	})

	t.Run("expired lease", func(t *testing.T) {
		f.reviews.expireLease(analysis.ID)
		_, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved})
		if !errors.Is(err, repository.ErrNotClaimed) {
			t.Errorf("Expected ErrNotClaimed, got %v", err)
		}
	})

	t.Run("malformed decisions", func(t *testing.T) {
		requests := []*models.DecideReviewRequest{
			{Decision: models.ReviewDecisionEdited},
			{Decision: models.ReviewDecisionEdited, FreeTextGrades: map[string]float64{"q3": 1.5}},
			{Decision: models.ReviewDecisionRejected},
			{Decision: "escalated"},
		}
		for _, req := range requests {
			if _, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), req); !errors.Is(err, ErrValidation) {
				t.Errorf("Expected ErrValidation for %q, got %v", req.Decision, err)
			}
		}
	})
}

func TestDecideTerminality(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, analysis := routedSession(f, "ben-1")

	if _, err := f.reviewSvc.Claim(ctx, "rev-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// A decision is terminal: no second decide, no reclaim.
	if _, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{Decision: models.ReviewDecisionRejected, Reason: "changed my mind"}); !errors.Is(err, repository.ErrNotClaimed) {
		t.Errorf("Expected ErrNotClaimed on second decide, got %v", err)
	}
	claimed, err := f.reviewSvc.Claim(ctx, "rev-2")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if claimed != nil {
		t.Error("Expected a decided item to be unclaimable")
	}
}

func TestReclaimAfterLeaseExpiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session, analysis := routedSession(f, "ben-1")

	if _, err := f.reviewSvc.Claim(ctx, "rev-a"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	f.reviews.expireLease(analysis.ID)

	reclaimed, err := f.reviewSvc.Claim(ctx, "rev-b")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("Expected the expired lease to be reclaimable")
	}
	if reclaimed.Item.ReviewerID != "rev-b" {
		t.Errorf("Expected reviewer rev-b, got %s", reclaimed.Item.ReviewerID)
	}

	// The first reviewer's claim is dead once the item moved on.
	if _, err := f.reviewSvc.Decide(ctx, "rev-a", analysis.ID.Hex(), &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved}); !errors.Is(err, repository.ErrNotClaimed) {
		t.Errorf("Expected ErrNotClaimed for the stale claimant, got %v", err)
	}

	if _, err := f.reviewSvc.Decide(ctx, "rev-b", analysis.ID.Hex(), &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if f.sessions.get(session.ID).State != models.SessionStateFinalized {
		t.Error("Expected the current claimant's decision to land")
	}
}

func TestDecideOnAdvancedSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session, analysis := routedSession(f, "ben-1")

	if _, err := f.reviewSvc.Claim(ctx, "rev-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// The sweeper expired the session while the reviewer was working.
	f.sessions.mutate(session.ID, func(s *models.TestSession) {
		s.State = models.SessionStateExpired
		s.Active = false
		s.Version++
	})

	verification, err := f.reviewSvc.Decide(ctx, "rev-1", analysis.ID.Hex(), &models.DecideReviewRequest{
		Decision: models.ReviewDecisionApproved,
	})
	if err != nil {
		t.Fatalf("Expected the decision to be recorded, got %v", err)
	}
	if verification == nil {
		t.Fatal("Expected a verification record")
	}

	if f.sessions.get(session.ID).State != models.SessionStateExpired {
		t.Error("Expected the session state to be left alone")
	}
	if finalized := f.events.sessionEvents(event.EventTypeSessionFinalized); len(finalized) != 0 {
		t.Errorf("Expected no finalized event, got %d", len(finalized))
	}
}

func TestQueueStats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	routedSession(f, "ben-1")
	_, second := routedSession(f, "ben-2")

	if _, err := f.reviewSvc.Claim(ctx, "rev-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	stats, err := f.reviewSvc.QueueStats(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.Unclaimed != 1 || stats.Claimed != 1 || stats.Decided != 0 {
		t.Errorf("Expected 1/1/0, got %d/%d/%d", stats.Unclaimed, stats.Claimed, stats.Decided)
	}

	if _, err := f.reviewSvc.Claim(ctx, "rev-2"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := f.reviewSvc.Decide(ctx, "rev-2", second.ID.Hex(), &models.DecideReviewRequest{Decision: models.ReviewDecisionApproved}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	stats, err = f.reviewSvc.QueueStats(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.Decided != 1 {
		t.Errorf("Expected 1 decided, got %d", stats.Decided)
	}
}

func TestAnalysisTrail(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	session, _ := routedSession(f, "ben-1")

	// A second attempt recorded by a later re-dispatch.
	if _, err := f.analyses.New(ctx, &models.AIAnalysis{
		SessionID:  session.ID,
		Generation: 2,
		Status:     models.AnalysisStatusFailed,
	}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	trail, err := f.reviewSvc.AnalysisTrail(ctx, session.ID.Hex())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("Expected 2 attempts in the trail, got %d", len(trail))
	}
	if trail[0].Generation != 1 || trail[1].Generation != 2 {
		t.Errorf("Expected generations in order, got %d then %d", trail[0].Generation, trail[1].Generation)
	}

	if _, err := f.reviewSvc.AnalysisTrail(ctx, bson.NewObjectID().Hex()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown session, got %v", err)
	}
	if _, err := f.reviewSvc.AnalysisTrail(ctx, "not-a-hex-id"); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for a malformed id, got %v", err)
	}
}
