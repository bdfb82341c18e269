package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/config"
	"github.com/lekesiz/BDC-sub001/internal/event"
	"github.com/lekesiz/BDC-sub001/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const sweepBatchSize = 100

// Sweeper is the background safety net for sessions nothing else will
// touch again: it submits in-progress sessions past their time limit,
// expires non-terminal sessions past max age and re-dispatches
// pending_analysis sessions whose job was lost in a crash.
type Sweeper struct {
	sessionRepo sessionStore
	sessions    *SessionService
	reviewRepo  reviewStore
	dispatcher  event.AnalysisDispatcher

	interval        time.Duration
	maxAge          time.Duration
	redispatchAfter time.Duration

	shutdown chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(sessionRepo sessionStore, sessions *SessionService, reviewRepo reviewStore, dispatcher event.AnalysisDispatcher) *Sweeper {
	cfg := config.ServiceConfig
	return &Sweeper{
		sessionRepo:     sessionRepo,
		sessions:        sessions,
		reviewRepo:      reviewRepo,
		dispatcher:      dispatcher,
		interval:        cfg.Evaluation.SweepInterval,
		maxAge:          cfg.Evaluation.SessionMaxAge,
		redispatchAfter: cfg.Analysis.RedispatchAfter,
		shutdown:        make(chan struct{}),
	}
}

// Start runs the sweep loop until Close
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("Sweeper started, interval %s, session max age %s", s.interval, s.maxAge)
}

func (s *Sweeper) Close() error {
	close(s.shutdown)
	s.wg.Wait()
	log.Println("Sweeper stopped")
	return nil
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	now := time.Now().Unix()

	s.submitOverdue(ctx, now)
	s.redispatchStale(ctx, now)
	s.expireAged(ctx, now)
	s.refreshQueueDepth(ctx)
}

// submitOverdue system-submits in-progress sessions past their deadline
// with whatever responses they hold.
func (s *Sweeper) submitOverdue(ctx context.Context, now int64) {
	sessions, err := s.sessionRepo.FindOverdueInProgress(ctx, now, sweepBatchSize)
	if err != nil {
		log.Printf("Sweep failed to list overdue sessions: %v", err)
		return
	}

	for _, session := range sessions {
		_, err := s.sessions.SubmitSession(ctx, session.BeneficiaryID, session.ID.Hex())
		if err != nil {
			log.Printf("Sweep failed to submit overdue session %s: %v", session.ID.Hex(), err)
			continue
		}
		log.Printf("Sweep submitted overdue session %s (deadline %d)", session.ID.Hex(), session.Deadline)
	}
}

// redispatchStale re-queues pending_analysis sessions with no live
// attempt, the crash-recovery path for lost dispatches.
func (s *Sweeper) redispatchStale(ctx context.Context, now int64) {
	cutoff := now - int64(s.redispatchAfter.Seconds())
	sessions, err := s.sessionRepo.FindStalePendingAnalysis(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Printf("Sweep failed to list stale pending-analysis sessions: %v", err)
		return
	}

	for _, session := range sessions {
		if err := s.dispatcher.DispatchScoredSession(ctx, session.ID.Hex()); err != nil {
			log.Printf("Sweep failed to re-dispatch session %s: %v", session.ID.Hex(), err)
			continue
		}
		log.Printf("Sweep re-dispatched session %s for analysis", session.ID.Hex())
	}
}

// expireAged expires any session still non-terminal past max age.
func (s *Sweeper) expireAged(ctx context.Context, now int64) {
	cutoff := now - int64(s.maxAge.Seconds())
	sessions, err := s.sessionRepo.FindAgedNonTerminal(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Printf("Sweep failed to list aged sessions: %v", err)
		return
	}

	for _, session := range sessions {
		_, err := s.sessionRepo.CompareAndSwap(ctx, session.ID, session.Version, bson.M{
			"state": models.SessionStateExpired,
		})
		if err != nil {
			// A lost race means someone else advanced it; the next sweep
			// re-checks.
			log.Printf("Sweep could not expire session %s: %v", session.ID.Hex(), err)
			continue
		}
		sessionsExpired.Inc()
		log.Printf("Sweep expired session %s after %s in state %s", session.ID.Hex(), s.maxAge, session.State)
	}
}

func (s *Sweeper) refreshQueueDepth(ctx context.Context) {
	stats, err := s.reviewRepo.QueueStats(ctx)
	if err != nil {
		log.Printf("Sweep failed to read review queue stats: %v", err)
		return
	}
	reviewQueueDepth.Set(float64(stats.Unclaimed))
}
