package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type SessionRepository struct {
	collection *mongo.Collection
	mu         *sync.Mutex
}

func NewSessionRepository(db *mongo.Database) *SessionRepository {
	return &SessionRepository{
		collection: db.Collection("test_sessions"),
		mu:         &sync.Mutex{},
	}
}

func (r *SessionRepository) New(ctx context.Context, session *models.TestSession) (*models.TestSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID.IsZero() {
		session.ID = bson.NewObjectID()
	}

	currentTime := time.Now().Unix()
	if session.Metadata.CreatedAt == 0 {
		session.Metadata.CreatedAt = currentTime
	}
	session.Metadata.UpdatedAt = currentTime
	session.Active = !session.State.IsTerminal()

	_, err := r.collection.InsertOne(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return session, nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id bson.ObjectID) (*models.TestSession, error) {
	var session models.TestSession
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepository) FindActiveByBeneficiaryAndTest(ctx context.Context, beneficiaryID string, testID bson.ObjectID) (*models.TestSession, error) {
	filter := bson.M{
		"beneficiaryId": beneficiaryID,
		"testId":        testID,
		"active":        true,
	}

	var session models.TestSession
	err := r.collection.FindOne(ctx, filter).Decode(&session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CompareAndSwap applies set on the session only if the stored version
// still matches the caller's. A lost race comes back as ErrStaleState and
// the caller must re-read. Terminal states clear the active flag backing
// the one-active-session unique index.
func (r *SessionRepository) CompareAndSwap(ctx context.Context, id bson.ObjectID, version int64, set bson.M) (*models.TestSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := set["state"].(models.SessionState); ok && state.IsTerminal() {
		set["active"] = false
	}
	set["metadata.updatedAt"] = time.Now().Unix()

	filter := bson.M{"_id": id, "version": version}
	update := bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.TestSession
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrStaleState
		}
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	return &updated, nil
}

func (r *SessionRepository) SearchByBeneficiary(ctx context.Context, beneficiaryID string, query *models.SessionSearchQuery) ([]*models.TestSession, int64, error) {
	filter := bson.M{"beneficiaryId": beneficiaryID}

	if query.State != "" {
		filter["state"] = query.State
	}
	if query.TestID != "" {
		testID, err := bson.ObjectIDFromHex(query.TestID)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid test id: %w", err)
		}
		filter["testId"] = testID
	}

	totalCount, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	opts := options.Find()
	opts.SetSort(bson.M{"metadata.createdAt": -1})
	opts.SetSkip(int64((query.Page - 1) * query.PageSize))
	opts.SetLimit(int64(query.PageSize))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []*models.TestSession
	if err = cursor.All(ctx, &sessions); err != nil {
		return nil, 0, fmt.Errorf("failed to decode sessions: %w", err)
	}

	return sessions, totalCount, nil
}

// FindOverdueInProgress returns in-progress sessions whose time limit
// elapsed; the sweeper submits them with whatever responses they hold.
func (r *SessionRepository) FindOverdueInProgress(ctx context.Context, now int64, limit int) ([]*models.TestSession, error) {
	filter := bson.M{
		"state":    models.SessionStateInProgress,
		"deadline": bson.M{"$gt": 0, "$lte": now},
	}
	return r.findWithLimit(ctx, filter, limit)
}

// FindAgedNonTerminal returns sessions that have sat in any non-terminal
// state past the cutoff and are due for expiry.
func (r *SessionRepository) FindAgedNonTerminal(ctx context.Context, cutoff int64, limit int) ([]*models.TestSession, error) {
	filter := bson.M{
		"active":             true,
		"metadata.createdAt": bson.M{"$lte": cutoff},
	}
	return r.findWithLimit(ctx, filter, limit)
}

// FindStalePendingAnalysis returns pending-analysis sessions untouched
// since the cutoff, so dispatch can be retried after a crash or a lost
// queue message.
func (r *SessionRepository) FindStalePendingAnalysis(ctx context.Context, cutoff int64, limit int) ([]*models.TestSession, error) {
	filter := bson.M{
		"state":              models.SessionStatePendingAnalysis,
		"metadata.updatedAt": bson.M{"$lte": cutoff},
	}
	return r.findWithLimit(ctx, filter, limit)
}

func (r *SessionRepository) findWithLimit(ctx context.Context, filter bson.M, limit int) ([]*models.TestSession, error) {
	opts := options.Find()
	opts.SetSort(bson.M{"metadata.createdAt": 1})
	opts.SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []*models.TestSession
	if err = cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}

	return sessions, nil
}

func (r *SessionRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			// One non-terminal session per (beneficiary, test). Terminal
			// transitions clear the active flag, freeing the slot.
			Keys: bson.D{
				{Key: "beneficiaryId", Value: 1},
				{Key: "testId", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys: bson.D{{Key: "state", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "deadline", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "metadata.updatedAt", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "metadata.createdAt", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}

	return nil
}
