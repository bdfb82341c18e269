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

type ReviewRepository struct {
	items         *mongo.Collection
	verifications *mongo.Collection
	mu            *sync.Mutex
}

func NewReviewRepository(db *mongo.Database) *ReviewRepository {
	return &ReviewRepository{
		items:         db.Collection("review_items"),
		verifications: db.Collection("human_verifications"),
		mu:            &sync.Mutex{},
	}
}

func (r *ReviewRepository) Enqueue(ctx context.Context, item *models.ReviewItem) (*models.ReviewItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item.ID.IsZero() {
		item.ID = bson.NewObjectID()
	}

	currentTime := time.Now().Unix()
	item.State = models.ReviewStateUnclaimed
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = currentTime
	}
	if item.Metadata.CreatedAt == 0 {
		item.Metadata.CreatedAt = currentTime
	}
	item.Metadata.UpdatedAt = currentTime

	_, err := r.items.InsertOne(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue review item: %w", err)
	}
	return item, nil
}

// ClaimNext atomically hands the oldest claimable item to the reviewer:
// either an unclaimed item or a claimed one whose lease ran out. The
// single findOneAndUpdate is what guarantees at most one active reviewer
// per item under concurrent claims.
func (r *ReviewRepository) ClaimNext(ctx context.Context, reviewerID, claimToken string, leaseDuration time.Duration) (*models.ReviewItem, error) {
	now := time.Now().Unix()

	filter := bson.M{"$or": []bson.M{
		{"state": models.ReviewStateUnclaimed},
		{"state": models.ReviewStateClaimed, "leaseExpiresAt": bson.M{"$lte": now}},
	}}
	update := bson.M{
		"$set": bson.M{
			"state":              models.ReviewStateClaimed,
			"reviewerId":         reviewerID,
			"claimToken":         claimToken,
			"leaseExpiresAt":     now + int64(leaseDuration.Seconds()),
			"metadata.updatedAt": now,
		},
		"$inc": bson.M{"version": 1},
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.M{"enqueuedAt": 1}).
		SetReturnDocument(options.After)

	var item models.ReviewItem
	err := r.items.FindOneAndUpdate(ctx, filter, update, opts).Decode(&item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// MarkDecided closes the claim. The filter checks reviewer, token and
// lease in one shot, so a reviewer whose lease expired and was reclaimed
// fails here with ErrNotClaimed instead of overwriting the new claimant.
func (r *ReviewRepository) MarkDecided(ctx context.Context, analysisID bson.ObjectID, reviewerID, claimToken string) (*models.ReviewItem, error) {
	now := time.Now().Unix()

	filter := bson.M{
		"analysisId":     analysisID,
		"state":          models.ReviewStateClaimed,
		"reviewerId":     reviewerID,
		"claimToken":     claimToken,
		"leaseExpiresAt": bson.M{"$gt": now},
	}
	update := bson.M{
		"$set": bson.M{
			"state":              models.ReviewStateDecided,
			"metadata.updatedAt": now,
		},
		"$inc": bson.M{"version": 1},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var item models.ReviewItem
	err := r.items.FindOneAndUpdate(ctx, filter, update, opts).Decode(&item)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotClaimed
		}
		return nil, fmt.Errorf("failed to mark review decided: %w", err)
	}
	return &item, nil
}

func (r *ReviewRepository) FindItemByAnalysisID(ctx context.Context, analysisID bson.ObjectID) (*models.ReviewItem, error) {
	var item models.ReviewItem
	err := r.items.FindOne(ctx, bson.M{"analysisId": analysisID}).Decode(&item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *ReviewRepository) QueueStats(ctx context.Context) (*models.ReviewQueueStats, error) {
	pipeline := []bson.M{
		{
			"$group": bson.M{
				"_id":   "$state",
				"count": bson.M{"$sum": 1},
			},
		},
	}

	cursor, err := r.items.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate review stats: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		State models.ReviewState `bson:"_id"`
		Count int64              `bson:"count"`
	}
	if err = cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode review stats: %w", err)
	}

	stats := &models.ReviewQueueStats{}
	for _, result := range results {
		switch result.State {
		case models.ReviewStateUnclaimed:
			stats.Unclaimed = result.Count
		case models.ReviewStateClaimed:
			stats.Claimed = result.Count
		case models.ReviewStateDecided:
			stats.Decided = result.Count
		}
	}

	return stats, nil
}

// NewVerification stores the reviewer's terminal decision. The unique
// analysisId index makes a second decision for the same analysis fail.
func (r *ReviewRepository) NewVerification(ctx context.Context, verification *models.HumanVerification) (*models.HumanVerification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if verification.ID.IsZero() {
		verification.ID = bson.NewObjectID()
	}
	if verification.DecidedAt == 0 {
		verification.DecidedAt = time.Now().Unix()
	}

	_, err := r.verifications.InsertOne(ctx, verification)
	if err != nil {
		return nil, fmt.Errorf("failed to insert verification: %w", err)
	}
	return verification, nil
}

func (r *ReviewRepository) FindVerificationByAnalysisID(ctx context.Context, analysisID bson.ObjectID) (*models.HumanVerification, error) {
	var verification models.HumanVerification
	err := r.verifications.FindOne(ctx, bson.M{"analysisId": analysisID}).Decode(&verification)
	if err != nil {
		return nil, err
	}
	return &verification, nil
}

func (r *ReviewRepository) CreateIndexes(ctx context.Context) error {
	itemIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "analysisId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "enqueuedAt", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "leaseExpiresAt", Value: 1},
			},
		},
	}

	if _, err := r.items.Indexes().CreateMany(ctx, itemIndexes); err != nil {
		return fmt.Errorf("failed to create review item indexes: %w", err)
	}

	verificationIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "analysisId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "reviewerId", Value: 1}},
		},
	}

	if _, err := r.verifications.Indexes().CreateMany(ctx, verificationIndexes); err != nil {
		return fmt.Errorf("failed to create verification indexes: %w", err)
	}

	return nil
}
