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

type AnalysisRepository struct {
	collection *mongo.Collection
	mu         *sync.Mutex
}

func NewAnalysisRepository(db *mongo.Database) *AnalysisRepository {
	return &AnalysisRepository{
		collection: db.Collection("ai_analyses"),
		mu:         &sync.Mutex{},
	}
}

// New records one provider attempt. The unique (sessionId, generation)
// index turns two workers racing on the same attempt into a duplicate-key
// error for the loser, keeping the audit trail append-only.
func (r *AnalysisRepository) New(ctx context.Context, analysis *models.AIAnalysis) (*models.AIAnalysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if analysis.ID.IsZero() {
		analysis.ID = bson.NewObjectID()
	}

	currentTime := time.Now().Unix()
	if analysis.Metadata.CreatedAt == 0 {
		analysis.Metadata.CreatedAt = currentTime
	}
	analysis.Metadata.UpdatedAt = currentTime

	_, err := r.collection.InsertOne(ctx, analysis)
	if err != nil {
		return nil, fmt.Errorf("failed to insert analysis: %w", err)
	}
	return analysis, nil
}

func (r *AnalysisRepository) FindByID(ctx context.Context, id bson.ObjectID) (*models.AIAnalysis, error) {
	var analysis models.AIAnalysis
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&analysis)
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (r *AnalysisRepository) FindLatestBySession(ctx context.Context, sessionID bson.ObjectID) (*models.AIAnalysis, error) {
	opts := options.FindOne().SetSort(bson.M{"generation": -1})

	var analysis models.AIAnalysis
	err := r.collection.FindOne(ctx, bson.M{"sessionId": sessionID}, opts).Decode(&analysis)
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (r *AnalysisRepository) CountBySession(ctx context.Context, sessionID bson.ObjectID) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"sessionId": sessionID})
	if err != nil {
		return 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	return count, nil
}

func (r *AnalysisRepository) FindBySession(ctx context.Context, sessionID bson.ObjectID) ([]*models.AIAnalysis, error) {
	opts := options.Find().SetSort(bson.M{"generation": 1})

	cursor, err := r.collection.Find(ctx, bson.M{"sessionId": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find analyses: %w", err)
	}
	defer cursor.Close(ctx)

	var analyses []*models.AIAnalysis
	if err = cursor.All(ctx, &analyses); err != nil {
		return nil, fmt.Errorf("failed to decode analyses: %w", err)
	}

	return analyses, nil
}

func (r *AnalysisRepository) UpdateStatus(ctx context.Context, id bson.ObjectID, status models.AnalysisStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := bson.M{
		"status":             status,
		"metadata.updatedAt": time.Now().Unix(),
	}
	if reason != "" {
		set["failureReason"] = reason
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update analysis status: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

func (r *AnalysisRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "sessionId", Value: 1},
				{Key: "generation", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "metadata.createdAt", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create analysis indexes: %w", err)
	}

	return nil
}
