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

type TestRepository struct {
	collection *mongo.Collection
	mu         *sync.Mutex
}

func NewTestRepository(db *mongo.Database) *TestRepository {
	return &TestRepository{
		collection: db.Collection("test_definitions"),
		mu:         &sync.Mutex{},
	}
}

func (r *TestRepository) New(ctx context.Context, definition *models.TestDefinition) (*models.TestDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if definition.ID.IsZero() {
		definition.ID = bson.NewObjectID()
	}

	currentTime := time.Now().Unix()
	if definition.Metadata.CreatedAt == 0 {
		definition.Metadata.CreatedAt = currentTime
	}
	definition.Metadata.UpdatedAt = currentTime

	_, err := r.collection.InsertOne(ctx, definition)
	if err != nil {
		return nil, fmt.Errorf("failed to insert test definition: %w", err)
	}
	return definition, nil
}

func (r *TestRepository) FindByID(ctx context.Context, id bson.ObjectID) (*models.TestDefinition, error) {
	var definition models.TestDefinition
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&definition)
	if err != nil {
		return nil, err
	}
	return &definition, nil
}

// ReplaceDraft swaps a draft's content wholesale. Published and archived
// definitions never match the filter, which is what makes them immutable.
func (r *TestRepository) ReplaceDraft(ctx context.Context, id bson.ObjectID, definition *models.TestDefinition) (*models.TestDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	definition.Metadata.UpdatedAt = time.Now().Unix()

	filter := bson.M{"_id": id, "status": models.TestStatusDraft}
	update := bson.M{"$set": bson.M{
		"title":              definition.Title,
		"description":        definition.Description,
		"scoringPolicy":      definition.ScoringPolicy,
		"timeLimitSeconds":   definition.TimeLimitSeconds,
		"analysis":           definition.Analysis,
		"sections":           definition.Sections,
		"metadata.updatedAt": definition.Metadata.UpdatedAt,
	}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.TestDefinition
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateMetadata edits title/description only; allowed while published.
func (r *TestRepository) UpdateMetadata(ctx context.Context, id bson.ObjectID, title, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	filter := bson.M{"_id": id, "status": bson.M{"$ne": models.TestStatusArchived}}
	update := bson.M{"$set": bson.M{
		"title":              title,
		"description":        description,
		"metadata.updatedAt": time.Now().Unix(),
	}}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update test metadata: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

func (r *TestRepository) Publish(ctx context.Context, id bson.ObjectID) (*models.TestDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentTime := time.Now().Unix()
	filter := bson.M{"_id": id, "status": models.TestStatusDraft}
	update := bson.M{"$set": bson.M{
		"status":             models.TestStatusPublished,
		"publishedAt":        currentTime,
		"metadata.updatedAt": currentTime,
	}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.TestDefinition
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *TestRepository) Archive(ctx context.Context, id bson.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentTime := time.Now().Unix()
	filter := bson.M{"_id": id, "status": models.TestStatusPublished}
	update := bson.M{"$set": bson.M{
		"status":             models.TestStatusArchived,
		"archivedAt":         currentTime,
		"metadata.updatedAt": currentTime,
	}}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to archive test: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

func (r *TestRepository) Search(ctx context.Context, query *models.TestSearchQuery) ([]*models.TestDefinition, int64, error) {
	filter := bson.M{}

	if query.Status != "" {
		filter["status"] = query.Status
	}

	totalCount, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count test definitions: %w", err)
	}

	opts := options.Find()
	opts.SetSort(bson.M{"metadata.createdAt": -1})
	opts.SetSkip(int64((query.Page - 1) * query.PageSize))
	opts.SetLimit(int64(query.PageSize))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search test definitions: %w", err)
	}
	defer cursor.Close(ctx)

	var definitions []*models.TestDefinition
	if err = cursor.All(ctx, &definitions); err != nil {
		return nil, 0, fmt.Errorf("failed to decode test definitions: %w", err)
	}

	return definitions, totalCount, nil
}

func (r *TestRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "metadata.createdAt", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "createdBy", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create test definition indexes: %w", err)
	}

	return nil
}
