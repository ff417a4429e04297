package services

import (
	"context"
	"time"

	"chatrelay/internal/database"
	"chatrelay/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type sessionDocument struct {
	SessionID string    `bson:"sessionId"`
	UserID    string    `bson:"userId"`
	Title     string    `bson:"title"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func (d sessionDocument) item() models.SessionItem {
	return models.SessionItem{
		ID:        d.SessionID,
		UserID:    d.UserID,
		Title:     d.Title,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// MongoSessionStore handles MongoDB persistence for the session directory
type MongoSessionStore struct {
	collection *mongo.Collection
}

// NewMongoSessionStore creates a new session store
func NewMongoSessionStore(mongodb *database.MongoDB) *MongoSessionStore {
	return &MongoSessionStore{
		collection: mongodb.Collection(database.CollectionSessions),
	}
}

func (s *MongoSessionStore) Get(ctx context.Context, userID, sessionID string) (*models.SessionItem, error) {
	var doc sessionDocument
	err := s.collection.FindOne(ctx, bson.M{"userId": userID, "sessionId": sessionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item := doc.item()
	return &item, nil
}

func (s *MongoSessionStore) Put(ctx context.Context, item models.SessionItem) error {
	doc := sessionDocument{
		SessionID: item.ID,
		UserID:    item.UserID,
		Title:     item.Title,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"userId": item.UserID, "sessionId": item.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoSessionStore) ListByUser(ctx context.Context, userID string) ([]models.SessionItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []sessionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]models.SessionItem, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.item())
	}
	return out, nil
}
