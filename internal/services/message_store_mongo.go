package services

import (
	"context"
	"fmt"
	"time"

	"chatrelay/internal/database"
	"chatrelay/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// messageDocument is the MongoDB shape of a message. _id is a driver
// ObjectID so that ties on timestamp sort by insertion.
type messageDocument struct {
	ObjectID    primitive.ObjectID `bson:"_id,omitempty"`
	MessageID   string             `bson:"messageId"`
	To          string             `bson:"to"`
	SessionID   string             `bson:"sessionId"`
	Timestamp   time.Time          `bson:"timestamp"`
	Delivered   bool               `bson:"delivered"`
	DeliveredAt *time.Time         `bson:"deliveredAt,omitempty"`
	Role        models.Role        `bson:"role"`
	Body        models.BodyRecord  `bson:"body"`
}

// MongoMessageStore handles MongoDB persistence for the message log
type MongoMessageStore struct {
	collection *mongo.Collection
}

// NewMongoMessageStore creates a new message store
func NewMongoMessageStore(mongodb *database.MongoDB) *MongoMessageStore {
	return &MongoMessageStore{
		collection: mongodb.Collection(database.CollectionMessages),
	}
}

func (s *MongoMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	doc := messageDocument{
		MessageID:   msg.ID,
		To:          msg.To,
		SessionID:   msg.SessionID,
		Timestamp:   msg.Timestamp,
		Delivered:   msg.Delivered,
		DeliveredAt: msg.DeliveredAt,
		Role:        msg.Role,
		Body:        models.EncodeBody(msg.Body),
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateMessageID
		}
		return err
	}
	return nil
}

func (s *MongoMessageStore) MarkDelivered(ctx context.Context, ids []string, at time.Time) (int, error) {
	res, err := s.collection.UpdateMany(ctx,
		bson.M{"messageId": bson.M{"$in": ids}, "delivered": false},
		bson.M{"$set": bson.M{"delivered": true, "deliveredAt": at}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoMessageStore) FindBySession(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	return s.find(ctx, bson.M{"to": userID, "sessionId": sessionID})
}

func (s *MongoMessageStore) FindUndelivered(ctx context.Context, userID string) ([]*models.Message, error) {
	return s.find(ctx, bson.M{"to": userID, "delivered": false})
}

func (s *MongoMessageStore) find(ctx context.Context, filter bson.M) ([]*models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	out := make([]*models.Message, 0, len(docs))
	for _, doc := range docs {
		body, err := doc.Body.Decode()
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", doc.MessageID, err)
		}
		msg := &models.Message{
			ID:        doc.MessageID,
			To:        doc.To,
			SessionID: doc.SessionID,
			Timestamp: doc.Timestamp.UTC(),
			Delivered: doc.Delivered,
			Role:      doc.Role,
			Body:      body,
		}
		if doc.DeliveredAt != nil {
			at := doc.DeliveredAt.UTC()
			msg.DeliveredAt = &at
		}
		out = append(out, msg)
	}
	return out, nil
}
