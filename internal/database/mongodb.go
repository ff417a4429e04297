package database

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names
const (
	CollectionMessages = "messages"
	CollectionSessions = "sessions"
)

const defaultMongoDatabase = "chatrelay"

// mongoIndexes lists the indexes each collection needs
var mongoIndexes = map[string][]mongo.IndexModel{
	CollectionMessages: {
		{Keys: bson.D{{Key: "messageId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "to", Value: 1}, {Key: "sessionId", Value: 1}, {Key: "timestamp", Value: 1}}}, // replay
		{Keys: bson.D{{Key: "to", Value: 1}, {Key: "delivered", Value: 1}}},                               // undelivered backlog
	},
	CollectionSessions: {
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "sessionId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "updatedAt", Value: -1}}},
	},
}

// MongoDB holds the client and the database named in the connection URI
type MongoDB struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoDB connects and pings the primary. The database name comes from
// the URI path and defaults to "chatrelay".
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI(uri)
	opts.SetMaxPoolSize(50)
	opts.SetMinPoolSize(5)
	opts.SetMaxConnIdleTime(30 * time.Second)
	opts.SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	name := extractDBName(uri)
	log.Printf("✅ Connected to MongoDB database: %s", name)
	return &MongoDB{client: client, db: client.Database(name)}, nil
}

// extractDBName returns the path segment of a MongoDB URI:
// mongodb://localhost:27017/chatrelay?authSource=admin -> chatrelay
func extractDBName(uri string) string {
	_, rest, found := strings.Cut(uri, "://")
	if !found {
		rest = uri
	}
	_, path, found := strings.Cut(rest, "/")
	if !found {
		return defaultMongoDatabase
	}
	name, _, _ := strings.Cut(path, "?")
	if name == "" {
		return defaultMongoDatabase
	}
	return name
}

// Initialize creates the indexes of every collection; existing indexes are kept
func (m *MongoDB) Initialize(ctx context.Context) error {
	for name, indexes := range mongoIndexes {
		if _, err := m.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
	}
	log.Println("✅ MongoDB indexes initialized")
	return nil
}

// Collection returns a collection handle
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Ping checks that the primary is reachable
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
