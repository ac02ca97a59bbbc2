package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/linen/pkg/config/configstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ configstore.ConfigStore = (*MongoStore)(nil)

const opTimeout = 10 * time.Second

// MongoStore keeps one configuration document, keyed by ID, in a collection.
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string // service name, e.g. "linen-agent"
}

func New(uri, dbName, collName, id string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return NewWithCollection(client.Database(dbName).Collection(collName), id), nil
}

func NewWithCollection(coll *mongo.Collection, id string) *MongoStore {
	return &MongoStore{Client: coll.Database().Client(), Collection: coll, ID: id}
}

func (m *MongoStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res := m.Collection.FindOne(ctx, bson.M{"_id": m.ID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("document with ID %q not found", m.ID)
		}
		return fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func (m *MongoStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := m.Collection.ReplaceOne(ctx, bson.M{"_id": m.ID}, in, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("Save: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
