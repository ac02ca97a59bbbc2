package persistence

import (
	"context"
	"fmt"
	"time"

	dm "github.com/andrej220/linen/pkg/shared-models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoTimeout = 30 * time.Second

type replacer interface {
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// MongoSink upserts results keyed by run id and node, so a redelivered
// request overwrites its earlier result.
type MongoSink struct {
	coll    replacer
	timeout time.Duration
}

func NewMongoSink(coll *mongo.Collection) *MongoSink {
	return &MongoSink{coll: coll, timeout: defaultMongoTimeout}
}

func (s *MongoSink) Save(ctx context.Context, res dm.Result) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := resultDocument(res)
	if err != nil {
		return err
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": res.Key()}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert result %s: %w", res.Key(), err)
	}
	return nil
}

func resultDocument(res dm.Result) (bson.M, error) {
	raw, err := bson.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	doc := bson.M{}
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	doc["_id"] = res.Key()
	return doc, nil
}
