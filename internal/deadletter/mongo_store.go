package deadletter

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps dead-letter artifacts in a quarantine collection, one
// document per failed execution id.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed dead-letter store.
// dbName defaults to "flowgrid" if empty, collName defaults to "dead_letters".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "flowgrid"
	}
	if collName == "" {
		collName = "dead_letters"
	}
	return &MongoStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

func (s *MongoStore) Capture(ctx context.Context, a Artifact) error {
	// Upsert keyed by execution id keeps Capture idempotent if the engine
	// is ever restarted mid-transition.
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"execution_id": a.ExecutionID},
		a,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Get(ctx context.Context, executionID string) (*Artifact, error) {
	var a Artifact
	err := s.coll.FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *MongoStore) List(ctx context.Context) ([]string, error) {
	cur, err := s.coll.Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"execution_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ExecutionID string `bson:"execution_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ExecutionID)
	}
	return ids, cur.Err()
}
