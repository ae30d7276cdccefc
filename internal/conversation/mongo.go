package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

const (
	conversationsCollection = "conversations"
	summariesCollection     = "summaries"
)

// MongoStore keeps one document per conversation key in "conversations" and one
// per key in "summaries".
type MongoStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	summaries     *mongo.Collection
	timeout       time.Duration
	now           func() time.Time
}

func NewMongoStore(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.New("mongo uri is required for mongo backend")
	}
	if strings.TrimSpace(database) == "" {
		database = "chat"
	}
	timeout = defaultTimeout(timeout)

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, wrapErr("connect mongo", err, isMongoUnavailable)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, wrapErr("ping mongo", err, isMongoUnavailable)
	}

	db := client.Database(database)
	return &MongoStore{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		summaries:     db.Collection(summariesCollection),
		timeout:       timeout,
		now:           storeNow,
	}, nil
}

func (s *MongoStore) AppendTurn(ctx context.Context, key, userMessage, assistantMessage string, metadata map[string]any) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	now := s.now()
	turn := newTurn(userMessage, assistantMessage, metadata, now)

	filter := bson.M{"_id": key}
	update := bson.M{
		"$setOnInsert": bson.M{"created_at": now},
		"$push":        bson.M{"turns": turn},
	}
	_, err := s.conversations.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced to insert the same _id; the loser now matches the
		// winner's document and appends to it.
		_, err = s.conversations.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	}
	if err != nil {
		return "", wrapErr("append turn", err, isMongoUnavailable)
	}
	return key, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, key string) (*Conversation, error) {
	projection := bson.M{"_id": 1, "turns": 1, "created_at": 1}
	res := s.conversations.FindOne(ctx, bson.M{"_id": strings.TrimSpace(key)}, options.FindOne().SetProjection(projection))

	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapErr("get conversation", err, isMongoUnavailable)
	}
	for i := range conv.Turns {
		if conv.Turns[i].Metadata == nil {
			conv.Turns[i].Metadata = map[string]any{}
		}
	}
	return &conv, nil
}

func (s *MongoStore) SaveTriageSummary(ctx context.Context, key string, summary map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	update := bson.M{
		"$set": bson.M{
			"triage_summary": summary,
			"finalized_at":   s.now(),
		},
	}
	_, err := s.summaries.UpdateOne(ctx, bson.M{"_id": key}, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		_, err = s.summaries.UpdateOne(ctx, bson.M{"_id": key}, update, options.Update().SetUpsert(true))
	}
	if err != nil {
		return wrapErr("save triage summary", err, isMongoUnavailable)
	}
	return nil
}

func (s *MongoStore) GetTriageSummary(ctx context.Context, key string) (*TriageSummary, error) {
	projection := bson.M{"_id": 1, "triage_summary": 1, "finalized_at": 1}
	res := s.summaries.FindOne(ctx, bson.M{"_id": strings.TrimSpace(key)}, options.FindOne().SetProjection(projection))

	var sum TriageSummary
	if err := res.Decode(&sum); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapErr("get triage summary", err, isMongoUnavailable)
	}
	return &sum, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return wrapErr("ping mongo", err, isMongoUnavailable)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func isMongoUnavailable(err error) bool {
	var selErr topology.ServerSelectionError
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.As(err, &selErr) || errors.Is(err, mongo.ErrClientDisconnected)
}
