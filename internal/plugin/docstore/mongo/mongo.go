package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/moodlog/conversation-store/internal/config"
	"github.com/moodlog/conversation-store/internal/model"
	registrydocstore "github.com/moodlog/conversation-store/internal/registry/docstore"
	registrymigrate "github.com/moodlog/conversation-store/internal/registry/migrate"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const collectionName = "conversations"

func init() {
	registrydocstore.Register(registrydocstore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrydocstore.DocumentStore, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("mongo docstore: --db-url is required")
			}
			client, err := newClient(cfg)
			if err != nil {
				return nil, err
			}
			// The driver reconnects on its own, so an outage at boot only
			// degrades calls until the server comes back.
			if err := ping(ctx, client, cfg.DocStoreTimeout); err != nil {
				log.Warn("MongoDB not reachable yet, starting anyway", "err", err)
			}
			return New(client.Database(cfg.DBName), cfg.DocStoreTimeout), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// newClient configures a client without contacting the server.
func newClient(cfg *config.Config) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.DBURL)
	if cfg.DBMaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
	}
	if cfg.DBMaxIdleConns > 0 {
		opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
	}
	if cfg.DocStoreTimeout > 0 {
		opts.SetTimeout(cfg.DocStoreTimeout)
		opts.SetServerSelectionTimeout(cfg.DocStoreTimeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return client, nil
}

func ping(ctx context.Context, client *mongo.Client, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return nil
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-conversations" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DocStoreType != "mongo" || !cfg.DatastoreMigrateAtStart {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("mongo migration: %w", err)
	}
	defer client.Disconnect(ctx)
	if err := ping(ctx, client, cfg.DocStoreTimeout); err != nil {
		if cfg.MigrationsRequired {
			return fmt.Errorf("mongo migration: %w", err)
		}
		log.Warn("Skipping MongoDB migration, server unreachable; run `migrate` once it is back", "err", err)
		return nil
	}

	col := client.Database(cfg.DBName).Collection(collectionName)
	_, err = col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", collectionName, err)
	}
	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements DocumentStore on a single MongoDB collection.
type MongoStore struct {
	col     *mongo.Collection
	timeout time.Duration
}

// New returns a store over db's conversations collection. A positive timeout
// bounds every call.
func New(db *mongo.Database, timeout time.Duration) *MongoStore {
	return &MongoStore{col: db.Collection(collectionName), timeout: timeout}
}

type conversationDoc struct {
	ID              bson.ObjectID   `bson:"_id"`
	OwnerID         string          `bson:"owner_id"`
	Title           string          `bson:"title"`
	Messages        []model.Message `bson:"messages"`
	CreatedAt       time.Time       `bson:"created_at"`
	UpdatedAt       time.Time       `bson:"updated_at"`
	LastSentiment   string          `bson:"last_sentiment,omitempty"`
	LastEmotions    []string        `bson:"last_emotions,omitempty"`
	Recommendations []string        `bson:"recommendations,omitempty"`
}

func (d conversationDoc) toRecord() model.ConversationRecord {
	id := d.ID.Hex()
	messages := d.Messages
	if messages == nil {
		messages = []model.Message{}
	}
	return model.ConversationRecord{
		ID:              id,
		OwnerID:         d.OwnerID,
		Title:           d.Title,
		Messages:        messages,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
		LastSentiment:   d.LastSentiment,
		LastEmotions:    d.LastEmotions,
		Recommendations: d.Recommendations,
		Origin:          model.Native(id),
	}
}

func (s *MongoStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// ownedFilter returns false when id cannot be a document key.
func ownedFilter(ownerID, id string) (bson.M, bool) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, false
	}
	return bson.M{"_id": oid, "owner_id": ownerID}, true
}

func (s *MongoStore) Insert(ctx context.Context, rec *model.ConversationRecord) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	messages := rec.Messages
	if messages == nil {
		// $push needs an array to append to.
		messages = []model.Message{}
	}
	doc := conversationDoc{
		ID:              bson.NewObjectID(),
		OwnerID:         rec.OwnerID,
		Title:           rec.Title,
		Messages:        messages,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		LastSentiment:   rec.LastSentiment,
		LastEmotions:    rec.LastEmotions,
		Recommendations: rec.Recommendations,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("mongo docstore: insert conversation: %w", err)
	}
	return doc.ID.Hex(), nil
}

func (s *MongoStore) FindOne(ctx context.Context, ownerID string, id string) (*model.ConversationRecord, error) {
	filter, ok := ownedFilter(ownerID, id)
	if !ok {
		return nil, nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	var doc conversationDoc
	err := s.col.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo docstore: find conversation: %w", err)
	}
	rec := doc.toRecord()
	return &rec, nil
}

func (s *MongoStore) FindByOwner(ctx context.Context, ownerID string) ([]model.ConversationRecord, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cur, err := s.col.Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo docstore: list conversations: %w", err)
	}
	defer cur.Close(ctx)

	var out []model.ConversationRecord
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo docstore: decode conversation: %w", err)
		}
		out = append(out, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo docstore: list conversations: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Update(ctx context.Context, ownerID string, id string, p model.Patch) (*model.ConversationRecord, error) {
	filter, ok := ownedFilter(ownerID, id)
	if !ok {
		return nil, nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	set := bson.M{"updated_at": p.UpdatedAt}
	if p.Title != nil {
		set["title"] = *p.Title
	}
	if ann := p.EffectiveAnnotations(); ann != nil {
		set["last_sentiment"] = ann.LastSentiment
		set["last_emotions"] = ann.LastEmotions
		set["recommendations"] = ann.Recommendations
	}
	update := bson.M{"$set": set}
	if len(p.AppendMessages) > 0 {
		update["$push"] = bson.M{"messages": bson.M{"$each": p.AppendMessages}}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc conversationDoc
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo docstore: update conversation: %w", err)
	}
	rec := doc.toRecord()
	return &rec, nil
}

func (s *MongoStore) DeleteOne(ctx context.Context, ownerID string, id string) (int64, error) {
	filter, ok := ownedFilter(ownerID, id)
	if !ok {
		return 0, nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	res, err := s.col.DeleteOne(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongo docstore: delete conversation: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeleteByOwner(ctx context.Context, ownerID string) (int64, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	res, err := s.col.DeleteMany(ctx, bson.M{"owner_id": ownerID})
	if err != nil {
		return 0, fmt.Errorf("mongo docstore: delete conversations: %w", err)
	}
	return res.DeletedCount, nil
}

var _ registrydocstore.DocumentStore = (*MongoStore)(nil)
