package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/qrpayhq/qrpay-gobackend/internal/models"
)

// EnsureIndexes creates the indexes the lifecycle engine depends on:
// unique (tenant_id, reference) for duplicate detection and
// (status, expires_at) for the sweeper scan.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "reference", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := db.Collection("transactions").Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}
	return nil
}

// MongoTransactionStore implements TransactionStore on a transactions
// collection.
type MongoTransactionStore struct {
	collection *mongo.Collection
}

func NewMongoTransactionStore(db *mongo.Database) *MongoTransactionStore {
	return &MongoTransactionStore{collection: db.Collection("transactions")}
}

func (s *MongoTransactionStore) Insert(ctx context.Context, tx *models.Transaction) error {
	_, err := s.collection.InsertOne(ctx, tx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *MongoTransactionStore) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&tx); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return &tx, nil
}

func (s *MongoTransactionStore) FindByReference(ctx context.Context, tenantID, reference string) (*models.Transaction, error) {
	var tx models.Transaction
	filter := bson.M{"tenant_id": tenantID, "reference": reference}
	if err := s.collection.FindOne(ctx, filter).Decode(&tx); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction by reference: %w", err)
	}
	return &tx, nil
}

func (s *MongoTransactionStore) ListByTenant(ctx context.Context, tenantID string, status *models.TransactionStatus) ([]models.Transaction, error) {
	query := bson.M{"tenant_id": tenantID}
	if status != nil {
		query["status"] = *status
	}

	cur, err := s.collection.Find(ctx, query, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return txs, nil
}

func (s *MongoTransactionStore) TransitionStatus(ctx context.Context, id string, from, to models.TransactionStatus, cardID string) (*models.Transaction, error) {
	set := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if cardID != "" {
		set["card_id"] = cardID
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	filter := bson.M{"_id": id, "status": from}

	var tx models.Transaction
	err := s.collection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&tx)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrStatusConflict
		}
		return nil, fmt.Errorf("failed to transition transaction %s: %w", id, err)
	}
	return &tx, nil
}

func (s *MongoTransactionStore) FindOverdue(ctx context.Context, now time.Time, limit int64) ([]models.Transaction, error) {
	query := bson.M{
		"status":     models.StatusNew,
		"expires_at": bson.M{"$lte": now},
	}

	cur, err := s.collection.Find(ctx, query, options.Find().SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to scan overdue transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode overdue transactions: %w", err)
	}
	return txs, nil
}

// MongoSequenceStore implements SequenceStore on a counters collection.
// The counter document is created lazily by the upsert and never
// deleted.
type MongoSequenceStore struct {
	collection *mongo.Collection
}

func NewMongoSequenceStore(db *mongo.Database) *MongoSequenceStore {
	return &MongoSequenceStore{collection: db.Collection("counters")}
}

// Next performs one atomic increment-and-fetch. The first call upserts
// the document with next_no=1. There is no in-process fallback: if the
// round-trip fails, the caller gets an error and no number.
func (s *MongoSequenceStore) Next(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter struct {
		NextNo int64 `bson:"next_no"`
	}
	err := s.collection.FindOneAndUpdate(
		ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"next_no": 1}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrSequenceUnavailable, err)
	}
	return counter.NextNo, nil
}

// MongoTenantStore implements TenantStore; endpoints are embedded in
// the tenant document.
type MongoTenantStore struct {
	collection *mongo.Collection
}

func NewMongoTenantStore(db *mongo.Database) *MongoTenantStore {
	return &MongoTenantStore{collection: db.Collection("tenants")}
}

func (s *MongoTenantStore) Insert(ctx context.Context, tenant *models.Tenant) error {
	if _, err := s.collection.InsertOne(ctx, tenant); err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	return nil
}

func (s *MongoTenantStore) FindByID(ctx context.Context, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&tenant); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to fetch tenant: %w", err)
	}
	return &tenant, nil
}

func (s *MongoTenantStore) AddEndpoint(ctx context.Context, tenantID string, endpoint models.WebhookEndpoint) error {
	update := bson.M{
		"$push": bson.M{"endpoints": endpoint},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": tenantID}, update)
	if err != nil {
		return fmt.Errorf("failed to add endpoint: %w", err)
	}
	if res.MatchedCount == 0 {
		return models.ErrTenantNotFound
	}
	return nil
}

func (s *MongoTenantStore) ReplaceEndpoint(ctx context.Context, tenantID string, endpoint models.WebhookEndpoint) error {
	filter := bson.M{"_id": tenantID, "endpoints.id": endpoint.ID}
	update := bson.M{
		"$set": bson.M{
			"endpoints.$": endpoint,
			"updated_at":  time.Now().UTC(),
		},
	}
	res, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update endpoint: %w", err)
	}
	if res.MatchedCount == 0 {
		return models.ErrEndpointNotFound
	}
	return nil
}
