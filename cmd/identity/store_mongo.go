package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore implements Store over a MongoDB collection. The store owns its
// client; Close disconnects it.
type MongoStore struct {
	client   *mongo.Client
	accounts *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type accountDoc struct {
	ID            string     `bson:"_id"`
	Handle        string     `bson:"handle"`
	HandleNorm    string     `bson:"handle_norm"`
	Email         string     `bson:"email"`
	EmailNorm     string     `bson:"email_norm"`
	AvatarURL     string     `bson:"avatar_url"`
	PhoneNumber   string     `bson:"phone_number"`
	PasswordHash  string     `bson:"password_hash"`
	RefreshTokens RefreshSet `bson:"refresh_tokens"`
	Version       int64      `bson:"version"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

const (
	mongoIndexEmail  = "uq_accounts_email_norm"
	mongoIndexHandle = "uq_accounts_handle_norm"
)

// OpenMongoStore connects to uri, selects database and ensures indexes.
func OpenMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	const op = "identity.OpenMongoStore"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	s := &MongoStore{
		client:   client,
		accounts: client.Database(database).Collection("accounts"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email_norm", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(mongoIndexEmail),
		},
		{
			Keys:    bson.D{{Key: "handle_norm", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(mongoIndexHandle),
		},
	})
	return err
}

func (s *MongoStore) FindByEmailOrHandle(ctx context.Context, key string) (Account, error) {
	const op = "identity.FindByEmailOrHandle"

	acct, err := s.findOne(ctx, op, bson.D{{Key: "email_norm", Value: NormalizeEmail(key)}})
	if err == nil || !IsNotFound(err) {
		return acct, err
	}
	return s.findOne(ctx, op, bson.D{{Key: "handle_norm", Value: NormalizeHandle(key)}})
}

func (s *MongoStore) LoadByID(ctx context.Context, id string) (Account, error) {
	return s.findOne(ctx, "identity.LoadByID", bson.D{{Key: "_id", Value: id}})
}

func (s *MongoStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.CreateAccount"

	acct, err := prepareCreate(op, in)
	if err != nil {
		return Account{}, err
	}

	if _, err := s.accounts.InsertOne(ctx, toAccountDoc(acct)); err != nil {
		if field, ok := mongoDuplicateField(err); ok {
			return Account{}, ConflictError{Op: op, Field: field}
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return acct, nil
}

func (s *MongoStore) PersistRefreshSet(ctx context.Context, id string, expectedVersion int64, set RefreshSet) error {
	const op = "identity.PersistRefreshSet"

	res, err := s.accounts.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "version", Value: expectedVersion},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "refresh_tokens", Value: set.clone()},
				{Key: "updated_at", Value: time.Now().UTC()},
			}},
			{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.accounts.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return ConflictError{Op: op}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) findOne(ctx context.Context, op string, filter bson.D) (Account, error) {
	var doc accountDoc
	if err := s.accounts.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, NotFoundError{Op: op, Resource: "account"}
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.account(), nil
}

func toAccountDoc(a Account) accountDoc {
	return accountDoc{
		ID:            a.ID,
		Handle:        a.Handle,
		HandleNorm:    a.HandleNorm,
		Email:         a.Email,
		EmailNorm:     a.EmailNorm,
		AvatarURL:     a.AvatarURL,
		PhoneNumber:   a.PhoneNumber,
		PasswordHash:  a.PasswordHash,
		RefreshTokens: a.RefreshTokens.clone(),
		Version:       a.Version,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (d accountDoc) account() Account {
	return Account{
		ID:            d.ID,
		Handle:        d.Handle,
		HandleNorm:    d.HandleNorm,
		Email:         d.Email,
		EmailNorm:     d.EmailNorm,
		AvatarURL:     d.AvatarURL,
		PhoneNumber:   d.PhoneNumber,
		PasswordHash:  d.PasswordHash,
		RefreshTokens: d.RefreshTokens.clone(),
		Version:       d.Version,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

// mongoDuplicateField maps a duplicate key error (code 11000) to the
// logical field of the violated unique index.
func mongoDuplicateField(err error) (string, bool) {
	var we mongo.WriteException
	if !errors.As(err, &we) {
		return "", false
	}
	for _, e := range we.WriteErrors {
		if e.Code != 11000 {
			continue
		}
		switch {
		case strings.Contains(e.Message, mongoIndexEmail):
			return "email", true
		case strings.Contains(e.Message, mongoIndexHandle):
			return "handle", true
		default:
			return "unique", true
		}
	}
	return "", false
}
