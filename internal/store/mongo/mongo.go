// Package mongo provides a MongoDB implementation of the token store.
//
// This implementation persists active, archived, and cached-data tables
// to MongoDB collections for durability across master restarts, per the
// persistent-state table layout (two tables per master identity, plus one
// cache table).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pinwheel-sh/pinwheel/internal/store"
	"github.com/pinwheel-sh/pinwheel/internal/token"
)

// Store is a MongoDB implementation of store.Store. It persists the
// active, archived, and cached-data tables to three collections named
// after the given master identity, matching the <active_tokens_<master>>
// naming convention.
type Store struct {
	client   *mongo.Client
	active   *mongo.Collection
	archived *mongo.Collection
	cache    *mongo.Collection
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// tokenDocument is the MongoDB document representation of a Token.
type tokenDocument struct {
	Name           string `bson:"_id"`
	Version        int64  `bson:"version"`
	Owner          string `bson:"owner,omitempty"`
	ExpirationTime int64  `bson:"expiration_time,omitempty"`
	Priority       float64 `bson:"priority"`
	Data           []byte `bson:"data,omitempty"`
}

// cacheDocument is the MongoDB document representation of one cached blob.
type cacheDocument struct {
	Name string `bson:"_id"`
	Data []byte `bson:"data"`
}

// New creates a new MongoDB store using the given client and master
// identity. Collection names follow <table>_<master> so multiple masters
// can coexist in one database.
func New(client *mongo.Client, database, masterName string) *Store {
	db := client.Database(database)
	return &Store{
		client:   client,
		active:   db.Collection("active_tokens_" + masterName),
		archived: db.Collection("archived_tokens_" + masterName),
		cache:    db.Collection("cached_data_" + masterName),
	}
}

func toDocument(t token.Token) tokenDocument {
	return tokenDocument{
		Name:           t.Name,
		Version:        t.Version,
		Owner:          t.Owner,
		ExpirationTime: t.ExpirationTime,
		Priority:       t.Priority,
		Data:           t.Data,
	}
}

func fromDocument(d tokenDocument) token.Token {
	return token.Token{
		Name:           d.Name,
		Version:        d.Version,
		Owner:          d.Owner,
		ExpirationTime: d.ExpirationTime,
		Priority:       d.Priority,
		Data:           d.Data,
	}
}

// CommitTokens implements store.Store. All upserts and deletes land in a
// single MongoDB transaction so the row-granularity atomicity §4.1
// requires holds even when the bulk write spans a shard boundary.
func (s *Store) CommitTokens(ctx context.Context, updates []token.Token, deletes []string) error {
	if len(updates) == 0 && len(deletes) == 0 {
		return nil
	}
	return s.withTransaction(ctx, func(sctx context.Context) error {
		var models []mongo.WriteModel
		for _, u := range updates {
			doc := toDocument(u)
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": u.Name}).
				SetReplacement(doc).
				SetUpsert(true))
		}
		for _, name := range deletes {
			models = append(models, mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": name}))
		}
		if len(models) == 0 {
			return nil
		}
		_, err := s.active.BulkWrite(sctx, models)
		if err != nil {
			return fmt.Errorf("mongodb commit tokens: %w", err)
		}
		return nil
	})
}

// ArchiveTokens implements store.Store: insert into archived, delete from
// active, atomically.
func (s *Store) ArchiveTokens(ctx context.Context, tokens []token.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	return s.withTransaction(ctx, func(sctx context.Context) error {
		var archiveModels []mongo.WriteModel
		var activeNames []string
		for _, t := range tokens {
			archiveModels = append(archiveModels, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": t.Name}).
				SetReplacement(toDocument(t)).
				SetUpsert(true))
			activeNames = append(activeNames, t.Name)
		}
		if _, err := s.archived.BulkWrite(sctx, archiveModels); err != nil {
			return fmt.Errorf("mongodb archive tokens insert: %w", err)
		}
		if _, err := s.active.DeleteMany(sctx, bson.M{"_id": bson.M{"$in": activeNames}}); err != nil {
			return fmt.Errorf("mongodb archive tokens delete: %w", err)
		}
		return nil
	})
}

// DeleteArchivedTokens implements store.Store.
func (s *Store) DeleteArchivedTokens(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := s.archived.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": names}})
	if err != nil {
		return fmt.Errorf("mongodb delete archived tokens: %w", err)
	}
	return nil
}

// ReadActiveTokens implements store.Store.
func (s *Store) ReadActiveTokens(ctx context.Context, filter store.Filter) ([]token.Token, error) {
	return readTokens(ctx, s.active, filter)
}

// ReadArchivedTokens implements store.Store.
func (s *Store) ReadArchivedTokens(ctx context.Context, filter store.Filter) ([]token.Token, error) {
	return readTokens(ctx, s.archived, filter)
}

// ReadTokens implements store.Store.
func (s *Store) ReadTokens(ctx context.Context, filter store.Filter) ([]token.Token, error) {
	active, err := s.ReadActiveTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	archived, err := s.ReadArchivedTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	return append(active, archived...), nil
}

// ReadActiveNames implements store.Store.
func (s *Store) ReadActiveNames(ctx context.Context, filter store.Filter) ([]string, error) {
	toks, err := s.ReadActiveTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	return tokenNames(toks), nil
}

// ReadArchivedNames implements store.Store.
func (s *Store) ReadArchivedNames(ctx context.Context, filter store.Filter) ([]string, error) {
	toks, err := s.ReadArchivedTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	return tokenNames(toks), nil
}

// ReadNames implements store.Store.
func (s *Store) ReadNames(ctx context.Context, filter store.Filter) ([]string, error) {
	toks, err := s.ReadTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	return tokenNames(toks), nil
}

// GetCachedData implements store.Store.
func (s *Store) GetCachedData(ctx context.Context, name string) ([]byte, error) {
	var doc cacheDocument
	err := s.cache.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get cached data %q: %w", name, err)
	}
	return doc.Data, nil
}

// SetCachedData implements store.Store.
func (s *Store) SetCachedData(ctx context.Context, name string, data []byte) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.cache.ReplaceOne(ctx, bson.M{"_id": name}, cacheDocument{Name: name, Data: data}, opts)
	if err != nil {
		return fmt.Errorf("mongodb set cached data %q: %w", name, err)
	}
	return nil
}

// ClearCachedData implements store.Store.
func (s *Store) ClearCachedData(ctx context.Context) error {
	_, err := s.cache.DeleteMany(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("mongodb clear cached data: %w", err)
	}
	return nil
}

func (s *Store) withTransaction(ctx context.Context, fn func(sctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongodb start session: %w", err)
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sctx context.Context) (any, error) {
		return nil, fn(sctx)
	})
	return err
}

func readTokens(ctx context.Context, coll *mongo.Collection, filter store.Filter) ([]token.Token, error) {
	query := bson.M{}
	var clauses []bson.M
	if filter.Prefix != "" {
		clauses = append(clauses, bson.M{"_id": bson.M{"$regex": "^" + escapeLike(filter.Prefix)}})
	}
	if filter.Suffix != "" {
		clauses = append(clauses, bson.M{"_id": bson.M{"$regex": escapeLike(filter.Suffix) + "$"}})
	}
	if filter.Infix != "" {
		clauses = append(clauses, bson.M{"_id": bson.M{"$regex": escapeLike(filter.Infix)}})
	}
	switch len(clauses) {
	case 0:
	case 1:
		query = clauses[0]
	default:
		query = bson.M{"$and": clauses}
	}

	cursor, err := coll.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mongodb read tokens: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []tokenDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb read tokens decode: %w", err)
	}
	out := make([]token.Token, len(docs))
	for i, d := range docs {
		out[i] = fromDocument(d)
	}
	return out, nil
}

func tokenNames(toks []token.Token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Name
	}
	return out
}

// escapeLike escapes regex metacharacters but leaves '_' as a literal
// character (SQL-LIKE semantics: '_' never means "any character" here).
func escapeLike(s string) string {
	special := []string{"\\", ".", "+", "*", "?", "^", "$", "(", ")", "[", "]", "{", "}", "|"}
	result := s
	for _, char := range special {
		result = strings.ReplaceAll(result, char, "\\"+char)
	}
	return result
}
