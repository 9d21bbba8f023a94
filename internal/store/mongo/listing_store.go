// Package mongo implements the listing store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

// DefaultTimeout bounds connect and index creation.
const DefaultTimeout = 10 * time.Second

// Config selects the deployment and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

type document struct {
	ID           string         `bson:"_id"`
	URL          string         `bson:"url"`
	Platform     string         `bson:"platform"`
	Title        string         `bson:"title"`
	Image        string         `bson:"image,omitempty"`
	PriceMin     *float64       `bson:"price_min,omitempty"`
	PriceMax     *float64       `bson:"price_max,omitempty"`
	Currency     string         `bson:"currency,omitempty"`
	MOQ          int            `bson:"moq,omitempty"`
	Unit         string         `bson:"unit,omitempty"`
	StoreName    string         `bson:"store_name,omitempty"`
	CategoryKeys []string       `bson:"category_keys"`
	SearchTerms  []string       `bson:"search_terms"`
	QualityClass string         `bson:"quality_class,omitempty"`
	DedupeKey    string         `bson:"dedupe_key,omitempty"`
	Detail       listing.Detail `bson:"detail"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func (d document) listing() listing.Listing {
	return listing.Listing{
		ID:           d.ID,
		URL:          d.URL,
		Platform:     listing.Platform(d.Platform),
		Title:        d.Title,
		Image:        d.Image,
		PriceMin:     d.PriceMin,
		PriceMax:     d.PriceMax,
		Currency:     d.Currency,
		MOQ:          d.MOQ,
		Unit:         d.Unit,
		StoreName:    d.StoreName,
		CategoryKeys: d.CategoryKeys,
		SearchTerms:  d.SearchTerms,
		QualityClass: listing.QualityClass(d.QualityClass),
		DedupeKey:    d.DedupeKey,
		Detail:       d.Detail,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// Store keeps listings in one collection with a unique url index.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	ids    listing.IDGenerator
	clock  listing.Clock
}

// New connects, pings and ensures indexes.
func New(ctx context.Context, cfg Config, ids listing.IDGenerator, clock listing.Clock) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("store.mongo.uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("store.mongo.database is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "listings"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		ids:    ids,
		clock:  clock,
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "url", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "category_keys", Value: 1}}},
		{Keys: bson.D{{Key: "platform", Value: 1}, {Key: "_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create listing indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// UpsertByURL inserts l or merges it into the document with the same url. An existing
// image is only filled in when it was empty.
func (s *Store) UpsertByURL(ctx context.Context, l listing.Listing) (listing.UpsertResult, error) {
	if l.URL == "" {
		return listing.UpsertResult{}, fmt.Errorf("listing url is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return listing.UpsertResult{}, fmt.Errorf("generate listing id: %w", err)
	}
	now := s.clock.Now().UTC()

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before)

	var before document
	err = s.coll.FindOneAndUpdate(ctx, bson.M{"url": l.URL}, upsertUpdate(id, l, now), opts).Decode(&before)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return listing.UpsertResult{ID: id, Created: true}, nil
	case err != nil:
		return listing.UpsertResult{}, fmt.Errorf("upsert listing %s: %w", l.URL, err)
	}

	if before.Image == "" && l.Image != "" {
		if _, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": before.ID, "image": bson.M{"$in": bson.A{nil, ""}}},
			bson.M{"$set": bson.M{"image": l.Image}},
		); err != nil {
			return listing.UpsertResult{}, fmt.Errorf("fill image of %s: %w", before.ID, err)
		}
	}
	return listing.UpsertResult{ID: before.ID, Created: false}, nil
}

func upsertUpdate(id string, l listing.Listing, now time.Time) bson.M {
	onInsert := bson.M{
		"_id":        id,
		"created_at": now,
	}
	if l.Image != "" {
		onInsert["image"] = l.Image
	}
	return bson.M{
		"$set": bson.M{
			"platform":      string(l.Platform),
			"title":         l.Title,
			"price_min":     l.PriceMin,
			"price_max":     l.PriceMax,
			"currency":      l.Currency,
			"moq":           l.MOQ,
			"unit":          l.Unit,
			"store_name":    l.StoreName,
			"quality_class": string(l.QualityClass),
			"dedupe_key":    l.DedupeKey,
			"detail":        l.Detail,
			"updated_at":    now,
		},
		"$setOnInsert": onInsert,
		"$addToSet": bson.M{
			"category_keys": bson.M{"$each": nonNil(l.CategoryKeys)},
			"search_terms":  bson.M{"$each": nonNil(l.SearchTerms)},
		},
	}
}

// CountByCategory counts listings tagged with categoryKey.
func (s *Store) CountByCategory(ctx context.Context, categoryKey string) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"category_keys": categoryKey})
	if err != nil {
		return 0, fmt.Errorf("count listings for %s: %w", categoryKey, err)
	}
	return int(n), nil
}

// UpdateImages applies the updates as one unordered bulk write.
func (s *Store) UpdateImages(ctx context.Context, updates []listing.ImageUpdate) (int, error) {
	models := imageWriteModels(updates, s.clock.Now().UTC())
	if len(models) == 0 {
		return 0, nil
	}
	res, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("update listing images: %w", err)
	}
	return int(res.MatchedCount), nil
}

func imageWriteModels(updates []listing.ImageUpdate, now time.Time) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		var update bson.M
		if u.Image == "" {
			update = bson.M{"$unset": bson.M{"image": ""}, "$set": bson.M{"updated_at": now}}
		} else {
			update = bson.M{"$set": bson.M{"image": u.Image, "updated_at": now}}
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.ID}).
			SetUpdate(update))
	}
	return models
}

// ListForImageFix pages listings in _id order.
func (s *Store) ListForImageFix(ctx context.Context, q listing.ImageFixQuery) ([]listing.Listing, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, imageFixFilter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("list listings for image fix: %w", err)
	}
	defer cursor.Close(ctx)

	var out []listing.Listing
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		out = append(out, doc.listing())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

func imageFixFilter(q listing.ImageFixQuery) bson.D {
	filter := bson.D{}
	if q.AfterID != "" {
		filter = append(filter, bson.E{Key: "_id", Value: bson.M{"$gt": q.AfterID}})
	}
	if q.Platform != "" {
		filter = append(filter, bson.E{Key: "platform", Value: string(q.Platform)})
	}
	cached := primitive.Regex{Pattern: "^" + regexp.QuoteMeta(q.CachePrefix)}
	switch {
	case q.OnlyCached:
		filter = append(filter, bson.E{Key: "image", Value: cached})
	case q.CachePrefix != "":
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.M{"image": bson.M{"$exists": false}},
			bson.M{"image": bson.M{"$in": bson.A{nil, ""}}},
			bson.M{"image": bson.M{"$not": cached}},
		}})
	}
	return filter
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
