package mongo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"linkstream/internal/domain"
)

const maxLinksPerQuery = 100

// LinkRepository resolves playable links from a Mongo collection shared with
// the link catalogue. It implements ports.LinkResolver.
type LinkRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

type linkDoc struct {
	ID                 string            `bson:"_id"`
	ExternalID         string            `bson:"imdbId"`
	Size               int64             `bson:"size"`
	PlayableLink       string            `bson:"playableLink"`
	Headers            map[string]string `bson:"headers,omitempty"`
	SpeedRank          float64           `bson:"speedRank"`
	Status             string            `bson:"status"`
	Title              string            `bson:"title,omitempty"`
	ContentType        string            `bson:"contentType,omitempty"`
	LastModified       string            `bson:"lastModified,omitempty"`
	RefreshRequestedAt int64             `bson:"refreshRequestedAt,omitempty"`
	UpdatedAt          int64             `bson:"updatedAt"`
}

func NewLinkRepository(client *mongo.Client, dbName, collectionName string) *LinkRepository {
	return &LinkRepository{
		collection: client.Database(dbName).Collection(collectionName),
		now:        time.Now,
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *LinkRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "imdbId", Value: 1}, {Key: "size", Value: 1}, {Key: "speedRank", Value: -1}}},
		{Keys: bson.D{{Key: "refreshRequestedAt", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// GetLinks returns the links stored for externalID and size, fastest first.
func (r *LinkRepository) GetLinks(ctx context.Context, externalID string, size int64) ([]domain.Link, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "speedRank", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(maxLinksPerQuery)

	cursor, err := r.collection.Find(ctx, linksFilter(externalID, size), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLinksUnavailable, err)
	}
	defer cursor.Close(ctx)

	var docs []linkDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLinksUnavailable, err)
	}
	links := make([]domain.Link, 0, len(docs))
	for _, doc := range docs {
		links = append(links, fromDoc(doc))
	}
	return links, nil
}

// RequestRefresh flags the link for re-validation by the catalogue.
func (r *LinkRepository) RequestRefresh(ctx context.Context, linkID string) error {
	res, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": linkID},
		bson.M{"$set": bson.M{"refreshRequestedAt": r.now().UTC().Unix()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: link %s", domain.ErrNotFound, linkID)
	}
	return nil
}

// Upsert stores link as one of the locations of externalID and size.
func (r *LinkRepository) Upsert(ctx context.Context, externalID string, size int64, link domain.Link) error {
	doc := toDoc(externalID, size, link)
	doc.UpdatedAt = r.now().UTC().Unix()
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func linksFilter(externalID string, size int64) bson.M {
	return bson.M{
		"imdbId": strings.ToLower(strings.TrimSpace(externalID)),
		"size":   size,
	}
}

func toDoc(externalID string, size int64, l domain.Link) linkDoc {
	return linkDoc{
		ID:           l.ID,
		ExternalID:   strings.ToLower(strings.TrimSpace(externalID)),
		Size:         size,
		PlayableLink: l.PlayableLink,
		Headers:      l.Headers,
		SpeedRank:    l.SpeedRank,
		Status:       string(l.Status),
		Title:        l.Title,
		ContentType:  l.ContentType,
		LastModified: l.LastModified,
	}
}

func fromDoc(doc linkDoc) domain.Link {
	return domain.Link{
		ID:           doc.ID,
		PlayableLink: doc.PlayableLink,
		Headers:      doc.Headers,
		SpeedRank:    doc.SpeedRank,
		Status:       domain.LinkStatus(doc.Status),
		Title:        doc.Title,
		ContentType:  doc.ContentType,
		LastModified: doc.LastModified,
	}
}
