package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"linkstream/internal/domain"
)

// testMongoURI returns the MongoDB connection URI for integration tests.
// Defaults to localhost:27017. Set MONGO_TEST_URI to override.
func testMongoURI() string {
	if uri := os.Getenv("MONGO_TEST_URI"); uri != "" {
		return uri
	}
	return "mongodb://localhost:27017"
}

// setupTestRepo connects to MongoDB and returns a LinkRepository on a unique
// test database. Calls t.Skip if MongoDB is unreachable.
func setupTestRepo(t *testing.T) *LinkRepository {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uri := testMongoURI()
	client, err := Connect(ctx, uri, options.Client().SetConnectTimeout(3*time.Second))
	if err != nil {
		t.Skipf("MongoDB not available at %s: %v", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		t.Skipf("MongoDB ping failed at %s: %v", uri, err)
	}

	dbName := fmt.Sprintf("linkstream_test_%d", time.Now().UnixNano())
	repo := NewLinkRepository(client, dbName, "links")
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		t.Fatalf("EnsureIndexes: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return repo
}

func TestIntegrationGetLinksSortedByRank(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	seed := []domain.Link{
		{ID: "slow", PlayableLink: "http://a", SpeedRank: 1, Status: domain.LinkValid},
		{ID: "fast", PlayableLink: "http://b", SpeedRank: 9, Status: domain.LinkValid},
		{ID: "mid", PlayableLink: "http://c", SpeedRank: 5, Status: domain.LinkInvalid},
	}
	for _, l := range seed {
		if err := repo.Upsert(ctx, "tt1", 1000, l); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := repo.Upsert(ctx, "tt1", 2000, domain.Link{ID: "other-size", SpeedRank: 100}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	links, err := repo.GetLinks(ctx, "TT1", 1000)
	if err != nil {
		t.Fatalf("GetLinks: %v", err)
	}
	var ids []string
	for _, l := range links {
		ids = append(ids, l.ID)
	}
	if fmt.Sprint(ids) != "[fast mid slow]" {
		t.Errorf("got %v, want [fast mid slow]", ids)
	}
}

func TestIntegrationRequestRefresh(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	if err := repo.Upsert(ctx, "tt1", 10, domain.Link{ID: "l1", Status: domain.LinkValid}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := repo.RequestRefresh(ctx, "l1"); err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}

	var doc linkDoc
	if err := repo.collection.FindOne(ctx, bson.M{"_id": "l1"}).Decode(&doc); err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if doc.RefreshRequestedAt != fixed.Unix() {
		t.Errorf("refreshRequestedAt: got %d, want %d", doc.RefreshRequestedAt, fixed.Unix())
	}

	if err := repo.RequestRefresh(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
