package mongo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hoplink/hoplink/clicklog"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	name := "clicklog_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	db := testMongoClient.Database(name)
	if err := db.Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop database: %v", err)
	}
	st := New(db)
	if err := st.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("failed to create indexes: %v", err)
	}
	return st
}

func rawClick(id string, ts time.Time) clicklog.RawClick {
	return clicklog.RawClick{
		ClickID:        id,
		Timestamp:      ts,
		WorkspaceID:    "ws1",
		LinkID:         "l1",
		Domain:         "links.example.com",
		Slug:           "promo",
		DestinationURL: "https://dest.example/promo",
		Referrer:       "https://ref.example/page",
		UserAgent:      "Mozilla/5.0",
		IPHash:         strings.Repeat("ab", 32),
		Country:        "DE",
		DeviceClass:    "desktop",
	}
}

func TestMongoInsertIgnoreDuplicates(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	n, err := st.InsertIgnoreDuplicates(ctx, []clicklog.RawClick{
		rawClick("a", ts),
		rawClick("b", ts.Add(time.Second)),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	// Full redelivery plus one new row: duplicates are skipped silently.
	n, err = st.InsertIgnoreDuplicates(ctx, []clicklog.RawClick{
		rawClick("a", ts),
		rawClick("b", ts.Add(time.Second)),
		rawClick("c", ts.Add(2*time.Second)),
	})
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted on redelivery, got %d", n)
	}

	total, err := st.CountAll(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 rows, got %d", total)
	}
}

func TestMongoRawClickRoundTrip(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC)

	want := rawClick("round", ts)
	want.Region = "BE"
	want.City = "Berlin"
	want.BotSuspected = false
	if _, err := st.InsertIgnoreDuplicates(ctx, []clicklog.RawClick{want}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := st.ListAfter(ctx, ts.Add(-time.Second), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.ClickID != want.ClickID || !got.Timestamp.Equal(want.Timestamp) ||
		got.Referrer != want.Referrer || got.IPHash != want.IPHash ||
		got.Country != want.Country || got.City != want.City || got.DeviceClass != want.DeviceClass {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestMongoListAfterNeverSplitsTimestamp(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := st.InsertIgnoreDuplicates(ctx, []clicklog.RawClick{
		rawClick("a", ts), rawClick("b", ts), rawClick("c", ts),
		rawClick("d", ts.Add(time.Second)),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := st.ListAfter(ctx, ts.Add(-time.Second), 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected batch extended to 3 equal-ts rows, got %d", len(rows))
	}
	for _, r := range rows {
		if !r.Timestamp.Equal(ts) {
			t.Fatalf("unexpected row in extended batch: %+v", r)
		}
	}
}

func TestMongoDeleteBeforeBounded(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var clicks []clicklog.RawClick
	for i := 0; i < 7; i++ {
		clicks = append(clicks, rawClick(fmt.Sprintf("old%d", i), cutoff.Add(-time.Duration(i+1)*time.Hour)))
	}
	clicks = append(clicks, rawClick("fresh", cutoff.Add(time.Hour)))
	if _, err := st.InsertIgnoreDuplicates(ctx, clicks); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := st.DeleteBefore(ctx, cutoff, 5)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 deleted, got %d", n)
	}
	n, err = st.DeleteBefore(ctx, cutoff, 5)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}

	total, err := st.CountAll(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected only the fresh row to survive, got %d", total)
	}
}

func TestMongoEnsureIndexesIdempotent(t *testing.T) {
	st := getStore(t)
	if err := st.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("second EnsureIndexes: %v", err)
	}
}
