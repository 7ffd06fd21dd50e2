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

	"github.com/hoplink/hoplink/rollup"
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

// getStore returns a store against a fresh database. The test container runs
// a standalone mongod, which cannot host multi-document transactions, so the
// store runs with transactions disabled; the write paths are otherwise
// identical.
func getStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	name := "rollup_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	db := testMongoClient.Database(name)
	if err := db.Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop database: %v", err)
	}
	st, err := New(Options{Database: db, DisableTransactions: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := st.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("failed to create indexes: %v", err)
	}
	return st
}

func TestMongoNewRequiresDatabase(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestMongoApplyBatchAccumulates(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()
	mark1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mark2 := mark1.Add(time.Hour)

	err := st.ApplyBatch(ctx, rollup.Batch{
		Workspace: map[rollup.WorkspaceKey]int64{{WorkspaceID: "W1", Date: "2026-03-01"}: 2},
		Link: map[rollup.LinkKey]int64{
			{WorkspaceID: "W1", LinkID: "l1", Date: "2026-03-01"}: 2,
		},
		Referrer: map[rollup.ReferrerKey]int64{{WorkspaceID: "W1", Date: "2026-03-01", Referrer: "a.test"}: 2},
		Country:  map[rollup.CountryKey]int64{{WorkspaceID: "W1", Date: "2026-03-01", Country: "DE"}: 2},
		Device:   map[rollup.DeviceKey]int64{{WorkspaceID: "W1", Date: "2026-03-01", Device: "desktop"}: 2},
		NewMark:  mark1,
	})
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	err = st.ApplyBatch(ctx, rollup.Batch{
		Workspace: map[rollup.WorkspaceKey]int64{
			{WorkspaceID: "W1", Date: "2026-03-01"}: 3,
			{WorkspaceID: "W1", Date: "2026-03-02"}: 1,
		},
		Link: map[rollup.LinkKey]int64{
			{WorkspaceID: "W1", LinkID: "l1", Date: "2026-03-01"}: 1,
			{WorkspaceID: "W1", LinkID: "l2", Date: "2026-03-02"}: 3,
		},
		NewMark: mark2,
	})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}

	total, err := st.WorkspaceTotal(ctx, "W1", "2026-03-01", "2026-03-02")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected 6, got %d", total)
	}

	trend, err := st.DailyTrend(ctx, "W1", "2026-03-01", "2026-03-02")
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	if len(trend) != 2 || trend[0].Date != "2026-03-01" || trend[0].Clicks != 5 || trend[1].Clicks != 1 {
		t.Fatalf("unexpected trend: %+v", trend)
	}

	links, err := st.TopLinks(ctx, "W1", "2026-03-01", "2026-03-02", 10)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 2 || links[0].Key != "l1" || links[0].Clicks != 3 || links[1].Key != "l2" {
		t.Fatalf("unexpected links: %+v", links)
	}

	mark, err := st.HighWaterMark(ctx)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !mark.Equal(mark2) {
		t.Fatalf("expected mark %v, got %v", mark2, mark)
	}
}

func TestMongoTopNSortAndLimit(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	err := st.ApplyBatch(ctx, rollup.Batch{
		Referrer: map[rollup.ReferrerKey]int64{
			{WorkspaceID: "W1", Date: "2026-03-01", Referrer: "a.test"}:   3,
			{WorkspaceID: "W1", Date: "2026-03-01", Referrer: "b.test"}:   3,
			{WorkspaceID: "W1", Date: "2026-03-01", Referrer: "(direct)"}: 9,
			{WorkspaceID: "W1", Date: "2026-03-01", Referrer: "c.test"}:   1,
			{WorkspaceID: "W2", Date: "2026-03-01", Referrer: "a.test"}:   50,
		},
		NewMark: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	refs, err := st.TopReferrers(ctx, "W1", "2026-03-01", "2026-03-01", 3)
	if err != nil {
		t.Fatalf("referrers: %v", err)
	}
	want := []rollup.KeyCount{
		{Key: "(direct)", Clicks: 9},
		{Key: "a.test", Clicks: 3},
		{Key: "b.test", Clicks: 3},
	}
	if len(refs) != len(want) {
		t.Fatalf("expected %d rows, got %+v", len(want), refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("row %d: expected %+v, got %+v", i, want[i], refs[i])
		}
	}
}

func TestMongoEmptyReads(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	mark, err := st.HighWaterMark(ctx)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !mark.IsZero() {
		t.Fatalf("expected zero mark, got %v", mark)
	}
	total, err := st.WorkspaceTotal(ctx, "W1", "2026-01-01", "2026-12-31")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0, got %d", total)
	}
	devs, err := st.Devices(ctx, "W1", "2026-01-01", "2026-12-31")
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(devs) != 0 {
		t.Fatalf("expected no devices, got %+v", devs)
	}
}

func TestMongoEnsureIndexesIdempotent(t *testing.T) {
	st := getStore(t)
	if err := st.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("second EnsureIndexes: %v", err)
	}
}
