package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"sudooom.im.convstate/internal/config"
)

func newTestMongo(t *testing.T) appendStore {
	t.Helper()

	uri := os.Getenv("CONVSTATE_TEST_MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017/?serverSelectionTimeoutMS=2000&connectTimeoutMS=2000"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	store, err := ConnectMongo(ctx, config.MongoConfig{URI: uri, Database: "im_test", MaxPoolSize: 10})
	if err != nil {
		t.Skipf("跳过测试：无法连接 MongoDB: %v", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		store.Close()
		t.Fatalf("EnsureIndexes failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestMongo(t *testing.T) {
	runLedgerSuite(t, newTestMongo)
}
