package issuerelay

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("issuerelay_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := sampleState()
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || len(loaded.Sessions) != 1 {
		t.Fatalf("unexpected snapshot after save: %+v", loaded)
	}
	if loaded.Sessions["sess-1"].State != SessionRunning {
		t.Fatalf("session state lost: %+v", loaded.Sessions["sess-1"])
	}

	// Upsert path: a second save replaces the snapshot in place.
	saved.Sessions["sess-2"] = Session{ID: "sess-2", RepositoryID: "backend", State: SessionCompleted}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || len(reloaded.Sessions) != 2 {
		t.Fatalf("expected 2 sessions after update, got %+v", reloaded)
	}
}

func TestPostgresIntegrationActivityQueueFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresActivityQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres activity queue: %v", err)
	}
	pg, ok := queue.(*PostgresActivityQueue)
	if !ok {
		t.Fatalf("expected *PostgresActivityQueue, got %T", queue)
	}
	pg.tableName = postgresIntegrationTableName("issuerelay_actq_it")
	pg.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	if !queue.TryEnqueue(ActivityPost{SessionID: "s", Body: "a"}) {
		t.Fatalf("expected enqueue a to succeed")
	}
	if !queue.TryEnqueue(ActivityPost{SessionID: "s", Body: "b"}) {
		t.Fatalf("expected enqueue b to succeed")
	}
	if queue.TryEnqueue(ActivityPost{SessionID: "s", Body: "c"}) {
		t.Fatalf("expected enqueue c to fail at capacity")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.Body != "a" {
		t.Fatalf("expected first dequeue a, got ok=%v value=%q", ok, first.Body)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.Body != "b" {
		t.Fatalf("expected second dequeue b, got ok=%v value=%q", ok, second.Body)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ISSUERELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set ISSUERELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
